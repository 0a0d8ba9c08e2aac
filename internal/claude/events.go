package claude

import "encoding/json"

// Usage carries Claude usage fields, including the emulated cache stats.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// Event is one Claude SSE event. Type selects which fields apply.
type Event struct {
	Type string `json:"type"`

	// message_start
	Message *MessageStart `json:"message,omitempty"`

	// content_block_start / content_block_delta / content_block_stop
	Index        *int        `json:"index,omitempty"`
	ContentBlock *EventBlock `json:"content_block,omitempty"`
	Delta        *Delta      `json:"delta,omitempty"`

	// message_delta
	Usage *Usage `json:"usage,omitempty"`
}

// MessageStart is the message envelope inside a message_start event.
type MessageStart struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// EventBlock is the content_block payload of a content_block_start event.
type EventBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`
}

// Delta is the delta payload of content_block_delta and message_delta events.
type Delta struct {
	Type string `json:"type,omitempty"`

	Text        string `json:"text,omitempty"`         // text_delta
	Thinking    string `json:"thinking,omitempty"`     // thinking_delta
	Signature   string `json:"signature,omitempty"`    // signature_delta
	PartialJSON string `json:"partial_json,omitempty"` // input_json_delta

	// message_delta
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

func intptr(i int) *int { return &i }

// NewMessageStart builds a message_start event with the usage fields the
// cache simulator computed at request entry.
func NewMessageStart(id, model string, usage Usage) Event {
	return Event{
		Type: "message_start",
		Message: &MessageStart{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Content: []ContentBlock{},
			Model:   model,
			Usage:   usage,
		},
	}
}

// NewPing builds a keepalive ping event.
func NewPing() Event { return Event{Type: "ping"} }

// NewBlockStart builds a content_block_start for a text or thinking block.
func NewBlockStart(index int, blockType string) Event {
	return Event{Type: "content_block_start", Index: intptr(index), ContentBlock: &EventBlock{Type: blockType}}
}

// NewToolUseStart builds a content_block_start for a tool_use block.
func NewToolUseStart(index int, toolUseID, name string) Event {
	return Event{
		Type:         "content_block_start",
		Index:        intptr(index),
		ContentBlock: &EventBlock{Type: "tool_use", ID: toolUseID, Name: name, Input: map[string]any{}},
	}
}

// NewTextDelta builds a content_block_delta with a text_delta payload.
func NewTextDelta(index int, text string) Event {
	return Event{Type: "content_block_delta", Index: intptr(index), Delta: &Delta{Type: "text_delta", Text: text}}
}

// NewThinkingDelta builds a content_block_delta with a thinking_delta payload.
func NewThinkingDelta(index int, thinking string) Event {
	return Event{Type: "content_block_delta", Index: intptr(index), Delta: &Delta{Type: "thinking_delta", Thinking: thinking}}
}

// NewSignatureDelta builds a content_block_delta with a signature_delta payload.
func NewSignatureDelta(index int, signature string) Event {
	return Event{Type: "content_block_delta", Index: intptr(index), Delta: &Delta{Type: "signature_delta", Signature: signature}}
}

// NewInputJSONDelta builds a content_block_delta streaming tool arguments.
func NewInputJSONDelta(index int, partial string) Event {
	return Event{Type: "content_block_delta", Index: intptr(index), Delta: &Delta{Type: "input_json_delta", PartialJSON: partial}}
}

// NewBlockStop builds a content_block_stop event.
func NewBlockStop(index int) Event {
	return Event{Type: "content_block_stop", Index: intptr(index)}
}

// NewMessageDelta builds the final message_delta with stop reason and usage.
func NewMessageDelta(stopReason string, usage Usage) Event {
	return Event{Type: "message_delta", Delta: &Delta{StopReason: stopReason}, Usage: &usage}
}

// NewMessageStop builds the terminating message_stop event.
func NewMessageStop() Event { return Event{Type: "message_stop"} }

// Encode marshals the event payload for the SSE data line.
func (e Event) Encode() []byte {
	buf, _ := json.Marshal(e)
	return buf
}

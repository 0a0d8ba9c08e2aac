// Package openaiapi converts Claude requests to OpenAI chat-completions
// calls and adapts the SSE response stream back into Claude events.
package openaiapi

import (
	"encoding/json"
	"strings"

	"github.com/pysugar/claude-relay/internal/claude"
)

const (
	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// thinkingHint is injected into the system prompt when the client asked
	// for reasoning: OpenAI-style upstreams have no thinking parameter.
	thinkingHint = "When reasoning about the request, wrap your internal reasoning in " +
		"<thinking> and </thinking> tags before giving the final answer."
)

// chatMessage is one OpenAI chat message.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []chatTool    `json:"tools,omitempty"`
	StreamOpts  *streamOpts   `json:"stream_options,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

// BuildBody flattens Claude content to OpenAI chat messages. Tool ids survive
// the round trip: tool_use becomes tool_calls, tool_result becomes a tool
// message carrying the same id.
func BuildBody(req *claude.Request, model string, thinkingEnabled bool) ([]byte, error) {
	var messages []chatMessage

	system := ""
	if !req.System.IsZero() {
		system = req.System.Plain()
	}
	if thinkingEnabled {
		if system != "" {
			system += "\n\n"
		}
		system += thinkingHint
	}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg)...)
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      true,
		StreamOpts:  &streamOpts{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return json.Marshal(out)
}

// convertMessage flattens one Claude message. A turn mixing tool_results with
// text fans out into separate OpenAI messages because the tool role carries
// exactly one result.
func convertMessage(msg claude.Message) []chatMessage {
	if msg.Content.IsText() {
		return []chatMessage{{Role: msg.Role, Content: msg.Content.Text}}
	}

	var textParts []string
	var calls []toolCall
	var out []chatMessage

	for _, b := range msg.Content.Blocks {
		switch b.Type {
		case "text":
			textParts = append(textParts, b.Text)
		case "thinking":
			// History thinking is replayed as literal tagged text.
			textParts = append(textParts, thinkingStartTag+b.Thinking+thinkingEndTag)
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, toolCall{
				ID:       b.ID,
				Type:     "function",
				Function: functionSpec{Name: b.Name, Arguments: args},
			})
		case "tool_result":
			out = append(out, chatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    toolResultText(b.Content),
			})
		}
	}

	text := strings.Join(textParts, "\n")
	if text != "" || len(calls) > 0 {
		out = append(out, chatMessage{Role: msg.Role, Content: text, ToolCalls: calls})
	}
	return out
}

// toolResultText flattens a tool_result content value to plain text.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// NormalizeBase appends /v1 to an api_base that lacks it.
func NormalizeBase(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

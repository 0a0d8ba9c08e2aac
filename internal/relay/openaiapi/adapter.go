package openaiapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/relay/thinktag"
	"github.com/pysugar/claude-relay/internal/relay/toolext"
)

// Adapter implements the custom_api channel in its OpenAI format.
type Adapter struct{}

// New returns the channel adapter.
func New() *Adapter { return &Adapter{} }

// BuildRequest forms the chat-completions call against the account's
// api_base. The account's configured model, when set, overrides the mapped
// request model.
func (a *Adapter) BuildRequest(ctx context.Context, in *relay.BuildInput) (*http.Request, error) {
	model := in.Model
	if m := in.Account.ExtensionString("model"); m != "" {
		model = m
	}
	body, err := BuildBody(in.Request, model, in.ThinkingEnabled)
	if err != nil {
		return nil, err
	}

	url := NormalizeBase(in.Account.ExtensionString("api_base")) + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+in.AccessToken)
	return req, nil
}

// chunk is one chat-completions SSE data payload.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// AdaptStream parses `data:` chunks, feeding text through the thinking-tag
// parser and streaming tool_calls as input_json_delta blocks keyed by
// tool-call index.
func (a *Adapter) AdaptStream(ctx context.Context, body io.Reader, em *relay.Emitter, in *relay.BuildInput) (*relay.StreamResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	parser := thinktag.New()
	result := &relay.StreamResult{StopReason: "end_turn"}
	var plainText bytes.Buffer
	openToolIndex := -1
	sawToolCall := false

	emitSegments := func(segs []thinktag.Segment) error {
		for _, seg := range segs {
			if seg.Thinking {
				if err := em.Thinking(seg.Text); err != nil {
					return err
				}
				continue
			}
			plainText.WriteString(seg.Text)
			if err := em.Text(seg.Text); err != nil {
				return err
			}
		}
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var c chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			log.Printf("⚠️ Undecodable chat-completions chunk: %v", err)
			continue
		}

		if err := em.MessageStart(in.MessageID, in.Request.Model, in.StartUsage); err != nil {
			return nil, err
		}

		if c.Usage != nil {
			result.InputTokens = c.Usage.PromptTokens
			result.OutputTokens = c.Usage.CompletionTokens
		}
		if len(c.Choices) == 0 {
			continue
		}
		choice := c.Choices[0]

		if choice.Delta.Content != "" {
			if err := emitSegments(parser.Feed(choice.Delta.Content)); err != nil {
				return nil, err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			if err := emitSegments(parser.Flush()); err != nil {
				return nil, err
			}
			if tc.Index != openToolIndex {
				id := tc.ID
				if id == "" {
					id = toolext.NewCallID()
				}
				if err := em.ToolUseStart(id, tc.Function.Name); err != nil {
					return nil, err
				}
				openToolIndex = tc.Index
				sawToolCall = true
			}
			if err := em.ToolUseDelta(tc.Function.Arguments); err != nil {
				return nil, err
			}
		}

		switch choice.FinishReason {
		case "":
		case "tool_calls":
			result.StopReason = "tool_use"
		case "length":
			result.StopReason = "max_tokens"
		default:
			result.StopReason = "end_turn"
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := emitSegments(parser.Flush()); err != nil {
		return nil, err
	}

	if !sawToolCall {
		// Fallback for models that spell tool calls out in text.
		for _, call := range toolext.Deduplicate(toolext.ParseBracketCalls(plainText.String())) {
			if err := em.ToolUseStart(call.ID, call.Name); err != nil {
				return nil, err
			}
			if err := em.ToolUseDelta(call.Arguments); err != nil {
				return nil, err
			}
			if err := em.CloseBlock(); err != nil {
				return nil, err
			}
			result.StopReason = "tool_use"
		}
	}

	return result, nil
}

package amazonq

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/relay/thinktag"
	"github.com/pysugar/claude-relay/internal/relay/toolext"
)

// Adapter implements the amazon_q channel.
type Adapter struct {
	// Endpoint overrides the production service URL in tests.
	Endpoint string
}

// New returns the channel adapter against the production endpoint.
func New() *Adapter { return &Adapter{Endpoint: endpoint} }

// BuildRequest forms the GenerateAssistantResponse call.
func (a *Adapter) BuildRequest(ctx context.Context, in *relay.BuildInput) (*http.Request, error) {
	profileARN := in.Account.ExtensionString("profile_arn")
	body, err := BuildBody(in.Request, in.Model, profileARN, in.ThinkingEnabled, time.Now())
	if err != nil {
		return nil, err
	}

	url := a.Endpoint
	if url == "" {
		url = endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	req.Header.Set("X-Amz-Target", amzTarget)
	req.Header.Set("Authorization", "Bearer "+in.AccessToken)
	return req, nil
}

// assistantEvent is the payload of an assistantResponseEvent frame.
type assistantEvent struct {
	Content string `json:"content"`
}

// toolUseEvent is the payload of a toolUseEvent frame; input arrives in
// fragments until stop.
type toolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

// AdaptStream decodes the binary event stream and synthesizes the Claude
// block structure the upstream does not provide. Text runs through the
// thinking-tag parser so reasoning becomes real thinking blocks.
func (a *Adapter) AdaptStream(ctx context.Context, body io.Reader, em *relay.Emitter, in *relay.BuildInput) (*relay.StreamResult, error) {
	dec := NewDecoder(body)
	parser := thinktag.New()
	var plainText bytes.Buffer
	var openToolID string
	sawToolUse := false

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

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch msg.EventType() {
		case "initial-response":
			var payload struct {
				ConversationID string `json:"conversationId"`
			}
			json.Unmarshal(msg.Payload, &payload)
			id := payload.ConversationID
			if id == "" {
				id = in.MessageID
			}
			if err := em.MessageStart(id, in.Request.Model, in.StartUsage); err != nil {
				return nil, err
			}

		case "assistantResponseEvent":
			// The upstream never frames content blocks; synthesize them.
			if err := em.MessageStart(in.MessageID, in.Request.Model, in.StartUsage); err != nil {
				return nil, err
			}
			var payload assistantEvent
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Printf("⚠️ Undecodable assistantResponseEvent payload: %v", err)
				continue
			}
			if err := emitSegments(parser.Feed(payload.Content)); err != nil {
				return nil, err
			}

		case "toolUseEvent":
			if err := em.MessageStart(in.MessageID, in.Request.Model, in.StartUsage); err != nil {
				return nil, err
			}
			var payload toolUseEvent
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				log.Printf("⚠️ Undecodable toolUseEvent payload: %v", err)
				continue
			}
			if err := emitSegments(parser.Flush()); err != nil {
				return nil, err
			}
			if payload.ToolUseID != openToolID {
				if err := em.ToolUseStart(payload.ToolUseID, payload.Name); err != nil {
					return nil, err
				}
				openToolID = payload.ToolUseID
				sawToolUse = true
			}
			if err := em.ToolUseDelta(payload.Input); err != nil {
				return nil, err
			}
			if payload.Stop {
				if err := em.CloseBlock(); err != nil {
					return nil, err
				}
				openToolID = ""
			}

		case "error":
			log.Printf("⚠️ Upstream error frame: %s", msg.Payload)
		}
	}

	if err := emitSegments(parser.Flush()); err != nil {
		return nil, err
	}

	stopReason := "end_turn"
	if sawToolUse {
		stopReason = "tool_use"
	} else {
		// Some models spell tool calls out in text; recover them.
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
			stopReason = "tool_use"
		}
	}

	return &relay.StreamResult{StopReason: stopReason}, nil
}

package gemini

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
)

// Adapter implements the gemini channel.
type Adapter struct{}

// New returns the channel adapter.
func New() *Adapter { return &Adapter{} }

// BuildRequest forms the streamGenerateContent call against the account's
// endpoint (the default Cloud Code endpoint unless overridden per account).
func (a *Adapter) BuildRequest(ctx context.Context, in *relay.BuildInput) (*http.Request, error) {
	projectID := in.Account.ExtensionString("project_id")
	body, err := BuildBody(in.Request, in.Model, projectID, in.ThinkingEnabled, in.ThinkingBudget)
	if err != nil {
		return nil, err
	}

	url := StreamURL(Endpoint(in.Account.ExtensionString("endpoint")))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+in.AccessToken)
	return req, nil
}

// streamChunk is one SSE data line; the Cloud Code endpoint wraps the
// generate response in a "response" field, the plain endpoint does not.
type streamChunk struct {
	Response *responseBody `json:"response"`
}

type responseBody struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// AdaptStream parses the line-delimited JSON stream, mapping thought parts to
// thinking blocks, functionCall parts to tool_use blocks, and usageMetadata
// into the final usage.
func (a *Adapter) AdaptStream(ctx context.Context, body io.Reader, em *relay.Emitter, in *relay.BuildInput) (*relay.StreamResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	result := &relay.StreamResult{StopReason: "end_turn"}
	var pendingSignature string

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

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("⚠️ Undecodable gemini chunk: %v", err)
			continue
		}
		resp := chunk.Response
		if resp == nil {
			var direct responseBody
			if err := json.Unmarshal([]byte(data), &direct); err != nil {
				continue
			}
			resp = &direct
		}

		if err := em.MessageStart(in.MessageID, in.Request.Model, in.StartUsage); err != nil {
			return nil, err
		}

		if resp.UsageMetadata != nil {
			result.InputTokens = resp.UsageMetadata.PromptTokenCount
			result.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
		}
		if len(resp.Candidates) == 0 {
			continue
		}
		candidate := resp.Candidates[0]
		if candidate.FinishReason != "" {
			result.StopReason = mapFinishReason(candidate.FinishReason)
		}

		for _, p := range candidate.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				if err := flushSignature(em, &pendingSignature); err != nil {
					return nil, err
				}
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				if err := em.ToolUseStart(toolUseID(in.MessageID, p.FunctionCall.Name), p.FunctionCall.Name); err != nil {
					return nil, err
				}
				if err := em.ToolUseDelta(args); err != nil {
					return nil, err
				}
				if err := em.CloseBlock(); err != nil {
					return nil, err
				}
				result.StopReason = "tool_use"

			case p.Thought:
				if err := em.Thinking(p.Text); err != nil {
					return nil, err
				}
				if p.ThoughtSignature != "" {
					pendingSignature = p.ThoughtSignature
				}

			case p.Text != "":
				// Leaving the thinking block ends the part; sign it first.
				if err := flushSignature(em, &pendingSignature); err != nil {
					return nil, err
				}
				if err := em.Text(p.Text); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if err := flushSignature(em, &pendingSignature); err != nil {
		return nil, err
	}
	return result, nil
}

// flushSignature emits a pending signature_delta before the thinking block
// closes.
func flushSignature(em *relay.Emitter, sig *string) error {
	if *sig == "" {
		return nil
	}
	err := em.Signature(*sig)
	*sig = ""
	return err
}

// toolUseID derives a stable block id; Gemini does not assign call ids.
func toolUseID(messageID, name string) string {
	suffix := strings.TrimPrefix(messageID, "msg_")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return "toolu_" + suffix + "_" + name
}

func mapFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// Package amazonq converts Claude requests to the CodeWhisperer streaming API
// and decodes its binary event-stream responses.
package amazonq

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/claude-relay/internal/claude"
)

const (
	endpoint  = "https://q.us-east-1.amazonaws.com/"
	amzTarget = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"

	thinkingStartTag = "<thinking>"
	thinkingEndTag   = "</thinking>"

	// thinkingHint instructs the model to wrap reasoning in thinking tags.
	// The doubled form matches what the upstream actually honors.
	thinkingHint = "<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>" +
		"<thinking_mode>interleaved</thinking_mode><max_thinking_length>16000</max_thinking_length>"
)

// mergedMessage is one turn after same-role concatenation.
type mergedMessage struct {
	role string
	text string
}

// renderBlocks serializes Claude content blocks into the tagged text form the
// upstream understands.
func renderBlocks(content claude.Content) string {
	if content.IsText() {
		return content.Text
	}
	var parts []string
	for _, b := range content.Blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "thinking":
			// History thinking travels as literal tags, signature or not.
			parts = append(parts, thinkingStartTag+b.Thinking+thinkingEndTag)
		case "tool_use":
			parts = append(parts, fmt.Sprintf("<tool_use><name>%s</name><input>%s</input></tool_use>",
				b.Name, string(b.Input)))
		case "tool_result":
			parts = append(parts, fmt.Sprintf(`<tool_result id="%s">%s</tool_result>`,
				b.ToolUseID, string(b.Content)))
		}
	}
	return strings.Join(parts, "\n")
}

// mergeMessages concatenates consecutive same-role turns so the sequence
// strictly alternates, prepending an empty user turn when history starts with
// the assistant.
func mergeMessages(messages []claude.Message) []mergedMessage {
	var merged []mergedMessage
	for _, msg := range messages {
		text := renderBlocks(msg.Content)
		if len(merged) > 0 && merged[len(merged)-1].role == msg.Role {
			if text != "" {
				if merged[len(merged)-1].text != "" {
					merged[len(merged)-1].text += "\n"
				}
				merged[len(merged)-1].text += text
			}
			continue
		}
		merged = append(merged, mergedMessage{role: msg.Role, text: text})
	}
	if len(merged) > 0 && merged[0].role != "user" {
		merged = append([]mergedMessage{{role: "user"}}, merged...)
	}
	return merged
}

// timestamp renders the upstream's context-entry time format,
// e.g. "Friday, 2025-11-07T21:16:01.724+08:00".
func timestamp(now time.Time) string {
	return now.Format("Monday, 2006-01-02T15:04:05.000-07:00")
}

// wrapPrompt applies the context preamble required by the upstream.
func wrapPrompt(prompt string, now time.Time) string {
	return "--- CONTEXT ENTRY BEGIN ---\n" +
		"Current time: " + timestamp(now) + "\n" +
		"--- CONTEXT ENTRY END ---\n\n" +
		"--- USER MESSAGE BEGIN ---\n" +
		prompt + "\n" +
		"--- USER MESSAGE END ---"
}

// BuildBody forms the GenerateAssistantResponse JSON body. The last merged
// user turn becomes the current message; everything before it is history.
func BuildBody(req *claude.Request, model, profileARN string, thinkingEnabled bool, now time.Time) ([]byte, error) {
	merged := mergeMessages(req.Messages)
	if len(merged) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}

	// History must end on an assistant turn; the final user turn is current.
	current := merged[len(merged)-1]
	historyTurns := merged[:len(merged)-1]
	if current.role != "user" {
		historyTurns = merged
		current = mergedMessage{role: "user"}
	}

	history := make([]map[string]any, 0, len(historyTurns))
	for _, turn := range historyTurns {
		if turn.role == "user" {
			history = append(history, map[string]any{
				"userInputMessage": map[string]any{
					"content": turn.text,
					"origin":  "CLI",
				},
			})
			continue
		}
		history = append(history, map[string]any{
			"assistantResponseMessage": map[string]any{
				"messageId": uuid.New().String(),
				"content":   turn.text,
			},
		})
	}

	prompt := current.text
	if !req.System.IsZero() {
		if sys := req.System.Plain(); sys != "" {
			prompt = sys + "\n\n" + prompt
		}
	}
	if thinkingEnabled {
		prompt = prompt + "\n" + thinkingHint
	}

	userContext := map[string]any{}
	if len(req.Tools) > 0 {
		userContext["envState"] = map[string]any{
			"operatingSystem":         "macos",
			"currentWorkingDirectory": "/",
		}
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"toolSpecification": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"inputSchema": map[string]any{"json": json.RawMessage(t.InputSchema)},
				},
			})
		}
		userContext["tools"] = tools
	}

	body := map[string]any{
		"conversationState": map[string]any{
			"conversationId": uuid.New().String(),
			"history":        history,
			"currentMessage": map[string]any{
				"userInputMessage": map[string]any{
					"content":                 wrapPrompt(prompt, now),
					"userInputMessageContext": userContext,
					"origin":                  "CLI",
					"modelId":                 model,
				},
			},
			"chatTriggerType": "MANUAL",
		},
	}
	if profileARN != "" {
		body["profileArn"] = profileARN
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

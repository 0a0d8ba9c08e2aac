// Package gemini converts Claude requests to the Cloud Code Gemini API and
// adapts its SSE JSON stream back into Claude events.
package gemini

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pysugar/claude-relay/internal/claude"
)

const defaultEndpoint = "https://cloudcode-pa.googleapis.com"

// defaultThinkingBudget matches the upstream's documented default.
const defaultThinkingBudget = 1024

// part is one Gemini content part.
type part struct {
	Text             string          `json:"text,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *functionCall   `json:"functionCall,omitempty"`
	FunctionResponse *functionResp   `json:"functionResponse,omitempty"`
	InlineData       json.RawMessage `json:"inlineData,omitempty"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResp struct {
	Name     string `json:"name"`
	Response any    `json:"response"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// BuildBody forms the streamGenerateContent payload, wrapped the way the
// Cloud Code endpoint expects.
func BuildBody(req *claude.Request, model, projectID string, thinkingEnabled bool, thinkingBudget int) ([]byte, error) {
	// tool_use_id → tool name, recovered for functionResponse conversion.
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			continue
		}
		for _, b := range msg.Content.Blocks {
			if b.Type == "tool_use" && b.ID != "" {
				toolNames[b.ID] = b.Name
			}
		}
	}

	contents := make([]content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		parts := convertBlocks(msg.Content, toolNames)
		if len(parts) == 0 {
			// Messages that convert to nothing are dropped, not sent empty.
			continue
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	request := map[string]any{
		"contents": contents,
	}

	if !req.System.IsZero() {
		if sys := req.System.Plain(); sys != "" {
			request["systemInstruction"] = map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": sys}},
			}
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decl := map[string]any{"name": t.Name}
			if t.Description != "" {
				decl["description"] = t.Description
			}
			if len(t.InputSchema) > 0 {
				decl["parameters"] = json.RawMessage(t.InputSchema)
			}
			decls = append(decls, decl)
		}
		request["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	generationConfig := map[string]any{}
	if req.MaxTokens > 0 {
		generationConfig["maxOutputTokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		generationConfig["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		generationConfig["topP"] = *req.TopP
	}
	if thinkingBudget <= 0 {
		thinkingBudget = defaultThinkingBudget
	}
	generationConfig["thinkingConfig"] = map[string]any{
		"includeThoughts": thinkingEnabled,
		"thinkingBudget":  thinkingBudget,
	}
	request["generationConfig"] = generationConfig

	payload := map[string]any{
		"project":   projectID,
		"requestId": "req-" + uuid.New().String(),
		"model":     model,
		"request":   request,
	}
	return json.Marshal(payload)
}

// convertBlocks maps Claude content blocks to Gemini parts.
func convertBlocks(c claude.Content, toolNames map[string]string) []part {
	if c.IsText() {
		if c.Text == "" {
			return nil
		}
		return []part{{Text: c.Text}}
	}

	var parts []part
	for _, b := range c.Blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, part{Text: b.Text})
			}
		case "thinking":
			if b.Thinking == "" {
				continue
			}
			// thoughtSignature lets the model resume prior reasoning.
			parts = append(parts, part{Text: b.Thinking, Thought: true, ThoughtSignature: b.Signature})
		case "tool_use":
			parts = append(parts, part{FunctionCall: &functionCall{Name: b.Name, Args: b.Input}})
		case "tool_result":
			name := toolNames[b.ToolUseID]
			if name == "" {
				name = b.ToolUseID
			}
			parts = append(parts, part{FunctionResponse: &functionResp{
				Name:     name,
				Response: toolResultResponse(b.Content),
			}})
		}
	}
	return parts
}

// toolResultResponse shapes a tool_result payload for functionResponse.
// Gemini requires an object, so scalars are wrapped.
func toolResultResponse(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{"result": ""}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var blocks []claude.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var text string
		for _, b := range blocks {
			if b.Type == "text" {
				text += b.Text
			}
		}
		return map[string]any{"result": text}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return map[string]any{"result": s}
	}
	return map[string]any{"result": string(raw)}
}

// Endpoint returns the account's configured endpoint, or the default.
func Endpoint(configured string) string {
	if configured != "" {
		return configured
	}
	return defaultEndpoint
}

// StreamURL is the SSE generate endpoint for a base endpoint.
func StreamURL(base string) string {
	return fmt.Sprintf("%s/v1internal:streamGenerateContent?alt=sse", base)
}

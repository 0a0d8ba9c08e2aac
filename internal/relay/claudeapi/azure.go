// Package claudeapi forwards Claude-format requests to Claude-compatible
// upstreams, applying the Azure-specific cleanup where configured.
package claudeapi

import (
	"encoding/json"
)

const (
	previousThinkingOpen  = "<previous_thinking>"
	previousThinkingClose = "</previous_thinking>"
)

// azureUnsupportedFields are top-level request fields the Azure Anthropic
// endpoint rejects.
var azureUnsupportedFields = []string{"context_management", "betas", "anthropic_beta"}

// CleanForAzure rewrites a Claude request body for the Azure Anthropic API:
// unsupported top-level fields are removed, unsigned thinking blocks become
// tagged text, redacted_thinking without data is dropped, tools are
// normalized to the minimal shape, and the thinking parameter survives only
// when the last assistant message still begins with a signed thinking block.
func CleanForAzure(raw []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}

	for _, field := range azureUnsupportedFields {
		delete(req, field)
	}

	messages, _ := req["messages"].([]any)
	cleanedMessages := make([]any, 0, len(messages))
	for idx, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			cleanedMessages = append(cleanedMessages, m)
			continue
		}
		cleanMessageBlocks(msg)
		isLast := idx == len(messages)-1
		if emptyContent(msg["content"]) {
			// Only a trailing assistant turn may be empty.
			if role, _ := msg["role"].(string); role == "assistant" && isLast {
				cleanedMessages = append(cleanedMessages, msg)
			}
			continue
		}
		cleanedMessages = append(cleanedMessages, msg)
	}
	req["messages"] = cleanedMessages

	if tools, ok := req["tools"].([]any); ok {
		req["tools"] = normalizeTools(tools)
	}

	if !lastAssistantKeepsThinking(cleanedMessages) {
		delete(req, "thinking")
	}

	return json.Marshal(req)
}

// cleanMessageBlocks rewrites the thinking-family blocks of one message.
func cleanMessageBlocks(msg map[string]any) {
	blocks, ok := msg["content"].([]any)
	if !ok {
		return
	}
	cleaned := make([]any, 0, len(blocks))
	for _, b := range blocks {
		block, ok := b.(map[string]any)
		if !ok {
			cleaned = append(cleaned, b)
			continue
		}
		switch block["type"] {
		case "thinking":
			if sig, _ := block["signature"].(string); sig != "" {
				cleaned = append(cleaned, block)
				continue
			}
			text, _ := block["thinking"].(string)
			cleaned = append(cleaned, map[string]any{
				"type": "text",
				"text": previousThinkingOpen + text + previousThinkingClose,
			})
		case "redacted_thinking":
			if data, _ := block["data"].(string); data != "" {
				cleaned = append(cleaned, block)
			}
		default:
			cleaned = append(cleaned, block)
		}
	}
	msg["content"] = cleaned
}

// emptyContent reports whether a message content is absent or blank.
func emptyContent(content any) bool {
	switch c := content.(type) {
	case nil:
		return true
	case string:
		return c == ""
	case []any:
		return len(c) == 0
	}
	return false
}

// normalizeTools reduces tool entries to {name, description, input_schema},
// unwrapping custom and OpenAI function shapes. Built-in typed tools keep
// their type tag.
func normalizeTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tool, ok := t.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := tool["type"].(string)

		var source map[string]any
		switch {
		case typ == "custom":
			source, _ = tool["custom"].(map[string]any)
		case typ == "function" || tool["function"] != nil:
			source, _ = tool["function"].(map[string]any)
		case typ != "" && typ != "custom":
			// Built-in tool types pass through with just type and name.
			kept := map[string]any{"type": typ}
			if name, ok := tool["name"]; ok {
				kept["name"] = name
			}
			out = append(out, kept)
			continue
		}

		normalized := map[string]any{}
		pick := func(dst string, keys ...string) {
			for _, key := range keys {
				if source != nil {
					if v, ok := source[key]; ok {
						normalized[dst] = v
						return
					}
				}
			}
			for _, key := range keys {
				if v, ok := tool[key]; ok {
					normalized[dst] = v
					return
				}
			}
		}
		pick("name", "name")
		pick("description", "description")
		pick("input_schema", "input_schema", "parameters")

		if normalized["name"] != nil && normalized["name"] != "" {
			out = append(out, normalized)
		}
	}
	return out
}

// lastAssistantKeepsThinking reports whether the final assistant message
// still opens with a signed thinking block after cleanup.
func lastAssistantKeepsThinking(messages []any) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		msg, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role != "assistant" {
			continue
		}
		blocks, ok := msg["content"].([]any)
		if !ok || len(blocks) == 0 {
			return false
		}
		first, ok := blocks[0].(map[string]any)
		if !ok || first["type"] != "thinking" {
			return false
		}
		sig, _ := first["signature"].(string)
		return sig != ""
	}
	return false
}

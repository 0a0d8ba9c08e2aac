package claudeapi

import (
	"encoding/json"
	"testing"
)

func clean(t *testing.T, in string) map[string]any {
	t.Helper()
	out, err := CleanForAzure([]byte(in))
	if err != nil {
		t.Fatalf("CleanForAzure: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	return parsed
}

func TestAzureRemovesUnsupportedFields(t *testing.T) {
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"context_management": {"edits": []},
		"betas": ["x"],
		"anthropic_beta": "y",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	for _, field := range []string{"context_management", "betas", "anthropic_beta"} {
		if _, ok := parsed[field]; ok {
			t.Fatalf("%s must be removed", field)
		}
	}
	if parsed["model"] != "claude-sonnet-4-5" {
		t.Fatal("supported fields must survive")
	}
}

func TestAzureUnsignedThinkingRewrite(t *testing.T) {
	// Spec scenario: unsigned thinking becomes tagged text and the top-level
	// thinking parameter is dropped.
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [{"role": "assistant", "content": [
			{"type": "thinking", "thinking": "x"},
			{"type": "text", "text": "y"}
		]}]
	}`)

	messages := parsed["messages"].([]any)
	blocks := messages[0].(map[string]any)["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	first := blocks[0].(map[string]any)
	if first["type"] != "text" || first["text"] != "<previous_thinking>x</previous_thinking>" {
		t.Fatalf("unsigned thinking must become tagged text: %v", first)
	}
	second := blocks[1].(map[string]any)
	if second["type"] != "text" || second["text"] != "y" {
		t.Fatalf("trailing text must survive: %v", second)
	}
	if _, ok := parsed["thinking"]; ok {
		t.Fatal("thinking parameter must be removed when the leading block lost its signature")
	}
}

func TestAzureSignedThinkingSurvives(t *testing.T) {
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"thinking": {"type": "enabled", "budget_tokens": 1024},
		"messages": [{"role": "assistant", "content": [
			{"type": "thinking", "thinking": "x", "signature": "sig=="},
			{"type": "text", "text": "y"}
		]}]
	}`)

	blocks := parsed["messages"].([]any)[0].(map[string]any)["content"].([]any)
	first := blocks[0].(map[string]any)
	if first["type"] != "thinking" || first["signature"] != "sig==" {
		t.Fatalf("signed thinking must survive unchanged: %v", first)
	}
	if _, ok := parsed["thinking"]; !ok {
		t.Fatal("thinking parameter must survive while the last assistant message opens with signed thinking")
	}
}

func TestAzureRedactedThinking(t *testing.T) {
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [{"role": "assistant", "content": [
			{"type": "redacted_thinking", "data": "blob"},
			{"type": "redacted_thinking"},
			{"type": "text", "text": "y"}
		]}]
	}`)

	blocks := parsed["messages"].([]any)[0].(map[string]any)["content"].([]any)
	if len(blocks) != 2 {
		t.Fatalf("dataless redacted_thinking must be dropped: %v", blocks)
	}
	if blocks[0].(map[string]any)["type"] != "redacted_thinking" {
		t.Fatal("redacted_thinking with data must be kept")
	}
}

func TestAzureDropsEmptyMessages(t *testing.T) {
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "user", "content": ""},
			{"role": "user", "content": "real"},
			{"role": "assistant", "content": []}
		]
	}`)

	messages := parsed["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("expected empty user dropped and trailing assistant kept, got %d", len(messages))
	}
	if messages[0].(map[string]any)["content"] != "real" {
		t.Fatalf("wrong survivor: %v", messages[0])
	}
}

func TestAzureToolNormalization(t *testing.T) {
	parsed := clean(t, `{
		"model": "claude-sonnet-4-5",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"type": "custom", "custom": {"name": "a", "description": "da", "input_schema": {"type": "object"}}},
			{"type": "function", "function": {"name": "b", "description": "db", "parameters": {"type": "object"}}},
			{"name": "c", "description": "dc", "input_schema": {"type": "object"}, "extra": true},
			{"type": "bash_20250124", "name": "bash"}
		]
	}`)

	tools := parsed["tools"].([]any)
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}
	for i, wantName := range []string{"a", "b", "c"} {
		tool := tools[i].(map[string]any)
		if tool["name"] != wantName {
			t.Fatalf("tool %d: %v", i, tool)
		}
		if _, ok := tool["input_schema"]; !ok {
			t.Fatalf("tool %d missing input_schema: %v", i, tool)
		}
		if _, ok := tool["extra"]; ok {
			t.Fatalf("extra fields must be stripped: %v", tool)
		}
		if _, ok := tool["type"]; ok {
			t.Fatalf("normalized tools carry no type: %v", tool)
		}
	}
	builtin := tools[3].(map[string]any)
	if builtin["type"] != "bash_20250124" || builtin["name"] != "bash" {
		t.Fatalf("builtin tool must keep its type tag: %v", builtin)
	}
}

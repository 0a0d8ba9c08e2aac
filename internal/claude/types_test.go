package claude

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestFlexibleShapes(t *testing.T) {
	raw := `{
		"model": "claude-sonnet-4-5",
		"system": [{"type": "text", "text": "a"}, {"type": "text", "text": "b"}],
		"max_tokens": 1024,
		"stream": true,
		"thinking": {"type": "enabled", "budget_tokens": 2048},
		"messages": [
			{"role": "user", "content": "plain"},
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "t", "signature": "s"},
				{"type": "text", "text": "x"},
				{"type": "tool_use", "id": "toolu_1", "name": "f", "input": {"a": 1}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "ok"}
			]}
		]
	}`
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatal(err)
	}

	if req.System.Plain() != "a\nb" {
		t.Fatalf("system blocks: %q", req.System.Plain())
	}
	if !req.Messages[0].Content.IsText() || req.Messages[0].Content.Text != "plain" {
		t.Fatalf("string content: %+v", req.Messages[0].Content)
	}
	blocks := req.Messages[1].Content.Blocks
	if blocks[0].Type != "thinking" || blocks[0].Signature != "s" {
		t.Fatalf("thinking block: %+v", blocks[0])
	}
	if blocks[2].ID != "toolu_1" || string(blocks[2].Input) != `{"a": 1}` {
		t.Fatalf("tool_use block: %+v", blocks[2])
	}
	if req.Thinking == nil || !req.Thinking.Enabled || req.Thinking.BudgetTokens != 2048 {
		t.Fatalf("thinking option: %+v", req.Thinking)
	}
}

func TestThinkingBooleanForm(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"thinking":true}`), &req); err != nil {
		t.Fatal(err)
	}
	if !req.ThinkingEnabled(false) {
		t.Fatal("thinking:true must enable")
	}

	if err := json.Unmarshal([]byte(`{"model":"m","messages":[],"thinking":false}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.ThinkingEnabled(true) {
		t.Fatal("explicit thinking:false must override the default")
	}
}

func TestThinkingDefaultResolution(t *testing.T) {
	var req Request
	json.Unmarshal([]byte(`{"model":"m","messages":[]}`), &req)
	if req.ThinkingEnabled(false) {
		t.Fatal("absent thinking with default off must be off")
	}
	if !req.ThinkingEnabled(true) {
		t.Fatal("absent thinking with always_on must be on")
	}
}

func TestContentRoundTrip(t *testing.T) {
	texts := Content{}
	if err := json.Unmarshal([]byte(`"hello"`), &texts); err != nil {
		t.Fatal(err)
	}
	out, _ := json.Marshal(texts)
	if string(out) != `"hello"` {
		t.Fatalf("string content must re-marshal as string: %s", out)
	}

	blocks := Content{}
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"x"}]`), &blocks); err != nil {
		t.Fatal(err)
	}
	out, _ = json.Marshal(blocks)
	if !strings.HasPrefix(string(out), `[{`) {
		t.Fatalf("block content must re-marshal as list: %s", out)
	}
}

func TestEventEncodeShapes(t *testing.T) {
	start := NewMessageStart("msg_1", "claude-sonnet-4-5", Usage{InputTokens: 3, CacheReadInputTokens: 7})
	raw := string(start.Encode())
	for _, want := range []string{`"type":"message_start"`, `"cache_read_input_tokens":7`, `"role":"assistant"`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("message_start missing %s: %s", want, raw)
		}
	}

	delta := NewTextDelta(2, "chunk")
	raw = string(delta.Encode())
	for _, want := range []string{`"index":2`, `"type":"text_delta"`, `"text":"chunk"`} {
		if !strings.Contains(raw, want) {
			t.Fatalf("text delta missing %s: %s", want, raw)
		}
	}

	stop := NewBlockStop(0)
	raw = string(stop.Encode())
	if !strings.Contains(raw, `"index":0`) {
		t.Fatalf("index 0 must serialize explicitly: %s", raw)
	}
}

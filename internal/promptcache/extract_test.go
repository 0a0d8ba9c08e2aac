package promptcache

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pysugar/claude-relay/internal/claude"
)

func TestExtractCacheableNoMarkers(t *testing.T) {
	var req claude.Request
	if err := json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"system": "plain system",
		"messages": [{"role": "user", "content": "hello"}]
	}`), &req); err != nil {
		t.Fatal(err)
	}

	content, tokens := ExtractCacheable(&req)
	if content != "" || tokens != 0 {
		t.Fatalf("unmarked request must not be cacheable, got %q/%d", content, tokens)
	}
}

func TestExtractCacheableSystemBlocks(t *testing.T) {
	var req claude.Request
	if err := json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"system": [
			{"type": "text", "text": "always here"},
			{"type": "text", "text": "cache me", "cache_control": {"type": "ephemeral"}}
		],
		"messages": [{"role": "user", "content": "hello"}]
	}`), &req); err != nil {
		t.Fatal(err)
	}

	content, tokens := ExtractCacheable(&req)
	if content != "cache me" {
		t.Fatalf("expected marked block only, got %q", content)
	}
	if tokens < 1 {
		t.Fatalf("token estimate must be positive, got %d", tokens)
	}
}

func TestExtractCacheableIncludesTools(t *testing.T) {
	var req claude.Request
	if err := json.Unmarshal([]byte(`{
		"model": "claude-sonnet-4-5",
		"tools": [{"name": "get_weather", "description": "w", "input_schema": {"type": "object"}}],
		"system": [{"type": "text", "text": "sys", "cache_control": {"type": "ephemeral"}}],
		"messages": [{"role": "user", "content": "hi"}]
	}`), &req); err != nil {
		t.Fatal(err)
	}

	content, _ := ExtractCacheable(&req)
	if content == "" {
		t.Fatal("expected cacheable content")
	}
	// Tool definitions precede the marker and join the prefix.
	if !strings.Contains(content, "get_weather") {
		t.Fatalf("tool definitions missing from prefix: %q", content)
	}
}

func TestExtractCacheableDeterministicKey(t *testing.T) {
	raw := `{
		"model": "claude-sonnet-4-5",
		"system": [{"type": "text", "text": "sys", "cache_control": {"type": "ephemeral"}}],
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "pinned", "cache_control": {"type": "ephemeral"}}
		]}]
	}`
	var a, b claude.Request
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		t.Fatal(err)
	}

	ca, _ := ExtractCacheable(&a)
	cb, _ := ExtractCacheable(&b)
	if Key(ca) != Key(cb) {
		t.Fatal("identical cacheable content must produce identical keys")
	}
}

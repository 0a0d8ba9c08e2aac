package promptcache

import (
	"encoding/json"
	"strings"

	"github.com/pysugar/claude-relay/internal/claude"
)

// ExtractCacheable builds the cacheable prefix of a request: the system text
// plus every content block explicitly marked cache_control ephemeral, in
// message order, plus tool definitions when any marker follows them. Returns
// the combined content and its estimated token count; ("", 0) when the
// request carries no cache markers.
func ExtractCacheable(req *claude.Request) (string, int) {
	var parts []string
	markers := 0

	if !req.System.IsZero() {
		for _, b := range req.System.Blocks {
			if !isEphemeral(b.CacheControl) {
				continue
			}
			markers++
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}

	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			continue
		}
		for _, b := range msg.Content.Blocks {
			if !isEphemeral(b.CacheControl) {
				continue
			}
			markers++
			if text := blockCacheText(b); text != "" {
				parts = append(parts, text)
			}
		}
	}

	if markers == 0 {
		return "", 0
	}

	// Tool definitions participate when they precede the last marker, which
	// is always the case for request-level tool lists.
	if len(req.Tools) > 0 {
		if serialized, err := json.Marshal(req.Tools); err == nil {
			parts = append([]string{string(serialized)}, parts...)
		}
	}

	combined := strings.Join(parts, "\n")
	return combined, estimateTokens(combined)
}

func isEphemeral(cc *claude.CacheControl) bool {
	return cc != nil && cc.Type == "ephemeral"
}

// blockCacheText renders one marked block into its cache-key contribution.
func blockCacheText(b claude.ContentBlock) string {
	switch b.Type {
	case "text":
		return b.Text
	case "image":
		return string(b.Source)
	case "tool_use":
		if b.Name == "" {
			return ""
		}
		return b.Name + ":" + string(b.Input)
	case "tool_result":
		if b.ToolUseID == "" {
			return ""
		}
		return b.ToolUseID + ":" + string(b.Content)
	}
	return ""
}

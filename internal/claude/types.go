// Package claude holds the Claude Messages wire types shared by the
// converters, stream adapters, and the orchestrator.
package claude

import (
	"encoding/json"
	"fmt"
)

// Request is the Claude Messages request schema. System, message content, and
// thinking accept both of their wire shapes.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	System      SystemPrompt    `json:"system,omitempty"`
	Tools       []Tool          `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *ThinkingOption `json:"thinking,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Content is either a plain string or a list of content blocks on the wire.
type Content struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextContent wraps a plain string content.
func TextContent(s string) Content { return Content{Text: s, isText: true} }

// BlockContent wraps a block-list content.
func BlockContent(blocks ...ContentBlock) Content { return Content{Blocks: blocks} }

// IsText reports whether the content was a plain string on the wire.
func (c Content) IsText() bool { return c.isText }

// AsBlocks returns the content normalized to block form.
func (c Content) AsBlocks() []ContentBlock {
	if c.isText {
		return []ContentBlock{{Type: "text", Text: c.Text}}
	}
	return c.Blocks
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.isText = true
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content is neither string nor block list: %w", err)
	}
	c.Blocks = blocks
	c.isText = false
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is one tagged content variant. Type selects which fields apply.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Data string `json:"data,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source json.RawMessage `json:"source,omitempty"`

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a block as a cacheable-prefix boundary.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// SystemPrompt is either a plain string or a list of text blocks on the wire.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
	isText bool
	set    bool
}

// IsZero reports whether the system prompt was absent.
func (s SystemPrompt) IsZero() bool { return !s.set }

// Plain concatenates the system prompt into one string.
func (s SystemPrompt) Plain() string {
	if s.isText {
		return s.Text
	}
	var out string
	for _, b := range s.Blocks {
		if b.Type == "text" && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.set = true
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		s.isText = true
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system is neither string nor block list: %w", err)
	}
	s.Blocks = blocks
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if !s.set {
		return []byte("null"), nil
	}
	if s.isText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

// Tool is a Claude tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ThinkingOption accepts the boolean and object wire forms of "thinking".
type ThinkingOption struct {
	Enabled      bool
	BudgetTokens int
}

func (t *ThinkingOption) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		t.Enabled = b
		return nil
	}
	var obj struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("thinking is neither bool nor object: %w", err)
	}
	t.Enabled = obj.Type == "enabled"
	t.BudgetTokens = obj.BudgetTokens
	return nil
}

func (t ThinkingOption) MarshalJSON() ([]byte, error) {
	if t.BudgetTokens > 0 {
		typ := "disabled"
		if t.Enabled {
			typ = "enabled"
		}
		return json.Marshal(map[string]any{"type": typ, "budget_tokens": t.BudgetTokens})
	}
	return json.Marshal(t.Enabled)
}

// ThinkingEnabled resolves the effective thinking switch for a request:
// explicit client choice first, the configured default otherwise.
func (r *Request) ThinkingEnabled(defaultOn bool) bool {
	if r.Thinking != nil {
		return r.Thinking.Enabled
	}
	return defaultOn
}

// ThinkingBudget returns the requested budget, or fallback when unset.
func (r *Request) ThinkingBudget(fallback int) int {
	if r.Thinking != nil && r.Thinking.BudgetTokens > 0 {
		return r.Thinking.BudgetTokens
	}
	return fallback
}

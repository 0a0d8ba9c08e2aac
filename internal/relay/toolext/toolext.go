// Package toolext recovers structured tool calls from model output: bracket
// notation embedded in plain text, duplicate suppression, and argument
// normalization.
package toolext

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Call is one recovered tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments string // JSON object text
}

var bracketPattern = regexp.MustCompile(`(?i)\[Called\s+(\w+)\s+with\s+args:\s*`)

// NewCallID mints a call identifier.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ParseBracketCalls extracts `[Called name with args: {...}]` invocations
// that some models emit as literal text instead of structured tool calls.
func ParseBracketCalls(text string) []Call {
	if !strings.Contains(text, "[Called") {
		return nil
	}
	var calls []Call
	for _, loc := range bracketPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[loc[2]:loc[3]]
		jsonStart := strings.Index(text[loc[1]:], "{")
		if jsonStart < 0 {
			continue
		}
		jsonStart += loc[1]
		jsonEnd := matchingBrace(text, jsonStart)
		if jsonEnd < 0 {
			continue
		}
		raw := text[jsonStart : jsonEnd+1]

		var args map[string]any
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			continue
		}
		normalized, _ := json.Marshal(args)
		calls = append(calls, Call{ID: NewCallID(), Name: name, Arguments: string(normalized)})
	}
	return calls
}

// matchingBrace finds the brace closing the object at start, honoring strings
// and escapes so nested JSON parses correctly.
func matchingBrace(text string, start int) int {
	if start >= len(text) || text[start] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Deduplicate drops repeated calls: by id first (keeping the more complete
// arguments), then by identical name+arguments.
func Deduplicate(calls []Call) []Call {
	if len(calls) == 0 {
		return nil
	}

	byID := make(map[string]Call)
	var order []string
	var anonymous []Call
	for _, c := range calls {
		if c.ID == "" {
			anonymous = append(anonymous, c)
			continue
		}
		existing, ok := byID[c.ID]
		if !ok {
			byID[c.ID] = c
			order = append(order, c.ID)
			continue
		}
		if c.Arguments != "{}" && (existing.Arguments == "{}" || len(c.Arguments) > len(existing.Arguments)) {
			byID[c.ID] = c
		}
	}

	seen := make(map[string]bool)
	var unique []Call
	for _, id := range order {
		c := byID[id]
		key := c.Name + "-" + c.Arguments
		if !seen[key] {
			seen[key] = true
			unique = append(unique, c)
		}
	}
	for _, c := range anonymous {
		key := c.Name + "-" + c.Arguments
		if !seen[key] {
			seen[key] = true
			unique = append(unique, c)
		}
	}
	return unique
}

// NormalizeArguments coerces an arguments value to a valid JSON object string.
func NormalizeArguments(args string) string {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return "{}"
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil || parsed == nil {
		return "{}"
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return "{}"
	}
	return string(normalized)
}

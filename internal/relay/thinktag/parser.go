// Package thinktag incrementally splits a text stream into plain text and
// <thinking>…</thinking> sections. Tags may straddle chunk boundaries; once
// adjacent segments of the same kind are joined, the output is identical no
// matter how the input is chunked.
package thinktag

import "strings"

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// Segment is a run of text attributed to either plain output or thinking.
type Segment struct {
	Thinking bool
	Text     string
}

// Parser is a two-state scanner over a chunked text stream.
type Parser struct {
	carry      string
	inThinking bool
}

// New returns a parser in the outside state.
func New() *Parser { return &Parser{} }

// Feed consumes the next chunk and returns completed segments. A suffix that
// could begin the next tag is withheld until more input arrives.
func (p *Parser) Feed(chunk string) []Segment {
	var out []Segment
	s := p.carry + chunk
	p.carry = ""

	for s != "" {
		tag := openTag
		if p.inThinking {
			tag = closeTag
		}

		if i := strings.Index(s, tag); i >= 0 {
			if i > 0 {
				out = append(out, Segment{Thinking: p.inThinking, Text: s[:i]})
			}
			p.inThinking = !p.inThinking
			s = s[i+len(tag):]
			continue
		}

		held := partialTagSuffix(s, tag)
		if emit := s[:len(s)-held]; emit != "" {
			out = append(out, Segment{Thinking: p.inThinking, Text: emit})
		}
		p.carry = s[len(s)-held:]
		break
	}
	return out
}

// Flush drains withheld text at end of stream. An unterminated partial tag is
// emitted literally.
func (p *Parser) Flush() []Segment {
	if p.carry == "" {
		return nil
	}
	seg := Segment{Thinking: p.inThinking, Text: p.carry}
	p.carry = ""
	return []Segment{seg}
}

// InThinking reports the current state.
func (p *Parser) InThinking() bool { return p.inThinking }

// partialTagSuffix returns the length of the longest proper suffix of s that
// is a prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}

// Package tokencount estimates token counts for usage accounting. The
// estimates are advisory and make no bit-equality claim against any
// upstream's billing tokenizer.
package tokencount

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/tiktoken-go/tokenizer"
)

// Estimator converts text to an approximate token count. Implementations are
// pluggable; the default is a cl100k BPE codec.
type Estimator interface {
	Count(text string) int
}

// BPEEstimator counts tokens with the cl100k_base encoding.
type BPEEstimator struct {
	once  sync.Once
	codec tokenizer.Codec
}

// NewBPE returns the default estimator.
func NewBPE() *BPEEstimator { return &BPEEstimator{} }

// Count encodes text and returns the token count, falling back to a chars/4
// estimate if the codec cannot be loaded.
func (e *BPEEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Printf("⚠️ Failed to load cl100k codec, falling back to char estimate: %v", err)
			return
		}
		e.codec = codec
	})
	if e.codec == nil {
		return charEstimate(text)
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return charEstimate(text)
	}
	return len(ids)
}

func charEstimate(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountRequest estimates a request's input tokens from a fixed rule: system
// text, every message text, and the serialized tool list, concatenated.
func CountRequest(e Estimator, req *claude.Request) int {
	var sb strings.Builder
	sb.WriteString(req.System.Plain())

	for _, msg := range req.Messages {
		for _, block := range msg.Content.AsBlocks() {
			switch block.Type {
			case "text":
				sb.WriteString(block.Text)
			case "thinking":
				sb.WriteString(block.Thinking)
			case "tool_use":
				sb.WriteString(block.Name)
				sb.Write(block.Input)
			case "tool_result":
				sb.Write(block.Content)
			}
		}
	}

	if len(req.Tools) > 0 {
		if serialized, err := json.Marshal(req.Tools); err == nil {
			sb.Write(serialized)
		}
	}

	return e.Count(sb.String())
}

// FixedEstimator returns a constant, useful in tests.
type FixedEstimator int

func (f FixedEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return int(f)
}

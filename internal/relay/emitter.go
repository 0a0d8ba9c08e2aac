package relay

import (
	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/tokencount"
)

// Emitter turns adapter callbacks into a well-formed Claude event sequence:
// monotonic block indices, automatic open/close when the content kind
// changes, and output-token accounting over text and tool-argument deltas.
type Emitter struct {
	sink      *SSEWriter
	estimator tokencount.Estimator

	nextIndex int
	openKind  string // "", "text", "thinking", "tool_use"
	started   bool

	outputText string
}

// NewEmitter binds a sink and an output-token estimator.
func NewEmitter(sink *SSEWriter, estimator tokencount.Estimator) *Emitter {
	return &Emitter{sink: sink, estimator: estimator}
}

// Sink exposes the raw writer for the passthrough channel.
func (e *Emitter) Sink() *SSEWriter { return e.sink }

// MessageStart opens the message envelope. Idempotent: adapters may call it
// on every upstream event; only the first call emits message_start.
func (e *Emitter) MessageStart(id, model string, usage claude.Usage) error {
	if e.started {
		return nil
	}
	e.started = true
	return e.sink.WriteEvent(claude.NewMessageStart(id, model, usage))
}

// Started reports whether message_start has been emitted.
func (e *Emitter) Started() bool { return e.started }

// Text streams plain assistant text, opening a text block as needed.
func (e *Emitter) Text(text string) error {
	if text == "" {
		return nil
	}
	if err := e.ensureBlock("text"); err != nil {
		return err
	}
	e.outputText += text
	return e.sink.WriteEvent(claude.NewTextDelta(e.currentIndex(), text))
}

// Thinking streams reasoning text, opening a thinking block as needed.
func (e *Emitter) Thinking(text string) error {
	if text == "" {
		return nil
	}
	if err := e.ensureBlock("thinking"); err != nil {
		return err
	}
	e.outputText += text
	return e.sink.WriteEvent(claude.NewThinkingDelta(e.currentIndex(), text))
}

// Signature attaches a signature delta to the open thinking block; without
// one the signature is dropped.
func (e *Emitter) Signature(sig string) error {
	if sig == "" || e.openKind != "thinking" {
		return nil
	}
	return e.sink.WriteEvent(claude.NewSignatureDelta(e.currentIndex(), sig))
}

// ToolUseStart opens a tool_use block, closing any open block first.
func (e *Emitter) ToolUseStart(toolUseID, name string) error {
	if err := e.CloseBlock(); err != nil {
		return err
	}
	e.openKind = "tool_use"
	return e.sink.WriteEvent(claude.NewToolUseStart(e.nextIndex, toolUseID, name))
}

// ToolUseDelta streams a fragment of the open tool_use block's arguments.
func (e *Emitter) ToolUseDelta(partialJSON string) error {
	if partialJSON == "" || e.openKind != "tool_use" {
		return nil
	}
	e.outputText += partialJSON
	return e.sink.WriteEvent(claude.NewInputJSONDelta(e.currentIndex(), partialJSON))
}

// CloseBlock ends the open content block, if any.
func (e *Emitter) CloseBlock() error {
	if e.openKind == "" {
		return nil
	}
	idx := e.currentIndex()
	e.openKind = ""
	e.nextIndex++
	return e.sink.WriteEvent(claude.NewBlockStop(idx))
}

// Finish closes any open block and emits message_delta + message_stop.
// When nothing streamed at all, an empty text block keeps the event sequence
// well formed.
func (e *Emitter) Finish(stopReason string, usage claude.Usage) error {
	if e.nextIndex == 0 && e.openKind == "" {
		if err := e.ensureBlock("text"); err != nil {
			return err
		}
	}
	if err := e.CloseBlock(); err != nil {
		return err
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = e.OutputTokens()
	}
	if err := e.sink.WriteEvent(claude.NewMessageDelta(stopReason, usage)); err != nil {
		return err
	}
	return e.sink.WriteEvent(claude.NewMessageStop())
}

// OutputTokens estimates tokens across everything streamed so far.
func (e *Emitter) OutputTokens() int {
	return e.estimator.Count(e.outputText)
}

func (e *Emitter) currentIndex() int { return e.nextIndex }

// ensureBlock opens a block of the wanted kind, closing a different open one.
func (e *Emitter) ensureBlock(kind string) error {
	if e.openKind == kind {
		return nil
	}
	if err := e.CloseBlock(); err != nil {
		return err
	}
	e.openKind = kind
	return e.sink.WriteEvent(claude.NewBlockStart(e.nextIndex, kind))
}

package relay

import (
	"context"
	"io"
	"net/http"

	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/db/models"
)

// StreamResult is what an adapter learned from the upstream stream.
type StreamResult struct {
	StopReason   string
	InputTokens  int // upstream-reported, 0 when unknown
	OutputTokens int // upstream-reported, 0 when unknown

	// Forwarded marks a passthrough stream whose message_delta/message_stop
	// already went downstream; the orchestrator must not append its own.
	Forwarded bool
}

// BuildInput bundles everything a converter needs to form the upstream call.
type BuildInput struct {
	Account     *models.Account
	AccessToken string
	Request     *claude.Request
	Model       string // after per-account model mapping
	MessageID   string

	ThinkingEnabled bool
	ThinkingBudget  int

	// StartUsage seeds message_start with the simulated cache stats and the
	// ingress input-token estimate.
	StartUsage claude.Usage

	// RawBody is the client's original request JSON, used by the passthrough
	// channel which forwards it mostly verbatim.
	RawBody []byte
}

// Adapter is the closed capability set each channel implements: build the
// upstream request, then adapt the upstream stream into Claude events.
type Adapter interface {
	// BuildRequest forms the upstream HTTP request, body included.
	BuildRequest(ctx context.Context, in *BuildInput) (*http.Request, error)

	// AdaptStream consumes the upstream body and drives the emitter. The
	// adapter emits message_start through the last content block; Finish is
	// the orchestrator's.
	AdaptStream(ctx context.Context, body io.Reader, em *Emitter, in *BuildInput) (*StreamResult, error)
}

// Package relay owns the request lifecycle: account selection and retry,
// upstream dispatch, SSE framing, cache-stat injection, and accounting.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/claude-relay/internal/auth/token"
	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/pool"
	"github.com/pysugar/claude-relay/internal/promptcache"
	"github.com/pysugar/claude-relay/internal/router"
	"github.com/pysugar/claude-relay/internal/tokencount"
	"github.com/pysugar/claude-relay/internal/usage"
	"github.com/pysugar/claude-relay/internal/util"
)

const (
	maxRetries   = 3
	pingInterval = 15 * time.Second
)

// Options tunes the orchestrator.
type Options struct {
	ThinkingAlwaysOn bool
	UpstreamTimeout  time.Duration
}

// Orchestrator drives one /v1/messages request end to end. It is reentrant;
// every inbound request runs independently.
type Orchestrator struct {
	router    *router.Router
	pool      *pool.Pool
	store     *db.AccountStore
	tokens    *token.Manager
	cache     *promptcache.Simulator // nil when simulation is disabled
	usage     *usage.Tracker
	estimator tokencount.Estimator
	adapters  map[string]Adapter // keyed by channel, with custom_api split by format
	client    *http.Client
	opts      Options
}

// New wires the orchestrator. The adapters map must contain the keys
// "amazon_q", "gemini", "custom_api:openai", and "custom_api:claude".
func New(rt *router.Router, p *pool.Pool, store *db.AccountStore, tokens *token.Manager,
	cache *promptcache.Simulator, tracker *usage.Tracker, estimator tokencount.Estimator,
	adapters map[string]Adapter, opts Options) *Orchestrator {
	if opts.UpstreamTimeout == 0 {
		opts.UpstreamTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		router:    rt,
		pool:      p,
		store:     store,
		tokens:    tokens,
		cache:     cache,
		usage:     tracker,
		estimator: estimator,
		adapters:  adapters,
		client:    &http.Client{Timeout: 0}, // per-request deadline via context
		opts:      opts,
	}
}

// adapterFor resolves the channel adapter, honoring the custom_api format.
func (o *Orchestrator) adapterFor(acc *models.Account) (Adapter, error) {
	key := acc.Type
	if acc.Type == models.TypeCustomAPI {
		if acc.ExtensionString("format") == "claude" {
			key = "custom_api:claude"
		} else {
			key = "custom_api:openai"
		}
	}
	adapter, ok := o.adapters[key]
	if !ok {
		return nil, fmt.Errorf("no adapter for %q", key)
	}
	return adapter, nil
}

// Handle serves one streaming request. rawBody is the client's original JSON
// for the passthrough channel; pinnedAccountID comes from X-Account-ID;
// forcedChannel restricts selection to one channel (the /v1/gemini surface).
func (o *Orchestrator) Handle(w http.ResponseWriter, r *http.Request, creq *claude.Request, rawBody []byte, pinnedAccountID, forcedChannel string) {
	sink, err := NewSSEWriter(w)
	if err != nil {
		writeClaudeError(w, "api_error", err.Error(), http.StatusInternalServerError)
		return
	}

	// Overall deadline: upstream deadline plus slack for framing.
	ctx, cancel := context.WithTimeout(r.Context(), o.opts.UpstreamTimeout+30*time.Second)
	defer cancel()

	inputTokens := tokencount.CountRequest(o.estimator, creq)
	startUsage := claude.Usage{InputTokens: inputTokens}
	if o.cache != nil {
		if content, tokens := promptcache.ExtractCacheable(creq); content != "" {
			res := o.cache.Check(promptcache.Key(content), tokens)
			startUsage.CacheCreationInputTokens = res.CacheCreationTokens
			startUsage.CacheReadInputTokens = res.CacheReadTokens
		}
	}

	thinkingEnabled := creq.ThinkingEnabled(o.opts.ThinkingAlwaysOn)
	thinkingBudget := creq.ThinkingBudget(1024)

	var lastErr error
	failoverChannel := forcedChannel

	for attempt := 0; attempt < maxRetries; attempt++ {
		var route *router.Route
		if failoverChannel != "" && pinnedAccountID == "" {
			route, err = o.router.PickInChannel(failoverChannel, creq.Model)
		} else {
			route, err = o.router.Pick(creq.Model, pinnedAccountID)
		}
		if err != nil {
			lastErr = err
			break
		}
		acc := route.Account

		accessToken, err := o.tokens.GetValidToken(ctx, acc)
		if err != nil {
			lastErr = err
			o.pool.MarkError(acc.ID)
			if route.Pinned {
				break
			}
			continue
		}

		adapter, err := o.adapterFor(acc)
		if err != nil {
			lastErr = err
			break
		}

		in := &BuildInput{
			Account:         acc,
			AccessToken:     accessToken,
			Request:         creq,
			Model:           route.Model,
			MessageID:       "msg_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
			ThinkingEnabled: thinkingEnabled,
			ThinkingBudget:  thinkingBudget,
			StartUsage:      startUsage,
			RawBody:         rawBody,
		}

		resp, err := o.openUpstream(ctx, adapter, in)
		if err != nil {
			if ctx.Err() != nil {
				return // client went away or deadline passed
			}
			lastErr = err
			o.pool.MarkError(acc.ID)
			log.Printf("⚠️ Upstream connect failed on %s: %v", acc.ID, err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusTooManyRequests:
				// 429 force-opens the breaker and fails over immediately.
				o.pool.TripBreaker(acc.ID)
				if acc.Type == models.TypeGemini {
					o.markGeminiQuota(acc, route.Model, string(body))
				}
				lastErr = fmt.Errorf("upstream rate limited: %s", truncateBody(body))
				log.Printf("🚦 429 from upstream on %s, failing over", acc.ID)
				if route.Pinned {
					writeClaudeErrorWithRetry(w, "rate_limit_error", "Upstream rate limited", http.StatusTooManyRequests)
					return
				}
				failoverChannel = route.Channel
				continue

			case token.IsTokenInvalidResponse(resp.StatusCode, string(body)):
				// One forced re-refresh per request, then retry the loop.
				if _, rerr := o.tokens.ForceRefresh(ctx, acc); rerr != nil {
					o.pool.MarkError(acc.ID)
				}
				lastErr = fmt.Errorf("upstream rejected token (%d)", resp.StatusCode)
				continue

			case resp.StatusCode >= 500:
				o.pool.MarkError(acc.ID)
				writeClaudeError(w, "api_error",
					fmt.Sprintf("Upstream error (%d): %s", resp.StatusCode, truncateBody(body)),
					http.StatusBadGateway)
				return

			default:
				// Other 4xx surface with their original semantics.
				o.pool.MarkError(acc.ID)
				writeClaudeError(w, "invalid_request_error", truncateBody(body), resp.StatusCode)
				return
			}
		}

		o.streamResponse(ctx, sink, resp, adapter, in, route)
		return
	}

	switch {
	case errors.Is(lastErr, pool.ErrNoEligibleAccount):
		writeClaudeError(w, "overloaded_error", "No available accounts", http.StatusServiceUnavailable)
	case errors.Is(lastErr, token.ErrRefresh):
		writeClaudeError(w, "api_error", "All accounts failed to authenticate", http.StatusBadGateway)
	case errors.Is(lastErr, router.ErrAccountDisabled):
		writeClaudeError(w, "invalid_request_error", lastErr.Error(), http.StatusBadRequest)
	case lastErr != nil && strings.Contains(lastErr.Error(), "rate limited"):
		writeClaudeErrorWithRetry(w, "rate_limit_error", "All accounts rate limited", http.StatusTooManyRequests)
	case lastErr != nil:
		writeClaudeError(w, "api_error", lastErr.Error(), http.StatusBadGateway)
	default:
		writeClaudeError(w, "overloaded_error", "No available accounts", http.StatusServiceUnavailable)
	}
}

// openUpstream builds and sends the upstream request.
func (o *Orchestrator) openUpstream(ctx context.Context, adapter Adapter, in *BuildInput) (*http.Response, error) {
	req, err := adapter.BuildRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.client.Do(req)
}

// streamResponse forwards the upstream stream and settles all bookkeeping.
// Once the first byte is downstream, failures are final for the client.
func (o *Orchestrator) streamResponse(ctx context.Context, sink *SSEWriter, resp *http.Response, adapter Adapter, in *BuildInput, route *router.Route) {
	defer resp.Body.Close()

	sink.Begin()
	stopKeepalive := sink.StartKeepalive(pingInterval)
	defer stopKeepalive()

	em := NewEmitter(sink, o.estimator)
	result, err := adapter.AdaptStream(ctx, resp.Body, em, in)

	if err != nil {
		if ctx.Err() != nil {
			// Client disconnect or deadline: stop cleanly, no call log.
			log.Printf("🔌 Stream cancelled on %s: %v", in.Account.ID, ctx.Err())
			return
		}
		// Mid-stream failure after bytes went out: synthesize a well-formed
		// ending, mark the account, never retry.
		log.Printf("❌ Upstream stream broke on %s: %v", in.Account.ID, err)
		o.pool.MarkError(in.Account.ID)
		if em.Started() {
			finalUsage := in.StartUsage
			em.Finish("end_turn", finalUsage)
		} else if !sink.Streamed() {
			// Nothing was emitted yet, so an error body is still possible.
			writeClaudeError(sink.w, "api_error", "Upstream stream failed", http.StatusBadGateway)
		}
		return
	}

	finalUsage := in.StartUsage
	if result.InputTokens > 0 {
		finalUsage.InputTokens = result.InputTokens
	}
	finalUsage.OutputTokens = result.OutputTokens

	if !result.Forwarded {
		stopReason := result.StopReason
		if stopReason == "" {
			stopReason = "end_turn"
		}
		if err := em.Finish(stopReason, finalUsage); err != nil {
			log.Printf("⚠️ Failed to finish stream on %s: %v", in.Account.ID, err)
			return
		}
	}
	if finalUsage.OutputTokens == 0 {
		finalUsage.OutputTokens = em.OutputTokens()
	}

	o.pool.MarkSuccess(in.Account.ID)
	o.pool.RecordCall(in.Account.ID, route.Model)
	o.usage.Record(route.Model, route.Channel, in.Account.ID,
		finalUsage.InputTokens, finalUsage.OutputTokens,
		finalUsage.CacheCreationInputTokens, finalUsage.CacheReadInputTokens)
}

// markGeminiQuota distinguishes a daily-quota exhaustion (remaining=0 until
// the quota resets) from a per-minute rate trip (short cooldown only).
func (o *Orchestrator) markGeminiQuota(acc *models.Account, model, body string) {
	lower := strings.ToLower(body)
	daily := strings.Contains(lower, "perday") || strings.Contains(lower, "per day") || strings.Contains(lower, "daily")
	if !daily {
		// The breaker already set a recovery cooldown; a minute-rate trip
		// needs no quota bookkeeping.
		return
	}

	ext := acc.ExtensionMap()
	quotas := map[string]any{}
	if existing, ok := ext["model_quotas"].(map[string]any); ok {
		quotas = existing
	}
	quotas[model] = map[string]any{
		"remaining": 0,
		"reset_at":  nextUTCMidnight(time.Now()).Format(time.RFC3339),
	}
	ext["model_quotas"] = quotas

	raw, err := json.Marshal(ext)
	if err != nil {
		return
	}
	if err := o.store.UpdateExtension(acc.ID, string(raw)); err != nil {
		log.Printf("⚠️ Failed to mark quota for %s/%s: %v", acc.ID, model, err)
		return
	}
	log.Printf("📉 Daily quota exhausted for %s on %s", model, acc.ID)
}

func nextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

func truncateBody(body []byte) string {
	return util.TruncateLog(string(body), 512)
}

// writeClaudeError writes a Claude-style error body. Only valid before any
// SSE bytes went out.
func writeClaudeError(w http.ResponseWriter, errType, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

func writeClaudeErrorWithRetry(w http.ResponseWriter, errType, message string, status int) {
	w.Header().Set("Retry-After", "60")
	writeClaudeError(w, errType, message, status)
}

// Package handlers implements the public Claude-compatible surface and the
// management endpoints.
package handlers

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/logging"
	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/tokencount"
)

// Validation tunes the ingress input check.
type Validation struct {
	Disabled       bool
	MaxInputTokens int
	Strict         bool // reject instead of warn
}

// MessagesHandler serves POST /v1/messages. forcedChannel pins the channel
// for the /v1/gemini/messages variant.
func MessagesHandler(orch *relay.Orchestrator, estimator tokencount.Estimator, v Validation, forcedChannel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			writeError(w, "invalid_request_error", "Failed to read request body", http.StatusBadRequest)
			return
		}

		var creq claude.Request
		if err := json.Unmarshal(rawBody, &creq); err != nil {
			writeError(w, "invalid_request_error", "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if creq.Model == "" {
			writeError(w, "invalid_request_error", "model is required", http.StatusBadRequest)
			return
		}
		if len(creq.Messages) == 0 {
			writeError(w, "invalid_request_error", "messages must not be empty", http.StatusBadRequest)
			return
		}
		if !creq.Stream {
			writeError(w, "invalid_request_error", "only stream=true is supported", http.StatusBadRequest)
			return
		}

		if !v.Disabled && v.MaxInputTokens > 0 {
			estimated := tokencount.CountRequest(estimator, &creq)
			if estimated > v.MaxInputTokens {
				if v.Strict {
					writeError(w, "invalid_request_error",
						"Estimated input exceeds the configured maximum", http.StatusBadRequest)
					return
				}
				log.Printf("⚠️ Input estimate %d exceeds max %d (model=%s), forwarding anyway",
					estimated, v.MaxInputTokens, creq.Model)
			}
		}

		log.Printf("📨 [%s] Messages request: model=%s messages=%d thinking=%v",
			logging.GetRequestID(r.Context()), creq.Model, len(creq.Messages),
			creq.Thinking != nil && creq.Thinking.Enabled)

		orch.Handle(w, r, &creq, rawBody, r.Header.Get("X-Account-ID"), forcedChannel)
	}
}

// GeminiMessagesHandler is the channel-pinned variant.
func GeminiMessagesHandler(orch *relay.Orchestrator, estimator tokencount.Estimator, v Validation) http.HandlerFunc {
	return MessagesHandler(orch, estimator, v, models.TypeGemini)
}

func writeError(w http.ResponseWriter, errType, message string, status int) {
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

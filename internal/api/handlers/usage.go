package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/claude-relay/internal/usage"
)

// UsageHandler serves GET /v1/usage?period=hour|day|week|month|all.
func UsageHandler(tracker *usage.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := tracker.GetSummary(r.URL.Query().Get("period"))
		if err != nil {
			writeError(w, "invalid_request_error", err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

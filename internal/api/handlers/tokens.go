package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/tokencount"
)

// CountTokensHandler serves POST /v1/messages/count_tokens with the same
// estimator the usage tracker records.
func CountTokensHandler(estimator tokencount.Estimator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var creq claude.Request
		if err := json.NewDecoder(r.Body).Decode(&creq); err != nil {
			writeError(w, "invalid_request_error", "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"input_tokens": tokencount.CountRequest(estimator, &creq),
		})
	}
}

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/claude-relay/internal/db"
)

// HealthHandler serves GET /health with account pool counts.
func HealthHandler(store *db.AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.List()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"status": "error"})
			return
		}

		enabled := 0
		for _, acc := range accounts {
			if acc.Enabled {
				enabled++
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":           "ok",
			"enabled_accounts": enabled,
			"total_accounts":   len(accounts),
		})
	}
}

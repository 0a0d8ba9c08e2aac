package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pysugar/claude-relay/internal/promptcache"
)

// CacheStatsHandler serves GET /v2/cache/stats.
func CacheStatsHandler(cache *promptcache.Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			httpError(w, http.StatusNotFound, "cache simulation disabled")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cache.Stats())
	}
}

// CachePrewarmHandler serves POST /v2/cache/prewarm with a content list.
func CachePrewarmHandler(cache *promptcache.Simulator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cache == nil {
			httpError(w, http.StatusNotFound, "cache simulation disabled")
			return
		}
		var payload struct {
			Contents []string `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		cache.Prewarm(payload.Contents)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"prewarmed": len(payload.Contents)})
	}
}

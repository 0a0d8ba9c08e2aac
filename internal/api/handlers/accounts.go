package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/claude-relay/internal/auth/token"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/pool"
)

// accountPayload is the admin-facing create/update body.
type accountPayload struct {
	Type             string                `json:"type"`
	Label            string                `json:"label"`
	ClientID         string                `json:"client_id"`
	ClientSecret     string                `json:"client_secret"`
	RefreshToken     string                `json:"refresh_token"`
	AccessToken      string                `json:"access_token"`
	Extension        json.RawMessage       `json:"extension"`
	ModelMappings    []models.ModelMapping `json:"model_mappings"`
	Enabled          *bool                 `json:"enabled"`
	Weight           *int                  `json:"weight"`
	RateLimitPerHour *int                  `json:"rate_limit_per_hour"`
}

// ListAccountsHandler serves GET /v2/accounts.
func ListAccountsHandler(store *db.AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := store.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"accounts": accounts})
	}
}

// CreateAccountHandler serves POST /v2/accounts.
func CreateAccountHandler(store *db.AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload accountPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		switch payload.Type {
		case models.TypeAmazonQ, models.TypeGemini, models.TypeCustomAPI:
		default:
			httpError(w, http.StatusBadRequest, "unknown account type")
			return
		}

		acc := models.Account{
			Type:         payload.Type,
			Label:        payload.Label,
			ClientID:     payload.ClientID,
			ClientSecret: payload.ClientSecret,
			RefreshToken: payload.RefreshToken,
			AccessToken:  payload.AccessToken,
			Extension:    string(payload.Extension),
			Enabled:      true,
		}
		if payload.Enabled != nil {
			acc.Enabled = *payload.Enabled
		}
		if payload.Weight != nil {
			acc.Weight = *payload.Weight
		}
		if payload.RateLimitPerHour != nil {
			acc.RateLimitPerHour = *payload.RateLimitPerHour
		}
		if len(payload.ModelMappings) > 0 {
			raw, _ := json.Marshal(payload.ModelMappings)
			acc.ModelMappings = string(raw)
		}

		if err := store.Create(&acc); err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(acc)
	}
}

// PatchAccountHandler serves PATCH /v2/accounts/{id}.
func PatchAccountHandler(store *db.AccountStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var payload accountPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}

		fields := map[string]any{}
		if payload.Label != "" {
			fields["label"] = payload.Label
		}
		if payload.ClientID != "" {
			fields["client_id"] = payload.ClientID
		}
		if payload.ClientSecret != "" {
			fields["client_secret"] = payload.ClientSecret
		}
		if payload.RefreshToken != "" {
			fields["refresh_token"] = payload.RefreshToken
		}
		if payload.AccessToken != "" {
			fields["access_token"] = payload.AccessToken
		}
		if len(payload.Extension) > 0 {
			fields["extension"] = string(payload.Extension)
		}
		if payload.ModelMappings != nil {
			raw, _ := json.Marshal(payload.ModelMappings)
			fields["model_mappings"] = string(raw)
		}
		if payload.Enabled != nil {
			fields["enabled"] = *payload.Enabled
		}
		if payload.Weight != nil {
			fields["weight"] = *payload.Weight
		}
		if payload.RateLimitPerHour != nil {
			fields["rate_limit_per_hour"] = *payload.RateLimitPerHour
		}
		if len(fields) == 0 {
			httpError(w, http.StatusBadRequest, "no fields to update")
			return
		}

		if err := store.Update(id, fields); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, db.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			httpError(w, status, err.Error())
			return
		}

		acc, err := store.Get(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(acc)
	}
}

// DeleteAccountHandler serves DELETE /v2/accounts/{id}, dropping the token
// cache entry alongside the row.
func DeleteAccountHandler(store *db.AccountStore, tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := store.Delete(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, db.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			httpError(w, status, err.Error())
			return
		}
		tokens.Invalidate(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// RefreshAccountHandler serves POST /v2/accounts/{id}/refresh.
func RefreshAccountHandler(store *db.AccountStore, tokens *token.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := store.Get(id)
		if err != nil {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		if _, err := tokens.ForceRefresh(r.Context(), acc); err != nil {
			httpError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// AccountStatsHandler serves GET /v2/accounts/{id}/stats with counters and
// windowed call counts.
func AccountStatsHandler(store *db.AccountStore, recorder *pool.Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		acc, err := store.Get(id)
		if err != nil {
			httpError(w, http.StatusNotFound, err.Error())
			return
		}
		stats := recorder.Stats(id)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"account_id":          acc.ID,
			"request_count":       acc.RequestCount,
			"success_count":       acc.SuccessCount,
			"error_count":         acc.ErrorCount,
			"error_streak":        acc.ErrorStreak,
			"last_used_at":        acc.LastUsedAt,
			"cooldown_until":      acc.CooldownUntil,
			"last_refresh_status": acc.LastRefreshStatus,
			"calls":               stats,
		})
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

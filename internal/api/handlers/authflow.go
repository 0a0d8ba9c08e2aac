package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/claude-relay/internal/auth/deviceflow"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
)

// StartAuthHandler serves POST /v2/auth/start: register an OIDC client,
// request a device code, and park a pending session.
func StartAuthHandler(client *deviceflow.Client, sessions *deviceflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Label    string `json:"label"`
			StartURL string `json:"start_url"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		if payload.StartURL == "" {
			payload.StartURL = "https://view.awsapps.com/start"
		}

		reg, err := client.RegisterClient(r.Context(), "claude-relay")
		if err != nil {
			httpError(w, http.StatusBadGateway, "client registration failed: "+err.Error())
			return
		}
		auth, err := client.StartDeviceAuthorization(r.Context(), reg, payload.StartURL)
		if err != nil {
			httpError(w, http.StatusBadGateway, "device authorization failed: "+err.Error())
			return
		}

		session := sessions.Create(reg, auth)
		log.Printf("🔑 Device flow started: auth_id=%s user_code=%s", session.AuthID, session.UserCode)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"authId":                  session.AuthID,
			"verificationUriComplete": session.VerificationURI,
			"userCode":                session.UserCode,
			"expiresIn":               session.ExpiresIn,
			"interval":                session.Interval,
		})
	}
}

// ClaimAuthHandler serves POST /v2/auth/claim/{authId}: poll the token
// endpoint until approval (blocking up to the five-minute ceiling), then
// create the account row.
func ClaimAuthHandler(client *deviceflow.Client, sessions *deviceflow.Sessions, store *db.AccountStore, label string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authID := chi.URLParam(r, "authId")
		session, ok := sessions.Get(authID)
		if !ok {
			httpError(w, http.StatusNotFound, "unknown auth session")
			return
		}
		if session.Status != deviceflow.StatusPending {
			writeAuthOutcome(w, store, session)
			return
		}

		reg := &deviceflow.Registration{ClientID: session.ClientID, ClientSecret: session.ClientSecret}
		auth := &deviceflow.DeviceAuthorization{
			DeviceCode: session.DeviceCode,
			Interval:   session.Interval,
			ExpiresIn:  session.ExpiresIn,
			UserCode:   session.UserCode,
		}

		tokens, err := client.PollForTokens(r.Context(), reg, auth)
		if err != nil {
			if err == deviceflow.ErrAuthTimeout {
				sessions.Fail(authID, deviceflow.StatusTimeout, err.Error())
				httpError(w, http.StatusRequestTimeout, "device authorization timed out")
				return
			}
			sessions.Fail(authID, deviceflow.StatusError, err.Error())
			httpError(w, http.StatusBadGateway, err.Error())
			return
		}

		acc := models.Account{
			Type:         models.TypeAmazonQ,
			Label:        label,
			ClientID:     session.ClientID,
			ClientSecret: session.ClientSecret,
			RefreshToken: tokens.RefreshToken,
			AccessToken:  tokens.AccessToken,
			Enabled:      true,
		}
		if acc.Label == "" {
			acc.Label = "amazon-q-" + time.Now().Format("20060102-150405")
		}
		if err := store.Create(&acc); err != nil {
			sessions.Fail(authID, deviceflow.StatusError, err.Error())
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sessions.Complete(authID, acc.ID)
		log.Printf("✅ Device flow completed: account %s (%s)", acc.Label, acc.ID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  deviceflow.StatusCompleted,
			"account": acc,
		})
	}
}

// AuthStatusHandler serves GET /v2/auth/status/{authId}.
func AuthStatusHandler(sessions *deviceflow.Sessions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := sessions.Get(chi.URLParam(r, "authId"))
		if !ok {
			httpError(w, http.StatusNotFound, "unknown auth session")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"authId":    session.AuthID,
			"status":    session.Status,
			"accountId": session.AccountID,
			"error":     session.Err,
		})
	}
}

func writeAuthOutcome(w http.ResponseWriter, store *db.AccountStore, session *deviceflow.Session) {
	switch session.Status {
	case deviceflow.StatusCompleted:
		acc, err := store.Get(session.AccountID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": session.Status, "account": acc})
	case deviceflow.StatusTimeout:
		httpError(w, http.StatusRequestTimeout, "device authorization timed out")
	default:
		httpError(w, http.StatusBadGateway, session.Err)
	}
}

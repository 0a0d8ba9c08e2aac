// Package deviceflow implements the OAuth 2.0 device authorization grant
// used to acquire Amazon Q credentials headlessly.
package deviceflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// authCeiling bounds the whole flow, poll loop included.
	authCeiling = 5 * time.Minute
)

// ErrAuthTimeout is returned when the user does not approve within the
// five-minute ceiling.
var ErrAuthTimeout = errors.New("device authorization timed out")

// Client drives the SSO OIDC registration/device/token endpoints.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient targets the production OIDC service.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

// Registration is a dynamically registered OIDC client.
type Registration struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

// DeviceAuthorization is the server's device-code grant.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// Tokens is the final token grant.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

// RegisterClient registers a fresh OIDC client for the flow.
func (c *Client) RegisterClient(ctx context.Context, name string) (*Registration, error) {
	var reg Registration
	err := c.postJSON(ctx, "/client/register", map[string]any{
		"clientName": name,
		"clientType": "public",
		"scopes":     []string{"codewhisperer:completions", "codewhisperer:analysis", "codewhisperer:conversations"},
	}, &reg)
	if err != nil {
		return nil, err
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("client registration response incomplete")
	}
	return &reg, nil
}

// StartDeviceAuthorization requests a device/user code pair.
func (c *Client) StartDeviceAuthorization(ctx context.Context, reg *Registration, startURL string) (*DeviceAuthorization, error) {
	var auth DeviceAuthorization
	err := c.postJSON(ctx, "/device_authorization", map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     startURL,
	}, &auth)
	if err != nil {
		return nil, err
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	return &auth, nil
}

// oidcError is the service's error envelope.
type oidcError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PollForTokens polls the token endpoint at the server-specified interval
// until approval, a terminal error, or the five-minute ceiling.
func (c *Client) PollForTokens(ctx context.Context, reg *Registration, auth *DeviceAuthorization) (*Tokens, error) {
	deadline := time.Now().Add(authCeiling)
	interval := time.Duration(auth.Interval) * time.Second

	for {
		if time.Now().After(deadline) {
			return nil, ErrAuthTimeout
		}

		var tokens Tokens
		status, errBody, err := c.postJSONStatus(ctx, "/token", map[string]any{
			"clientId":     reg.ClientID,
			"clientSecret": reg.ClientSecret,
			"deviceCode":   auth.DeviceCode,
			"grantType":    deviceCodeGrantType,
		}, &tokens)
		if err != nil {
			return nil, err
		}

		if status == http.StatusOK {
			if tokens.AccessToken == "" {
				return nil, fmt.Errorf("token response missing accessToken")
			}
			return &tokens, nil
		}

		var oe oidcError
		json.Unmarshal(errBody, &oe)
		switch oe.Error {
		case "authorization_pending", "AuthorizationPendingException":
			// keep polling
		case "slow_down", "SlowDownException":
			interval += 5 * time.Second
		case "expired_token", "ExpiredTokenException":
			return nil, ErrAuthTimeout
		default:
			return nil, fmt.Errorf("token endpoint returned %d: %s", status, errBody)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	status, body, err := c.postJSONStatus(ctx, path, payload, out)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, status, body)
	}
	return nil
}

// postJSONStatus posts JSON and decodes a 200 body into out; non-200 bodies
// come back raw for error classification.
func (c *Client) postJSONStatus(ctx context.Context, path string, payload any, out any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, body, nil
}

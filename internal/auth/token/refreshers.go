package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/util"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// AWS SSO OIDC endpoints for Amazon Q credentials.
const (
	OIDCBaseURL = "https://oidc.us-east-1.amazonaws.com"

	// The OIDC service expects the official CLI's user agent.
	awsUserAgent    = "aws-sdk-rust/1.3.9 os/macos lang/rust/1.87.0"
	awsAmzUserAgent = "aws-sdk-rust/1.3.9 ua/2.1 api/ssooidc/1.88.0 os/macos lang/rust/1.87.0 m/E app/AmazonQ-For-CLI"
)

// AmazonQRefresher refreshes Amazon Q access tokens through the SSO OIDC
// token endpoint.
type AmazonQRefresher struct {
	BaseURL string
	Client  *http.Client
}

// NewAmazonQRefresher uses the production OIDC endpoint.
func NewAmazonQRefresher() *AmazonQRefresher {
	return &AmazonQRefresher{BaseURL: OIDCBaseURL, Client: &http.Client{Timeout: 30 * time.Second}}
}

// Refresh posts the refresh_token grant in the camelCase JSON shape the OIDC
// service speaks.
func (r *AmazonQRefresher) Refresh(ctx context.Context, acc *models.Account) (*Cached, error) {
	payload := map[string]string{
		"grantType":    "refresh_token",
		"refreshToken": acc.RefreshToken,
		"clientId":     acc.ClientID,
		"clientSecret": acc.ClientSecret,
	}
	raw, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/token", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	setAWSHeaders(req)

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc token endpoint returned %d: %s", resp.StatusCode, util.TruncateLog(string(body), 200))
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token response missing accessToken")
	}

	expiresIn := parsed.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	return &Cached{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func setAWSHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", awsUserAgent)
	req.Header.Set("X-Amz-User-Agent", awsAmzUserAgent)
	req.Header.Set("Accept", "*/*")
}

// GeminiRefresher refreshes Google OAuth credentials through the standard
// token endpoint.
type GeminiRefresher struct {
	// TokenURL overrides the Google endpoint in tests.
	TokenURL string
}

// NewGeminiRefresher targets https://oauth2.googleapis.com/token.
func NewGeminiRefresher() *GeminiRefresher { return &GeminiRefresher{} }

func (r *GeminiRefresher) Refresh(ctx context.Context, acc *models.Account) (*Cached, error) {
	endpoint := google.Endpoint
	if r.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: r.TokenURL}
	}
	conf := &oauth2.Config{
		ClientID:     acc.ClientID,
		ClientSecret: acc.ClientSecret,
		Endpoint:     endpoint,
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: acc.RefreshToken})
	tok, err := source.Token()
	if err != nil {
		return nil, err
	}

	cached := &Cached{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
	}
	// Persist rotated refresh tokens (RFC 6749 §6).
	if tok.RefreshToken != "" && tok.RefreshToken != acc.RefreshToken {
		cached.RefreshToken = tok.RefreshToken
	} else {
		cached.RefreshToken = acc.RefreshToken
	}
	return cached, nil
}

// staticKeyRefresher serves custom_api accounts whose credential is a plain
// API key that never expires.
type staticKeyRefresher struct{}

func (staticKeyRefresher) Refresh(ctx context.Context, acc *models.Account) (*Cached, error) {
	key := acc.AccessToken
	if key == "" {
		key = acc.ClientSecret
	}
	if key == "" {
		return nil, fmt.Errorf("custom_api account has no api key")
	}
	return &Cached{AccessToken: key}, nil
}

// Package token manages per-account access-token lifecycle: cache, refresh,
// and expiry detection.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"golang.org/x/sync/singleflight"
)

// expirySkew is the minimum remaining life a returned token must have.
const expirySkew = 5 * time.Minute

// ErrRefresh wraps identity-provider rejections of a refresh attempt.
var ErrRefresh = errors.New("token refresh failed")

// Refresher exchanges a refresh token for a new access token. One
// implementation exists per account type.
type Refresher interface {
	Refresh(ctx context.Context, acc *models.Account) (*Cached, error)
}

// Cached is one account's token cache entry.
type Cached struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// valid reports whether the token still has the required remaining life.
func (c *Cached) valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true // static keys never expire
	}
	return c.ExpiresAt.After(now.Add(expirySkew))
}

// Manager caches tokens per account and serializes refreshes so concurrent
// callers for one account share a single refresh outcome. Refreshes for
// different accounts proceed in parallel.
type Manager struct {
	store      *db.AccountStore
	files      *FileCache
	refreshers map[string]Refresher

	mu     sync.RWMutex
	cache  map[string]*Cached
	flight singleflight.Group
	now    func() time.Time
}

// NewManager builds the manager. files may be nil to keep tokens in the
// database only.
func NewManager(store *db.AccountStore, files *FileCache) *Manager {
	m := &Manager{
		store: store,
		files: files,
		refreshers: map[string]Refresher{
			models.TypeAmazonQ:   NewAmazonQRefresher(),
			models.TypeGemini:    NewGeminiRefresher(),
			models.TypeCustomAPI: staticKeyRefresher{},
		},
		cache: make(map[string]*Cached),
		now:   time.Now,
	}
	return m
}

// SetRefresher overrides one account type's refresher (tests, endpoints).
func (m *Manager) SetRefresher(accountType string, r Refresher) {
	m.refreshers[accountType] = r
}

// GetValidToken returns an access token with at least five minutes of
// remaining life, refreshing when necessary. A rejected refresh marks the
// account last_refresh_status=failed and returns ErrRefresh.
func (m *Manager) GetValidToken(ctx context.Context, acc *models.Account) (string, error) {
	if cached := m.lookup(acc); cached.valid(m.now()) {
		return cached.AccessToken, nil
	}
	return m.refresh(ctx, acc)
}

// ForceRefresh discards the cached token and refreshes, used when an
// upstream rejects a token that looked valid.
func (m *Manager) ForceRefresh(ctx context.Context, acc *models.Account) (string, error) {
	m.mu.Lock()
	delete(m.cache, acc.ID)
	m.mu.Unlock()
	return m.refresh(ctx, acc)
}

// Invalidate drops an account's cache entry, e.g. when the account is
// deleted.
func (m *Manager) Invalidate(accountID string) {
	m.mu.Lock()
	delete(m.cache, accountID)
	m.mu.Unlock()
	if m.files != nil {
		m.files.Delete(accountID)
	}
}

// lookup pulls the cache entry, falling back to the file cache and then the
// account row itself.
func (m *Manager) lookup(acc *models.Account) *Cached {
	m.mu.RLock()
	cached, ok := m.cache[acc.ID]
	m.mu.RUnlock()
	if ok {
		return cached
	}

	if m.files != nil {
		if fromFile, err := m.files.Load(acc.ID); err == nil {
			m.storeCache(acc.ID, fromFile)
			return fromFile
		}
	}

	if acc.AccessToken != "" {
		// Trust the persisted token only if its JWT exp (when present) holds.
		cached = &Cached{AccessToken: acc.AccessToken, RefreshToken: acc.RefreshToken}
		if exp, ok := jwtExpiry(acc.AccessToken); ok {
			cached.ExpiresAt = exp
		}
		m.storeCache(acc.ID, cached)
		return cached
	}
	return nil
}

func (m *Manager) storeCache(accountID string, c *Cached) {
	m.mu.Lock()
	m.cache[accountID] = c
	m.mu.Unlock()
}

// refresh runs the account type's refresher, coalescing concurrent callers
// through a per-account singleflight key.
func (m *Manager) refresh(ctx context.Context, acc *models.Account) (string, error) {
	result, err, _ := m.flight.Do(acc.ID, func() (any, error) {
		refresher, ok := m.refreshers[acc.Type]
		if !ok {
			return nil, fmt.Errorf("no refresher for account type %q", acc.Type)
		}

		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		cached, err := refresher.Refresh(refreshCtx, acc)
		if err != nil {
			m.store.UpdateRefreshStatus(acc.ID, "failed", m.now())
			log.Printf("❌ Refresh failed for %s (%s): %v", acc.Label, acc.ID, err)
			return nil, fmt.Errorf("%w: %v", ErrRefresh, err)
		}

		m.persist(acc, cached)
		log.Printf("✅ Refreshed token for %s (expires: %s)", acc.Label, cached.ExpiresAt.Format(time.RFC3339))
		return cached, nil
	})
	if err != nil {
		return "", err
	}
	return result.(*Cached).AccessToken, nil
}

// persist writes the refreshed token to cache, file store, and account row.
func (m *Manager) persist(acc *models.Account, cached *Cached) {
	m.storeCache(acc.ID, cached)
	if m.files != nil {
		if err := m.files.Save(acc.ID, cached); err != nil {
			log.Printf("⚠️ Failed to write token cache file for %s: %v", acc.ID, err)
		}
	}
	if err := m.store.UpdateTokens(acc.ID, cached.AccessToken, cached.RefreshToken); err != nil {
		log.Printf("⚠️ Failed to persist tokens for %s: %v", acc.ID, err)
	}
	m.store.UpdateRefreshStatus(acc.ID, "ok", m.now())
}

// RefreshAll refreshes every enabled account, each independently so one
// failure does not block the others. Used by the background refresh task.
func (m *Manager) RefreshAll(ctx context.Context) {
	accounts, err := m.store.List()
	if err != nil {
		log.Printf("⚠️ Refresh sweep aborted: %v", err)
		return
	}
	for i := range accounts {
		acc := &accounts[i]
		if !acc.Enabled || acc.Type == models.TypeCustomAPI {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := m.ForceRefresh(ctx, acc); err != nil {
			log.Printf("⚠️ Sweep refresh failed for %s: %v", acc.ID, err)
		}
	}
}

// StartRefreshLoop refreshes all enabled accounts on the interval until the
// context is cancelled.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		log.Printf("🔄 Token refresh loop started (interval: %s)", interval)
		for {
			select {
			case <-ticker.C:
				m.RefreshAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// jwtExpiry extracts the exp claim from a JWT access token, the runtime
// expiry signal used alongside the stored expires_at.
func jwtExpiry(accessToken string) (time.Time, bool) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return time.Time{}, false
	}
	return time.Unix(claims.Exp, 0), true
}

// IsTokenInvalidResponse reports whether an upstream error body carries the
// provider's token-invalid marker, forcing one re-refresh per request.
func IsTokenInvalidResponse(status int, body string) bool {
	if status != 401 && status != 403 {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range []string{
		"invalid_token", "token has expired", "expiredtokenexception",
		"invalid authentication", "unauthorized", "access token",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/gorm"
)

var tokenDBSeq atomic.Int64

func newTestStore(t *testing.T) *db.AccountStore {
	t.Helper()
	dsn := fmt.Sprintf("file:token%d?mode=memory&cache=shared", tokenDBSeq.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db.NewAccountStore(database)
}

// countingRefresher counts refreshes and can fail on demand.
type countingRefresher struct {
	mu    sync.Mutex
	calls int
	fail  bool
	delay time.Duration
}

func (c *countingRefresher) Refresh(ctx context.Context, acc *models.Account) (*Cached, error) {
	c.mu.Lock()
	c.calls++
	calls := c.calls
	fail := c.fail
	c.mu.Unlock()
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if fail {
		return nil, errors.New("invalid_grant")
	}
	return &Cached{
		AccessToken: fmt.Sprintf("token-%d", calls),
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func qAccount(t *testing.T, store *db.AccountStore) *models.Account {
	t.Helper()
	acc := &models.Account{
		ID:           "acc-1",
		Type:         models.TypeAmazonQ,
		Label:        "q",
		RefreshToken: "rt",
		Enabled:      true,
	}
	if err := store.Create(acc); err != nil {
		t.Fatal(err)
	}
	return acc
}

func TestGetValidTokenRefreshesWhenMissing(t *testing.T) {
	store := newTestStore(t)
	acc := qAccount(t, store)

	mgr := NewManager(store, nil)
	ref := &countingRefresher{}
	mgr.SetRefresher(models.TypeAmazonQ, ref)

	got, err := mgr.GetValidToken(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "token-1" {
		t.Fatalf("token = %q", got)
	}

	// Second call uses the cache, no extra refresh.
	got, err = mgr.GetValidToken(context.Background(), acc)
	if err != nil || got != "token-1" {
		t.Fatalf("cached token = %q err=%v", got, err)
	}
	if ref.calls != 1 {
		t.Fatalf("refresh count = %d", ref.calls)
	}

	// The refreshed token is persisted with its status.
	stored, _ := store.Get(acc.ID)
	if stored.AccessToken != "token-1" || stored.LastRefreshStatus != "ok" {
		t.Fatalf("persistence missing: %+v", stored)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	store := newTestStore(t)
	acc := qAccount(t, store)

	mgr := NewManager(store, nil)
	ref := &countingRefresher{delay: 50 * time.Millisecond}
	mgr.SetRefresher(models.TypeAmazonQ, ref)

	const callers = 16
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := mgr.GetValidToken(context.Background(), acc)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	if ref.calls != 1 {
		t.Fatalf("concurrent callers must share one refresh, got %d", ref.calls)
	}
	for i := 1; i < callers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("callers observed different outcomes: %q vs %q", tokens[0], tokens[i])
		}
	}
}

func TestRefreshFailureMarksAccount(t *testing.T) {
	store := newTestStore(t)
	acc := qAccount(t, store)

	mgr := NewManager(store, nil)
	mgr.SetRefresher(models.TypeAmazonQ, &countingRefresher{fail: true})

	if _, err := mgr.GetValidToken(context.Background(), acc); !errors.Is(err, ErrRefresh) {
		t.Fatalf("expected ErrRefresh, got %v", err)
	}
	stored, _ := store.Get(acc.ID)
	if stored.LastRefreshStatus != "failed" {
		t.Fatalf("last_refresh_status = %q", stored.LastRefreshStatus)
	}
}

func TestJWTExpiryDetection(t *testing.T) {
	makeJWT := func(exp int64) string {
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
		payload, _ := json.Marshal(map[string]int64{"exp": exp})
		return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
	}

	if exp, ok := jwtExpiry(makeJWT(1900000000)); !ok || exp.Unix() != 1900000000 {
		t.Fatalf("exp claim not extracted: %v %v", exp, ok)
	}
	if _, ok := jwtExpiry("not-a-jwt"); ok {
		t.Fatal("non-JWT must not yield an expiry")
	}

	// A persisted token whose JWT exp is in the past triggers a refresh.
	store := newTestStore(t)
	acc := &models.Account{
		ID:           "acc-2",
		Type:         models.TypeAmazonQ,
		RefreshToken: "rt",
		AccessToken:  makeJWT(time.Now().Add(-time.Hour).Unix()),
		Enabled:      true,
	}
	store.Create(acc)

	mgr := NewManager(store, nil)
	ref := &countingRefresher{}
	mgr.SetRefresher(models.TypeAmazonQ, ref)

	tok, err := mgr.GetValidToken(context.Background(), acc)
	if err != nil {
		t.Fatal(err)
	}
	if tok != "token-1" || ref.calls != 1 {
		t.Fatalf("expired JWT must force a refresh: %q calls=%d", tok, ref.calls)
	}
}

func TestFileCacheRoundTrip(t *testing.T) {
	files, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	cached := &Cached{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	if err := files.Save("acc-1", cached); err != nil {
		t.Fatal(err)
	}

	loaded, err := files.Load("acc-1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AccessToken != "at" || loaded.RefreshToken != "rt" {
		t.Fatalf("round trip lost data: %+v", loaded)
	}

	if err := files.Delete("acc-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := files.Load("acc-1"); err == nil {
		t.Fatal("deleted entry must not load")
	}
}

func TestAmazonQRefresherProtocol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var payload map[string]string
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["grantType"] != "refresh_token" || payload["refreshToken"] != "rt" {
			t.Errorf("bad grant payload: %v", payload)
		}
		if payload["clientId"] != "cid" || payload["clientSecret"] != "cs" {
			t.Errorf("bad client payload: %v", payload)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new-at",
			"refreshToken": "new-rt",
			"expiresIn":    3600,
		})
	}))
	defer server.Close()

	ref := &AmazonQRefresher{BaseURL: server.URL, Client: server.Client()}
	cached, err := ref.Refresh(context.Background(), &models.Account{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cached.AccessToken != "new-at" || cached.RefreshToken != "new-rt" {
		t.Fatalf("tokens not parsed: %+v", cached)
	}
	remaining := time.Until(cached.ExpiresAt)
	if remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Fatalf("expires_at off: %v", remaining)
	}
}

func TestIsTokenInvalidResponse(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   bool
	}{
		{401, `{"error":"invalid_token"}`, true},
		{403, "ExpiredTokenException: token has expired", true},
		{403, "forbidden: subscription required", false},
		{500, "invalid_token", false},
		{200, "ok", false},
	}
	for _, tt := range tests {
		if got := IsTokenInvalidResponse(tt.status, tt.body); got != tt.want {
			t.Errorf("IsTokenInvalidResponse(%d, %q) = %v", tt.status, tt.body, got)
		}
	}
}

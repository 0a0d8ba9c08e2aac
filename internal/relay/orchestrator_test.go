package relay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/claude-relay/internal/auth/token"
	"github.com/pysugar/claude-relay/internal/claude"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/pool"
	"github.com/pysugar/claude-relay/internal/relay"
	"github.com/pysugar/claude-relay/internal/relay/amazonq"
	"github.com/pysugar/claude-relay/internal/relay/claudeapi"
	"github.com/pysugar/claude-relay/internal/relay/openaiapi"
	"github.com/pysugar/claude-relay/internal/router"
	"github.com/pysugar/claude-relay/internal/tokencount"
	"github.com/pysugar/claude-relay/internal/usage"
	"gorm.io/gorm"
)

var orchDBSeq atomic.Int64

type fixture struct {
	db       *gorm.DB
	store    *db.AccountStore
	pool     *pool.Pool
	recorder *pool.Recorder
	orch     *relay.Orchestrator
}

// staticRefresher hands out a fixed token without network I/O.
type staticRefresher struct{ token string }

func (s staticRefresher) Refresh(ctx context.Context, acc *models.Account) (*token.Cached, error) {
	return &token.Cached{AccessToken: s.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func newFixture(t *testing.T, accounts ...models.Account) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:orch%d?mode=memory&cache=shared", orchDBSeq.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.CallLog{}, &models.UsageRecord{}); err != nil {
		t.Fatal(err)
	}

	store := db.NewAccountStore(database)
	for i := range accounts {
		if err := store.Create(&accounts[i]); err != nil {
			t.Fatal(err)
		}
	}

	recorder := pool.NewRecorder(database)
	accountPool := pool.New(store, recorder, pool.StrategyRoundRobin, pool.BreakerConfig{
		Enabled:         true,
		ErrorThreshold:  5,
		RecoveryTimeout: 300 * time.Second,
	})

	tokens := token.NewManager(store, nil)
	tokens.SetRefresher(models.TypeCustomAPI, staticRefresher{token: "test-key"})

	adapters := map[string]relay.Adapter{
		"custom_api:openai": openaiapi.New(),
		"custom_api:claude": claudeapi.New(),
	}
	orch := relay.New(router.New(store, accountPool), accountPool, store, tokens, nil,
		usage.New(database, nil), tokencount.FixedEstimator(10), adapters,
		relay.Options{UpstreamTimeout: 10 * time.Second})

	return &fixture{db: database, store: store, pool: accountPool, recorder: recorder, orch: orch}
}

func openaiAccount(id, apiBase string) models.Account {
	ext, _ := json.Marshal(map[string]string{"api_base": apiBase, "format": "openai"})
	return models.Account{
		ID:               id,
		Type:             models.TypeCustomAPI,
		Label:            id,
		ClientSecret:     "sk-up",
		Extension:        string(ext),
		Enabled:          true,
		Weight:           50,
		RateLimitPerHour: 1000,
	}
}

func streamRequest() (*claude.Request, []byte) {
	raw := []byte(`{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	var creq claude.Request
	json.Unmarshal(raw, &creq)
	return &creq, raw
}

// fakeChatUpstream streams a minimal chat-completions response.
func fakeChatUpstream(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func handle(t *testing.T, f *fixture, pinned string) *httptest.ResponseRecorder {
	t.Helper()
	creq, raw := streamRequest()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	f.orch.Handle(rec, req, creq, raw, pinned, "")
	return rec
}

// eventNames extracts the SSE event name sequence from a response body.
func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

// assertWellFormed checks the P-SSE shape over event names.
func assertWellFormed(t *testing.T, names []string) {
	t.Helper()
	if len(names) < 4 || names[0] != "message_start" {
		t.Fatalf("bad opening: %v", names)
	}
	if names[len(names)-1] != "message_stop" || names[len(names)-2] != "message_delta" {
		t.Fatalf("bad ending: %v", names)
	}
	depth := 0
	for _, n := range names[1 : len(names)-2] {
		switch n {
		case "content_block_start":
			if depth != 0 {
				t.Fatalf("nested block in %v", names)
			}
			depth = 1
		case "content_block_stop":
			if depth != 1 {
				t.Fatalf("unbalanced stop in %v", names)
			}
			depth = 0
		case "content_block_delta":
			if depth != 1 {
				t.Fatalf("orphan delta in %v", names)
			}
		case "ping":
		default:
			t.Fatalf("unexpected %q in %v", n, names)
		}
	}
	if depth != 0 {
		t.Fatalf("unclosed block in %v", names)
	}
}

func TestHandleStreamsWellFormedSequence(t *testing.T) {
	upstream := fakeChatUpstream(t, "hello world")
	defer upstream.Close()

	f := newFixture(t, openaiAccount("a", upstream.URL))
	rec := handle(t, f, "")

	assertWellFormed(t, eventNames(rec.Body.String()))
	if !strings.Contains(rec.Body.String(), "hello world") {
		t.Fatalf("content lost:\n%s", rec.Body.String())
	}

	// Bookkeeping: success, call log, usage row.
	acc, _ := f.store.Get("a")
	if acc.SuccessCount != 1 || acc.ErrorStreak != 0 {
		t.Fatalf("success not recorded: %+v", acc)
	}
	if n := f.recorder.CountInWindow("a", time.Hour); n != 1 {
		t.Fatalf("call log rows = %d", n)
	}
	var usageRows int64
	f.db.Model(&models.UsageRecord{}).Count(&usageRows)
	if usageRows != 1 {
		t.Fatalf("usage rows = %d", usageRows)
	}
}

func TestHandle429FailsOverToSecondAccount(t *testing.T) {
	good := fakeChatUpstream(t, "served by Q")
	defer good.Close()
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer limited.Close()

	// Round-robin starts at the id-sorted first account, which rate limits.
	f := newFixture(t,
		openaiAccount("p-limited", limited.URL),
		openaiAccount("q-good", good.URL),
	)
	rec := handle(t, f, "")

	assertWellFormed(t, eventNames(rec.Body.String()))
	if !strings.Contains(rec.Body.String(), "served by Q") {
		t.Fatalf("failover did not reach the second account:\n%s", rec.Body.String())
	}

	// The 429 account's breaker must be open with a cooldown.
	acc, _ := f.store.Get("p-limited")
	if acc.ErrorCount != 1 || acc.CooldownUntil == nil {
		t.Fatalf("breaker not opened on 429: %+v", acc)
	}
	if n := f.recorder.CountInWindow("p-limited", time.Hour); n != 0 {
		t.Fatal("failed request must not produce a call log")
	}
}

func TestHandleNoEligibleAccount(t *testing.T) {
	f := newFixture(t) // empty pool
	rec := handle(t, f, "")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "No available accounts") {
		t.Fatalf("wrong error body: %s", rec.Body)
	}
}

func TestHandlePinnedDisabledAccount(t *testing.T) {
	acc := openaiAccount("off", "http://unused.invalid")
	acc.Enabled = false
	f := newFixture(t, acc)

	rec := handle(t, f, "off")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("pinned disabled account must 400, got %d", rec.Code)
	}
}

func TestHandlePinned429DoesNotFailOver(t *testing.T) {
	limited := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer limited.Close()
	good := fakeChatUpstream(t, "never")
	defer good.Close()

	f := newFixture(t,
		openaiAccount("a-limited", limited.URL),
		openaiAccount("b-good", good.URL),
	)
	rec := handle(t, f, "a-limited")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("pinned 429 must surface 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry a retry-after hint")
	}
}

func TestHandleUpstream5xxReturns502(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()

	f := newFixture(t, openaiAccount("a", broken.URL))
	rec := handle(t, f, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("5xx must map to 502, got %d", rec.Code)
	}
}

func TestHandleMidStreamCloseSynthesizesEnding(t *testing.T) {
	// Upstream sends one chunk then drops without [DONE] or a final frame.
	abrupt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer abrupt.Close()

	f := newFixture(t, openaiAccount("a", abrupt.URL))
	rec := handle(t, f, "")

	// The client still sees a complete, well-formed stream.
	assertWellFormed(t, eventNames(rec.Body.String()))
	if !strings.Contains(rec.Body.String(), "partial") {
		t.Fatal("partial content lost")
	}
}

func TestHandleStreamFailingBeforeFirstEventReturns502(t *testing.T) {
	// 2xx response whose body dies before any frame decodes: the client must
	// get an explicit error body, not an empty event stream.
	// A full prelude promising 100 bytes, then a handful: the decoder fails
	// on the truncated frame before any event is produced.
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\x00\x00\x00\x64\x00\x00\x00\x0a\x00\x00\x00\x00short"))
	}))
	defer garbage.Close()

	acc := openaiAccount("a", garbage.URL)
	acc.Type = models.TypeAmazonQ
	acc.RefreshToken = "rt"

	dsn := fmt.Sprintf("file:orch%d?mode=memory&cache=shared", orchDBSeq.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.CallLog{}, &models.UsageRecord{}); err != nil {
		t.Fatal(err)
	}
	store := db.NewAccountStore(database)
	if err := store.Create(&acc); err != nil {
		t.Fatal(err)
	}

	recorder := pool.NewRecorder(database)
	accountPool := pool.New(store, recorder, pool.StrategyRoundRobin, pool.BreakerConfig{
		Enabled: true, ErrorThreshold: 5, RecoveryTimeout: 300 * time.Second,
	})
	tokens := token.NewManager(store, nil)
	tokens.SetRefresher(models.TypeAmazonQ, staticRefresher{token: "t"})

	orch := relay.New(router.New(store, accountPool), accountPool, store, tokens, nil,
		usage.New(database, nil), tokencount.FixedEstimator(10),
		map[string]relay.Adapter{"amazon_q": &amazonq.Adapter{Endpoint: garbage.URL}},
		relay.Options{UpstreamTimeout: 10 * time.Second})

	creq, raw := streamRequest()
	rec := httptest.NewRecorder()
	orch.Handle(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", nil), creq, raw, "", "")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("pre-first-event failure must 502, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "api_error") {
		t.Fatalf("error body missing: %s", rec.Body)
	}

	stored, _ := store.Get(acc.ID)
	if stored.ErrorCount != 1 {
		t.Fatalf("failure must mark the account: %+v", stored)
	}
}

func TestHandleUsageCarriesCacheStats(t *testing.T) {
	upstream := fakeChatUpstream(t, "cached")
	defer upstream.Close()

	f := newFixture(t, openaiAccount("a", upstream.URL))

	creq, raw := streamRequest()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	f.orch.Handle(rec, req, creq, raw, "", "")

	// message_start carries the ingress estimate in usage.
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "message_start") {
			continue
		}
		var ev struct {
			Message struct {
				Usage claude.Usage `json:"usage"`
			} `json:"message"`
		}
		json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)
		if ev.Message.Usage.InputTokens != 10 {
			t.Fatalf("message_start usage missing ingress estimate: %+v", ev.Message.Usage)
		}
		return
	}
	t.Fatal("message_start not found")
}

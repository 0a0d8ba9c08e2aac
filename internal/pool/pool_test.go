package pool

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:pool%d?mode=memory&cache=shared", testDBSeq.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if err := database.AutoMigrate(&models.Account{}, &models.CallLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return database
}

func newTestPool(t *testing.T, strategy string, accounts ...models.Account) (*Pool, *db.AccountStore) {
	t.Helper()
	database := newTestDB(t)
	store := db.NewAccountStore(database)
	for i := range accounts {
		if err := store.Create(&accounts[i]); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	p := New(store, NewRecorder(database), strategy, BreakerConfig{
		Enabled:         true,
		ErrorThreshold:  5,
		RecoveryTimeout: 300 * time.Second,
	})
	return p, store
}

func account(id string, weight int) models.Account {
	return models.Account{
		ID:               id,
		Type:             models.TypeAmazonQ,
		Label:            id,
		Enabled:          true,
		Weight:           weight,
		RateLimitPerHour: 1000000,
	}
}

func TestSelectEqualWeightsUnbiased(t *testing.T) {
	const n = 4
	const rounds = 10000
	accounts := make([]models.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, account(fmt.Sprintf("acc-%d", i), 50))
	}
	p, _ := newTestPool(t, StrategyWeightedRoundRobin, accounts...)

	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		acc, err := p.Select(Filter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[acc.ID]++
	}

	// Each account should land within 3σ of rounds/n.
	pr := 1.0 / n
	sigma := math.Sqrt(rounds * pr * (1 - pr))
	for id, c := range counts {
		if math.Abs(float64(c)-rounds*pr) > 3*sigma {
			t.Errorf("%s chosen %d times, expected %v ± %v", id, c, rounds*pr, 3*sigma)
		}
	}
}

func TestSelectWeightedFrequencies(t *testing.T) {
	p, _ := newTestPool(t, StrategyWeightedRoundRobin,
		account("a", 10), account("b", 5), account("c", 3))

	const rounds = 18000
	counts := map[string]int{}
	for i := 0; i < rounds; i++ {
		acc, err := p.Select(Filter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[acc.ID]++
	}

	expect := map[string]float64{"a": 10.0 / 18, "b": 5.0 / 18, "c": 3.0 / 18}
	for id, pr := range expect {
		sigma := math.Sqrt(rounds * pr * (1 - pr))
		if math.Abs(float64(counts[id])-rounds*pr) > 3*sigma {
			t.Errorf("%s chosen %d times, expected %v ± %v", id, counts[id], rounds*pr, 3*sigma)
		}
	}
}

func TestSelectRoundRobinCycles(t *testing.T) {
	p, _ := newTestPool(t, StrategyRoundRobin,
		account("a", 50), account("b", 50), account("c", 50))

	var order []string
	for i := 0; i < 6; i++ {
		acc, err := p.Select(Filter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		order = append(order, acc.ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("round robin order %v, want %v", order, want)
		}
	}
}

func TestSelectLeastUsed(t *testing.T) {
	p, store := newTestPool(t, StrategyLeastUsed,
		account("a", 50), account("b", 50))

	if err := store.Update("a", map[string]any{"request_count": 7}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 7; i++ {
		acc, err := p.Select(Filter{})
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		// The chosen account always has the minimal request_count.
		all, _ := store.List()
		chosen, _ := store.Get(acc.ID)
		for _, other := range all {
			if other.ID != acc.ID && chosen.RequestCount-1 > other.RequestCount {
				t.Fatalf("selected %s with request_count %d, but %s has %d",
					acc.ID, chosen.RequestCount-1, other.ID, other.RequestCount)
			}
		}
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	p, store := newTestPool(t, StrategyRoundRobin, account("a", 50))

	for i := 0; i < 5; i++ {
		p.MarkError("a")
	}

	if _, err := p.Select(Filter{}); err != ErrNoEligibleAccount {
		t.Fatalf("breaker should exclude the account, got %v", err)
	}

	acc, _ := store.Get("a")
	if acc.CooldownUntil == nil {
		t.Fatal("breaker must set cooldown_until")
	}
	remaining := time.Until(*acc.CooldownUntil)
	if remaining < 295*time.Second || remaining > 301*time.Second {
		t.Fatalf("recovery timeout off: %v", remaining)
	}

	// After recovery the account is eligible again.
	p.now = func() time.Time { return acc.CooldownUntil.Add(time.Second) }
	if _, err := p.Select(Filter{}); err != nil {
		t.Fatalf("expected eligibility after recovery, got %v", err)
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	p, store := newTestPool(t, StrategyRoundRobin, account("a", 50))

	for i := 0; i < 4; i++ {
		p.MarkError("a")
	}
	p.MarkSuccess("a")

	acc, _ := store.Get("a")
	if acc.ErrorStreak != 0 {
		t.Fatalf("success must reset error_streak, got %d", acc.ErrorStreak)
	}

	// Four more errors stay under the threshold again.
	for i := 0; i < 4; i++ {
		p.MarkError("a")
	}
	if _, err := p.Select(Filter{}); err != nil {
		t.Fatalf("breaker opened below threshold: %v", err)
	}
}

func TestTripBreakerImmediate(t *testing.T) {
	p, store := newTestPool(t, StrategyRoundRobin, account("a", 50))

	p.TripBreaker("a")

	if _, err := p.Select(Filter{}); err != ErrNoEligibleAccount {
		t.Fatalf("429 must open the breaker immediately, got %v", err)
	}
	acc, _ := store.Get("a")
	if acc.ErrorCount != 1 {
		t.Fatalf("429 must bump error_count, got %d", acc.ErrorCount)
	}
}

func TestRateLimitWindow(t *testing.T) {
	acc := account("a", 50)
	acc.RateLimitPerHour = 3
	p, _ := newTestPool(t, StrategyRoundRobin, acc)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := p.recorder
	rec.now = func() time.Time { return base }
	p.now = func() time.Time { return base }

	// Three successful calls exhaust the hourly budget.
	for i := 0; i < 3; i++ {
		p.RecordCall("a", "model-x")
	}
	if _, err := p.Select(Filter{}); err != ErrNoEligibleAccount {
		t.Fatalf("rate-limited account must be ineligible, got %v", err)
	}

	// Once the oldest call leaves the window the account is eligible again.
	later := base.Add(time.Hour + time.Second)
	rec.now = func() time.Time { return later }
	p.now = func() time.Time { return later }
	if _, err := p.Select(Filter{}); err != nil {
		t.Fatalf("expected eligibility after window slide, got %v", err)
	}
}

func TestEligibilityFilters(t *testing.T) {
	disabled := account("off", 50)
	disabled.Enabled = false
	gem := account("gem", 50)
	gem.Type = models.TypeGemini
	gem.Extension = `{"model_quotas": {"gemini-pro": {"remaining": 0, "reset_at": "2999-01-01T00:00:00Z"}}}`

	p, _ := newTestPool(t, StrategyRoundRobin, disabled, gem, account("q", 50))

	eligible, err := p.Eligible(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 2 {
		t.Fatalf("disabled account leaked into eligible set: %v", eligible)
	}

	eligible, err = p.Eligible(Filter{Type: models.TypeGemini, Model: "gemini-pro"})
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 0 {
		t.Fatal("gemini account with exhausted quota must be ineligible for that model")
	}

	eligible, err = p.Eligible(Filter{Type: models.TypeGemini, Model: "gemini-flash"})
	if err != nil {
		t.Fatal(err)
	}
	if len(eligible) != 1 {
		t.Fatal("quota for one model must not block other models")
	}
}

// Package pool selects upstream accounts under cooldowns, rate limits, and
// circuit breaking.
package pool

import (
	"errors"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
)

// ErrNoEligibleAccount is returned when the eligibility filter leaves nothing.
var ErrNoEligibleAccount = errors.New("no available accounts")

// Strategy names accepted by the pool.
const (
	StrategyRoundRobin         = "round_robin"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyLeastUsed          = "least_used"
	StrategyRandom             = "random"
)

// BreakerConfig tunes the per-account circuit breaker.
type BreakerConfig struct {
	Enabled         bool
	ErrorThreshold  int
	RecoveryTimeout time.Duration
}

// Filter narrows eligibility beyond the standard checks.
type Filter struct {
	Type  string // restrict to one channel type
	Model string // gemini accounts must have quota remaining for this model
}

// Pool is the account selector. It is a process-wide singleton with an
// explicit New/Shutdown lifecycle owned by the server.
type Pool struct {
	store    *db.AccountStore
	recorder *Recorder
	breaker  BreakerConfig
	strategy string

	mu     sync.Mutex
	cursor uint64
	rng    *rand.Rand
	now    func() time.Time
}

// New builds a pool over the account store and call-log recorder.
func New(store *db.AccountStore, recorder *Recorder, strategy string, breaker BreakerConfig) *Pool {
	return &Pool{
		store:    store,
		recorder: recorder,
		breaker:  breaker,
		strategy: strategy,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Eligible returns the accounts passing the standard filter plus f, in stable
// id order: enabled, out of cooldown, under the hourly rate limit, breaker
// closed, and (for gemini with a model filter) quota remaining.
func (p *Pool) Eligible(f Filter) ([]models.Account, error) {
	var (
		accounts []models.Account
		err      error
	)
	if f.Type != "" {
		accounts, err = p.store.ListByType(f.Type)
	} else {
		accounts, err = p.store.List()
	}
	if err != nil {
		return nil, err
	}

	now := p.now()
	eligible := accounts[:0]
	for _, acc := range accounts {
		if !acc.Enabled || acc.InCooldown(now) {
			continue
		}
		if p.recorder.CountInWindow(acc.ID, time.Hour) >= int64(acc.RateLimitPerHour) {
			continue
		}
		if f.Model != "" && acc.Type == models.TypeGemini && !acc.HasModelQuota(f.Model, now) {
			continue
		}
		eligible = append(eligible, acc)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	return eligible, nil
}

// Select picks one eligible account by the configured strategy and marks it
// used (last_used_at, request_count) atomically.
func (p *Pool) Select(f Filter) (*models.Account, error) {
	eligible, err := p.Eligible(f)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoEligibleAccount
	}

	p.mu.Lock()
	var chosen models.Account
	switch p.strategy {
	case StrategyRoundRobin:
		chosen = eligible[p.cursor%uint64(len(eligible))]
		p.cursor++
	case StrategyLeastUsed:
		chosen = selectLeastUsed(eligible)
	case StrategyRandom:
		chosen = eligible[p.rng.Intn(len(eligible))]
	default: // weighted_round_robin
		chosen = selectWeighted(eligible, p.rng)
	}
	p.mu.Unlock()

	if err := p.store.MarkSelected(chosen.ID, p.now()); err != nil {
		return nil, err
	}
	return &chosen, nil
}

// selectWeighted draws with probability weight/Σweights; id order breaks the
// boundary deterministically.
func selectWeighted(accounts []models.Account, rng *rand.Rand) models.Account {
	total := 0
	for _, acc := range accounts {
		if acc.Weight > 0 {
			total += acc.Weight
		}
	}
	if total == 0 {
		return accounts[0]
	}
	n := rng.Intn(total)
	for _, acc := range accounts {
		if acc.Weight <= 0 {
			continue
		}
		if n < acc.Weight {
			return acc
		}
		n -= acc.Weight
	}
	return accounts[len(accounts)-1]
}

// selectLeastUsed is argmin(request_count), ties broken by last_used_at then id.
func selectLeastUsed(accounts []models.Account) models.Account {
	best := accounts[0]
	for _, acc := range accounts[1:] {
		switch {
		case acc.RequestCount < best.RequestCount:
			best = acc
		case acc.RequestCount == best.RequestCount && acc.LastUsedAt.Before(best.LastUsedAt):
			best = acc
		case acc.RequestCount == best.RequestCount && acc.LastUsedAt.Equal(best.LastUsedAt) && acc.ID < best.ID:
			best = acc
		}
	}
	return best
}

// MarkSuccess records a clean completion: success counter up, streak reset.
func (p *Pool) MarkSuccess(accountID string) {
	if err := p.store.MarkSuccess(accountID); err != nil {
		log.Printf("⚠️ Failed to mark success for %s: %v", accountID, err)
	}
}

// MarkError records a failure and opens the breaker once the consecutive
// error streak reaches the threshold.
func (p *Pool) MarkError(accountID string) {
	if err := p.store.MarkError(accountID); err != nil {
		log.Printf("⚠️ Failed to mark error for %s: %v", accountID, err)
		return
	}
	if !p.breaker.Enabled {
		return
	}
	acc, err := p.store.Get(accountID)
	if err != nil {
		return
	}
	if acc.ErrorStreak >= p.breaker.ErrorThreshold {
		p.openBreaker(accountID)
	}
}

// TripBreaker force-opens the breaker, as on a 429, regardless of streak.
func (p *Pool) TripBreaker(accountID string) {
	if err := p.store.MarkError(accountID); err != nil {
		log.Printf("⚠️ Failed to mark error for %s: %v", accountID, err)
	}
	if p.breaker.Enabled {
		p.openBreaker(accountID)
	}
}

func (p *Pool) openBreaker(accountID string) {
	until := p.now().Add(p.breaker.RecoveryTimeout)
	if err := p.store.SetCooldown(accountID, until); err != nil {
		log.Printf("⚠️ Failed to open breaker for %s: %v", accountID, err)
		return
	}
	log.Printf("🔌 Circuit breaker open for %s until %s", accountID, until.Format(time.RFC3339))
}

// RecordCall appends the call-log row after a clean upstream completion.
func (p *Pool) RecordCall(accountID, model string) {
	if err := p.recorder.Record(accountID, model); err != nil {
		log.Printf("⚠️ Failed to record call for %s: %v", accountID, err)
	}
}

// Shutdown releases pool resources. Selection state is in-memory only.
func (p *Pool) Shutdown() {}

// Package router classifies requests onto a channel and an account.
package router

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/pysugar/claude-relay/internal/db"
	"github.com/pysugar/claude-relay/internal/db/models"
	"github.com/pysugar/claude-relay/internal/pool"
)

// ErrAccountDisabled is returned when a pinned account exists but is off.
var ErrAccountDisabled = errors.New("account is disabled")

// Route is one routing decision.
type Route struct {
	Channel string
	Account *models.Account
	Model   string // requested model after the account's mapping
	Pinned  bool   // X-Account-ID was set
}

// Router picks (channel, account, model) for each request.
type Router struct {
	store *db.AccountStore
	pool  *pool.Pool

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a router over the store and pool.
func New(store *db.AccountStore, p *pool.Pool) *Router {
	return &Router{
		store: store,
		pool:  p,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick resolves the route. A pinned account (X-Account-ID) must exist and be
// enabled but bypasses the weighted-selection step; otherwise a channel type
// is drawn weighted by its enabled-account count and the pool strategy picks
// within it.
func (r *Router) Pick(requestedModel, pinnedAccountID string) (*Route, error) {
	if pinnedAccountID != "" {
		acc, err := r.store.Get(pinnedAccountID)
		if err != nil {
			return nil, fmt.Errorf("pinned account %s: %w", pinnedAccountID, err)
		}
		if !acc.Enabled {
			return nil, ErrAccountDisabled
		}
		return &Route{
			Channel: acc.Type,
			Account: acc,
			Model:   acc.ResolveModel(requestedModel),
			Pinned:  true,
		}, nil
	}

	channel, err := r.pickChannel(requestedModel)
	if err != nil {
		return nil, err
	}
	return r.PickInChannel(channel, requestedModel)
}

// PickInChannel selects an account within a fixed channel, used both for the
// initial pick and for same-type 429 failover.
func (r *Router) PickInChannel(channel, requestedModel string) (*Route, error) {
	acc, err := r.pool.Select(pool.Filter{Type: channel, Model: requestedModel})
	if err != nil {
		return nil, err
	}
	model := acc.ResolveModel(requestedModel)
	if model != requestedModel {
		log.Printf("🔀 Model mapping on %s: %s → %s", acc.ID, requestedModel, model)
	}
	return &Route{Channel: channel, Account: acc, Model: model}, nil
}

// pickChannel draws a channel type weighted by its enabled eligible count.
func (r *Router) pickChannel(requestedModel string) (string, error) {
	eligible, err := r.pool.Eligible(pool.Filter{Model: requestedModel})
	if err != nil {
		return "", err
	}
	if len(eligible) == 0 {
		return "", pool.ErrNoEligibleAccount
	}

	counts := map[string]int{}
	for _, acc := range eligible {
		counts[acc.Type]++
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	r.mu.Lock()
	n := r.rng.Intn(total)
	r.mu.Unlock()

	// Deterministic iteration order keeps the draw unbiased.
	for _, channel := range []string{models.TypeAmazonQ, models.TypeGemini, models.TypeCustomAPI} {
		c := counts[channel]
		if c == 0 {
			continue
		}
		if n < c {
			return channel, nil
		}
		n -= c
	}
	return eligible[0].Type, nil
}

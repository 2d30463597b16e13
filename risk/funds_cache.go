package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/polybot/types"
)

// FundsFetcher is the external collaborator that fetches a fresh funds
// snapshot from the broker, per §6's "Fund limits" operation.
type FundsFetcher func(role types.AccountRole) (types.FundsSnapshot, error)

// FundsCache holds one funds snapshot per role behind its own lock with
// a fixed TTL, refreshed lazily on Get, per §4.2. A failed refresh
// returns the last good snapshot with Stale=true rather than an error —
// callers decide whether to proceed (place commands proceed only on
// fresh snapshots, per the spec's policy note).
type FundsCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	fetch   FundsFetcher
	cached  map[types.AccountRole]types.FundsSnapshot
}

// NewFundsCache builds a cache with the given TTL and fetcher.
func NewFundsCache(ttl time.Duration, fetch FundsFetcher) *FundsCache {
	return &FundsCache{
		ttl:    ttl,
		fetch:  fetch,
		cached: make(map[types.AccountRole]types.FundsSnapshot),
	}
}

// Get returns a fresh-or-stale snapshot for role, refreshing if the
// cached entry is older than the TTL or missing.
func (c *FundsCache) Get(role types.AccountRole) types.FundsSnapshot {
	c.mu.RLock()
	snap, ok := c.cached[role]
	c.mu.RUnlock()

	now := time.Now()
	if ok && !snap.Expired(now) {
		return snap
	}

	fresh, err := c.fetch(role)
	if err != nil {
		log.Warn().Err(err).Str("role", string(role)).Msg("funds refresh failed, using stale snapshot")
		snap.Stale = true
		return snap
	}

	fresh.CapturedAt = now
	fresh.TTL = c.ttl
	fresh.Stale = false

	c.mu.Lock()
	c.cached[role] = fresh
	c.mu.Unlock()

	return fresh
}

// Seed preloads a snapshot (e.g. from the Store on startup) without
// triggering a fetch.
func (c *FundsCache) Seed(role types.AccountRole, snap types.FundsSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached[role] = snap
}

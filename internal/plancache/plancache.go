// Package plancache implements the TTL-bounded, capacity-capped cache of
// prepared liquidation plans keyed by user address.
package plancache

import (
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// Plan is a fully-specified, executable liquidation attempt.
type Plan struct {
	User                string
	DebtAsset           string
	CollateralAsset     string
	DebtToCover         *uint256.Int
	ExpectedCollateral  *uint256.Int
	MinOut              *uint256.Int
	SwapCalldata        []byte
	DebtDecimals        uint8
	CollateralDecimals  uint8
	LiquidationBonusBps uint64
	ProfitScoreUsd1e18  *uint256.Int
	CreatedAtMs         int64
}

// Cache is the mutex-guarded plan store.
type Cache struct {
	mu       sync.Mutex
	plans    map[string]Plan
	ttl      time.Duration
	maxUsers int

	hits, misses, evicted, expired uint64
}

// New builds an empty Cache with the given TTL and capacity.
func New(ttl time.Duration, maxUsers int) *Cache {
	return &Cache{plans: make(map[string]Plan), ttl: ttl, maxUsers: maxUsers}
}

func norm(s string) string { return strings.ToLower(s) }

// Prepare inserts or replaces a user's plan, evicting the oldest entry by
// CreatedAtMs if the cache is at capacity.
func (c *Cache) Prepare(p Plan) {
	p.User = norm(p.User)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.plans[p.User]; !exists && len(c.plans) >= c.maxUsers {
		var oldestAddr string
		var oldestTs int64
		first := true
		for addr, existing := range c.plans {
			if first || existing.CreatedAtMs < oldestTs {
				oldestAddr = addr
				oldestTs = existing.CreatedAtMs
				first = false
			}
		}
		if oldestAddr != "" {
			delete(c.plans, oldestAddr)
			c.evicted++
		}
	}
	c.plans[p.User] = p
}

// Get returns the cached plan for user if present and not expired
// relative to nowMs. An expired entry is deleted and reported as a miss.
func (c *Cache) Get(user string, nowMs int64) (Plan, bool) {
	addr := norm(user)
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.plans[addr]
	if !ok {
		c.misses++
		return Plan{}, false
	}
	if nowMs-p.CreatedAtMs > c.ttl.Milliseconds() {
		delete(c.plans, addr)
		c.expired++
		c.misses++
		return Plan{}, false
	}
	c.hits++
	return p, true
}

// Invalidate removes a user's cached plan, if any.
func (c *Cache) Invalidate(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plans, norm(user))
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plans = make(map[string]Plan)
}

// Stats reports cumulative hit/miss/eviction/expiry counters.
func (c *Cache) Stats() (hits, misses, evicted, expired uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evicted, c.expired
}

// Len reports the number of currently cached plans.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.plans)
}

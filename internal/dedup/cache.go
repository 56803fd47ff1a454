// Package dedup rejects replayed signals at two scopes: per signal hash and,
// in multi-tenant mode, per (tenant, signal hash). A race between two
// identical signals may let both pass the cache; the persistence layer-2
// check and the engine's position-state check catch the survivor.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultWindow is the replay window for trade signals
	DefaultWindow = 5 * time.Minute
	// CancelWindow is the replay window for CANCEL signals
	CancelWindow = 30 * time.Second
	// evictThreshold triggers opportunistic eviction of expired entries
	evictThreshold = 500
)

// Cache is a bounded in-memory map from signal hash to first-seen time
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	window  time.Duration
	now     func() time.Time
}

// NewCache creates a dedup cache with the default window
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]time.Time),
		window:  DefaultWindow,
		now:     time.Now,
	}
}

// Seen reports whether the hash was recorded within the window, and records
// it if not. Returns true for a duplicate.
func (c *Cache) Seen(hash string) bool {
	return c.seenWithin(hash, c.window)
}

// SeenForTenant applies the executor-level key: two identical signals must
// not hit the same tenant twice even when the signal-level hit only rejected
// the first-arriving representative.
func (c *Cache) SeenForTenant(tenantID, hash string) bool {
	return c.seenWithin(TenantKey(tenantID, hash), c.window)
}

// SeenCancel applies the CANCEL window keyed by symbol
func (c *Cache) SeenCancel(symbol string) bool {
	return c.seenWithin("CANCEL|"+symbol, CancelWindow)
}

// Record backfills the cache, used after a persistence-layer duplicate hit
func (c *Cache) Record(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = c.now()
	c.evictLocked()
}

func (c *Cache) seenWithin(key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if first, ok := c.entries[key]; ok && now.Sub(first) < window {
		return true
	}
	c.entries[key] = now
	c.evictLocked()
	return false
}

// evictLocked drops entries older than the default window once the cache
// exceeds the threshold. Caller holds the mutex.
func (c *Cache) evictLocked() {
	if len(c.entries) <= evictThreshold {
		return
	}
	cutoff := c.now().Add(-c.window)
	for k, t := range c.entries {
		if t.Before(cutoff) {
			delete(c.entries, k)
		}
	}
}

// Size returns the current entry count
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TenantKey derives the executor-level dedup key
func TenantKey(tenantID, hash string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + hash))
	return hex.EncodeToString(sum[:])
}

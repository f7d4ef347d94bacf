package tokenverify

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// tokenCache maps token hashes to verified claim sets. Entries expire
// after min(configured TTL, token remaining lifetime); expired entries
// are never returned and are swept opportunistically on insert.
type tokenCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	stopped bool
}

type cacheEntry struct {
	claims    map[string]any
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	return &tokenCache{ttl: ttl, entries: make(map[uint64]cacheEntry)}
}

func (c *tokenCache) get(token string) (map[string]any, bool) {
	key := xxhash.Sum64String(token)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.claims, true
}

// put stores a verdict. tokenExp is the token's own expiry; a zero value
// means the token did not state one.
func (c *tokenCache) put(token string, claims map[string]any, tokenExp time.Time) {
	expires := time.Now().Add(c.ttl)
	if !tokenExp.IsZero() && tokenExp.Before(expires) {
		expires = tokenExp
	}
	if !expires.After(time.Now()) {
		return
	}

	key := xxhash.Sum64String(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.sweepLocked()
	c.entries[key] = cacheEntry{claims: claims, expiresAt: expires}
}

func (c *tokenCache) sweepLocked() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *tokenCache) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.entries = make(map[uint64]cacheEntry)
}

func (c *tokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package lookup

import (
	"sync"
	"time"
)

// defaultCacheTTL bounds how long a lookup answer is reused. IP lists fed
// to the lookup command routinely repeat addresses and share prefixes, so
// caching keeps us from hammering Team Cymru and the RDAP registries.
const defaultCacheTTL = 1 * time.Hour

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// ttlCache is a small in-memory cache with per-entry expiration. Safe for
// concurrent use and nil-receiver safe, so a Resolver built directly in
// tests can omit the caches.
type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]cacheEntry[V]
	ttl     time.Duration
}

func newTTLCache[K comparable, V any](ttl time.Duration) *ttlCache[K, V] {
	return &ttlCache[K, V]{
		entries: make(map[K]cacheEntry[V]),
		ttl:     ttl,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	if c == nil {
		var zero V
		return zero, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

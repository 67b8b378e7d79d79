package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val V
	exp time.Time
}

// Cache is a small TTL map. It backs the per-run CalDAV object cache and the
// JWKS/verification caches on the admin API.
type Cache[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]entry[V]
	ttl  time.Duration
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{data: make(map[K]entry[V]), ttl: ttl}
}

func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[k]
	if !ok || time.Now().After(e.exp) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores v for the cache's default TTL.
func (c *Cache[K, V]) Set(k K, v V) {
	c.SetUntil(k, v, time.Now().Add(c.ttl))
}

// SetUntil stores v with an explicit expiry, for entries whose lifetime comes
// from the thing being cached rather than from the cache.
func (c *Cache[K, V]) SetUntil(k K, v V, exp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[k] = entry[V]{val: v, exp: exp}
}

func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, k)
}

// Flush drops every entry. Sync runs call this so each run re-reads server
// state instead of trusting the previous run's view.
func (c *Cache[K, V]) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[K]entry[V])
}

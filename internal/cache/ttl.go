// Package cache provides the tiered entitlement cache: an in-process hot
// tier in front of a shared redis cold tier, with stale-while-revalidate
// semantics and negative caching.
package cache

import (
	"sync"
	"time"
)

// Cache is a process-local key/value store with per-entry TTLs.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

// sweepEvery bounds how many writes happen between expired-entry sweeps.
const sweepEvery = 4096

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]ttlEntry[V]
	writes  int
}

// NewTTLCache returns an in-memory cache. Expired entries are dropped
// lazily on read and swept periodically on write.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return &ttlCache[K, V]{entries: make(map[K]ttlEntry[V])}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(entry.expiresAt) {
		c.Delete(key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(ttl)}
	c.writes++
	if c.writes >= sweepEvery {
		c.writes = 0
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

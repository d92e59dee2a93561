// Package cache provides the bounded, TTL-aware decision cache used by the
// policy decision engine. Entries are keyed by input fingerprint and pinned
// to the policy version that produced them; size pressure evicts LRU-first,
// and concurrent misses for the same fingerprint coalesce into a single
// computation.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value     V
	version   string
	expiresAt time.Time
}

// Cache is a bounded fingerprint-to-value map with per-entry TTL and a
// policy-version guard. Safe for concurrent use.
type Cache[V any] struct {
	lru   *lru.Cache[string, entry[V]]
	group singleflight.Group
}

// New creates a cache holding at most maxEntries values.
func New[V any](maxEntries int) (*Cache[V], error) {
	l, err := lru.New[string, entry[V]](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{lru: l}, nil
}

// Get returns the cached value for key if it is fresh and was computed
// under the given policy version. Stale or version-mismatched entries are
// purged lazily and reported as misses.
func (c *Cache[V]) Get(key, version string) (V, bool) {
	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if e.version != version || time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Put stores a value computed under the given policy version with the given
// TTL. A non-positive TTL stores nothing.
func (c *Cache[V]) Put(key, version string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.lru.Add(key, entry[V]{
		value:     value,
		version:   version,
		expiresAt: time.Now().Add(ttl),
	})
}

// Remove drops one entry.
func (c *Cache[V]) Remove(key string) {
	c.lru.Remove(key)
}

// Len returns the number of resident entries, counting stale ones not yet
// lazily purged.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// Single coalesces concurrent computations for the same key: while one call
// to fn is in flight, other callers with the same key wait for its result
// instead of computing their own. On failure, all waiters receive the same
// error. The result is not cached here; callers decide whether to Put.
func (c *Cache[V]) Single(key string, fn func() (V, error)) (V, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

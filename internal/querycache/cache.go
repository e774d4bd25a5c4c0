// Package querycache is the shared request-cache layer: query-by-key with
// per-key single-flight fetching, TTL staleness, prefix invalidation, and
// in-place updates for optimistic mutations.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     any
	fetchedAt time.Time
}

type Cache struct {
	ttl   time.Duration
	group singleflight.Group

	mu      sync.Mutex
	entries *lru.Cache[string, entry]
}

func New(size int, ttl time.Duration) (*Cache, error) {
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{ttl: ttl, entries: entries}, nil
}

// Get returns the cached value for key if it is fresher than the TTL,
// otherwise runs fetch. Concurrent Gets for the same key share one fetch.
func (c *Cache) Get(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if cached, ok := c.entries.Get(key); ok && time.Since(cached.fetchedAt) < c.ttl {
		c.mu.Unlock()
		hits.Inc()
		return cached.value, nil
	}
	c.mu.Unlock()

	value, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have filled it.
		c.mu.Lock()
		if cached, ok := c.entries.Get(key); ok && time.Since(cached.fetchedAt) < c.ttl {
			c.mu.Unlock()
			hits.Inc()
			return cached.value, nil
		}
		c.mu.Unlock()

		// Counted here so reads served from a concurrent fill are not misses.
		misses.Inc()
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, fetched)
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores a value as freshly fetched.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, entry{value: value, fetchedAt: time.Now()})
}

// Update applies fn to the cached value in place, if present. Used for
// optimistic updates that must be visible before the next refetch.
func (c *Cache) Update(key string, fn func(any) any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries.Get(key)
	if !ok {
		return false
	}
	cached.value = fn(cached.value)
	c.entries.Add(key, cached)
	return true
}

// Invalidate drops every entry whose key starts with prefix, forcing the next
// Get to the network. An empty prefix drops everything.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prefix == "" {
		c.entries.Purge()
		return
	}
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

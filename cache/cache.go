package cache

import (
	"sync"
	"time"
)

// Config represents the configuration for a cache.
type Config struct {
	// Now returns the current time. Defaults to time.Now when nil.
	Now func() time.Time
}

// entry represents a cached value and its expiry.
type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

// Cache represents a time-bounded key value store. Entries are evicted lazily
// on read once their time to live has elapsed.
type Cache[V any] struct {
	cfg     *Config
	entries map[string]entry[V]
	mtx     sync.Mutex
}

// New initializes a new cache.
func New[V any](cfg *Config) *Cache[V] {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cache[V]{
		cfg:     cfg,
		entries: make(map[string]entry[V]),
	}
}

// Set stores the provided value under key, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mtx.Lock()
	c.entries[key] = entry[V]{
		value:     value,
		createdAt: c.cfg.Now(),
		ttl:       ttl,
	}
	c.mtx.Unlock()
}

// Get returns the value stored under key if no more than its time to live has
// elapsed since it was set. Stale entries are evicted.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}

	if c.cfg.Now().Sub(e.createdAt) > e.ttl {
		delete(c.entries, key)
		return zero, false
	}

	return e.value, true
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mtx.Lock()
	clear(c.entries)
	c.mtx.Unlock()
}

// Len returns the number of stored entries, including expired entries not yet evicted.
func (c *Cache[V]) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return len(c.entries)
}

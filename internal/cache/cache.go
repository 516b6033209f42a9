// Package cache holds the bounded, process-wide caches that make routing
// session-aware.
//
// DESIGN: Three caches, all safe for concurrent use:
//   - UsageCache:   session → last turn's token usage (LRU, 100 entries)
//   - ProjectCache: session → project dir, negative results included (LRU, 1000 entries)
//   - TTLCache:     short-lived values such as images stashed by an agent
//
// Eviction is delegated to hashicorp/golang-lru, which guards its own state.
package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/JimStenstrom/claude-code-router/internal/adapters"
)

// UsageCache remembers the usage of each session's most recent turn.
type UsageCache struct {
	entries *lru.Cache[string, adapters.UsageInfo]
}

// NewUsageCache creates a usage cache holding at most capacity sessions.
func NewUsageCache(capacity int) *UsageCache {
	entries, err := lru.New[string, adapters.UsageInfo](capacity)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &UsageCache{entries: entries}
}

// Put records usage for session, evicting the least recently used session when full.
func (c *UsageCache) Put(session string, usage adapters.UsageInfo) {
	if session == "" {
		return
	}
	c.entries.Add(session, usage)
}

// Get returns the last usage recorded for session.
func (c *UsageCache) Get(session string) (adapters.UsageInfo, bool) {
	if session == "" {
		return adapters.UsageInfo{}, false
	}
	return c.entries.Get(session)
}

// Len returns the number of cached sessions.
func (c *UsageCache) Len() int { return c.entries.Len() }

// TTLCache is a bounded cache whose entries expire after a fixed TTL.
type TTLCache[V any] struct {
	entries *expirable.LRU[string, V]
}

// NewTTLCache creates a cache of at most size entries living for ttl.
func NewTTLCache[V any](size int, ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{entries: expirable.NewLRU[string, V](size, nil, ttl)}
}

// Put stores value under key, resetting its TTL.
func (c *TTLCache[V]) Put(key string, value V) { c.entries.Add(key, value) }

// Get returns the value for key unless it expired or was evicted.
func (c *TTLCache[V]) Get(key string) (V, bool) { return c.entries.Get(key) }

// Len returns the number of live entries.
func (c *TTLCache[V]) Len() int { return c.entries.Len() }

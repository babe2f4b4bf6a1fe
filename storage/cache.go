package storage

import (
	"sync"
	"time"
)

// aggregateCache holds aggregate-read results (counts, summaries) for a
// short TTL to shed load from frequent polling. Entries are invalidated by
// elapsed time only, never by write-through.
type aggregateCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   int64
	expires time.Time
}

func newAggregateCache(ttl time.Duration) *aggregateCache {
	return &aggregateCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *aggregateCache) get(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.entries, key)
		return 0, false
	}
	return entry.value, true
}

func (c *aggregateCache) put(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}

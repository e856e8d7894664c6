// Package cache implements the in-memory quote cache (C5): a TTL-indexed
// (source, pair) to CacheEntry map with lazy eviction on read miss
package cache

import (
	"sync"
	"time"

	"priceoracle/internal/platform/logger"
	"priceoracle/internal/services/aggregator/domain"
)

// Cache is a mutex-guarded TTL store of the most recent Quote per Key
type Cache struct {
	mu      sync.RWMutex
	entries map[domain.Key]domain.CacheEntry
	log     logger.Logger
}

// New constructs an empty Cache
func New() *Cache {
	return &Cache{
		entries: make(map[domain.Key]domain.CacheEntry),
		log:     logger.Named("aggregator.cache"),
	}
}

// Get returns the cached quote for key if present and still fresh. A stale
// entry is evicted lazily on read and reported as a miss.
func (c *Cache) Get(key domain.Key) (domain.Quote, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.Quote{}, false
	}
	if !entry.Fresh(time.Now()) {
		c.mu.Lock()
		if e, still := c.entries[key]; still && !e.Fresh(time.Now()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return domain.Quote{}, false
	}
	return entry.Quote, true
}

// Set stores q under key with the given ttl, stamping Quote.CachedAt
func (c *Cache) Set(key domain.Key, q domain.Quote, ttl time.Duration) {
	now := time.Now()
	q.CachedAt = now
	entry := domain.CacheEntry{Quote: q, ExpiresAt: now.Add(ttl)}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Delete removes any cached entry for key
func (c *Cache) Delete(key domain.Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Entry returns the raw CacheEntry for key regardless of freshness, used by
// the refetch loop to compute lead time without triggering eviction
func (c *Cache) Entry(key domain.Key) (domain.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Keys returns a snapshot of every key currently held, fresh or not
func (c *Cache) Keys() []domain.Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]domain.Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries currently held
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package main

import (
	"encoding/json"
	"sync"
	"time"
)

type cacheEntry struct {
	value    json.RawMessage
	storedAt time.Time
}

// ResultCache provides thread-safe TTL caching of stored council results.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	// versions counts invalidations per id. Entries are never removed so
	// a fill that raced with a write can always be detected.
	versions map[string]uint64
	ttl      time.Duration
	now      func() time.Time
}

// NewResultCache creates a cache whose entries expire after ttl.
// A non-positive ttl disables caching.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		entries:  make(map[string]cacheEntry),
		versions: make(map[string]uint64),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns a copy of the cached value if present and not expired.
func (c *ResultCache) Get(conversationID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[conversationID]
	if !ok || c.now().Sub(entry.storedAt) > c.ttl {
		return nil, false
	}

	return append(json.RawMessage(nil), entry.value...), true
}

// Set caches a copy of value.
func (c *ResultCache) Set(conversationID string, value json.RawMessage) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[conversationID] = cacheEntry{
		value:    append(json.RawMessage(nil), value...),
		storedAt: c.now(),
	}
}

// Version returns the invalidation count of a conversation. Pass it to
// Fill to cache a value read from the backing store.
func (c *ResultCache) Version(conversationID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.versions[conversationID]
}

// Fill caches value only if the conversation has not been invalidated since
// version was taken.
func (c *ResultCache) Fill(conversationID string, version uint64, value json.RawMessage) bool {
	if c.ttl <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.versions[conversationID] != version {
		return false
	}
	c.entries[conversationID] = cacheEntry{
		value:    append(json.RawMessage(nil), value...),
		storedAt: c.now(),
	}
	return true
}

// Invalidate drops the entry for a conversation and rejects pending fills.
func (c *ResultCache) Invalidate(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, conversationID)
	c.versions[conversationID]++
}

// Purge removes expired entries.
func (c *ResultCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.entries {
		if c.now().Sub(entry.storedAt) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (c *ResultCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

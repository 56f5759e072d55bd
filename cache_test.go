package main

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move cache time forward.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration) (*ResultCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewResultCache(ttl)
	cache.now = clock.Now
	return cache, clock
}

// TestResultCacheExpiry tests that entries expire after the TTL
func TestResultCacheExpiry(t *testing.T) {
	cache, clock := newTestCache(time.Minute)

	cache.Set("c1", json.RawMessage(`{"a":1}`))

	if got, ok := cache.Get("c1"); !ok || string(got) != `{"a":1}` {
		t.Fatalf("Get = %s, %v; want cached value", got, ok)
	}

	clock.Advance(59 * time.Second)
	if _, ok := cache.Get("c1"); !ok {
		t.Error("Entry should still be fresh")
	}

	clock.Advance(2 * time.Second)
	if _, ok := cache.Get("c1"); ok {
		t.Error("Entry should have expired")
	}
}

// TestResultCacheCopies tests that callers cannot mutate cached bytes
func TestResultCacheCopies(t *testing.T) {
	cache, _ := newTestCache(time.Minute)

	value := json.RawMessage(`[1,2]`)
	cache.Set("c1", value)
	value[1] = '9'

	got, _ := cache.Get("c1")
	if string(got) != `[1,2]` {
		t.Errorf("Cached value = %s, want [1,2]", got)
	}

	got[1] = '7'
	again, _ := cache.Get("c1")
	if string(again) != `[1,2]` {
		t.Errorf("Cached value after mutating a read = %s, want [1,2]", again)
	}
}

// TestResultCachePurge tests removal of expired entries only
func TestResultCachePurge(t *testing.T) {
	cache, clock := newTestCache(time.Minute)

	cache.Set("old", json.RawMessage(`1`))
	clock.Advance(45 * time.Second)
	cache.Set("new", json.RawMessage(`2`))
	clock.Advance(30 * time.Second)

	if removed := cache.Purge(); removed != 1 {
		t.Errorf("Purge removed %d, want 1", removed)
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, want 1", cache.Len())
	}
	if _, ok := cache.Get("new"); !ok {
		t.Error("Fresh entry should survive Purge")
	}
}

// TestResultCacheInvalidate tests explicit invalidation
func TestResultCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(time.Minute)

	cache.Set("c1", json.RawMessage(`1`))
	cache.Invalidate("c1")
	cache.Invalidate("missing")

	if _, ok := cache.Get("c1"); ok {
		t.Error("Invalidated entry should be gone")
	}
}

// TestResultCacheDisabled tests that a zero TTL caches nothing
func TestResultCacheDisabled(t *testing.T) {
	cache, _ := newTestCache(0)

	cache.Set("c1", json.RawMessage(`1`))

	if _, ok := cache.Get("c1"); ok {
		t.Error("Disabled cache should not return entries")
	}
	if cache.Len() != 0 {
		t.Errorf("Len = %d, want 0", cache.Len())
	}
}

// TestResultCacheFillAfterInvalidate tests that a fill taken before an
// invalidation is rejected
func TestResultCacheFillAfterInvalidate(t *testing.T) {
	cache, _ := newTestCache(time.Minute)

	version := cache.Version("c1")
	cache.Invalidate("c1")

	if cache.Fill("c1", version, json.RawMessage(`"old"`)) {
		t.Error("Fill with a stale version should be rejected")
	}
	if _, ok := cache.Get("c1"); ok {
		t.Error("Rejected fill should not be cached")
	}

	if !cache.Fill("c1", cache.Version("c1"), json.RawMessage(`"new"`)) {
		t.Error("Fill with the current version should succeed")
	}
	if got, ok := cache.Get("c1"); !ok || string(got) != `"new"` {
		t.Errorf("Get = %s, %v; want new value", got, ok)
	}
}

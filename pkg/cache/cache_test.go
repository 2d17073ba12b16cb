package cache

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T, capacity int, ttl time.Duration) *QueryCache[string] {
	t.Helper()
	c, err := New[string](capacity, ttl, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error creating cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBasicOperations(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	// Get on empty cache
	if value, exists := c.Get("key1"); exists {
		t.Errorf("Expected cache miss, got value: %s", value)
	}

	// Set and Get
	isNew, err := c.Set("key1", "value1", 0)
	if err != nil {
		t.Fatalf("Unexpected error setting key: %v", err)
	}
	if !isNew {
		t.Error("Expected new entry creation")
	}

	if value, exists := c.Get("key1"); !exists || value != "value1" {
		t.Errorf("Expected 'value1', got value: %s, exists: %t", value, exists)
	}

	// Update overwrites the existing entry
	isNew, err = c.Set("key1", "value1_updated", 0)
	if err != nil {
		t.Fatalf("Unexpected error updating key: %v", err)
	}
	if isNew {
		t.Error("Expected existing entry update")
	}

	if value, exists := c.Get("key1"); !exists || value != "value1_updated" {
		t.Errorf("Expected 'value1_updated', got value: %s, exists: %t", value, exists)
	}

	// Delete
	deleted, err := c.Delete("key1")
	if err != nil {
		t.Fatalf("Unexpected error deleting key: %v", err)
	}
	if !deleted {
		t.Error("Expected successful deletion")
	}

	if value, exists := c.Get("key1"); exists {
		t.Errorf("Expected cache miss after deletion, got value: %s", value)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	if _, err := c.Set("", "value", 0); err == nil {
		t.Error("Expected error for empty key on Set")
	}
	if _, err := c.Delete(""); err == nil {
		t.Error("Expected error for empty key on Delete")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	if _, err := c.Set("short", "v", 30*time.Millisecond); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Before expiry the value is served
	if value, exists := c.Get("short"); !exists || value != "v" {
		t.Errorf("Expected hit before expiry, got value: %s, exists: %t", value, exists)
	}

	time.Sleep(50 * time.Millisecond)

	// After expiry the stale value must never be returned
	if value, exists := c.Get("short"); exists {
		t.Errorf("Expected miss after expiry, got value: %s", value)
	}
}

func TestPerEntryTTLOverridesDefault(t *testing.T) {
	c := newTestCache(t, 10, 20*time.Millisecond)

	if _, err := c.Set("long", "v", time.Minute); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	time.Sleep(40 * time.Millisecond)

	if _, exists := c.Get("long"); !exists {
		t.Error("Entry with explicit long TTL expired with the default")
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)

	_, _ = c.Set("a", "1", 0)
	_, _ = c.Set("b", "2", 0)

	// Touch a so it becomes most recently used
	if _, exists := c.Get("a"); !exists {
		t.Fatal("Expected a to be present")
	}

	// Inserting c evicts the least recently used entry, b
	_, _ = c.Set("c", "3", 0)

	if _, exists := c.Get("b"); exists {
		t.Error("Expected b to be evicted")
	}
	if _, exists := c.Get("a"); !exists {
		t.Error("Expected a to survive")
	}
	if _, exists := c.Get("c"); !exists {
		t.Error("Expected c to be present")
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := newTestCache(t, 5, time.Minute)

	for i := 0; i < 100; i++ {
		key := Key("fill", i)
		if _, err := c.Set(key, "v", 0); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if size := c.Size(); size > 5 {
			t.Fatalf("Cache size %d exceeds capacity 5 after insert %d", size, i)
		}
	}
}

func TestEvictExpired(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, _ = c.Set("stays", "v", time.Minute)
	_, _ = c.Set("goes1", "v", 10*time.Millisecond)
	_, _ = c.Set("goes2", "v", 10*time.Millisecond)

	time.Sleep(25 * time.Millisecond)

	if removed := c.EvictExpired(); removed != 2 {
		t.Errorf("Expected 2 expired entries removed, got %d", removed)
	}
	if size := c.Size(); size != 1 {
		t.Errorf("Expected size 1 after sweep, got %d", size)
	}
}

func TestStats(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)

	_, _ = c.Set("k", "v", 0)
	c.Get("k")      // hit
	c.Get("absent") // miss
	c.Get("k")      // hit

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("Expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
	want := 2.0 / 3.0
	if diff := stats.HitRatio - want; diff > 0.001 || diff < -0.001 {
		t.Errorf("Expected hit ratio %.3f, got %.3f", want, stats.HitRatio)
	}
}

func TestEvictionCallback(t *testing.T) {
	var evicted []string
	c, err := New[string](2, time.Minute, time.Hour,
		WithEvictionCallback[string](func(key string, _ string) {
			evicted = append(evicted, key)
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "1", 0)
	_, _ = c.Set("b", "2", 0)
	_, _ = c.Set("c", "3", 0)

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Errorf("Expected eviction callback for a, got %v", evicted)
	}
}

func TestEvictionCallbackMayReenterCache(t *testing.T) {
	// The callback calls back into the cache, which takes the mutex. Every
	// eviction path must release the mutex before invoking it.
	var c *QueryCache[string]
	var sizes []int
	c, err := New[string](3, time.Minute, time.Hour,
		WithEvictionCallback[string](func(string, string) {
			sizes = append(sizes, c.Size())
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "1", 0)
	_, _ = c.Set("b", "2", 0)
	_, _ = c.Set("c", "3", 0)

	// LRU eviction of a from Set over capacity
	_, _ = c.Set("short", "v", time.Nanosecond)
	time.Sleep(time.Millisecond)

	// Expired entry removed on Get
	if _, exists := c.Get("short"); exists {
		t.Error("Expected miss for expired entry")
	}

	// Explicit Delete
	if removed, err := c.Delete("b"); err != nil || !removed {
		t.Fatalf("Expected delete of b, removed=%v err=%v", removed, err)
	}

	// Clear fires the callback for the remaining entry
	c.Clear()

	if len(sizes) != 4 {
		t.Errorf("Expected callback on all 4 eviction paths, got %d", len(sizes))
	}
}

func TestBackgroundSweep(t *testing.T) {
	c, err := New[string](10, 10*time.Millisecond, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = c.Close() }()

	_, _ = c.Set("k", "v", 0)

	// The sweeper removes the expired entry without any Get touching it
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if c.Size() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Expected background sweep to remove expired entry")
}

func TestCloseIdempotent(t *testing.T) {
	c, err := New[string](10, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Unexpected error on first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Unexpected error on second close: %v", err)
	}
}

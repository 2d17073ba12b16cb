// Package cache provides the bounded query-result cache that sits between the
// command handlers and the document store.
//
// QueryCache combines TTL and LRU eviction: entries expire at an absolute
// deadline and the least recently used entries are evicted when the cache is
// over capacity. Statistics are always collected; Prometheus metrics are
// optional via functional options. The Memoizer wraps asynchronous lookups
// with a single-flight guarantee so concurrent misses for the same key
// trigger exactly one underlying fetch.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
)

// entry is one cached value with its expiry. LRU recency lives in the list
// ordering, not in the entry itself.
type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// QueryCache is a thread-safe TTL+LRU bounded cache.
//
// Invariants: Get never returns a value past its expiry; the entry count
// never exceeds the configured capacity after any operation.
type QueryCache[V any] struct {
	mu              sync.Mutex
	capacity        int
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	items           map[string]*list.Element
	order           *list.List // front = most recently used
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	// Background cleanup coordination
	shutdown chan struct{}
	done     chan struct{}
	closed   bool
}

// New creates a QueryCache with the given capacity and default TTL. A
// background goroutine sweeps expired entries every cleanupInterval;
// Close stops it.
func New[V any](capacity int, defaultTTL, cleanupInterval time.Duration, options ...Option[V]) (*QueryCache[V], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "QueryCache", "New", "capacity must be positive")
	}
	if defaultTTL <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "QueryCache", "New", "default TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "QueryCache", "New", "metrics registration")
		}
	}

	c := &QueryCache[V]{
		capacity:        capacity,
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*list.Element),
		order:           list.New(),
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup()

	return c, nil
}

// Get retrieves a value by key. A hit updates LRU recency; an entry past its
// expiry is removed and reported as a miss, never returned stale.
func (c *QueryCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	ent := element.Value.(*entry[V])
	if ent.expired(time.Now()) {
		c.removeElement(element)
		size := len(c.items)
		c.mu.Unlock()

		// Callback runs outside the lock so it may call back into the cache
		if c.evictFn != nil {
			c.evictFn(ent.key, ent.value)
		}
		c.stats.Eviction()
		c.stats.Miss()
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			c.metrics.recordEviction()
			c.metrics.recordMiss()
			c.metrics.updateSize(size)
		}
		return zero, false
	}

	c.order.MoveToFront(element)
	value := ent.value
	c.mu.Unlock()

	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}
	return value, true
}

// Set stores a value with an absolute expiry of now+ttl, overwriting any
// existing entry and updating recency. A ttl <= 0 uses the cache default.
// Returns true if a new entry was created, false if an existing one was
// updated.
func (c *QueryCache[V]) Set(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	if element, exists := c.items[key]; exists {
		ent := element.Value.(*entry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		c.order.MoveToFront(element)
		c.mu.Unlock()

		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		return false, nil
	}

	element := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: expiresAt})
	c.items[key] = element

	// Evict least recently used entries until back under capacity
	var evicted []*entry[V]
	for len(c.items) > c.capacity {
		if ent := c.evictLRU(); ent != nil {
			evicted = append(evicted, ent)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, ent := range evicted {
			c.evictFn(ent.key, ent.value)
		}
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(size)
	}
	return true, nil
}

// Delete removes an entry by key. Returns true if the key existed.
func (c *QueryCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false, nil
	}
	ent := c.removeElement(element)
	size := len(c.items)
	c.mu.Unlock()

	if c.evictFn != nil {
		c.evictFn(ent.key, ent.value)
	}
	c.stats.Delete()
	c.stats.UpdateSize(int64(size))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return true, nil
}

// Clear removes all entries from the cache.
func (c *QueryCache[V]) Clear() {
	c.mu.Lock()
	var evicted []*entry[V]
	if c.evictFn != nil {
		for element := c.order.Back(); element != nil; element = element.Prev() {
			evicted = append(evicted, element.Value.(*entry[V]))
		}
	}
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, ent := range evicted {
			c.evictFn(ent.key, ent.value)
		}
	}

	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
}

// Size returns the current number of entries in the cache.
func (c *QueryCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns the unexpired keys in LRU order (most recently used first).
func (c *QueryCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	now := time.Now()
	for element := c.order.Front(); element != nil; element = element.Next() {
		ent := element.Value.(*entry[V])
		if !ent.expired(now) {
			keys = append(keys, ent.key)
		}
	}
	return keys
}

// Stats returns a snapshot of cache statistics.
func (c *QueryCache[V]) Stats() Snapshot {
	return c.stats.Snapshot()
}

// EvictExpired removes all expired entries immediately, independent of
// capacity pressure, and returns how many were removed. The memory manager
// calls this under memory pressure; the background sweep calls it on a timer.
func (c *QueryCache[V]) EvictExpired() int {
	now := time.Now()
	var evicted []*entry[V]

	c.mu.Lock()
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		ent := element.Value.(*entry[V])
		if ent.expired(now) {
			delete(c.items, ent.key)
			c.order.Remove(element)
			evicted = append(evicted, ent)
		}
		element = next
	}
	size := len(c.items)
	c.mu.Unlock()

	// Run callbacks outside the lock
	if c.evictFn != nil {
		for _, ent := range evicted {
			c.evictFn(ent.key, ent.value)
		}
	}

	if len(evicted) > 0 {
		for range evicted {
			c.stats.Eviction()
		}
		c.stats.UpdateSize(int64(size))
		if c.metrics != nil {
			for range evicted {
				c.metrics.recordEviction()
			}
			c.metrics.updateSize(size)
		}
	}
	return len(evicted)
}

// Close stops the background sweep goroutine. Safe to call more than once.
func (c *QueryCache[V]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.shutdown)
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.WrapTransient(errors.ErrShuttingDown, "QueryCache", "Close", "waiting for cleanup goroutine")
	}
}

// evictLRU removes the least recently used item and returns its entry, or nil
// when the cache is empty. Must be called with the mutex held; the caller
// invokes the eviction callback after releasing it.
func (c *QueryCache[V]) evictLRU() *entry[V] {
	element := c.order.Back()
	if element == nil {
		return nil
	}
	ent := c.removeElement(element)
	c.stats.Eviction()
	if c.metrics != nil {
		c.metrics.recordEviction()
	}
	return ent
}

// removeElement removes an element from both the list and map and returns its
// entry. Must be called with the mutex held; the eviction callback is the
// caller's responsibility, after the mutex is released, so callbacks may call
// back into the cache.
func (c *QueryCache[V]) removeElement(element *list.Element) *entry[V] {
	ent := element.Value.(*entry[V])
	delete(c.items, ent.key)
	c.order.Remove(element)
	return ent
}

// cleanup periodically removes expired entries until Close is called.
func (c *QueryCache[V]) cleanup() {
	defer close(c.done)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.EvictExpired()
		}
	}
}

// validateKey validates a cache key for basic requirements. An empty key is a
// programmer error, not a retryable condition.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "QueryCache", "validateKey", "key cannot be empty")
	}
	return nil
}

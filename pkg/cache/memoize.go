package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Fetch is the underlying lookup a Memoizer wraps, typically a document-store
// query.
type Fetch[V any] func(ctx context.Context) (V, error)

// Memoizer wraps asynchronous lookups with cache-check, single-flight
// coordination and store-on-miss. Concurrent callers for the same key while a
// fetch is in flight all observe the single in-flight result, success or
// failure, so a cache miss under concurrent load never stampedes the
// database.
type Memoizer[V any] struct {
	cache *QueryCache[V]
	group singleflight.Group
}

// NewMemoizer creates a Memoizer backed by the given cache.
func NewMemoizer[V any](c *QueryCache[V]) *Memoizer[V] {
	return &Memoizer[V]{cache: c}
}

// Key computes a stable cache-key fingerprint from an operation identity and
// its arguments. fmt prints maps in sorted key order, so equal filter
// documents produce equal fingerprints. The Go-syntax verb keeps values of
// different types distinct: a user ID that arrives as "1" must not share a
// fingerprint with one that arrives as 1.
func Key(op string, args ...any) string {
	h := xxhash.New()
	_, _ = h.WriteString(op)
	for _, arg := range args {
		_, _ = h.WriteString("|")
		_, _ = fmt.Fprintf(h, "%#v", arg)
	}
	return op + ":" + strconv.FormatUint(h.Sum64(), 16)
}

// Do returns the cached value for key, or runs fetch exactly once across all
// concurrent callers, stores the result with the given ttl (<= 0 uses the
// cache default), and returns it. Fetch failures are returned to every
// waiting caller and are not cached.
func (m *Memoizer[V]) Do(ctx context.Context, key string, ttl time.Duration, fetch Fetch[V]) (V, error) {
	if value, ok := m.cache.Get(key); ok {
		return value, nil
	}

	result, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check under single-flight: another caller may have populated
		// the entry between our miss and acquiring the flight.
		if value, ok := m.cache.Get(key); ok {
			return value, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		if _, err := m.cache.Set(key, value, ttl); err != nil {
			// A rejected key is a programmer error; the fetched value is
			// still valid for this caller.
			return value, nil
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

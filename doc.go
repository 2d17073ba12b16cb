// Package quantumbank provides the database performance layer for the
// Quantum Bank Discord economy bot: caching, batching, retry, memory
// management, and query profiling around an asynchronous document store.
//
// # Architecture
//
// The layer sits between the bot's business commands and the document-store
// driver:
//
//	┌─────────────────────────────────────┐
//	│        Business Commands            │  balance, deposit,
//	│   (excluded from this module)       │  leaderboard, interest
//	└─────────────────────────────────────┘
//	           ↓ calls through
//	┌─────────────────────────────────────┐
//	│       Performance Layer             │  pkg/cache, batch,
//	│ (cache, batch, retry, bulk, perf)   │  pkg/retry, bulk, perf
//	└─────────────────────────────────────┘
//	           ↓ drives
//	┌─────────────────────────────────────┐
//	│     Document Store Driver           │  storage.Database,
//	│  (storage, storage/memstore)        │  find/update/bulk-write
//	└─────────────────────────────────────┘
//
// # Components
//
//   - pkg/cache: hybrid LRU+TTL query cache with single-flight memoization.
//     Repeated identical reads hit memory instead of the database.
//   - batch: size- and time-triggered write coalescing. Many small inserts
//     become one bulk write.
//   - pkg/retry: classified retry with exponential backoff and jitter.
//     Transient driver failures are retried; data errors never are.
//   - bulk: query-shape optimization (OR-of-equalities to IN membership),
//     combined account updates, and the daily interest run.
//   - pkg/memory: resident-memory tracking, forced collection under
//     pressure, and leak detection for long-lived tracked objects.
//   - profiler: bounded ring of query timings with per-operation and
//     per-collection aggregation and slow-query logging.
//   - perf: explicit construction and teardown of the whole layer from one
//     configuration. No package-level singletons.
//
// Observability follows one rule throughout: internal statistics are always
// collected (cheap atomics), Prometheus export is opt-in per component via
// the metric registry.
//
// # Error Handling
//
// All components share the classified error model in the errors package:
// transient errors are retryable, invalid errors are programmer or data
// errors that fail fast, fatal errors abort the operation immediately.
// Cache misses are not errors; they are the (value, ok) return idiom.
package quantumbank

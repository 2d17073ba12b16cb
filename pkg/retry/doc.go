// Package retry provides exponential backoff retry logic for transient
// database failures.
//
// # Overview
//
// The Executor is the single retry authority for the performance layer:
// components hand it a fallible operation and an error classifier instead of
// implementing their own retry loops. Errors classified fatal (duplicate key,
// validation, auth) propagate immediately; transient errors (timeouts,
// connection resets, overload responses) retry with exponential backoff and
// uniform jitter, capped at a maximum delay.
//
// # Usage
//
// Basic retry with defaults:
//
//	exec, err := retry.NewExecutor(retry.DefaultConfig())
//	err = exec.Do(ctx, func(ctx context.Context) error {
//	    return coll.UpdateMany(ctx, filter, update)
//	})
//
// Retry with result:
//
//	docs, err := retry.DoWithResult(ctx, exec, func(ctx context.Context) ([]storage.Document, error) {
//	    return coll.Find(ctx, filter, nil)
//	})
//
// # Exhaustion
//
// After MaxAttempts the last transient error is returned wrapped in
// *ExhaustedError, which records the attempt count and unwraps to the
// original error, so errors.Is and errors.As keep working:
//
//	if attempts, ok := retry.IsExhausted(err); ok {
//	    log.Warn("gave up", "attempts", attempts)
//	}
//
// Timeouts are applied per attempt via Config.AttemptTimeout, never across
// the whole retry sequence. Cancellation is checked between attempts and
// aborts retrying early while preserving the most recent attempt error.
package retry

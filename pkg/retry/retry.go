// Package retry provides the single retry policy for database operations,
// with exponential backoff and transient/fatal error classification.
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/D9292S/New-Quantum-Bank/errors"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Classifier reports whether an error is transient and worth retrying.
// Errors it rejects are treated as fatal and propagate immediately.
type Classifier func(error) bool

// ExhaustedError is returned when all attempts failed with transient errors.
// It unwraps to the last attempt's error so errors.Is/As still see the
// original failure rather than a generic wrapper.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Config provides retry configuration
type Config struct {
	MaxAttempts    int           `json:"max_attempts"`    // Maximum number of attempts (minimum 1)
	BaseDelay      time.Duration `json:"base_delay"`      // Delay before the first retry
	MaxDelay       time.Duration `json:"max_delay"`       // Cap on the backoff delay
	Multiplier     float64       `json:"multiplier"`      // Backoff multiplier (typically 2.0)
	JitterFraction float64       `json:"jitter_fraction"` // Jitter drawn uniformly from [0, fraction*delay]
	AttemptTimeout time.Duration `json:"attempt_timeout"` // Per-attempt timeout (0 = none)
}

// DefaultConfig returns sensible defaults for database operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

// Quick returns a config for fast retries (useful during startup)
func Quick() Config {
	return Config{
		MaxAttempts:    10,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       1 * time.Second,
		Multiplier:     1.5,
		JitterFraction: 0.1,
	}
}

// Executor applies one retry policy to fallible operations. It is the single
// authority for retries: components delegate here instead of rolling ad hoc
// retry loops.
type Executor struct {
	cfg      Config
	classify Classifier
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier overrides the default transient-error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) {
		if c != nil {
			e.classify = c
		}
	}
}

// NewExecutor creates an Executor with the given policy. Invalid fields are
// normalized the same way the config validation reports them.
func NewExecutor(cfg Config, opts ...Option) (*Executor, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	e := &Executor{
		cfg:      cfg,
		classify: defaultClassifier,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// defaultClassifier retries transient errors and refuses anything classified
// fatal or invalid (duplicate key, validation, auth).
func defaultClassifier(err error) bool {
	if errors.IsFatal(err) || errors.IsInvalid(err) {
		return false
	}
	return errors.IsTransient(err)
}

func validate(cfg *Config) error {
	if cfg.BaseDelay < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "NewExecutor", "base_delay cannot be negative")
	}
	if cfg.MaxDelay < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "NewExecutor", "max_delay cannot be negative")
	}
	if cfg.Multiplier < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "NewExecutor", "multiplier cannot be negative")
	}
	if cfg.JitterFraction < 0 || cfg.JitterFraction > 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "NewExecutor", "jitter_fraction must be in [0,1]")
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1 // At least try once
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "retry", "NewExecutor", "max_delay must be >= base_delay")
	}
	return nil
}

// Config returns a copy of the executor's policy.
func (e *Executor) Config() Config {
	return e.cfg
}

// Do executes fn with the executor's retry policy. Fatal errors propagate
// immediately with attempt count 1. Transient errors are retried with
// exponential backoff until MaxAttempts, then the last error is returned
// wrapped in *ExhaustedError. Cancellation between attempts aborts early
// without losing the most recent attempt error.
func (e *Executor) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	delay := e.cfg.BaseDelay

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		err := e.runAttempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		// Fatal errors never retry
		if !e.classify(err) {
			return err
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		// Check cancellation between attempts, keeping the attempt error
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w (last error: %w)", attempt, ctx.Err(), lastErr)
		}

		sleep := delay
		if e.cfg.JitterFraction > 0 {
			jitterMax := int64(float64(delay) * e.cfg.JitterFraction)
			if jitterMax > 0 {
				randMu.Lock()
				sleep += time.Duration(randSource.Int63n(jitterMax + 1))
				randMu.Unlock()
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff before attempt %d: %w (last error: %w)", attempt+1, ctx.Err(), lastErr)
		case <-timer.C:
		}

		// Next delay with cap and overflow protection
		next := float64(delay) * e.cfg.Multiplier
		if next > float64(e.cfg.MaxDelay) || next > float64(1<<62) {
			delay = e.cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return &ExhaustedError{Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// runAttempt runs one attempt with the per-attempt timeout applied.
// Timeouts are per attempt, not across the whole retry sequence.
func (e *Executor) runAttempt(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return fn(attemptCtx)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	return result, err
}

// IsExhausted reports whether err is a retry-exhaustion error and returns the
// attempt count when it is.
func IsExhausted(err error) (int, bool) {
	var ee *ExhaustedError
	if stderrors.As(err, &ee) {
		return ee.Attempts, true
	}
	return 0, false
}

package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryConfig configures the opt-in retry helper. The routing core never
// retries on its own; callers wrap a request with WithRetryContext when a
// timed-out or rate-limited request should be attempted again.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	MaxAttempts int

	// InitialBackoff is the pause before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the pause between attempts.
	MaxBackoff time.Duration

	// BackoffFactor multiplies the pause after each attempt.
	BackoffFactor float64

	// Jitter is the random jitter factor (0.0-1.0).
	Jitter float64

	// RetryableFunc overrides IsRetryable.
	RetryableFunc func(error) bool
}

// DefaultRetry suits control-plane requests, whose own deadline already
// spans several seconds.
var DefaultRetry = RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	BackoffFactor:  2.0,
	Jitter:         0.1,
}

// NoRetry disables retries.
var NoRetry = RetryConfig{
	MaxAttempts: 1,
}

// RetryResult contains the outcome of a retried operation.
type RetryResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Duration time.Duration
}

// WithRetry runs fn until it succeeds, fails permanently, or runs out of attempts.
func WithRetry[T any](cfg RetryConfig, fn func() (T, error)) RetryResult[T] {
	return WithRetryContext(context.Background(), cfg, func(_ context.Context) (T, error) {
		return fn()
	})
}

// WithRetryContext is WithRetry with cancellation between attempts.
func WithRetryContext[T any](
	ctx context.Context,
	cfg RetryConfig,
	fn func(context.Context) (T, error),
) RetryResult[T] {
	start := time.Now()
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := cfg.RetryableFunc
	if retryable == nil {
		retryable = IsRetryable
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult[T]{
				Err:      Permanent(err, "context cancelled"),
				Attempts: attempt - 1,
				Duration: time.Since(start),
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return RetryResult[T]{Value: value, Attempts: attempt, Duration: time.Since(start)}
		}
		lastErr = err

		if !retryable(err) {
			return RetryResult[T]{
				Err:      &CategorizedError{Err: err, Category: Categorize(err), Retries: attempt},
				Attempts: attempt,
				Duration: time.Since(start),
			}
		}

		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return RetryResult[T]{
				Err:      Permanent(ctx.Err(), "context cancelled during backoff"),
				Attempts: attempt,
				Duration: time.Since(start),
			}
		case <-time.After(jittered(backoff, cfg.Jitter)):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return RetryResult[T]{
		Err: &CategorizedError{
			Err:      lastErr,
			Category: Categorize(lastErr),
			Retries:  attempts,
			Context:  "max retries exceeded",
		},
		Attempts: attempts,
		Duration: time.Since(start),
	}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || base <= 0 {
		return base
	}
	delta := float64(base) * jitter * (rand.Float64()*2 - 1)
	return time.Duration(float64(base) + delta)
}

// RetryOption configures a RetryConfig.
type RetryOption func(*RetryConfig)

// WithMaxAttempts sets the maximum number of attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxAttempts = n
	}
}

// WithInitialBackoff sets the pause before the second attempt.
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.InitialBackoff = d
	}
}

// WithMaxBackoff caps the pause between attempts.
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.MaxBackoff = d
	}
}

// WithJitter sets the jitter factor.
func WithJitter(j float64) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.Jitter = j
	}
}

// WithRetryableFunc sets a custom retryability check.
func WithRetryableFunc(fn func(error) bool) RetryOption {
	return func(cfg *RetryConfig) {
		cfg.RetryableFunc = fn
	}
}

// NewRetryConfig starts from DefaultRetry and applies opts.
func NewRetryConfig(opts ...RetryOption) RetryConfig {
	cfg := DefaultRetry
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

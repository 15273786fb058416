// Package retry wraps fallible provider operations with bounded
// exponential backoff.
//
// An attempt is retried only for transient failures: network errors,
// a fixed set of HTTP status codes, or timeouts. Backoff is capped and
// jittered upward by 0-25% so concurrent callers don't synchronize into
// retry storms. When the provider supplies a rate-limit hint
// (Retry-After seconds or an X-RateLimit-Reset epoch), the hinted delay
// wins over computed backoff when it is longer. Exhausting every retry
// surfaces the last error unchanged.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Config controls the retry loop.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the backoff before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed backoff (before jitter).
	MaxDelay time.Duration
	// Multiplier is the exponential backoff factor.
	Multiplier float64
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// retryableStatuses is the fixed set of HTTP status codes worth retrying.
var retryableStatuses = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// HTTPError carries a provider HTTP failure plus any rate-limit hints
// from its response headers.
type HTTPError struct {
	Status int
	Msg    string

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
	// RateLimitReset is the parsed X-RateLimit-Reset epoch time, zero
	// when absent.
	RateLimitReset time.Time
}

func (e *HTTPError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("provider returned %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("provider returned %d", e.Status)
}

// Retryable reports whether err is transient: a retryable HTTP status,
// a network error, or a timeout.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatuses[httpErr.Status]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Do runs op, retrying transient failures up to cfg.MaxRetries times.
// Sleeps between attempts are cancellable: a caller cancellation
// surfaces ctx.Err(), not the last transient error.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) || attempt == cfg.MaxRetries {
			return lastErr
		}

		timer := time.NewTimer(cfg.delayFor(attempt, lastErr))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}

// delayFor computes the sleep before retrying after attempt (0-based):
// capped exponential backoff plus additive jitter, overridden by any
// longer server hint.
func (c Config) delayFor(attempt int, err error) time.Duration {
	backoff := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt))
	if backoff > float64(c.MaxDelay) {
		backoff = float64(c.MaxDelay)
	}

	// Jitter is added, never subtracted: expected delay stays
	// non-decreasing across attempts.
	jitter := rand.Float64() * 0.25 * backoff //nolint:gosec // jitter doesn't need crypto-strength randomness
	delay := time.Duration(backoff + jitter)

	if hint := hintedDelay(err); hint > delay {
		delay = hint
	}
	return delay
}

// hintedDelay extracts the server's minimum-wait hint, if any.
func hintedDelay(err error) time.Duration {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return 0
	}
	if httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	if !httpErr.RateLimitReset.IsZero() {
		if until := time.Until(httpErr.RateLimitReset); until > 0 {
			return until
		}
	}
	return 0
}

// Package resilience composes the retry executor, circuit breaker registry,
// and rate limiter into the single "invoke with resilience" wrapper the
// rest of the product calls. The wrapped operation is opaque, typically
// the HTTP call to a model provider, supplied by the caller.
package resilience

import (
	"context"
	"errors"
	"log/slog"

	"github.com/repopulse/relay/internal/breaker"
	"github.com/repopulse/relay/internal/ratelimit"
	"github.com/repopulse/relay/internal/retry"
)

// FailureKind tags the category of a terminal failure so callers never
// have to parse message strings.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureCancelled   FailureKind = "cancelled"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureRateLimited FailureKind = "rate_limited"
	FailureTransient   FailureKind = "transient_exhausted"
	FailurePermanent   FailureKind = "permanent"
)

// Classify maps a terminal error to its failure category.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return FailureCancelled
	case errors.Is(err, breaker.ErrOpen):
		return FailureCircuitOpen
	}
	var httpErr *retry.HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == 429 {
		return FailureRateLimited
	}
	if retry.Retryable(err) {
		return FailureTransient
	}
	return FailurePermanent
}

// Executor runs operations against named targets with rate limiting,
// circuit breaking, and retries.
type Executor struct {
	limiter  ratelimit.Limiter
	breakers *breaker.Registry
	retryCfg retry.Config
	logger   *slog.Logger
}

// New creates an executor. A nil limiter disables throttling.
func New(limiter ratelimit.Limiter, breakers *breaker.Registry, retryCfg retry.Config, logger *slog.Logger) *Executor {
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		limiter:  limiter,
		breakers: breakers,
		retryCfg: retryCfg,
		logger:   logger,
	}
}

// Invoke runs op against target. Per attempt: the target's breaker is
// consulted first (an open circuit fails fast without touching the rate
// limiter), then tokens are acquired, then op runs under the breaker's
// observation. retryCfg overrides the executor default when non-nil.
//
// tokens is the rate-limiter debit per attempt; values below 1 debit one
// token.
func (e *Executor) Invoke(ctx context.Context, target string, tokens int, retryCfg *retry.Config, op func(ctx context.Context) error) error {
	cfg := e.retryCfg
	if retryCfg != nil {
		cfg = *retryCfg
	}
	if tokens < 1 {
		tokens = 1
	}

	br := e.breakers.For(target)

	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		if err := br.Allow(); err != nil {
			// Not recorded against the breaker: the operation never ran.
			return err
		}
		if err := e.limiter.Acquire(ctx, target, tokens); err != nil {
			return err
		}
		opErr := op(ctx)
		br.Observe(opErr == nil)
		return opErr
	})

	if err != nil {
		e.logger.Debug("resilient invoke failed",
			"target", target,
			"kind", string(Classify(err)),
			"error", err,
		)
	}
	return err
}

// InvokeValue is Invoke for operations returning a value.
func InvokeValue[T any](ctx context.Context, e *Executor, target string, tokens int, retryCfg *retry.Config, op func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := e.Invoke(ctx, target, tokens, retryCfg, func(ctx context.Context) error {
		var opErr error
		value, opErr = op(ctx)
		return opErr
	})
	return value, err
}

// BreakerState reports the current circuit state for a target.
func (e *Executor) BreakerState(target string) breaker.State {
	return e.breakers.For(target).State()
}

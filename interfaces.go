package relay

import "context"

// Limiter is a replaceable rate limiter. When provided via
// WithRateLimiter it replaces the built-in in-process token bucket;
// use this to back rate limiting with a shared store when running
// multiple instances.
type Limiter interface {
	// Allow reports whether n tokens are immediately available for key,
	// consuming them if so.
	Allow(ctx context.Context, key string, n int) (bool, error)
	// Acquire blocks until n tokens are available for key or ctx is done.
	Acquire(ctx context.Context, key string, n int) error
	Close() error
}

// EventHook receives notifications when an experiment's production
// variant changes. Multiple hooks may be registered; all receive every
// event. Hook failures are logged, never propagated: a misbehaving
// hook must not block a promotion.
type EventHook interface {
	OnWinnerPromoted(ctx context.Context, variant PromptVariant) error
	OnRolledBack(ctx context.Context, promptType, version string) error
}

// Package ratelimit provides a pluggable per-channel token bucket throttle
// for outbound provider traffic.
//
// The in-memory implementation (MemoryLimiter) is the default; the Limiter
// interface is the contract so a shared (e.g. Redis-backed) implementation
// can be substituted for multi-instance deployments.
package ratelimit

import "context"

// Limiter throttles requests identified by an opaque channel key
// (typically provider or model id). Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow consumes n tokens if immediately available and reports
	// whether the request may proceed. Never blocks.
	Allow(ctx context.Context, key string, n int) (bool, error)

	// Acquire blocks cooperatively until n tokens are available or ctx
	// is done. A caller abandoning the request gets ctx.Err() back and
	// leaves no blocked waiter behind.
	Acquire(ctx context.Context, key string, n int) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string, int) (bool, error) { return true, nil }

// Acquire returns immediately.
func (NoopLimiter) Acquire(context.Context, string, int) error { return nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

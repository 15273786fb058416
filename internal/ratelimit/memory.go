package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// bucket is a single token bucket for one channel key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket with a configurable refill rate
// (tokens per second) and capacity. Refill is computed lazily from elapsed
// time on every check; there is no background refill timer. A background
// goroutine evicts stale buckets every minute to bound memory.
type MemoryLimiter struct {
	rate     float64 // tokens added per second
	capacity float64 // maximum tokens

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}

	now func() time.Time // injectable for tests
}

// maxPoll bounds one cooperative sleep inside Acquire. The shortfall
// usually dictates a shorter wait; this ceiling keeps cancellation
// latency bounded even at very low refill rates.
const maxPoll = 100 * time.Millisecond

const staleThreshold = 10 * time.Minute

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained tokens per second per key
//   - capacity: bucket capacity (burst size)
//
// New buckets start full. A background goroutine evicts keys not accessed
// in the last 10 minutes; call Close to stop it.
func NewMemoryLimiter(rate float64, capacity int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:     rate,
		capacity: float64(capacity),
		buckets:  make(map[string]*bucket),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	go m.cleanup()
	return m
}

// Allow consumes n tokens from the bucket for key if available.
func (m *MemoryLimiter) Allow(_ context.Context, key string, n int) (bool, error) {
	if float64(n) > m.capacity {
		return false, fmt.Errorf("ratelimit: request for %d tokens exceeds capacity %g", n, m.capacity)
	}
	ok, _ := m.take(key, float64(n))
	return ok, nil
}

// Acquire blocks until n tokens are available, sleeping cooperatively for
// min(shortfall/rate, maxPoll) between checks.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string, n int) error {
	if float64(n) > m.capacity {
		return fmt.Errorf("ratelimit: request for %d tokens exceeds capacity %g", n, m.capacity)
	}

	for {
		ok, shortfall := m.take(key, float64(n))
		if ok {
			return nil
		}

		wait := time.Duration(shortfall / m.rate * float64(time.Second))
		if wait > maxPoll {
			wait = maxPoll
		}
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return fmt.Errorf("ratelimit: limiter closed")
		case <-timer.C:
		}
	}
}

// take refills the bucket for key and consumes n tokens if possible.
// Returns (false, shortfall) when insufficient.
func (m *MemoryLimiter) take(key string, n float64) (bool, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.capacity, lastRefill: now}
		m.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * m.rate
		if b.tokens > m.capacity {
			b.tokens = m.capacity
		}
		b.lastRefill = now
	}
	b.lastAccess = now

	if b.tokens < n {
		return false, n - b.tokens
	}
	b.tokens -= n
	return true, 0
}

// Close stops the cleanup goroutine and wakes blocked waiters.
// Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

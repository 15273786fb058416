package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestMemoryLimiterAllowUnderCapacity(t *testing.T) {
	m := NewMemoryLimiter(10, 5) // 10 tokens/s, capacity 5
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "openai", 1)
		if err != nil {
			t.Fatalf("Allow returned error on request %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d (within capacity)", i)
		}
	}
}

func TestMemoryLimiterDenyAfterExhaustion(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "openai", 1)
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !ok {
			t.Fatalf("expected Allow=true for request %d", i)
		}
	}

	ok, err := m.Allow(ctx, "openai", 1)
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow=false after capacity exhausted")
	}
}

func TestMemoryLimiterSaturatingRefill(t *testing.T) {
	m := NewMemoryLimiter(1000, 4)
	defer closeLimiter(t, m)

	// Pin the clock so elapsed time is exact.
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	// Prime the bucket, then let an hour "pass". Tokens must cap at
	// capacity, never exceed it.
	if ok, _ := m.Allow(ctx, "glm", 1); !ok {
		t.Fatal("first request should succeed")
	}
	now = now.Add(time.Hour)

	for i := 0; i < 4; i++ {
		if ok, _ := m.Allow(ctx, "glm", 1); !ok {
			t.Fatalf("request %d should succeed after refill", i)
		}
	}
	if ok, _ := m.Allow(ctx, "glm", 1); ok {
		t.Fatal("5th request should be denied: refill saturates at capacity")
	}
}

func TestMemoryLimiterMultiTokenTake(t *testing.T) {
	m := NewMemoryLimiter(10, 10)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "k", 7); !ok {
		t.Fatal("taking 7 of 10 should succeed")
	}
	if ok, _ := m.Allow(ctx, "k", 5); ok {
		t.Fatal("taking 5 with 3 left should fail")
	}
	if ok, _ := m.Allow(ctx, "k", 3); !ok {
		t.Fatal("taking the remaining 3 should succeed")
	}
}

func TestMemoryLimiterRejectsOversizedRequest(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	if _, err := m.Allow(context.Background(), "k", 6); err == nil {
		t.Fatal("expected error when n exceeds capacity")
	}
	if err := m.Acquire(context.Background(), "k", 6); err == nil {
		t.Fatal("expected error when n exceeds capacity")
	}
}

func TestMemoryLimiterAcquireBlocksUntilRefill(t *testing.T) {
	m := NewMemoryLimiter(1000, 2) // 1 token per ms
	defer closeLimiter(t, m)

	ctx := context.Background()
	if err := m.Acquire(ctx, "k", 2); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	start := time.Now()
	if err := m.Acquire(ctx, "k", 2); err != nil {
		t.Fatalf("blocking acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Fatalf("acquire returned too fast (%v); expected to wait for refill", elapsed)
	}
}

func TestMemoryLimiterAcquireCancellable(t *testing.T) {
	m := NewMemoryLimiter(0.1, 1) // one token every 10s: refill won't help
	defer closeLimiter(t, m)

	ctx := context.Background()
	if err := m.Acquire(ctx, "k", 1); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	err := m.Acquire(ctx, "k", 1)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(10, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	if ok, _ := m.Allow(ctx, "a", 1); !ok {
		t.Fatal("first request for 'a' should succeed")
	}
	if ok, _ := m.Allow(ctx, "a", 1); ok {
		t.Fatal("second request for 'a' should be denied")
	}
	if ok, _ := m.Allow(ctx, "b", 1); !ok {
		t.Fatal("first request for 'b' should succeed")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(0.001, 50) // effectively no refill during the test
	defer closeLimiter(t, m)

	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	// 10 goroutines each send 10 requests for the same key. Exactly the
	// bucket capacity may be admitted.
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared", 1)
				if err != nil {
					t.Errorf("Allow error: %v", err)
					return
				}
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("expected exactly 50 admitted requests, got %d", allowed)
	}
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	defer closeLimiter(t, m)

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	_, _ = m.Allow(ctx, "old", 1)
	now = now.Add(staleThreshold + time.Minute)
	_, _ = m.Allow(ctx, "fresh", 1)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets["old"]; ok {
		t.Fatal("stale bucket should have been evicted")
	}
	if _, ok := m.buckets["fresh"]; !ok {
		t.Fatal("fresh bucket should have survived eviction")
	}
}

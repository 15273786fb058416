package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repopulse/relay/internal/breaker"
	"github.com/repopulse/relay/internal/ratelimit"
	"github.com/repopulse/relay/internal/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func newTestExecutor() *Executor {
	return New(
		nil,
		breaker.NewRegistry(breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute}, nil),
		fastRetry(),
		nil,
	)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureNone},
		{"cancelled", context.Canceled, FailureCancelled},
		{"deadline", context.DeadlineExceeded, FailureCancelled},
		{"circuit open", breaker.ErrOpen, FailureCircuitOpen},
		{"rate limited", &retry.HTTPError{Status: 429}, FailureRateLimited},
		{"transient 503", &retry.HTTPError{Status: 503}, FailureTransient},
		{"permanent 400", &retry.HTTPError{Status: 400}, FailurePermanent},
		{"plain error", errors.New("nope"), FailurePermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestInvokeRetriesTransient(t *testing.T) {
	e := newTestExecutor()

	calls := 0
	err := e.Invoke(context.Background(), "openai", 1, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return &retry.HTTPError{Status: 502}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestInvokeCircuitOpensAndFailsFast(t *testing.T) {
	e := newTestExecutor()

	// One invocation with retries: 3 attempts, all failing, opens the
	// breaker (threshold 3).
	calls := 0
	err := e.Invoke(context.Background(), "glm", 1, nil, func(context.Context) error {
		calls++
		return &retry.HTTPError{Status: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, breaker.StateOpen, e.BreakerState("glm"))

	// Next invocation fails fast without running the operation.
	err = e.Invoke(context.Background(), "glm", 1, nil, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, FailureCircuitOpen, Classify(err))
	assert.Equal(t, 3, calls, "operation must not run while circuit is open")
}

func TestInvokeTargetsAreIsolated(t *testing.T) {
	e := newTestExecutor()

	_ = e.Invoke(context.Background(), "down", 1, nil, func(context.Context) error {
		return &retry.HTTPError{Status: 500}
	})
	require.Equal(t, breaker.StateOpen, e.BreakerState("down"))

	err := e.Invoke(context.Background(), "up", 1, nil, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestInvokeAcquiresRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(1000, 5)
	defer limiter.Close()

	e := New(limiter, breaker.NewRegistry(breaker.DefaultConfig(), nil), fastRetry(), nil)

	// Each attempt debits 5 tokens; the second invocation has to wait for
	// refill, proving acquisition happens.
	require.NoError(t, e.Invoke(context.Background(), "t", 5, nil, func(context.Context) error { return nil }))

	start := time.Now()
	require.NoError(t, e.Invoke(context.Background(), "t", 5, nil, func(context.Context) error { return nil }))
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestInvokeCancellationWins(t *testing.T) {
	e := New(nil, breaker.NewRegistry(breaker.DefaultConfig(), nil),
		retry.Config{MaxRetries: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Invoke(ctx, "t", 1, nil, func(context.Context) error {
		return &retry.HTTPError{Status: 503}
	})
	assert.Equal(t, FailureCancelled, Classify(err))
}

func TestInvokeValueReturnsResult(t *testing.T) {
	e := newTestExecutor()

	v, err := InvokeValue(context.Background(), e, "t", 1, nil, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestInvokePerCallRetryOverride(t *testing.T) {
	e := newTestExecutor()

	noRetries := retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	_ = e.Invoke(context.Background(), "t", 1, &noRetries, func(context.Context) error {
		calls++
		return &retry.HTTPError{Status: 503}
	})
	assert.Equal(t, 2, calls) // first attempt + 1 retry
}

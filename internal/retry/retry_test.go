package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// timeoutErr implements net.Error for testing the network-error path.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"permanent application error", errors.New("bad prompt"), false},
		{"http 400", &HTTPError{Status: 400}, false},
		{"http 401", &HTTPError{Status: 401}, false},
		{"http 408", &HTTPError{Status: 408}, true},
		{"http 429", &HTTPError{Status: 429}, true},
		{"http 500", &HTTPError{Status: 500}, true},
		{"http 502", &HTTPError{Status: 502}, true},
		{"http 503", &HTTPError{Status: 503}, true},
		{"http 504", &HTTPError{Status: 504}, true},
		{"network timeout", timeoutErr{}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped http error", errors.Join(errors.New("call failed"), &HTTPError{Status: 503}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{Status: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := Config{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	permanent := errors.New("invalid api key")
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustionReturnsLastError(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	last := &HTTPError{Status: 502, Msg: "bad gateway"}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return last
	})
	assert.Equal(t, 3, calls) // first attempt + 2 retries
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Same(t, last, httpErr) // unchanged, not wrapped
}

func TestDoCancelledSleepReturnsContextError(t *testing.T) {
	cfg := Config{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, cfg, func(context.Context) error {
		return &HTTPError{Status: 503}
	})
	// Cancellation wins over the transient error.
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	cfg := Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}

	calls := 0
	v, err := DoValue(context.Background(), cfg, func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", &HTTPError{Status: 429}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDelayForBounds(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}.withDefaults()
	transient := &HTTPError{Status: 500}

	// For every attempt: base <= delay <= cap * 1.25.
	for attempt := 0; attempt < 10; attempt++ {
		base := float64(cfg.InitialDelay) * pow(cfg.Multiplier, attempt)
		if base > float64(cfg.MaxDelay) {
			base = float64(cfg.MaxDelay)
		}
		for range 50 {
			d := cfg.delayFor(attempt, transient)
			assert.GreaterOrEqual(t, float64(d), base, "attempt %d: jitter must never subtract", attempt)
			assert.LessOrEqual(t, float64(d), base*1.25+1, "attempt %d: delay exceeds cap plus max jitter", attempt)
		}
	}
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for range exp {
		out *= base
	}
	return out
}

func TestDelayForHonorsRetryAfterHint(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}.withDefaults()

	hinted := &HTTPError{Status: 429, RetryAfter: 2 * time.Second}
	d := cfg.delayFor(0, hinted)
	assert.Equal(t, 2*time.Second, d, "server hint must override shorter computed backoff")

	// A hint shorter than the computed backoff does not reduce the delay.
	long := Config{InitialDelay: time.Minute, MaxDelay: time.Minute, Multiplier: 2}.withDefaults()
	d = long.delayFor(0, &HTTPError{Status: 429, RetryAfter: time.Second})
	assert.GreaterOrEqual(t, d, time.Minute)
}

func TestDelayForHonorsRateLimitResetHint(t *testing.T) {
	cfg := Config{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}.withDefaults()

	reset := time.Now().Add(3 * time.Second)
	d := cfg.delayFor(0, &HTTPError{Status: 429, RateLimitReset: reset})
	assert.Greater(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 3*time.Second)

	// A reset time in the past contributes nothing.
	d = cfg.delayFor(0, &HTTPError{Status: 429, RateLimitReset: time.Now().Add(-time.Minute)})
	assert.Less(t, d, 100*time.Millisecond)
}

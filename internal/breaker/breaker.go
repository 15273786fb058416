// Package breaker implements a per-target circuit breaker.
//
// Lifecycle: a breaker is created closed; it opens after a configured
// number of consecutive failures; after the reset timeout it admits a
// probe in half-open state; consecutive probe successes close it again,
// and any probe failure reopens it. While open, calls fail fast with
// ErrOpen and the protected operation is never invoked.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Execute while the breaker is open and cooling
// down. It is distinct from the protected operation's own errors so
// callers can skip straight to a fallback target.
var ErrOpen = errors.New("breaker: circuit open")

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes it again.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before admitting
	// a half-open probe.
	ResetTimeout time.Duration
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Transition describes one observable state change.
type Transition struct {
	Target string
	From   State
	To     State
	At     time.Time
}

// Breaker is the state machine for one protected target.
// Safe for concurrent use.
type Breaker struct {
	target string
	cfg    Config
	onMove func(Transition)

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailure  time.Time

	now func() time.Time // injectable for tests
}

// New creates a closed breaker for target. onMove, when non-nil, observes
// state transitions; it runs synchronously under the breaker lock and
// must not block.
func New(target string, cfg Config, onMove func(Transition)) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	return &Breaker{
		target: target,
		cfg:    cfg,
		onMove: onMove,
		state:  StateClosed,
		now:    time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op under the breaker. While open and inside the reset
// window it returns ErrOpen without invoking op. The returned error is
// op's own error otherwise.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.Observe(err == nil)
	return err
}

// Allow reports whether a call may proceed right now. It performs the
// open → half-open transition when the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) < b.cfg.ResetTimeout {
		return ErrOpen
	}
	b.move(StateHalfOpen)
	b.successes = 0
	return nil
}

// Observe records the outcome of a call admitted by Allow.
func (b *Breaker) Observe(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.move(StateClosed)
				b.successes = 0
			}
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.move(StateOpen)
		b.successes = 0
	}
}

// move transitions state and notifies the observer. Caller holds b.mu.
func (b *Breaker) move(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onMove != nil {
		b.onMove(Transition{Target: b.target, From: from, To: to, At: b.now()})
	}
}

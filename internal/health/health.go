// Package health maintains the mutable per-model health registry consulted
// before every routing decision and updated after every call.
//
// Each model's entry is guarded by its own mutex so the read-modify-write
// on the running latency average is race-free without a lock spanning
// unrelated models.
package health

import (
	"sync"
	"time"

	"github.com/repopulse/relay/internal/breaker"
	"github.com/repopulse/relay/internal/model"
)

// Status derivation thresholds. A model with too few observations stays
// unknown rather than being judged on noise.
const (
	minObservations      = 5
	availableSuccessRate = 0.90
	degradedSuccessRate  = 0.50
)

// entry is the mutable health state for one model.
type entry struct {
	mu sync.Mutex

	avgLatency   time.Duration
	total        int64
	failed       int64
	circuitState breaker.State
	updatedAt    time.Time
}

// Registry tracks health for every model seen so far.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time // injectable for tests
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (r *Registry) entryFor(modelID string) *entry {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[modelID]; ok {
		return e
	}
	e = &entry{circuitState: breaker.StateClosed}
	r.entries[modelID] = e
	return e
}

// Record folds one call outcome into the model's health. The running
// latency average uses the post-increment count:
// newAvg = (oldAvg*(n-1) + latency) / n.
func (r *Registry) Record(modelID string, success bool, latency time.Duration) {
	e := r.entryFor(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total++
	if !success {
		e.failed++
	}
	if latency > 0 {
		n := e.total
		e.avgLatency = time.Duration((int64(e.avgLatency)*(n-1) + int64(latency)) / n)
	}
	e.updatedAt = r.now()
}

// SetCircuitState mirrors the breaker's state into the health record so
// selection can skip open targets without consulting the breaker.
func (r *Registry) SetCircuitState(modelID string, state breaker.State) {
	e := r.entryFor(modelID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.circuitState = state
	e.updatedAt = r.now()
}

// Status returns the derived availability for modelID. Models never seen
// report unknown.
func (r *Registry) Status(modelID string) model.AvailabilityStatus {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if !ok {
		return model.StatusUnknown
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status()
}

// status derives availability. Caller holds e.mu.
func (e *entry) status() model.AvailabilityStatus {
	if e.circuitState == breaker.StateOpen {
		return model.StatusUnavailable
	}
	if e.total < minObservations {
		return model.StatusUnknown
	}
	rate := e.successRate()
	switch {
	case rate >= availableSuccessRate:
		return model.StatusAvailable
	case rate >= degradedSuccessRate:
		return model.StatusDegraded
	default:
		return model.StatusUnavailable
	}
}

// successRate computes the success proportion. Caller holds e.mu.
func (e *entry) successRate() float64 {
	if e.total == 0 {
		return 1
	}
	return float64(e.total-e.failed) / float64(e.total)
}

// Snapshot exports the current health record for one model.
func (r *Registry) Snapshot(modelID string) model.ModelHealth {
	r.mu.RLock()
	e, ok := r.entries[modelID]
	r.mu.RUnlock()
	if !ok {
		return model.ModelHealth{ModelID: modelID, Status: model.StatusUnknown, SuccessRate: 1, CircuitState: string(breaker.StateClosed)}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return model.ModelHealth{
		ModelID:        modelID,
		Status:         e.status(),
		AvgLatency:     e.avgLatency,
		TotalRequests:  e.total,
		FailedRequests: e.failed,
		SuccessRate:    e.successRate(),
		CircuitState:   string(e.circuitState),
		UpdatedAt:      e.updatedAt,
	}
}

// Snapshots exports health records for every model seen so far.
func (r *Registry) Snapshots() []model.ModelHealth {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make([]model.ModelHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.Snapshot(id))
	}
	return out
}

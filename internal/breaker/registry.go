package breaker

import "sync"

// Registry hands out one breaker per target id. Each breaker has its own
// lock, so one target's failures never stall traffic to another.
type Registry struct {
	cfg    Config
	onMove func(Transition)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying cfg and onMove to every breaker
// it creates.
func NewRegistry(cfg Config, onMove func(Transition)) *Registry {
	return &Registry{
		cfg:      cfg,
		onMove:   onMove,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for target, creating it closed on first use.
func (r *Registry) For(target string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = New(target, r.cfg, r.onMove)
	r.breakers[target] = b
	return b
}

// States returns a snapshot of every known target's state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for target, b := range r.breakers {
		out[target] = b.State()
	}
	return out
}

package circuitbreaker

import (
	"sync"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// Registry holds one breaker per route id, created lazily on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults config.BreakerConfig

	onTransition func(routeID string, to State)
}

// NewRegistry creates a registry with the given default breaker settings.
func NewRegistry(defaults config.BreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// OnTransition registers a callback for state changes of any breaker.
func (r *Registry) OnTransition(fn func(routeID string, to State)) {
	r.onTransition = fn
}

// Get returns the breaker for routeID, creating it with the defaults.
func (r *Registry) Get(routeID string) *Breaker {
	return r.GetWith(routeID, r.defaults)
}

// GetWith returns the breaker for routeID, creating it with cfg on first
// use. Later calls return the existing breaker regardless of cfg.
func (r *Registry) GetWith(routeID string, cfg config.BreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[routeID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[routeID]; ok {
		return b
	}

	b = New(cfg)
	if r.onTransition != nil {
		id := routeID
		b.OnTransition(func(to State) { r.onTransition(id, to) })
	}
	r.breakers[routeID] = b
	return b
}

// Remove drops the breaker for routeID. Used when a route is deleted.
func (r *Registry) Remove(routeID string) {
	r.mu.Lock()
	delete(r.breakers, routeID)
	r.mu.Unlock()
}

// Snapshots returns a snapshot of every breaker, keyed by route id.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Snapshot()
	}
	return out
}

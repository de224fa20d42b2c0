package loadbalancer

import (
	"sync"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/registry"
)

// NewBalancer builds a balancer for the given policy.
func NewBalancer(cfg config.LoadBalancerConfig) Balancer {
	var inner Balancer
	switch cfg.Algorithm {
	case "random":
		inner = NewRandom()
	case "least-connections":
		inner = NewLeastConnections()
	case "weighted-response-time":
		inner = NewWeightedResponseTime()
	default:
		inner = NewRoundRobin()
	}
	if cfg.Sticky {
		return NewSticky(inner, cfg.CookieName)
	}
	return inner
}

// Manager holds one balancer per logical service.
type Manager struct {
	mu        sync.RWMutex
	balancers map[string]Balancer
	defaults  config.LoadBalancerConfig
}

// NewManager creates a manager with the given default policy.
func NewManager(defaults config.LoadBalancerConfig) *Manager {
	return &Manager{
		balancers: make(map[string]Balancer),
		defaults:  defaults,
	}
}

// Get returns the balancer for service, creating it with the default
// policy on first use.
func (m *Manager) Get(service string) Balancer {
	return m.GetWith(service, m.defaults)
}

// GetWith returns the balancer for service, creating it with cfg on first
// use. Later calls return the existing balancer regardless of cfg.
func (m *Manager) GetWith(service string, cfg config.LoadBalancerConfig) Balancer {
	m.mu.RLock()
	b, ok := m.balancers[service]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.balancers[service]; ok {
		return b
	}
	b = NewBalancer(cfg)
	m.balancers[service] = b
	return b
}

// UpdateInstances pushes a fresh registry set into the service's balancer.
// Registered as the registry cache's update callback.
func (m *Manager) UpdateInstances(service string, instances []*registry.Instance) {
	m.Get(service).UpdateInstances(instances)
}

// SetHealth marks one instance of a service healthy or unhealthy.
// Registered as the health loop's change callback.
func (m *Manager) SetHealth(service, addr string, healthy bool) {
	m.mu.RLock()
	b, ok := m.balancers[service]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if healthy {
		b.MarkHealthy(addr)
	} else {
		b.MarkUnhealthy(addr)
	}
}

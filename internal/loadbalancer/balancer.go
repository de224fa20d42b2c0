// Package loadbalancer selects upstream instances. Balancers track health
// per instance and keep a lock-free cached slice of healthy backends for
// the hot path.
package loadbalancer

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/registry"
)

// Backend wraps a registry instance with gateway-side state.
type Backend struct {
	Instance *registry.Instance

	healthy bool
	active  atomic.Int64
	// ewmaMicros holds the exponentially weighted response time in
	// microseconds; zero means no observation yet.
	ewmaMicros atomic.Uint64
}

// ewmaAlpha weights new observations; history decays at (1-alpha).
const ewmaAlpha = 0.3

// IncrActive marks a request in flight on this backend.
func (b *Backend) IncrActive() { b.active.Add(1) }

// DecrActive marks a request finished.
func (b *Backend) DecrActive() { b.active.Add(-1) }

// Active returns the in-flight request count.
func (b *Backend) Active() int64 { return b.active.Load() }

// RecordResponse folds a response time into the backend's EWMA.
func (b *Backend) RecordResponse(d time.Duration) {
	sample := uint64(d.Microseconds())
	if sample == 0 {
		sample = 1
	}
	for {
		old := b.ewmaMicros.Load()
		var next uint64
		if old == 0 {
			next = sample
		} else {
			next = uint64(ewmaAlpha*float64(sample) + (1-ewmaAlpha)*float64(old))
			if next == 0 {
				next = 1
			}
		}
		if b.ewmaMicros.CompareAndSwap(old, next) {
			return
		}
	}
}

// ResponseEWMA returns the smoothed response time in microseconds.
func (b *Backend) ResponseEWMA() uint64 { return b.ewmaMicros.Load() }

// Balancer picks a healthy backend for a request.
type Balancer interface {
	// Pick returns the backend for this request, or nil when no healthy
	// instance exists.
	Pick(r *http.Request) *Backend
	// UpdateInstances replaces the instance set, preserving health and
	// counters for instances that survive.
	UpdateInstances(instances []*registry.Instance)
	// MarkHealthy flags the instance with the given host:port healthy.
	MarkHealthy(addr string)
	// MarkUnhealthy flags the instance with the given host:port unhealthy.
	MarkUnhealthy(addr string)
	// Backends returns all backends, healthy or not.
	Backends() []*Backend
	// HealthyCount returns the number of healthy backends.
	HealthyCount() int
}

// baseBalancer carries the shared backend bookkeeping.
type baseBalancer struct {
	mu            sync.RWMutex
	backends      []*Backend
	addrIndex     map[string]int // addr -> index for O(1) health marks
	cachedHealthy atomic.Value   // []*Backend, rebuilt on changes
}

// rebuildLocked refreshes the index and the healthy cache. Caller holds
// the write lock.
func (b *baseBalancer) rebuildLocked() {
	b.addrIndex = make(map[string]int, len(b.backends))
	healthy := make([]*Backend, 0, len(b.backends))
	for i, be := range b.backends {
		b.addrIndex[be.Instance.Addr()] = i
		if be.healthy {
			healthy = append(healthy, be)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// healthyBackends returns the cached healthy slice without locking.
func (b *baseBalancer) healthyBackends() []*Backend {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Backend)
	}
	return nil
}

func (b *baseBalancer) UpdateInstances(instances []*registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*Backend, 0, len(instances))
	for _, inst := range instances {
		if idx, ok := b.addrIndex[inst.Addr()]; ok {
			// Keep the existing backend so counters and EWMA survive
			old := b.backends[idx]
			old.Instance = inst
			next = append(next, old)
		} else {
			next = append(next, &Backend{Instance: inst, healthy: true})
		}
	}
	b.backends = next
	b.rebuildLocked()
}

func (b *baseBalancer) MarkHealthy(addr string)   { b.setHealth(addr, true) }
func (b *baseBalancer) MarkUnhealthy(addr string) { b.setHealth(addr, false) }

func (b *baseBalancer) setHealth(addr string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.addrIndex[addr]
	if !ok || b.backends[idx].healthy == healthy {
		return
	}
	b.backends[idx].healthy = healthy
	b.rebuildLocked()
}

func (b *baseBalancer) Backends() []*Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Backend, len(b.backends))
	copy(out, b.backends)
	return out
}

func (b *baseBalancer) HealthyCount() int {
	return len(b.healthyBackends())
}

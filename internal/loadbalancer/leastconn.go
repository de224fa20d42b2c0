package loadbalancer

import (
	"net/http"
	"sync/atomic"
)

// LeastConnections picks the healthy backend with the fewest in-flight
// requests. Ties rotate round-robin so idle backends share load evenly.
type LeastConnections struct {
	baseBalancer
	counter atomic.Uint64
}

// NewLeastConnections creates a least-connections balancer.
func NewLeastConnections() *LeastConnections {
	return &LeastConnections{}
}

func (lc *LeastConnections) Pick(_ *http.Request) *Backend {
	healthy := lc.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}

	min := healthy[0].Active()
	ties := 1
	for _, be := range healthy[1:] {
		if a := be.Active(); a < min {
			min = a
			ties = 1
		} else if a == min {
			ties++
		}
	}

	// Rotate among the tied backends
	nth := int((lc.counter.Add(1) - 1) % uint64(ties))
	for _, be := range healthy {
		if be.Active() == min {
			if nth == 0 {
				return be
			}
			nth--
		}
	}
	return healthy[0]
}

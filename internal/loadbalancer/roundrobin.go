package loadbalancer

import (
	"net/http"
	"sync/atomic"
)

// RoundRobin cycles through healthy backends with an atomic counter.
type RoundRobin struct {
	baseBalancer
	counter atomic.Uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (rr *RoundRobin) Pick(_ *http.Request) *Backend {
	healthy := rr.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	idx := (rr.counter.Add(1) - 1) % uint64(len(healthy))
	return healthy[idx]
}

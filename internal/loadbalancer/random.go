package loadbalancer

import (
	"math/rand"
	"net/http"
)

// Random picks a healthy backend uniformly at random.
type Random struct {
	baseBalancer
}

// NewRandom creates a random balancer.
func NewRandom() *Random {
	return &Random{}
}

func (rb *Random) Pick(_ *http.Request) *Backend {
	healthy := rb.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	return healthy[rand.Intn(len(healthy))]
}

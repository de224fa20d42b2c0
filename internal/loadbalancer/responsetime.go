package loadbalancer

import (
	"math/rand"
	"net/http"
)

// WeightedResponseTime weights backends inversely to their smoothed
// response time: a backend twice as fast receives twice the traffic.
// Backends with no observations yet get the mean weight so cold starts
// are not starved or flooded.
type WeightedResponseTime struct {
	baseBalancer
}

// NewWeightedResponseTime creates a response-time weighted balancer.
func NewWeightedResponseTime() *WeightedResponseTime {
	return &WeightedResponseTime{}
}

func (wrt *WeightedResponseTime) Pick(_ *http.Request) *Backend {
	healthy := wrt.healthyBackends()
	switch len(healthy) {
	case 0:
		return nil
	case 1:
		return healthy[0]
	}

	weights := make([]float64, len(healthy))
	var total float64
	var observed float64
	var count int
	for i, be := range healthy {
		if ewma := be.ResponseEWMA(); ewma > 0 {
			weights[i] = 1e6 / float64(ewma)
			observed += weights[i]
			count++
		}
	}

	// Unobserved backends take the mean observed weight, or 1 if nothing
	// has been measured yet.
	mean := 1.0
	if count > 0 {
		mean = observed / float64(count)
	}
	for i := range weights {
		if weights[i] == 0 {
			weights[i] = mean
		}
		total += weights[i]
	}

	target := rand.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return healthy[i]
		}
	}
	return healthy[len(healthy)-1]
}

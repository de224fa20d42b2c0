package loadbalancer

import (
	"net/http"

	"github.com/cespare/xxhash/v2"
)

// Sticky pins sessions to backends by hashing the session cookie onto the
// healthy set. The mapping reshards when the instance set changes, so a
// session may move after scale events; requests without the cookie fall
// through to the inner balancer.
type Sticky struct {
	Balancer
	cookieName string
}

// NewSticky wraps inner with cookie-based session affinity.
func NewSticky(inner Balancer, cookieName string) *Sticky {
	if cookieName == "" {
		cookieName = "JSESSIONID"
	}
	return &Sticky{Balancer: inner, cookieName: cookieName}
}

func (s *Sticky) Pick(r *http.Request) *Backend {
	if r != nil {
		if cookie, err := r.Cookie(s.cookieName); err == nil && cookie.Value != "" {
			if be := s.pickByHash(cookie.Value); be != nil {
				return be
			}
		}
	}
	return s.Balancer.Pick(r)
}

func (s *Sticky) pickByHash(session string) *Backend {
	base, ok := s.Balancer.(interface{ healthyBackends() []*Backend })
	if !ok {
		return nil
	}
	healthy := base.healthyBackends()
	if len(healthy) == 0 {
		return nil
	}
	idx := xxhash.Sum64String(session) % uint64(len(healthy))
	return healthy[idx]
}

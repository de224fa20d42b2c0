// Package router matches requests against the route table and selects an
// upstream target for the winning route.
package router

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/loadbalancer"
	"github.com/portcullis-proxy/portcullis/internal/registry"
	"github.com/portcullis-proxy/portcullis/internal/route"
)

// Resolution is the outcome of route resolution: the route plus a concrete
// upstream target.
type Resolution struct {
	Route *route.Route
	// Backend is set for service-backed routes; nil for literal targets.
	Backend *loadbalancer.Backend
	// TargetURL is the upstream base URL for this request.
	TargetURL string
	// Fallback marks an internal forward to the route's fallback target.
	// The forwarder sends the target path as-is and suppresses no 5xx.
	Fallback bool
}

// Resolver matches requests and picks instances.
type Resolver struct {
	store     *route.Store
	balancers *loadbalancer.Manager
	cache     *registry.Cache
}

// New creates a resolver over the route store, balancer manager, and
// registry cache.
func New(store *route.Store, balancers *loadbalancer.Manager, cache *registry.Cache) *Resolver {
	return &Resolver{store: store, balancers: balancers, cache: cache}
}

// Match scans the current snapshot in priority order and returns the first
// route whose predicates all match. Inactive and disabled routes never
// match; maintenance routes do (the caller turns them into 503s).
func (rs *Resolver) Match(method, path string, header http.Header) *route.Route {
	snap := rs.store.Snapshot()
	for _, r := range snap.Routes {
		switch r.Status {
		case route.StatusInactive, route.StatusDisabled:
			continue
		}
		if r.Matches(method, path, header) {
			return r
		}
	}
	return nil
}

// Resolve matches the request and selects an upstream instance.
func (rs *Resolver) Resolve(r *http.Request) (*Resolution, error) {
	matched := rs.Match(r.Method, r.URL.Path, r.Header)
	if matched == nil {
		return nil, errors.New(errors.KindNoRoute, "No route matches the request")
	}
	if matched.Status == route.StatusMaintenance {
		return nil, errors.New(errors.KindNoHealthyInstance, "Route is under maintenance")
	}

	if matched.Target != "" {
		return &Resolution{Route: matched, TargetURL: matched.Target}, nil
	}

	// Service route: refuse a stale registry view before consulting the
	// balancer, so traffic never lands on long-gone instances.
	if rs.cache != nil {
		if _, err := rs.cache.Instances(matched.Service); err != nil {
			return nil, errors.Wrap(err, errors.KindNoHealthyInstance,
				"No healthy instances for "+matched.Service)
		}
	}

	balancer := rs.balancerFor(matched)
	backend := balancer.Pick(r)
	if backend == nil {
		return nil, errors.New(errors.KindNoHealthyInstance,
			"No healthy instances for "+matched.Service)
	}
	return &Resolution{
		Route:     matched,
		Backend:   backend,
		TargetURL: backend.Instance.URL(),
	}, nil
}

// PickAnother returns a fresh instance selection for a retry attempt.
func (rs *Resolver) PickAnother(res *Resolution, r *http.Request) *Resolution {
	if res.Route.Service == "" {
		return res
	}
	backend := rs.balancerFor(res.Route).Pick(r)
	if backend == nil {
		return nil
	}
	return &Resolution{
		Route:     res.Route,
		Backend:   backend,
		TargetURL: backend.Instance.URL(),
	}
}

// ResolveFallback targets the route's fallback URI. A relative URI
// resolves against the route's literal target, or against a healthy
// instance of its service.
func (rs *Resolver) ResolveFallback(matched *route.Route, r *http.Request) (*Resolution, error) {
	fb := matched.FallbackURI
	if fb == "" {
		return nil, errors.New(errors.KindInternal, "Route has no fallback target")
	}
	if !strings.HasPrefix(fb, "/") {
		return &Resolution{Route: matched, TargetURL: fb, Fallback: true}, nil
	}

	base := matched.Target
	if base == "" {
		backend := rs.balancerFor(matched).Pick(r)
		if backend == nil {
			return nil, errors.New(errors.KindNoHealthyInstance,
				"No healthy instances for "+matched.Service)
		}
		base = backend.Instance.URL()
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "Invalid upstream URL")
	}
	u.Path = fb
	u.RawQuery = ""
	return &Resolution{Route: matched, TargetURL: u.String(), Fallback: true}, nil
}

func (rs *Resolver) balancerFor(matched *route.Route) loadbalancer.Balancer {
	if matched.Definition.LoadBalancer != nil {
		return rs.balancers.GetWith(matched.Service, *matched.Definition.LoadBalancer)
	}
	return rs.balancers.Get(matched.Service)
}

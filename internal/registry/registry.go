// Package registry resolves logical service names to instance sets. A
// Source fetches instances from a backend (static config or Consul); the
// Cache publishes them atomically so resolvers never see a partial set.
package registry

import (
	"context"
	"errors"
	"strconv"
)

// Instance is one addressable copy of a service.
type Instance struct {
	Service string `json:"service"`
	ID      string `json:"id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Scheme  string `json:"scheme"`
	Weight  int    `json:"weight"`
}

// URL returns the instance base URL.
func (i *Instance) URL() string {
	scheme := i.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + i.Host + ":" + strconv.Itoa(i.Port)
}

// Addr returns host:port, the instance's identity for health tracking.
func (i *Instance) Addr() string {
	return i.Host + ":" + strconv.Itoa(i.Port)
}

// Source fetches the current instance set of a service.
type Source interface {
	Fetch(ctx context.Context, service string) ([]*Instance, error)
	Close() error
}

// ErrUnknownService is returned for services the registry has never seen.
var ErrUnknownService = errors.New("registry: unknown service")

// ErrStaleInstances is returned when the cached set has outlived the
// staleness threshold and must not be served.
var ErrStaleInstances = errors.New("registry: instance set is stale")

package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/config"
)

// newTransport builds an upstream transport from timeout settings.
// Connect bounds dialing, Read bounds waiting for response headers.
func newTransport(t config.TimeoutConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   t.Connect,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: t.Read,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// TransportPool hands out one shared transport per distinct timeout
// policy: routes without overrides share the default, routes with
// overrides get a lazily built transport of their own.
type TransportPool struct {
	defaults config.TimeoutConfig

	mu               sync.Mutex
	defaultTransport *http.Transport
	transports       map[string]*http.Transport
}

// NewTransportPool creates a pool whose default transport follows the
// gateway-wide timeout config.
func NewTransportPool(defaults config.TimeoutConfig) *TransportPool {
	return &TransportPool{
		defaults:         defaults,
		defaultTransport: newTransport(defaults),
		transports:       make(map[string]*http.Transport),
	}
}

// Get returns the transport for a route. Routes without a timeout
// override share the default transport.
func (tp *TransportPool) Get(routeID string, override *config.TimeoutConfig) *http.Transport {
	if override == nil {
		return tp.defaultTransport
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()
	if t, ok := tp.transports[routeID]; ok {
		return t
	}

	merged := tp.defaults
	if override.Connect > 0 {
		merged.Connect = override.Connect
	}
	if override.Read > 0 {
		merged.Read = override.Read
	}
	t := newTransport(merged)
	tp.transports[routeID] = t
	return t
}

// Drop releases a route's dedicated transport, closing its idle
// connections. Called when a route is removed or its policy changes.
func (tp *TransportPool) Drop(routeID string) {
	tp.mu.Lock()
	t, ok := tp.transports[routeID]
	delete(tp.transports, routeID)
	tp.mu.Unlock()
	if ok {
		t.CloseIdleConnections()
	}
}

// CloseIdleConnections closes idle connections on every transport.
func (tp *TransportPool) CloseIdleConnections() {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.defaultTransport.CloseIdleConnections()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}

// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway metric families on a private registry so tests
// can create collectors without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamDuration *prometheus.HistogramVec

	rateLimitDenied        *prometheus.CounterVec
	rateLimitStoreFailures prometheus.Counter

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerRejected    *prometheus.CounterVec

	retriesTotal    *prometheus.CounterVec
	instanceHealthy *prometheus.GaugeVec
	activeRequests  prometheus.Gauge
}

// NewCollector creates and registers all metric families.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Completed requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End to end request duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_duration_seconds",
			Help:    "Upstream call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limit_denied_total",
			Help: "Requests denied by the rate limiter, by dimension.",
		}, []string{"dimension", "algorithm"}),
		rateLimitStoreFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rate_limit_store_failures_total",
			Help: "Rate limit store errors that caused a fail-open admit.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open).",
		}, []string{"route"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"route", "to"}),
		breakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejected_total",
			Help: "Requests rejected by an open circuit breaker.",
		}, []string{"route"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Upstream retry attempts.",
		}, []string{"route"}),
		instanceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_instance_healthy",
			Help: "Instance health (0=unhealthy, 1=healthy).",
		}, []string{"service", "instance"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Requests currently in flight.",
		}),
	}

	reg.MustRegister(
		c.requestsTotal, c.requestDuration, c.upstreamDuration,
		c.rateLimitDenied, c.rateLimitStoreFailures,
		c.breakerState, c.breakerTransitions, c.breakerRejected,
		c.retriesTotal, c.instanceHealthy, c.activeRequests,
	)
	return c
}

// Handler returns the /metrics exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordRequest(route, method string, status int, total, upstream time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(total.Seconds())
	if upstream > 0 {
		c.upstreamDuration.WithLabelValues(route).Observe(upstream.Seconds())
	}
}

func (c *Collector) RecordRateLimitDenied(dimension, algorithm string) {
	c.rateLimitDenied.WithLabelValues(dimension, algorithm).Inc()
}

func (c *Collector) RecordRateLimitStoreFailure() {
	c.rateLimitStoreFailures.Inc()
}

func (c *Collector) SetBreakerState(route string, state int) {
	c.breakerState.WithLabelValues(route).Set(float64(state))
}

func (c *Collector) RecordBreakerTransition(route, to string) {
	c.breakerTransitions.WithLabelValues(route, to).Inc()
}

func (c *Collector) RecordBreakerRejected(route string) {
	c.breakerRejected.WithLabelValues(route).Inc()
}

func (c *Collector) RecordRetry(route string) {
	c.retriesTotal.WithLabelValues(route).Inc()
}

func (c *Collector) SetInstanceHealthy(service, instance string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.instanceHealthy.WithLabelValues(service, instance).Set(v)
}

func (c *Collector) RequestStarted() { c.activeRequests.Inc() }
func (c *Collector) RequestDone()    { c.activeRequests.Dec() }

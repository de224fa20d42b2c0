// Package gateway runs the request pipeline: trace start, client
// identification, rate limiting, authentication, breaker admission,
// route resolution, forwarding, breaker recording, trace completion.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/auth"
	"github.com/portcullis-proxy/portcullis/internal/circuitbreaker"
	"github.com/portcullis-proxy/portcullis/internal/clientinfo"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/proxy"
	"github.com/portcullis-proxy/portcullis/internal/ratelimit"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
	"github.com/portcullis-proxy/portcullis/internal/route"
	"github.com/portcullis-proxy/portcullis/internal/router"
	"github.com/portcullis-proxy/portcullis/internal/trace"
)

// Gateway is the ingress handler.
type Gateway struct {
	identifier *clientinfo.Identifier
	limiter    *ratelimit.Engine
	verifier   *auth.Verifier
	breakers   *circuitbreaker.Registry
	resolver   *router.Resolver
	forwarder  *proxy.Forwarder
	recorder   *trace.Recorder
	collector  *metrics.Collector

	maxBodyBytes int64
}

// Options wires the pipeline stages into the gateway.
type Options struct {
	Identifier *clientinfo.Identifier
	Limiter    *ratelimit.Engine
	Verifier   *auth.Verifier
	Breakers   *circuitbreaker.Registry
	Resolver   *router.Resolver
	Forwarder  *proxy.Forwarder
	Recorder   *trace.Recorder
	Collector  *metrics.Collector

	MaxBodyBytes int64
}

// New assembles the gateway pipeline.
func New(opts Options) *Gateway {
	return &Gateway{
		identifier:   opts.Identifier,
		limiter:      opts.Limiter,
		verifier:     opts.Verifier,
		breakers:     opts.Breakers,
		resolver:     opts.Resolver,
		forwarder:    opts.Forwarder,
		recorder:     opts.Recorder,
		collector:    opts.Collector,
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

const selfHealthPath = "/actuator/health"

// isSelfHealth reports whether the path is answered by the gateway itself
// instead of being proxied.
func isSelfHealth(path string) bool {
	return path == selfHealthPath || path == "/api/health"
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isSelfHealth(r.URL.Path) {
		h := w.Header()
		h.Set(reqctx.TraceHeader, reqctx.TraceIDFor(r))
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "public, max-age=30")
		w.Write([]byte(`{"status":"UP"}` + "\n"))
		return
	}

	g.collector.RequestStarted()
	defer g.collector.RequestDone()

	rc := reqctx.New(r)
	defer reqctx.Release(rc)

	rw := &responseWriter{ResponseWriter: w, rc: rc}

	h := rw.Header()
	h.Set(reqctx.TraceHeader, rc.TraceID)
	setSecurityHeaders(h, r.TLS != nil)
	h.Set("Cache-Control", cacheControlFor(r.URL.Path))

	if g.maxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(rw, r.Body, g.maxBodyBytes)
	}

	g.recorder.Begin(rc)
	defer g.recorder.Complete(rc)

	client := g.identifier.Identify(r)
	rc.Client = &client

	ctx := r.Context()

	if dec := g.limiter.Check(ctx, rc); dec != nil {
		rc.WithRateDecision(dec)
		setRateHeaders(h, dec)
		if !dec.Allowed {
			g.fail(rw, rc, errors.New(errors.KindRateLimited, "Rate limit exceeded"))
			return
		}
	}

	if err := g.verifier.Verify(ctx, rc, r); err != nil {
		g.fail(rw, rc, errors.AsGatewayError(err))
		return
	}

	res, err := g.resolver.Resolve(r)
	if err != nil {
		g.fail(rw, rc, errors.AsGatewayError(err))
		return
	}
	rc.RouteID = res.Route.ID

	breaker := g.breakerFor(res.Route)
	admission := breaker.Allow()
	rc.BreakerDecision = &reqctx.BreakerDecision{
		RouteID:  res.Route.ID,
		Admitted: admission.Admitted,
		State:    admission.State.String(),
		RetryIn:  admission.RetryIn,
	}
	if !admission.Admitted {
		g.collector.RecordBreakerRejected(res.Route.ID)
		if res.Route.FallbackURI != "" {
			g.forwardFallback(rw, r, rc, res.Route)
			return
		}
		g.fail(rw, rc, errors.New(errors.KindBreakerOpen, "Service temporarily unavailable"))
		return
	}

	result, ferr := g.forwarder.Forward(rw, r, rc, res)

	// A client that disconnected mid-flight says nothing about upstream
	// health, so the breaker sees neither success nor failure.
	if ctx.Err() == context.Canceled {
		rc.StatusCode = statusClientClosed
		rc.Mark(reqctx.OutcomeClientCancelled)
		g.collector.RecordRequest(res.Route.ID, rc.Method, statusClientClosed, rc.Duration, result.UpstreamTime)
		return
	}

	if ferr != nil {
		ge := errors.AsGatewayError(ferr)
		// Client-side failures (oversized body, unreadable body) never
		// count against the upstream.
		if isUpstreamFailure(ge.Kind()) {
			breaker.Record(result.UpstreamTime, true)
			if res.Route.FallbackURI != "" {
				g.forwardFallback(rw, r, rc, res.Route)
				return
			}
		}
		g.fail(rw, rc, ge)
		return
	}

	breaker.Record(result.UpstreamTime, result.Failed())

	rc.Mark(reqctx.OutcomeCompleted)
	g.collector.RecordRequest(res.Route.ID, rc.Method, result.StatusCode, rc.Duration, result.UpstreamTime)
}

// statusClientClosed follows the nginx convention for a client that
// closed the connection before the response was written.
const statusClientClosed = 499

func (g *Gateway) breakerFor(matched *route.Route) *circuitbreaker.Breaker {
	if matched.Definition.Breaker != nil {
		return g.breakers.GetWith(matched.ID, *matched.Definition.Breaker)
	}
	return g.breakers.Get(matched.ID)
}

// forwardFallback re-targets the request at the route's fallback URI.
// Fallback exchanges never feed the breaker.
func (g *Gateway) forwardFallback(w *responseWriter, r *http.Request, rc *reqctx.Context, matched *route.Route) {
	res, err := g.resolver.ResolveFallback(matched, r)
	if err != nil {
		g.fail(w, rc, errors.AsGatewayError(err))
		return
	}
	result, err := g.forwarder.Forward(w, r, rc, res)
	if err != nil {
		g.fail(w, rc, errors.AsGatewayError(err))
		return
	}
	rc.Mark(reqctx.OutcomeCompleted)
	g.collector.RecordRequest(matched.ID, rc.Method, result.StatusCode, rc.Duration, result.UpstreamTime)
}

// fail terminates the request with a JSON error envelope.
func (g *Gateway) fail(w *responseWriter, rc *reqctx.Context, ge *errors.GatewayError) {
	ge = ge.WithTraceID(rc.TraceID)

	if ge.Kind() == errors.KindRateLimited && rc.RateDecision != nil {
		dec := rc.RateDecision
		retryAfter := retryAfterSeconds(time.Until(dec.ResetAt))
		ge = ge.WithRateLimit(dec.Dimension, dec.Algorithm, dec.Remaining, dec.ResetAt.Unix(), retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	if ge.Kind() == errors.KindBreakerOpen && rc.BreakerDecision != nil && rc.BreakerDecision.RetryIn > 0 {
		retryAfter := retryAfterSeconds(rc.BreakerDecision.RetryIn)
		ge = ge.WithRetryAfter(retryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	rc.StatusCode = ge.Code
	if ge.Kind() == errors.KindUpstreamTimeout {
		rc.Mark(reqctx.OutcomeTimeout)
	} else {
		rc.Mark(reqctx.OutcomeFailed)
	}

	ge.WriteJSON(w)

	routeLabel := rc.RouteID
	if routeLabel == "" {
		routeLabel = "none"
	}
	g.collector.RecordRequest(routeLabel, rc.Method, ge.Code, rc.Duration, rc.UpstreamTime)
}

func isUpstreamFailure(k errors.Kind) bool {
	return k == errors.KindUpstreamError || k == errors.KindUpstreamTimeout
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func setRateHeaders(h http.Header, dec *reqctx.RateDecision) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	h.Set("X-RateLimit-Type", dec.Dimension)
	h.Set("X-RateLimit-Algorithm", dec.Algorithm)
}

func setSecurityHeaders(h http.Header, tls bool) {
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Content-Security-Policy", "default-src 'self'")
	if tls {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

func cacheControlFor(path string) string {
	switch {
	case strings.HasPrefix(path, "/api/admin/") || strings.HasPrefix(path, "/api/auth/"):
		return "no-store"
	case strings.HasPrefix(path, "/api/health") || path == selfHealthPath || strings.HasPrefix(path, "/metrics"):
		return "public, max-age=30"
	default:
		return "no-cache"
	}
}

// responseWriter stamps X-Response-Time when the status line is written
// and captures the status for accounting.
type responseWriter struct {
	http.ResponseWriter
	rc          *reqctx.Context
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	w.Header().Set("X-Response-Time", time.Since(w.rc.ReceivedAt).String())
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

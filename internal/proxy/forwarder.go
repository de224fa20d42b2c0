// Package proxy forwards admitted requests to their resolved upstream,
// retrying idempotent calls against fresh instances and streaming the
// response back to the client.
package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
	"github.com/portcullis-proxy/portcullis/internal/route"
	"github.com/portcullis-proxy/portcullis/internal/router"
)

// Result summarizes one forwarding exchange for the breaker and trace
// recorder. StatusCode is zero when no upstream response was received.
type Result struct {
	StatusCode   int
	Attempts     int
	UpstreamTime time.Duration
	UpstreamAddr string
}

// Failed reports whether the exchange counts against the breaker.
func (res *Result) Failed() bool {
	return res.StatusCode == 0 || res.StatusCode >= 500
}

// Forwarder sends requests upstream.
type Forwarder struct {
	resolver  *router.Resolver
	pool      *TransportPool
	collector *metrics.Collector
	timeouts  config.TimeoutConfig
	retry     config.RetryConfig
}

// New creates a forwarder with gateway-wide timeout and retry defaults.
func New(resolver *router.Resolver, pool *TransportPool, collector *metrics.Collector, timeouts config.TimeoutConfig, retry config.RetryConfig) *Forwarder {
	return &Forwarder{
		resolver:  resolver,
		pool:      pool,
		collector: collector,
		timeouts:  timeouts,
		retry:     retry,
	}
}

// Forward sends the request to the resolved upstream and streams the
// response to w. On failure nothing has been written to w and the
// returned error carries the downstream status. The Result is non-nil
// either way so the caller can feed the breaker.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, rc *reqctx.Context, res *router.Resolution) (*Result, error) {
	matched := res.Route
	timeouts := f.effectiveTimeouts(matched)
	retryPolicy := f.effectiveRetry(matched)

	ctx := r.Context()
	if _, has := ctx.Deadline(); !has && timeouts.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeouts.Request)
		defer cancel()
	}

	maxAttempts := retryPolicy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := isIdempotent(r.Method)

	// Retrying a request with a body needs a replayable copy. The body is
	// already capped by the ingress size limit.
	var bodyBytes []byte
	if retryable && maxAttempts > 1 && r.Body != nil && r.ContentLength != 0 {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		if err != nil {
			result := &Result{Attempts: 1}
			var mbe *http.MaxBytesError
			if stderrors.As(err, &mbe) {
				return result, errors.ErrRequestEntityTooLarge
			}
			return result, errors.Wrap(err, errors.KindInvalidRequest, "Failed to read request body")
		}
	}

	transport := f.pool.Get(matched.ID, matched.Definition.Timeouts)
	bo := newBackoff(retryPolicy)

	result := &Result{}
	current := res
	start := time.Now()

	var resp *http.Response
	var lastErr error
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt
		result.UpstreamAddr = current.TargetURL

		target, err := url.Parse(current.TargetURL)
		if err != nil {
			result.UpstreamTime = time.Since(start)
			return result, errors.Wrap(err, errors.KindUpstreamError, "Invalid upstream URL")
		}

		outReq := f.buildRequest(ctx, r, rc, matched, target, res.Fallback)
		if bodyBytes != nil {
			outReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			outReq.ContentLength = int64(len(bodyBytes))
		}

		backend := current.Backend
		if backend != nil {
			backend.IncrActive()
		}
		attemptStart := time.Now()
		resp, lastErr = transport.RoundTrip(outReq)
		latency := time.Since(attemptStart)
		if backend != nil {
			backend.DecrActive()
			backend.RecordResponse(latency)
		}

		if lastErr == nil && !containsInt(retryPolicy.RetryableStatusCodes, resp.StatusCode) {
			break
		}
		if !retryable || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}

		// Release the failed response before retrying.
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if ctx.Err() != nil {
			break
		}

		f.collector.RecordRetry(matched.ID)
		logging.Debug("retrying upstream request",
			zap.String("route", matched.ID),
			zap.String("trace_id", rc.TraceID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))

		// Fallback targets are fixed; everything else retries against a
		// fresh instance selection.
		if !res.Fallback {
			if next := f.resolver.PickAnother(current, r); next != nil {
				current = next
			}
		}
	}
	result.UpstreamTime = time.Since(start)
	rc.UpstreamAddr = result.UpstreamAddr
	rc.UpstreamTime = result.UpstreamTime

	if lastErr != nil {
		return result, classifyTransportError(lastErr)
	}
	// The previous response was released for a retry that never started:
	// the context was cancelled or hit its deadline during the backoff wait.
	if resp == nil {
		return result, classifyTransportError(ctx.Err())
	}

	result.StatusCode = resp.StatusCode
	rc.StatusCode = resp.StatusCode

	// A 5xx that survived the retry budget is not streamed when the route
	// declares a fallback; the caller serves the fallback instead.
	if resp.StatusCode >= 500 && matched.FallbackURI != "" && !res.Fallback {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return result, errors.New(errors.KindUpstreamError,
			"Upstream returned "+strconv.Itoa(resp.StatusCode))
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Headers are already on the wire; the client likely went away.
		logging.Debug("response copy aborted",
			zap.String("route", matched.ID),
			zap.String("trace_id", rc.TraceID),
			zap.Error(err))
	}
	return result, nil
}

func (f *Forwarder) effectiveTimeouts(matched *route.Route) config.TimeoutConfig {
	t := f.timeouts
	if o := matched.Definition.Timeouts; o != nil {
		if o.Connect > 0 {
			t.Connect = o.Connect
		}
		if o.Read > 0 {
			t.Read = o.Read
		}
		if o.Write > 0 {
			t.Write = o.Write
		}
		if o.Request > 0 {
			t.Request = o.Request
		}
	}
	return t
}

func (f *Forwarder) effectiveRetry(matched *route.Route) config.RetryConfig {
	if matched.Definition.Retry != nil {
		return *matched.Definition.Retry
	}
	return f.retry
}

// buildRequest constructs the outbound request from scratch to avoid
// mutating the inbound request. The body is attached by the caller.
func (f *Forwarder) buildRequest(ctx context.Context, r *http.Request, rc *reqctx.Context, matched *route.Route, target *url.URL, fallback bool) *http.Request {
	targetURL := *target
	// A fallback target's path is already complete; normal forwards append
	// the rewritten request path.
	if !fallback {
		targetURL.Path = singleJoiningSlash(target.Path, matched.RewritePath(r.URL.Path))
	}
	targetURL.RawQuery = r.URL.RawQuery

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	outReq.Header = make(http.Header, len(r.Header)+8)
	for k, vv := range r.Header {
		outReq.Header[k] = vv
	}
	for _, name := range matched.RemoveHeaders {
		outReq.Header.Del(name)
	}
	for name, value := range matched.AddHeaders {
		outReq.Header.Set(name, value)
	}

	// Identity and trace headers staged by the pipeline win over anything
	// the client sent under the same names.
	for name, vv := range rc.HeaderOverlay {
		outReq.Header[name] = vv
	}

	if matched.PreserveHost {
		outReq.Host = r.Host
	}

	if rc.Client != nil && rc.Client.IP != "" {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+rc.Client.IP)
		} else {
			outReq.Header.Set("X-Forwarded-For", rc.Client.IP)
		}
	}
	outReq.Header.Set("X-Forwarded-Proto", rc.Scheme)
	outReq.Header.Set("X-Forwarded-Host", r.Host)
	outReq.Header.Set("X-Request-Start-Time", strconv.FormatInt(rc.ReceivedAt.UnixMilli(), 10))

	removeHopHeaders(outReq.Header)

	// Continue any trace context the client sent.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outReq.Header))
	return outReq
}

func newBackoff(cfg config.RetryConfig) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if cfg.BackoffInitial > 0 {
		bo.InitialInterval = cfg.BackoffInitial
	}
	if cfg.BackoffMultiplier > 0 {
		bo.Multiplier = cfg.BackoffMultiplier
	}
	if cfg.BackoffMax > 0 {
		bo.MaxInterval = cfg.BackoffMax
	}
	bo.MaxElapsedTime = 0
	return bo
}

func classifyTransportError(err error) *errors.GatewayError {
	var mbe *http.MaxBytesError
	if stderrors.As(err, &mbe) {
		return errors.ErrRequestEntityTooLarge
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.KindUpstreamTimeout, "Upstream request timed out")
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.KindUpstreamTimeout, "Upstream request timed out")
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(err, errors.KindUpstreamError, "Request cancelled")
	}
	return errors.Wrap(err, errors.KindUpstreamError, "Upstream request failed")
}

// isIdempotent reports whether a method may be transparently retried.
func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	}
	return false
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		if b == "" {
			return a
		}
		return a + "/" + b
	}
	return a + b
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

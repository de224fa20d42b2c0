package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/errors"
	"github.com/portcullis-proxy/portcullis/internal/loadbalancer"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
	"github.com/portcullis-proxy/portcullis/internal/route"
	"github.com/portcullis-proxy/portcullis/internal/router"
)

func testTimeouts() config.TimeoutConfig {
	return config.TimeoutConfig{
		Connect: time.Second,
		Read:    2 * time.Second,
		Request: 5 * time.Second,
	}
}

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:          3,
		BackoffInitial:       time.Millisecond,
		BackoffMultiplier:    2,
		BackoffMax:           5 * time.Millisecond,
		RetryableStatusCodes: []int{502, 503, 504},
	}
}

func newForwarder(t *testing.T) *Forwarder {
	t.Helper()
	store := route.NewStore()
	lbs := loadbalancer.NewManager(config.LoadBalancerConfig{Algorithm: "round-robin"})
	resolver := router.New(store, lbs, nil)
	return New(resolver, NewTransportPool(testTimeouts()), metrics.NewCollector(), testTimeouts(), testRetry())
}

func literalResolution(t *testing.T, target string, def route.Definition) *router.Resolution {
	t.Helper()
	if def.ID == "" {
		def.ID = "test"
	}
	if def.Path == "" {
		def.Path = "/**"
	}
	def.Target = target
	compiled, err := route.Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return &router.Resolution{Route: compiled, TargetURL: target}
}

func TestForwardStreamsResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "payload")
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/things", nil)
	rc := reqctx.New(r)
	w := httptest.NewRecorder()

	result, err := f.Forward(w, r, rc, literalResolution(t, upstream.URL, route.Definition{}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if result.StatusCode != http.StatusCreated || result.Failed() {
		t.Errorf("result = %+v", result)
	}
	if w.Code != http.StatusCreated || w.Body.String() != "payload" {
		t.Errorf("response = %d %q", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream header not copied")
	}
	if rc.StatusCode != http.StatusCreated {
		t.Errorf("rc.StatusCode = %d", rc.StatusCode)
	}
}

func TestForwardAppliesGatewayHeaders(t *testing.T) {
	var got http.Header
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/orders/42?q=1", nil)
	r.Header.Set("Connection", "keep-alive")
	r.Header.Set("X-Internal", "client-sent")
	rc := reqctx.New(r)
	rc.Client = &reqctx.ClientInfo{IP: "203.0.113.9"}
	rc.WithIdentity(&reqctx.Identity{UserID: "u1", TenantID: "t1", Roles: []string{"USER"}})

	def := route.Definition{
		StripPrefix:   1,
		AddHeaders:    map[string]string{"X-Route": "orders"},
		RemoveHeaders: []string{"X-Internal"},
	}
	_, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, upstream.URL, def))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if gotPath != "/orders/42" {
		t.Errorf("upstream path = %q, want strip_prefix applied", gotPath)
	}
	if got.Get("X-User-ID") != "u1" || got.Get("X-Tenant-ID") != "t1" {
		t.Error("identity overlay not applied")
	}
	if got.Get(reqctx.TraceHeader) == "" {
		t.Error("trace header missing upstream")
	}
	if got.Get("X-Forwarded-For") != "203.0.113.9" {
		t.Errorf("X-Forwarded-For = %q", got.Get("X-Forwarded-For"))
	}
	if got.Get("X-Route") != "orders" {
		t.Error("add_headers not applied")
	}
	if got.Get("X-Internal") != "" {
		t.Error("remove_headers not applied")
	}
	if got.Get("Connection") != "" {
		t.Error("hop-by-hop header leaked upstream")
	}
	if got.Get("X-Request-Start-Time") == "" {
		t.Error("request start time missing")
	}
}

func TestForwardRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/x", nil)
	rc := reqctx.New(r)
	w := httptest.NewRecorder()

	result, err := f.Forward(w, r, rc, literalResolution(t, upstream.URL, route.Definition{}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Attempts != 3 {
		t.Errorf("result = %+v, want success on third attempt", result)
	}
}

func TestForwardDoesNotRetryPost(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("POST", "/api/x", strings.NewReader(`{"a":1}`))
	rc := reqctx.New(r)
	w := httptest.NewRecorder()

	result, err := f.Forward(w, r, rc, literalResolution(t, upstream.URL, route.Definition{}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("POST retried %d times", calls.Load()-1)
	}
	if result.StatusCode != http.StatusBadGateway || !result.Failed() {
		t.Errorf("result = %+v", result)
	}
}

func TestForwardReplaysBodyOnRetry(t *testing.T) {
	var calls atomic.Int32
	var lastBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody = string(b)
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("PUT", "/api/x", strings.NewReader("idempotent-body"))
	rc := reqctx.New(r)

	result, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, upstream.URL, route.Definition{}))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if result.Attempts != 2 {
		t.Fatalf("attempts = %d", result.Attempts)
	}
	if lastBody != "idempotent-body" {
		t.Errorf("retried body = %q", lastBody)
	}
}

func TestForwardCancelDuringRetryWait(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	store := route.NewStore()
	lbs := loadbalancer.NewManager(config.LoadBalancerConfig{Algorithm: "round-robin"})
	resolver := router.New(store, lbs, nil)
	retry := config.RetryConfig{
		MaxAttempts:          3,
		BackoffInitial:       2 * time.Second,
		BackoffMultiplier:    2,
		BackoffMax:           2 * time.Second,
		RetryableStatusCodes: []int{503},
	}
	f := New(resolver, NewTransportPool(testTimeouts()), metrics.NewCollector(), testTimeouts(), retry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := httptest.NewRequest("GET", "/api/x", nil).WithContext(ctx)
	rc := reqctx.New(r)

	// Disconnect the client while the forwarder sits in the backoff wait.
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	result, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, upstream.URL, route.Definition{}))
	if err == nil {
		t.Fatal("expected error after cancellation during retry wait")
	}
	if ge := errors.AsGatewayError(err); ge.Kind() != errors.KindUpstreamError {
		t.Errorf("kind = %v, want UpstreamError for cancellation", ge.Kind())
	}
	if result == nil || result.StatusCode != 0 || !result.Failed() {
		t.Errorf("result = %+v", result)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (retry never started)", result.Attempts)
	}
}

func TestForwardHoldsBack5xxForFallbackRoute(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "upstream error page")
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/x", nil)
	rc := reqctx.New(r)
	w := httptest.NewRecorder()

	def := route.Definition{FallbackURI: "/fallback/x"}
	result, err := f.Forward(w, r, rc, literalResolution(t, upstream.URL, def))
	if err == nil {
		t.Fatal("expected error so the caller can serve the fallback")
	}
	if ge := errors.AsGatewayError(err); ge.Kind() != errors.KindUpstreamError {
		t.Errorf("kind = %v, want UpstreamError", ge.Kind())
	}
	if result.StatusCode != http.StatusInternalServerError || !result.Failed() {
		t.Errorf("result = %+v", result)
	}
	// Nothing reaches the client; the fallback response replaces it.
	if w.Body.Len() != 0 {
		t.Errorf("body leaked to client: %q", w.Body.String())
	}
}

func TestForwardConnectionRefused(t *testing.T) {
	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/x", nil)
	rc := reqctx.New(r)

	result, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, "http://127.0.0.1:1", route.Definition{}))
	if err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
	ge := errors.AsGatewayError(err)
	if ge.Kind() != errors.KindUpstreamError {
		t.Errorf("kind = %v, want UpstreamError", ge.Kind())
	}
	if !result.Failed() {
		t.Error("connection failure must count as failed")
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want exhausted retries", result.Attempts)
	}
}

func TestForwardUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "/api/x", nil)
	rc := reqctx.New(r)

	def := route.Definition{Timeouts: &config.TimeoutConfig{Request: 50 * time.Millisecond}}
	_, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, upstream.URL, def))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	ge := errors.AsGatewayError(err)
	if ge.Kind() != errors.KindUpstreamTimeout {
		t.Errorf("kind = %v, want UpstreamTimeout", ge.Kind())
	}
}

func TestPreserveHost(t *testing.T) {
	var gotHost string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
	}))
	defer upstream.Close()

	f := newForwarder(t)
	r := httptest.NewRequest("GET", "http://edge.example.com/api/x", nil)
	rc := reqctx.New(r)

	def := route.Definition{PreserveHost: true}
	if _, err := f.Forward(httptest.NewRecorder(), r, rc, literalResolution(t, upstream.URL, def)); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if gotHost != "edge.example.com" {
		t.Errorf("upstream host = %q, want client host preserved", gotHost)
	}
}

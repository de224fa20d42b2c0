package reqctx

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewMintsTraceID(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/x?a=1", nil)
	c := New(r)
	defer Release(c)

	if !isHex32(c.TraceID) {
		t.Errorf("trace id %q is not 32 hex chars", c.TraceID)
	}
	if c.Method != "GET" || c.Path != "/api/x" || c.Query != "a=1" {
		t.Errorf("request fields not captured: %+v", c)
	}
	if got := c.HeaderOverlay.Get(TraceHeader); got != c.TraceID {
		t.Errorf("overlay trace header = %q, want %q", got, c.TraceID)
	}
}

func TestNewAdoptsWellFormedTraceID(t *testing.T) {
	const inbound = "0123456789abcdef0123456789abcdef"

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set(TraceHeader, inbound)
	c := New(r)
	defer Release(c)

	if c.TraceID != inbound {
		t.Errorf("trace id = %q, want adopted %q", c.TraceID, inbound)
	}
}

func TestNewRejectsMalformedTraceID(t *testing.T) {
	for _, bad := range []string{"short", "zz23456789abcdef0123456789abcdef", "0123456789abcdef0123456789abcdef00"} {
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(TraceHeader, bad)
		c := New(r)
		if c.TraceID == bad {
			t.Errorf("malformed trace id %q was adopted", bad)
		}
		Release(c)
	}
}

func TestTraceIDsUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewTraceID()
		if seen[id] {
			t.Fatalf("duplicate trace id %q", id)
		}
		seen[id] = true
	}
}

func TestWithIdentityStagesHeaders(t *testing.T) {
	c := New(httptest.NewRequest("GET", "/", nil))
	defer Release(c)

	c.WithIdentity(&Identity{
		UserID:   "u1",
		TenantID: "t1",
		Roles:    []string{"USER", "premium"},
		ClientID: "c1",
	})

	if got := c.HeaderOverlay.Get("X-User-ID"); got != "u1" {
		t.Errorf("X-User-ID = %q", got)
	}
	if got := c.HeaderOverlay.Get("X-Tenant-ID"); got != "t1" {
		t.Errorf("X-Tenant-ID = %q", got)
	}
	if got := c.HeaderOverlay.Get("X-User-Roles"); got != "USER,premium" {
		t.Errorf("X-User-Roles = %q", got)
	}
	if got := c.HeaderOverlay.Get("X-Client-ID"); got != "c1" {
		t.Errorf("X-Client-ID = %q", got)
	}
}

func TestMarkFreezesDuration(t *testing.T) {
	c := New(httptest.NewRequest("GET", "/", nil))
	defer Release(c)

	time.Sleep(5 * time.Millisecond)
	c.Mark(OutcomeCompleted)

	if c.Outcome != OutcomeCompleted {
		t.Errorf("outcome = %v", c.Outcome)
	}
	if c.Duration < 5*time.Millisecond {
		t.Errorf("duration = %v, want >= 5ms", c.Duration)
	}
}

func TestReleaseZeroes(t *testing.T) {
	c := New(httptest.NewRequest("GET", "/", nil))
	c.RouteID = "orders"
	Release(c)

	fresh := contextPool.Get().(*Context)
	if fresh.RouteID != "" || fresh.TraceID != "" {
		t.Error("pooled context not zeroed")
	}
	contextPool.Put(fresh)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

func newTestEngine(t *testing.T, cfg config.RateLimitConfig) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := New(cfg, config.RedisConfig{Timeout: time.Second}, rdb, nil)
	t.Cleanup(e.Close)
	return e, mr
}

func disabled() *bool { b := false; return &b }

func ipOnly(limit int, algo string) config.RateLimitConfig {
	return config.RateLimitConfig{
		IP:     config.DimensionConfig{Limit: limit, WindowSeconds: 60, Algorithm: algo},
		User:   config.DimensionConfig{Enabled: disabled()},
		API:    config.DimensionConfig{Enabled: disabled()},
		Tenant: config.DimensionConfig{Enabled: disabled()},
		Global: config.DimensionConfig{Enabled: disabled()},
	}
}

func requestCtx(ip string) *reqctx.Context {
	return &reqctx.Context{
		Method: "GET",
		Path:   "/api/orders",
		Client: &reqctx.ClientInfo{IP: ip},
	}
}

func TestSlidingWindowDeniesOverLimit(t *testing.T) {
	e, _ := newTestEngine(t, ipOnly(3, "sliding_window"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec := e.Check(ctx, requestCtx("1.2.3.4"))
		if dec == nil || !dec.Allowed {
			t.Fatalf("request %d denied, want allowed", i)
		}
	}

	dec := e.Check(ctx, requestCtx("1.2.3.4"))
	if dec == nil || dec.Allowed {
		t.Fatal("4th request allowed, want denied")
	}
	if dec.Dimension != "ip" || dec.Algorithm != "sliding_window" {
		t.Errorf("decision = %+v", dec)
	}
	if dec.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", dec.Remaining)
	}

	// Another IP is unaffected
	if dec := e.Check(ctx, requestCtx("5.6.7.8")); dec == nil || !dec.Allowed {
		t.Error("other IP should be admitted")
	}
}

func TestFixedWindowDeniesOverLimit(t *testing.T) {
	e, _ := newTestEngine(t, ipOnly(2, "fixed_window"))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if dec := e.Check(ctx, requestCtx("1.2.3.4")); dec == nil || !dec.Allowed {
			t.Fatalf("request %d denied", i)
		}
	}
	if dec := e.Check(ctx, requestCtx("1.2.3.4")); dec == nil || dec.Allowed {
		t.Fatal("3rd request allowed, want denied")
	}
}

func TestFailOpenOnStoreError(t *testing.T) {
	e, mr := newTestEngine(t, ipOnly(1, "sliding_window"))
	mr.Close()

	dec := e.Check(context.Background(), requestCtx("1.2.3.4"))
	if dec != nil {
		t.Errorf("expected no decision when store is down, got %+v", dec)
	}
}

func TestWhitelistBypass(t *testing.T) {
	cfg := ipOnly(1, "sliding_window")
	cfg.WhitelistPaths = []string{"/api/public/**", "/healthz"}
	e, _ := newTestEngine(t, cfg)

	rc := requestCtx("1.2.3.4")
	rc.Path = "/api/public/docs/v1"
	for i := 0; i < 5; i++ {
		if dec := e.Check(context.Background(), rc); dec != nil {
			t.Fatalf("whitelisted path checked: %+v", dec)
		}
	}
}

func TestTrustedIPMultiplier(t *testing.T) {
	e, _ := newTestEngine(t, ipOnly(2, "sliding_window"))
	ctx := context.Background()

	rc := requestCtx("10.0.0.5")
	rc.Client.Trusted = true

	// Base limit 2, trusted x5 = 10
	for i := 0; i < 10; i++ {
		dec := e.Check(ctx, rc)
		if dec == nil || !dec.Allowed {
			t.Fatalf("trusted request %d denied", i)
		}
		if dec.Limit != 10 {
			t.Fatalf("effective limit = %d, want 10", dec.Limit)
		}
	}
	if dec := e.Check(ctx, rc); dec == nil || dec.Allowed {
		t.Error("11th trusted request allowed, want denied")
	}
}

func TestPremiumUserMultiplier(t *testing.T) {
	cfg := config.RateLimitConfig{
		IP:     config.DimensionConfig{Enabled: disabled()},
		User:   config.DimensionConfig{Limit: 1, WindowSeconds: 60, Algorithm: "sliding_window"},
		API:    config.DimensionConfig{Enabled: disabled()},
		Tenant: config.DimensionConfig{Enabled: disabled()},
		Global: config.DimensionConfig{Enabled: disabled()},
	}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	rc := requestCtx("1.2.3.4")
	rc.Identity = &reqctx.Identity{UserID: "u1", Roles: []string{"ROLE_PREMIUM"}}

	for i := 0; i < 3; i++ {
		dec := e.Check(ctx, rc)
		if dec == nil || !dec.Allowed {
			t.Fatalf("premium request %d denied", i)
		}
	}
	if dec := e.Check(ctx, rc); dec == nil || dec.Allowed {
		t.Error("4th premium request allowed, want denied")
	}
}

func TestAnonymousSkipsUserDimension(t *testing.T) {
	cfg := config.RateLimitConfig{
		IP:     config.DimensionConfig{Enabled: disabled()},
		User:   config.DimensionConfig{Limit: 1, WindowSeconds: 60, Algorithm: "sliding_window"},
		API:    config.DimensionConfig{Enabled: disabled()},
		Tenant: config.DimensionConfig{Enabled: disabled()},
		Global: config.DimensionConfig{Enabled: disabled()},
	}
	e, _ := newTestEngine(t, cfg)

	rc := requestCtx("1.2.3.4") // no identity
	for i := 0; i < 5; i++ {
		if dec := e.Check(context.Background(), rc); dec != nil {
			t.Fatalf("anonymous request hit the user dimension: %+v", dec)
		}
	}
}

func TestDimensionOrderFirstDenyWins(t *testing.T) {
	cfg := config.RateLimitConfig{
		IP:     config.DimensionConfig{Limit: 1, WindowSeconds: 60, Algorithm: "sliding_window"},
		User:   config.DimensionConfig{Enabled: disabled()},
		API:    config.DimensionConfig{Enabled: disabled()},
		Tenant: config.DimensionConfig{Enabled: disabled()},
		Global: config.DimensionConfig{Limit: 100, WindowSeconds: 60, Algorithm: "sliding_window"},
	}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.Check(ctx, requestCtx("1.2.3.4"))
	dec := e.Check(ctx, requestCtx("1.2.3.4"))
	if dec == nil || dec.Allowed {
		t.Fatal("expected denial")
	}
	if dec.Dimension != "ip" {
		t.Errorf("denied by %q, want ip (first dimension)", dec.Dimension)
	}
}

func TestGlobalDimensionCountsEveryone(t *testing.T) {
	cfg := config.RateLimitConfig{
		IP:     config.DimensionConfig{Enabled: disabled()},
		User:   config.DimensionConfig{Enabled: disabled()},
		API:    config.DimensionConfig{Enabled: disabled()},
		Tenant: config.DimensionConfig{Enabled: disabled()},
		Global: config.DimensionConfig{Limit: 2, WindowSeconds: 60, Algorithm: "sliding_window"},
	}
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	e.Check(ctx, requestCtx("1.1.1.1"))
	e.Check(ctx, requestCtx("2.2.2.2"))
	dec := e.Check(ctx, requestCtx("3.3.3.3"))
	if dec == nil || dec.Allowed {
		t.Fatal("global limit should deny the 3rd request regardless of IP")
	}
	if dec.Dimension != "global" {
		t.Errorf("dimension = %q", dec.Dimension)
	}
}

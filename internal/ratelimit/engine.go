// Package ratelimit implements the multi-dimension admission engine. Each
// request is checked against up to five dimensions in a fixed order; the
// first denial short-circuits the rest. Store errors fail open.
package ratelimit

import (
	"context"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/config"
	"github.com/portcullis-proxy/portcullis/internal/logging"
	"github.com/portcullis-proxy/portcullis/internal/metrics"
	"github.com/portcullis-proxy/portcullis/internal/reqctx"
)

// Result is a single limiter verdict.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter is one rate limiting algorithm. An error return means the backing
// store failed; the engine treats that as an admit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

// Limit multipliers applied per request attributes.
const (
	trustedIPMultiplier   = 5
	mobileIPMultiplier    = 2
	premiumUserMultiplier = 3
)

type dimension struct {
	name    string
	limit   int
	window  time.Duration
	algo    string
	limiter Limiter

	// keyFn derives the counter key suffix; ok=false skips the dimension.
	keyFn func(*reqctx.Context) (string, bool)
	// limitFn scales the base limit for this request.
	limitFn func(*reqctx.Context, int) int
}

// Engine checks requests against the configured dimensions.
type Engine struct {
	dims      []dimension
	whitelist []string
	prefix    string
	timeout   time.Duration
	collector *metrics.Collector

	closers []interface{ Close() }
}

// New builds the engine from configuration. Distributed algorithms require
// rdb; when it is nil those dimensions degrade to local token buckets.
func New(cfg config.RateLimitConfig, rcfg config.RedisConfig, rdb redis.UniversalClient, collector *metrics.Collector) *Engine {
	e := &Engine{
		whitelist: cfg.WhitelistPaths,
		prefix:    cfg.KeyPrefix,
		timeout:   rcfg.Timeout,
		collector: collector,
	}
	if e.prefix == "" {
		e.prefix = "gw:rl:"
	}
	if e.timeout <= 0 {
		e.timeout = 100 * time.Millisecond
	}

	// Fixed evaluation order: ip, user, api, tenant, global.
	e.addDimension("ip", cfg.IP, rdb,
		func(rc *reqctx.Context) (string, bool) {
			if rc.Client == nil || rc.Client.IP == "" {
				return "", false
			}
			return "ip:" + rc.Client.IP, true
		},
		func(rc *reqctx.Context, limit int) int {
			if rc.Client == nil {
				return limit
			}
			if rc.Client.Trusted {
				limit *= trustedIPMultiplier
			}
			if rc.Client.Device == reqctx.DeviceMobile {
				limit *= mobileIPMultiplier
			}
			return limit
		})

	e.addDimension("user", cfg.User, rdb,
		func(rc *reqctx.Context) (string, bool) {
			if rc.Identity == nil || rc.Identity.UserID == "" {
				return "", false
			}
			return "user:" + rc.Identity.UserID, true
		},
		func(rc *reqctx.Context, limit int) int {
			if rc.Identity != nil && hasRole(rc.Identity.Roles, "PREMIUM") {
				limit *= premiumUserMultiplier
			}
			return limit
		})

	e.addDimension("api", cfg.API, rdb,
		func(rc *reqctx.Context) (string, bool) {
			return "api:" + rc.Method + ":" + rc.Path, true
		}, nil)

	e.addDimension("tenant", cfg.Tenant, rdb,
		func(rc *reqctx.Context) (string, bool) {
			if rc.Identity == nil || rc.Identity.TenantID == "" {
				return "", false
			}
			return "tenant:" + rc.Identity.TenantID, true
		}, nil)

	e.addDimension("global", cfg.Global, rdb,
		func(rc *reqctx.Context) (string, bool) {
			return "global", true
		}, nil)

	return e
}

func (e *Engine) addDimension(name string, dc config.DimensionConfig, rdb redis.UniversalClient,
	keyFn func(*reqctx.Context) (string, bool), limitFn func(*reqctx.Context, int) int) {

	if dc.Enabled != nil && !*dc.Enabled {
		return
	}
	if dc.Limit <= 0 {
		return
	}

	algo := dc.Algorithm
	if algo == "" {
		algo = "sliding_window"
	}

	var limiter Limiter
	switch algo {
	case "token_bucket":
		tb := NewTokenBucket(dc.RefillRate)
		e.closers = append(e.closers, tb)
		limiter = tb
	case "fixed_window":
		if rdb == nil {
			logging.Warn("no redis client, degrading dimension to local token bucket",
				zap.String("dimension", name))
			tb := NewTokenBucket(0)
			e.closers = append(e.closers, tb)
			limiter = tb
			algo = "token_bucket"
		} else {
			limiter = NewFixedWindow(rdb)
		}
	default: // sliding_window
		if rdb == nil {
			logging.Warn("no redis client, degrading dimension to local token bucket",
				zap.String("dimension", name))
			tb := NewTokenBucket(0)
			e.closers = append(e.closers, tb)
			limiter = tb
			algo = "token_bucket"
		} else {
			limiter = NewSlidingWindow(rdb)
		}
	}

	window := time.Duration(dc.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	e.dims = append(e.dims, dimension{
		name:    name,
		limit:   dc.Limit,
		window:  window,
		algo:    algo,
		limiter: limiter,
		keyFn:   keyFn,
		limitFn: limitFn,
	})
}

// Check evaluates every applicable dimension in order and returns the first
// denial, or the last evaluated decision when all admit. A nil return means
// no dimension applied (all skipped or path whitelisted).
func (e *Engine) Check(ctx context.Context, rc *reqctx.Context) *reqctx.RateDecision {
	if e.whitelisted(rc.Path) {
		return nil
	}

	var last *reqctx.RateDecision
	for i := range e.dims {
		d := &e.dims[i]

		suffix, ok := d.keyFn(rc)
		if !ok {
			continue
		}

		limit := d.limit
		if d.limitFn != nil {
			limit = d.limitFn(rc, limit)
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		res, err := d.limiter.Allow(callCtx, e.prefix+suffix, limit, d.window)
		cancel()

		if err != nil {
			// Fail open: an unreachable store must not take down ingress.
			logging.Warn("rate limit store unavailable, failing open",
				zap.String("dimension", d.name), zap.Error(err))
			if e.collector != nil {
				e.collector.RecordRateLimitStoreFailure()
			}
			continue
		}

		dec := &reqctx.RateDecision{
			Dimension: d.name,
			Algorithm: d.algo,
			Allowed:   res.Allowed,
			Limit:     limit,
			Remaining: res.Remaining,
			ResetAt:   res.ResetAt,
		}
		if !res.Allowed {
			if e.collector != nil {
				e.collector.RecordRateLimitDenied(d.name, d.algo)
			}
			return dec
		}
		last = dec
	}
	return last
}

// Close releases limiter resources.
func (e *Engine) Close() {
	for _, c := range e.closers {
		c.Close()
	}
}

func (e *Engine) whitelisted(path string) bool {
	for _, pattern := range e.whitelist {
		if ok, _ := doublestar.Match(pattern, path); ok {
			return true
		}
	}
	return false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		r = strings.ToUpper(r)
		if r == want || r == "ROLE_"+want {
			return true
		}
	}
	return false
}

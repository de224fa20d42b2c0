package ratelimit

import (
	"context"
	"time"
)

// TokenBucket is a local, in-process token bucket limiter. Buckets refill
// lazily on access; a background sweep drops buckets idle for two windows.
type TokenBucket struct {
	refillRate float64 // tokens per second; 0 means derive from limit/window
	buckets    *shardedMap[*bucket]
	done       chan struct{}
}

type bucket struct {
	tokens    float64
	lastTime  time.Time
	maxTokens int
}

// NewTokenBucket creates a token bucket limiter. refillRate is tokens per
// second; when zero each call derives the rate from limit/window.
func NewTokenBucket(refillRate float64) *TokenBucket {
	tb := &TokenBucket{
		refillRate: refillRate,
		buckets:    newShardedMap[*bucket](),
		done:       make(chan struct{}),
	}
	go tb.cleanup()
	return tb
}

// Allow takes one token from the bucket for key, refilling first based on
// elapsed time. The bucket capacity follows the passed limit so per-client
// multipliers apply to existing buckets too.
func (tb *TokenBucket) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := time.Now()

	rate := tb.refillRate
	if rate <= 0 {
		rate = float64(limit) / window.Seconds()
	}

	s := tb.buckets.getShard(key)
	s.mu.Lock()

	b, exists := s.items[key]
	if !exists {
		b = &bucket{tokens: float64(limit), lastTime: now}
		s.items[key] = b
	}
	b.maxTokens = limit

	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > float64(b.maxTokens) {
		b.tokens = float64(b.maxTokens)
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		remaining := int(b.tokens)
		s.mu.Unlock()
		return Result{Allowed: true, Remaining: remaining, ResetAt: now.Add(window)}, nil
	}

	// Time until the next whole token
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	s.mu.Unlock()
	return Result{Allowed: false, Remaining: 0, ResetAt: now.Add(wait)}, nil
}

// Close stops the cleanup goroutine.
func (tb *TokenBucket) Close() {
	close(tb.done)
}

func (tb *TokenBucket) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-tb.done:
			return
		case <-ticker.C:
			now := time.Now()
			tb.buckets.deleteFunc(func(_ string, b *bucket) bool {
				return now.Sub(b.lastTime) > 10*time.Minute
			})
		}
	}
}

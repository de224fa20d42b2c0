package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript counts requests in an aligned window bucket.
// Returns the count after increment.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// FixedWindow is a Redis-backed fixed window counter. Windows are aligned to
// the epoch so every gateway instance agrees on bucket boundaries.
type FixedWindow struct {
	client redis.UniversalClient
}

// NewFixedWindow creates a fixed window limiter on client.
func NewFixedWindow(client redis.UniversalClient) *FixedWindow {
	return &FixedWindow{client: client}
}

// Allow increments the counter for key's current window bucket.
func (fw *FixedWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	windowMs := window.Milliseconds()
	nowMs := time.Now().UnixMilli()
	bucket := nowMs / windowMs
	bucketKey := key + ":" + strconv.FormatInt(bucket, 10)

	count, err := fixedWindowScript.Run(ctx, fw.client, []string{bucketKey}, windowMs).Int64()
	if err != nil {
		return Result{}, err
	}

	resetAt := time.UnixMilli((bucket + 1) * windowMs)
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

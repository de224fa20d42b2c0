package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements a sliding window limiter over a Redis sorted
// set. The script is the linearization point: concurrent gateways racing on
// the same key serialize inside Redis.
// Returns: [allowed (0/1), remaining, resetTimestampMs]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window * 2)
    return {1, limit - count - 1, now + window}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {0, 0, reset}
end
`)

// SlidingWindow is a Redis-backed distributed sliding window limiter.
type SlidingWindow struct {
	client redis.UniversalClient
}

// NewSlidingWindow creates a sliding window limiter on client.
func NewSlidingWindow(client redis.UniversalClient) *SlidingWindow {
	return &SlidingWindow{client: client}
}

// Allow runs the window script for key. A returned error means the store is
// unreachable; callers decide the failure posture.
func (sw *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	res, err := slidingWindowScript.Run(ctx, sw.client,
		[]string{key},
		time.Now().UnixMilli(),
		window.Milliseconds(),
		limit,
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}

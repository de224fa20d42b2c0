package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationSet checks token ids against a Redis set. Lookup errors
// propagate so the verifier can fail closed.
type RedisRevocationSet struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

// NewRedisRevocationSet creates a revocation checker on client. key is the
// Redis set holding revoked token ids.
func NewRedisRevocationSet(client redis.UniversalClient, key string, timeout time.Duration) *RedisRevocationSet {
	if key == "" {
		key = "gw:revoked"
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	return &RedisRevocationSet{client: client, key: key, timeout: timeout}
}

func (s *RedisRevocationSet) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.SIsMember(callCtx, s.key, tokenID).Result()
}

// Revoke adds a token id to the set. Used by the admin plane.
func (s *RedisRevocationSet) Revoke(ctx context.Context, tokenID string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.SAdd(callCtx, s.key, tokenID).Err()
}

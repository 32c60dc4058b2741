package redis

import (
	"context"
	"time"

	"onboard-service/internal/client"
)

const opTimeout = 5 * time.Second

// Store is the subset of the Redis client the caches use
type Store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	RPushWithExpire(ctx context.Context, key string, expiration time.Duration, values ...interface{}) error
	DrainList(ctx context.Context, key string) ([]string, error)
}

var _ Store = (*client.RedisClient)(nil)

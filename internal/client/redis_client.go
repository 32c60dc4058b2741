package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"onboard-service/internal/config"
	"onboard-service/internal/util"
)

const redisDialTimeout = 5 * time.Second

// ErrKeyNotFound is returned by Get for a missing key
var ErrKeyNotFound = errors.New("key not found")

// RedisClient backs the flow snapshots, the send limiter and the relay outbox
type RedisClient struct {
	rdb *redis.Client
}

func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*RedisClient, error) {
	opts, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis unreachable at %s: %w", opts.Addr, err)
	}

	logger.Info("Redis client initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Bool("tls_enabled", opts.TLSConfig != nil),
	)
	return &RedisClient{rdb: rdb}, nil
}

// redisOptions layers the configured pool and credentials over the URL.
// A rediss:// URL gets the CA and client pair named by the environment.
func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.Password == "" {
		opts.Password = rc.Password
	}
	opts.DB = rc.DB
	if rc.PoolSize > 0 {
		opts.PoolSize = rc.PoolSize
		opts.MinIdleConns = rc.PoolSize / 4
	}
	opts.DialTimeout = redisDialTimeout
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.ConnMaxIdleTime = 5 * time.Minute

	if opts.TLSConfig != nil {
		tlsCfg, err := tlsFiles{
			CAFile:     util.GetEnv("REDIS_TLS_CA_FILE", ""),
			CertFile:   util.GetEnv("REDIS_TLS_CERT_FILE", ""),
			KeyFile:    util.GetEnv("REDIS_TLS_KEY_FILE", ""),
			ServerName: opts.TLSConfig.ServerName,
		}.load("Redis")
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	return opts, nil
}

func (r *RedisClient) HealthCheck(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisClient) Close() error {
	if err := r.rdb.Close(); err != nil {
		util.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	util.Info("Redis client closed")
	return nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.rdb.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return val, err
}

func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, key, value, expiration).Result()
}

// RPushWithExpire appends values to a list and refreshes its TTL in one transaction
func (r *RedisClient) RPushWithExpire(ctx context.Context, key string, expiration time.Duration, values ...interface{}) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.Expire(ctx, key, expiration)
		return nil
	})
	return err
}

// DrainList returns every element of a list and deletes it atomically
func (r *RedisClient) DrainList(ctx context.Context, key string) ([]string, error) {
	var items *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items.Val(), nil
}

package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kimi-gateway:access:"

// RedisStore shares access tokens between gateway replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the given Redis URL (or plain host:port).
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	opts, err := redisOptions(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: c, prefix: redisKeyPrefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores the token with a Redis-side expiry so stale entries vanish on
// their own.
func (s *RedisStore) Set(ctx context.Context, key, accessToken string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, accessToken, ttl).Err()
}

func (s *RedisStore) Close() error { return s.client.Close() }

// redisOptions accepts a redis:// or rediss:// URL, or a plain host:port.
func redisOptions(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		return &redis.Options{Addr: addr}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

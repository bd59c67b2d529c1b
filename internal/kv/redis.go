package kv

import (
	"context"
	"errors"
	"io"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server shared between worker processes
type Redis struct {
	client    redis.Cmdable
	keyPrefix string
}

// RedisOption configures a Redis store
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key as prefix:key
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.keyPrefix = prefix
	}
}

func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL parses a redis:// URL and connects lazily
func NewRedisFromURL(url string, opts ...RedisOption) (*Redis, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(redis.NewClient(options), opts...), nil
}

// Client exposes the underlying client for callers that need scripting
func (r *Redis) Client() redis.Cmdable {
	return r.client
}

// Key returns the stored name of key, including the namespace prefix
func (r *Redis) Key(key string) string {
	return r.prefixedKey(key)
}

func (r *Redis) prefixedKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefixedKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, unavailable("redis get", err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.prefixedKey(key), value, 0).Err(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

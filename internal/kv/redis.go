package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// Hash fields used per entry. A negative entry stores only the tag field.
const (
	fieldValue = "v"
	fieldTag   = "tag"
)

// RedisStore is a Redis-backed Store. Each entry is a small hash so the tag
// travels with the value under a single TTL.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (Entry{}, false) on any error.
//   - Set returns nil even on error (callers fall through to the authority).
//   - Delete returns the underlying error so callers can log/handle it.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client in a RedisStore.
// The caller owns the client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultQueryTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("kv: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the entry for key. Returns (Entry{}, false) on a miss or any
// error. Redis errors are logged at WARN level but not propagated.
func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		slog.WarnContext(ctx, "kv_get_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return Entry{}, false
	}
	if len(fields) == 0 {
		return Entry{}, false
	}

	e := Entry{Tag: fields[fieldTag]}
	if v, ok := fields[fieldValue]; ok {
		e.Value = []byte(v)
	}
	return e, true
}

// Set stores value and tag under key with the given TTL. Returns nil even on
// Redis error — callers treat the KV as a best-effort cache.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, tag string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	fields := make(map[string]any, 2)
	if len(value) > 0 {
		fields[fieldValue] = value
	}
	if tag != "" {
		fields[fieldTag] = tag
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "kv_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil — degrade gracefully
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

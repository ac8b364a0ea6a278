// Graceful degradation: when Redis is unavailable, Get returns
// (Entry{}, false) and Set returns nil so the gateway never fails a request
// because the cache layer is down.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// redisEntry is the JSON wire shape stored in Redis.
type redisEntry struct {
	Body    []byte            `json:"body"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
}

// RedisCache is a Redis-backed Cache, shared across gateway replicas.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCache wraps an existing Redis client. The caller owns the
// client's lifecycle (creation and Close).
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, queryTimeout: defaultCacheTimeout}
}

// Get retrieves the entry for key. Returns (Entry{}, false) on a miss or any
// error; Redis errors are logged at WARN but never propagated.
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error", slog.String("key", key), slog.String("error", err.Error()))
		}
		return Entry{}, false
	}

	var re redisEntry
	if err := json.Unmarshal(raw, &re); err != nil {
		slog.WarnContext(ctx, "cache_decode_error", slog.String("key", key), slog.String("error", err.Error()))
		return Entry{}, false
	}

	return Entry{Body: re.Body, Status: re.Status, Headers: re.Headers}, true
}

// Set stores entry under key with the given TTL. Always returns nil — even
// on a Redis error — so the request path never fails due to the cache.
func (c *RedisCache) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	data, err := json.Marshal(redisEntry{Body: entry.Body, Status: entry.Status, Headers: entry.Headers})
	if err != nil {
		slog.WarnContext(ctx, "cache_encode_error", slog.String("key", key), slog.String("error", err.Error()))
		return nil
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error", slog.String("key", key), slog.String("error", err.Error()))
	}

	return nil
}

// Delete removes key from Redis, returning the underlying error so callers
// can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.client.Del(ctx, key).Err()
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

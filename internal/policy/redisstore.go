package policy

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript atomically refills and takes one token from a Redis
// hash-backed bucket. Adapted from the gateway's original global-RPM
// sliding-window script to a per-key capacity/refill token bucket.
//
// KEYS[1]   = bucket key
// ARGV[1]   = now (unix nanoseconds)
// ARGV[2]   = capacity
// ARGV[3]   = refill per second
// Returns   = {allowed (0/1), remaining tokens, reset-at unix nanoseconds}
var tokenBucketScript = redis.NewScript(`
	local key      = KEYS[1]
	local now      = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local refill   = tonumber(ARGV[3])

	local data = redis.call('HMGET', key, 'tokens', 'ts')
	local tokens = tonumber(data[1])
	local ts = tonumber(data[2])
	if tokens == nil then
		tokens = capacity
		ts = now
	end

	local elapsed = (now - ts) / 1e9
	if elapsed > 0 then
		tokens = math.min(capacity, tokens + elapsed * refill)
		ts = now
	end

	local allowed = 0
	if tokens >= 1 then
		allowed = 1
		tokens = tokens - 1
	end

	redis.call('HMSET', key, 'tokens', tokens, 'ts', ts)
	redis.call('PEXPIRE', key, 3600000)

	local reset_ns = now
	if refill > 0 and tokens < capacity then
		reset_ns = now + math.floor((capacity - tokens) / refill * 1e9)
	end

	return {allowed, math.floor(tokens), reset_ns}
`)

// windowIncrScript atomically increments a fixed-window counter, resetting
// it when the window has rolled over.
//
// KEYS[1] = window key
// ARGV[1] = now (unix seconds)
// ARGV[2] = window length (seconds)
// Returns = {count, window-ends unix seconds}
var windowIncrScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local dur = tonumber(ARGV[2])

	local data = redis.call('HMGET', key, 'count', 'ends')
	local count = tonumber(data[1])
	local ends = tonumber(data[2])
	if count == nil or now >= ends then
		count = 0
		ends = now + dur
	end

	count = count + 1
	redis.call('HMSET', key, 'count', count, 'ends', ends)
	redis.call('EXPIREAT', key, ends + 1)

	return {count, ends}
`)

// RedisStore is a Redis-backed Store, letting rate limits and quotas be
// shared across gateway instances. Errors degrade gracefully: a Redis
// failure always allows the request rather than blocking traffic.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) TakeToken(key string, capacity int64, refillPerSecond float64, now time.Time) (BucketState, error) {
	res, err := tokenBucketScript.Run(context.Background(), s.rdb,
		[]string{key}, now.UnixNano(), capacity, refillPerSecond,
	).Result()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return BucketState{Allowed: true, Remaining: capacity, ResetAt: now}, nil
	}

	vals := res.([]interface{})
	allowed := vals[0].(int64) == 1
	remaining := vals[1].(int64)
	resetNanos := vals[2].(int64)

	return BucketState{Allowed: allowed, Remaining: remaining, ResetAt: time.Unix(0, resetNanos)}, nil
}

func (s *RedisStore) IncrementWindow(key string, dur time.Duration, now time.Time) (int64, time.Time, error) {
	res, err := windowIncrScript.Run(context.Background(), s.rdb,
		[]string{key}, now.Unix(), int64(dur.Seconds()),
	).Result()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return 0, now.Add(dur), nil
	}

	vals := res.([]interface{})
	count := vals[0].(int64)
	ends := vals[1].(int64)

	return count, time.Unix(ends, 0), nil
}

package policy

import (
	"fmt"
	"strconv"
	"time"
)

// BucketState is the result of one TakeToken call.
type BucketState struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Store is the single capability the policy engine needs: atomically take a
// token from a bucket, or atomically increment a fixed window counter.
// Implementations may back it with process memory or a shared cache for
// horizontal scaling.
type Store interface {
	TakeToken(key string, capacity int64, refillPerSecond float64, now time.Time) (BucketState, error)
	IncrementWindow(key string, window time.Duration, now time.Time) (count int64, resetAt time.Time, err error)
}

func rateLimitHeaders(limit, remaining int64, resetAt time.Time) map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(resetAt.Unix(), 10),
	}
}

func retryAfterSeconds(resetAt, now time.Time) string {
	d := resetAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d", int64(d.Seconds())+1)
}

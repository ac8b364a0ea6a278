// Package policy enforces per-request rate limits and quotas.
package policy

import (
	"strconv"
	"time"
)

// Decision is the result of evaluating policy for one request.
type Decision struct {
	Allowed    bool
	StatusCode int
	Reason     string
	// Headers mirrors the X-RateLimit-*/Retry-After values the executor
	// merges into both allow and deny responses.
	Headers map[string]string
}

// RateLimitRule is one token-bucket configuration: capacity tokens,
// refilling at RefillPerSecond.
type RateLimitRule struct {
	Capacity        int64
	RefillPerSecond float64
}

// QuotaRule is one fixed-window configuration; a zero field disables that
// window.
type QuotaRule struct {
	Hour  int64
	Day   int64
	Month int64
}

// Request bundles everything the engine needs to evaluate a decision for
// one consumer request.
type Request struct {
	EndpointID  string
	ConnectorID string
	CallerID    string
	ScopeID     string
	RateLimit   *RateLimitRule
	Quota       *QuotaRule
	Now         time.Time
}

// Engine evaluates rate-limit and quota decisions against a pluggable Store.
type Engine struct {
	store Store
}

// NewEngine builds an Engine backed by store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// Evaluate computes the policy decision for req. The most restrictive
// configured check (whichever denies first) wins; when nothing is
// configured the request is always allowed.
func (e *Engine) Evaluate(req Request) (Decision, error) {
	headers := map[string]string{}
	if req.RateLimit != nil {
		endpointKey := "rl:endpoint:" + req.EndpointID + ":" + req.CallerID
		connectorKey := "rl:connector:" + req.ConnectorID + ":" + req.ScopeID

		d1, err := e.checkBucket(endpointKey, *req.RateLimit, req.Now)
		if err != nil {
			return Decision{}, err
		}
		if !d1.Allowed {
			return d1, nil
		}

		d2, err := e.checkBucket(connectorKey, *req.RateLimit, req.Now)
		if err != nil {
			return Decision{}, err
		}
		if !d2.Allowed {
			return d2, nil
		}

		// Both buckets allowed: report the one with fewer tokens left.
		headers = d1.Headers
		r1, _ := strconv.ParseInt(d1.Headers["X-RateLimit-Remaining"], 10, 64)
		r2, _ := strconv.ParseInt(d2.Headers["X-RateLimit-Remaining"], 10, 64)
		if r2 < r1 {
			headers = d2.Headers
		}
	}

	if req.Quota != nil {
		d, err := e.checkQuota(req)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			return d, nil
		}
	}

	return Decision{Allowed: true, Headers: headers}, nil
}

func (e *Engine) checkBucket(key string, rule RateLimitRule, now time.Time) (Decision, error) {
	state, err := e.store.TakeToken(key, rule.Capacity, rule.RefillPerSecond, now)
	if err != nil {
		return Decision{}, err
	}

	headers := rateLimitHeaders(rule.Capacity, state.Remaining, state.ResetAt)
	if !state.Allowed {
		headers["Retry-After"] = retryAfterSeconds(state.ResetAt, now)
		return Decision{Allowed: false, StatusCode: 429, Reason: "rate limit exceeded", Headers: headers}, nil
	}
	return Decision{Allowed: true, Headers: headers}, nil
}

func (e *Engine) checkQuota(req Request) (Decision, error) {
	windows := []struct {
		name  string
		limit int64
		dur   time.Duration
	}{
		{"hour", req.Quota.Hour, time.Hour},
		{"day", req.Quota.Day, 24 * time.Hour},
		{"month", req.Quota.Month, 30 * 24 * time.Hour},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		key := "quota:" + w.name + ":" + req.EndpointID + ":" + req.ScopeID
		count, resetAt, err := e.store.IncrementWindow(key, w.dur, req.Now)
		if err != nil {
			return Decision{}, err
		}
		if count > w.limit {
			headers := rateLimitHeaders(w.limit, 0, resetAt)
			headers["Retry-After"] = retryAfterSeconds(resetAt, req.Now)
			return Decision{Allowed: false, StatusCode: 429, Reason: w.name + " quota exceeded", Headers: headers}, nil
		}
	}

	return Decision{Allowed: true, Headers: map[string]string{}}, nil
}

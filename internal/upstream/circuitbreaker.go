package upstream

import (
	"strings"
	"sync"
	"time"
)

// cbState is the classic closed/open/half-open circuit breaker state.
type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package defaults.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

const (
	defaultErrorThreshold  = 5
	defaultTimeWindow      = 60 * time.Second
	defaultHalfOpenTimeout = 30 * time.Second
)

func (c CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return defaultErrorThreshold
}

func (c CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return defaultTimeWindow
}

func (c CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return defaultHalfOpenTimeout
}

type hostCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker tracks one breaker per (connectorID, host) pair, created
// lazily on first use. Connectors and their upstream hosts are
// tenant-configured and unknowable ahead of time, so breakers come into
// existence the first time a host is dialed.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*hostCB
	cfg      CBConfig
}

// NewCircuitBreaker builds a CircuitBreaker with the given tuning. Zero value
// CBConfig{} uses the package defaults.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*hostCB),
		cfg:      cfg,
	}
}

func key(connectorID, host string) string {
	return connectorID + "|" + host
}

// getOrCreate returns the breaker for (connectorID, host), creating and
// registering one in the closed state on first access.
func (cb *CircuitBreaker) getOrCreate(connectorID, host string) *hostCB {
	k := key(connectorID, host)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if h, ok := cb.breakers[k]; ok {
		return h
	}
	h := &hostCB{state: cbClosed, windowStart: time.Now()}
	cb.breakers[k] = h
	return h
}

// Allow reports whether the next request to (connectorID, host) should
// proceed.
func (cb *CircuitBreaker) Allow(connectorID, host string) bool {
	h := cb.getOrCreate(connectorID, host)

	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case cbClosed:
		return true
	case cbOpen:
		if time.Since(h.openedAt) >= cb.cfg.halfOpenTimeout() {
			h.state = cbHalfOpen
			h.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if h.probeInflight {
			return false
		}
		h.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets the breaker for (connectorID, host) to closed.
func (cb *CircuitBreaker) RecordSuccess(connectorID, host string) {
	h := cb.getOrCreate(connectorID, host)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.state = cbClosed
	h.errorCount = 0
	h.probeInflight = false
	h.windowStart = time.Now()
}

// RecordFailure increments the error counter and opens the breaker once the
// threshold is reached within the rolling window.
func (cb *CircuitBreaker) RecordFailure(connectorID, host string) {
	h := cb.getOrCreate(connectorID, host)

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if now.Sub(h.windowStart) > cb.cfg.timeWindow() {
		h.errorCount = 0
		h.windowStart = now
	}

	h.errorCount++
	h.probeInflight = false

	if h.errorCount >= cb.cfg.errorThreshold() {
		h.state = cbOpen
		h.openedAt = now
	}
}

// State returns the current state label for metrics export: "closed",
// "open", or "half_open". Reports "closed" for a pair never seen before,
// without creating a breaker entry.
func (cb *CircuitBreaker) State(connectorID, host string) string {
	k := key(connectorID, host)

	cb.mu.Lock()
	h, ok := cb.breakers[k]
	cb.mu.Unlock()
	if !ok {
		return "closed"
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerState is one tracked (connector, host) pair's current state label,
// as returned by Snapshot.
type BreakerState struct {
	ConnectorID string
	Host        string
	State       string
}

// Snapshot returns the state of every tracked breaker, for periodic metrics
// export.
func (cb *CircuitBreaker) Snapshot() []BreakerState {
	cb.mu.Lock()
	keys := make([]string, 0, len(cb.breakers))
	for k := range cb.breakers {
		keys = append(keys, k)
	}
	cb.mu.Unlock()

	out := make([]BreakerState, 0, len(keys))
	for _, k := range keys {
		connectorID, host, _ := strings.Cut(k, "|")
		out = append(out, BreakerState{
			ConnectorID: connectorID,
			Host:        host,
			State:       cb.State(connectorID, host),
		})
	}
	return out
}

// Len reports the number of (connectorID, host) pairs currently tracked.
// Exposed for tests and diagnostics.
func (cb *CircuitBreaker) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.breakers)
}

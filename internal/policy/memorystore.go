package policy

import (
	"sync"
	"time"
)

// bucket holds token-bucket state for one key.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// window holds fixed-window counter state for one key.
type window struct {
	count      int64
	windowEnds time.Time
}

// MemoryStore is a single-process Store backed by two mutex-guarded maps, in the
// same spirit as the gateway's per-connector circuit breaker map.
type MemoryStore struct {
	bucketsMu sync.Mutex
	buckets   map[string]*bucket

	windowsMu sync.Mutex
	windows   map[string]*window
}

// NewMemoryStore returns an empty, ready-to-use in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]*bucket),
		windows: make(map[string]*window),
	}
}

func (s *MemoryStore) TakeToken(key string, capacity int64, refillPerSecond float64, now time.Time) (BucketState, error) {
	s.bucketsMu.Lock()
	defer s.bucketsMu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(capacity), lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillPerSecond
		if b.tokens > float64(capacity) {
			b.tokens = float64(capacity)
		}
		b.lastRefill = now
	}

	resetAt := now
	if refillPerSecond > 0 && b.tokens < float64(capacity) {
		secondsToFull := (float64(capacity) - b.tokens) / refillPerSecond
		resetAt = now.Add(time.Duration(secondsToFull * float64(time.Second)))
	}

	if b.tokens < 1 {
		return BucketState{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	b.tokens--
	return BucketState{Allowed: true, Remaining: int64(b.tokens), ResetAt: resetAt}, nil
}

func (s *MemoryStore) IncrementWindow(key string, dur time.Duration, now time.Time) (int64, time.Time, error) {
	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.After(w.windowEnds) {
		w = &window{count: 0, windowEnds: now.Add(dur)}
		s.windows[key] = w
	}

	w.count++
	return w.count, w.windowEnds, nil
}

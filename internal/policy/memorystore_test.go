package policy

import (
	"testing"
	"time"
)

func TestMemoryStoreTakeToken(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	for i := 0; i < 3; i++ {
		st, err := s.TakeToken("k", 3, 1, now)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !st.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}

	st, err := s.TakeToken("k", 3, 1, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Allowed {
		t.Error("expected deny once capacity exhausted")
	}

	// After waiting long enough for a full refill, the bucket allows again.
	later := now.Add(5 * time.Second)
	st, err = s.TakeToken("k", 3, 1, later)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Allowed {
		t.Error("expected allow after refill window elapsed")
	}
}

func TestMemoryStoreIncrementWindow(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()

	count, resetAt, err := s.IncrementWindow("q", time.Hour, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count=1, got %d", count)
	}
	if !resetAt.After(now) {
		t.Errorf("expected resetAt after now")
	}

	count, _, err = s.IncrementWindow("q", time.Hour, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count=2, got %d", count)
	}

	// After the window rolls over, the counter resets.
	count, _, err = s.IncrementWindow("q", time.Hour, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected count reset to 1 after window rollover, got %d", count)
	}
}

func TestEngineEvaluateAllowsWithNoRules(t *testing.T) {
	e := NewEngine(NewMemoryStore())
	d, err := e.Evaluate(Request{EndpointID: "ep1", CallerID: "c1", Now: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Error("expected allow with no configured rules")
	}
}

func TestEngineEvaluateRateLimitDeny(t *testing.T) {
	e := NewEngine(NewMemoryStore())
	now := time.Now()
	req := Request{
		EndpointID:  "ep1",
		ConnectorID: "conn1",
		CallerID:    "c1",
		ScopeID:     "s1",
		RateLimit:   &RateLimitRule{Capacity: 1, RefillPerSecond: 0},
		Now:         now,
	}

	d, err := e.Evaluate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected first request allowed")
	}

	d, err = e.Evaluate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected second request denied")
	}
	if d.StatusCode != 429 {
		t.Errorf("expected 429, got %d", d.StatusCode)
	}
	if d.Headers["Retry-After"] == "" {
		t.Error("expected Retry-After header on deny")
	}
	if d.Headers["X-RateLimit-Limit"] == "" {
		t.Error("expected X-RateLimit-Limit header on deny")
	}
}

func TestEngineEvaluateQuotaDeny(t *testing.T) {
	e := NewEngine(NewMemoryStore())
	now := time.Now()
	req := Request{
		EndpointID: "ep1",
		ScopeID:    "s1",
		Quota:      &QuotaRule{Hour: 1},
		Now:        now,
	}

	d, err := e.Evaluate(req)
	if err != nil || !d.Allowed {
		t.Fatalf("expected first request allowed, got %+v err=%v", d, err)
	}

	d, err = e.Evaluate(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected quota-exceeded deny")
	}
}

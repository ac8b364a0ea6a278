package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/svcgw/gateway/internal/auth"
	"github.com/svcgw/gateway/internal/cache"
	"github.com/svcgw/gateway/internal/catalog"
	"github.com/svcgw/gateway/internal/policy"
	"github.com/svcgw/gateway/internal/secrets"
	"github.com/svcgw/gateway/internal/upstream"
	"github.com/svcgw/gateway/internal/usage"
)

// --- helpers ----------------------------------------------------------------

// captureSink records every batch it receives, for asserting on usage records.
type captureSink struct {
	mu      sync.Mutex
	records []usage.Record
}

func (s *captureSink) WriteBatch(_ context.Context, recs []usage.Record) error {
	s.mu.Lock()
	s.records = append(s.records, recs...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) all() []usage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]usage.Record, len(s.records))
	copy(out, s.records)
	return out
}

// harness bundles a fully wired Executor with in-memory collaborators and an
// httptest upstream.
type harness struct {
	exec     *Executor
	cat      *catalog.MemoryCatalog
	secrets  *secrets.MemoryStore
	sink     *captureSink
	buf      *usage.Buffer
	upstream *httptest.Server
	dials    *int64
}

// newHarness builds the default test world: one private connector "weather"
// owned by team-a, with a cacheable GET endpoint and a POST endpoint, backed
// by an httptest upstream that returns 200 {"temp":72}.
func newHarness(t *testing.T, mutate func(*catalog.Connector, []*catalog.Endpoint)) *harness {
	t.Helper()

	var dials int64
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&dials, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"temp":72}`))
	}))
	t.Cleanup(up.Close)

	conn := &catalog.Connector{
		ID:           "conn-weather",
		Slug:         "weather",
		TeamID:       "team-a",
		Visibility:   catalog.VisibilityPrivate,
		AllowedHosts: []string{"127.0.0.1"},
	}
	endpoints := []*catalog.Endpoint{
		{
			ID:                  "ep-forecast",
			Name:                "forecast",
			Method:              "GET",
			ConsumerPathPattern: "v1/forecast",
			UpstreamURLTemplate: up.URL + "/v1/forecast",
			CacheTTLMs:          60_000,
		},
		{
			ID:                  "ep-report",
			Name:                "report",
			Method:              "POST",
			ConsumerPathPattern: "v1/report",
			UpstreamURLTemplate: up.URL + "/v1/report",
		},
	}
	if mutate != nil {
		mutate(conn, endpoints)
	}

	cat := catalog.NewMemoryCatalog()
	cat.Put(conn, endpoints)

	keys := auth.NewStaticAPIKeys(map[string]auth.APIKeyRecord{
		"gwk_team_a": {ID: "key-a", ScopeID: "team-a", CallerID: "svc-a"},
		"gwk_team_b": {ID: "key-b", ScopeID: "team-b", CallerID: "svc-b"},
	})

	secretStore := secrets.NewMemoryStore()

	sink := &captureSink{}
	buf := usage.New(context.Background(), sink, usage.Config{FlushInterval: time.Hour}, nil)
	t.Cleanup(func() { _ = buf.Close() })

	memCache := cache.NewMemoryCache(context.Background(), 100)
	t.Cleanup(memCache.Close)

	exec := &Executor{
		AuthStore:              auth.NewCompositeStore(nil, keys),
		Catalog:                cat,
		Policy:                 policy.NewEngine(policy.NewMemoryStore()),
		Secrets:                secretStore,
		Cache:                  memCache,
		Proxy:                  upstream.New(nil, nil),
		UsageBuffer:            buf,
		DefaultUpstreamTimeout: 5 * time.Second,
	}

	return &harness{
		exec:     exec,
		cat:      cat,
		secrets:  secretStore,
		sink:     sink,
		buf:      buf,
		upstream: up,
		dials:    &dials,
	}
}

// drainUsage closes the buffer to force a final flush and returns all records.
func (h *harness) drainUsage(t *testing.T) []usage.Record {
	t.Helper()
	if err := h.buf.Close(); err != nil {
		t.Fatalf("buffer close: %v", err)
	}
	return h.sink.all()
}

func gwRequest(method, connector, path, query, apiKey string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	uri := "/api/v1/gw/" + connector + "/" + path
	if query != "" {
		uri += "?" + query
	}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if apiKey != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+apiKey)
	}
	ctx.SetUserValue("connector", connector)
	ctx.SetUserValue("path", path)
	ctx.SetUserValue("request_id", "req-1")
	ctx.SetUserValue("trace_id", "trace-1")
	return ctx
}

func errorCode(t *testing.T, ctx *fasthttp.RequestCtx) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (body: %s)", err, ctx.Response.Body())
	}
	return env.Error.Code
}

// --- pipeline tests ----------------------------------------------------------

func TestHandle_HappyPath(t *testing.T) {
	h := newHarness(t, nil)

	ctx := gwRequest("GET", "weather", "v1/forecast", "city=NYC", "gwk_team_a")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200, got %d (body: %s)", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got := string(ctx.Response.Body()); got != `{"temp":72}` {
		t.Errorf("unexpected body: %s", got)
	}
	if got := string(ctx.Response.Header.Peek("X-Gateway-Cache")); got != "MISS" {
		t.Errorf("expected X-Gateway-Cache MISS, got %q", got)
	}
	if got := string(ctx.Response.Header.Peek("x-request-id")); got != "req-1" {
		t.Errorf("expected x-request-id req-1, got %q", got)
	}

	recs := h.drainUsage(t)
	if len(recs) != 1 {
		t.Fatalf("expected exactly 1 usage record, got %d", len(recs))
	}
	r := recs[0]
	if r.StatusCode != 200 || r.Cached || r.ScopeID != "team-a" || r.ConnectorID != "conn-weather" || r.EndpointName != "forecast" {
		t.Errorf("unexpected usage record: %+v", r)
	}
	if r.CallerType != usage.CallerAPIKey || r.APIKeyID != "key-a" {
		t.Errorf("unexpected caller fields: %+v", r)
	}
}

func TestHandle_CacheRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	first := gwRequest("GET", "weather", "v1/forecast", "city=NYC", "gwk_team_a")
	h.exec.Handle(first)
	second := gwRequest("GET", "weather", "v1/forecast", "city=NYC", "gwk_team_a")
	h.exec.Handle(second)

	if got := string(second.Response.Header.Peek("X-Gateway-Cache")); got != "HIT" {
		t.Fatalf("expected HIT on second request, got %q", got)
	}
	if string(first.Response.Body()) != string(second.Response.Body()) {
		t.Errorf("cached body differs: %s vs %s", first.Response.Body(), second.Response.Body())
	}
	if n := atomic.LoadInt64(h.dials); n != 1 {
		t.Errorf("expected exactly 1 upstream dial, got %d", n)
	}

	recs := h.drainUsage(t)
	if len(recs) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(recs))
	}
	hit := recs[1]
	if !hit.Cached || hit.UpstreamLatencyMs != 0 {
		t.Errorf("cache-hit record should have cached=true, upstreamLatencyMs=0: %+v", hit)
	}
}

func TestHandle_DifferentQueryMissesCache(t *testing.T) {
	h := newHarness(t, nil)

	h.exec.Handle(gwRequest("GET", "weather", "v1/forecast", "city=NYC", "gwk_team_a"))
	h.exec.Handle(gwRequest("GET", "weather", "v1/forecast", "city=SF", "gwk_team_a"))

	if n := atomic.LoadInt64(h.dials); n != 2 {
		t.Errorf("different query strings must not share a cache entry; got %d dials", n)
	}
}

func TestHandle_Unauthorized(t *testing.T) {
	h := newHarness(t, nil)

	for _, key := range []string{"", "gwk_unknown"} {
		ctx := gwRequest("GET", "weather", "v1/forecast", "", key)
		h.exec.Handle(ctx)
		if ctx.Response.StatusCode() != 401 {
			t.Errorf("key %q: expected 401, got %d", key, ctx.Response.StatusCode())
		}
		if code := errorCode(t, ctx); code != "UNAUTHORIZED" {
			t.Errorf("key %q: expected UNAUTHORIZED, got %s", key, code)
		}
	}

	recs := h.drainUsage(t)
	if len(recs) != 2 {
		t.Fatalf("rejections must still produce usage records; got %d", len(recs))
	}
}

func TestHandle_PrivateConnectorHiddenAcrossScopes(t *testing.T) {
	h := newHarness(t, nil)

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_b")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 404 {
		t.Fatalf("expected 404 for foreign scope, got %d", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx); code != "NOT_FOUND" {
		t.Errorf("authorization failures must surface as NOT_FOUND, got %s", code)
	}
	if n := atomic.LoadInt64(h.dials); n != 0 {
		t.Errorf("no upstream dial expected, got %d", n)
	}
}

func TestHandle_PublicConnectorVisibleToAll(t *testing.T) {
	h := newHarness(t, func(c *catalog.Connector, _ []*catalog.Endpoint) {
		c.Visibility = catalog.VisibilityPublic
	})

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_b")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("public connector should be reachable from any scope, got %d", ctx.Response.StatusCode())
	}
}

func TestHandle_EndpointScopeRestriction(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.AuthStore = auth.NewCompositeStore(nil, auth.NewStaticAPIKeys(map[string]auth.APIKeyRecord{
		"gwk_restricted": {ID: "key-r", ScopeID: "team-a", CallerID: "svc-r", AllowedEndpoints: []string{"report"}},
	}))

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_restricted")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 403 {
		t.Fatalf("expected 403, got %d", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx); code != "FORBIDDEN" {
		t.Errorf("expected FORBIDDEN, got %s", code)
	}
}

func TestHandle_IPAllowlist(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.AuthStore = auth.NewCompositeStore(nil, auth.NewStaticAPIKeys(map[string]auth.APIKeyRecord{
		"gwk_ip": {ID: "key-ip", ScopeID: "team-a", CallerID: "svc-ip", AllowedIPs: []string{"10.0.0.0/8"}},
	}))

	allowed := gwRequest("GET", "weather", "v1/forecast", "", "gwk_ip")
	allowed.Request.Header.Set("X-Forwarded-For", "10.1.2.3")
	h.exec.Handle(allowed)
	if allowed.Response.StatusCode() != 200 {
		t.Errorf("in-range IP should pass, got %d", allowed.Response.StatusCode())
	}

	denied := gwRequest("GET", "weather", "v1/forecast", "", "gwk_ip")
	denied.Request.Header.Set("X-Forwarded-For", "192.168.1.1")
	h.exec.Handle(denied)
	if denied.Response.StatusCode() != 403 {
		t.Errorf("out-of-range IP should be rejected, got %d", denied.Response.StatusCode())
	}
}

func TestHandle_SizeCap(t *testing.T) {
	h := newHarness(t, func(_ *catalog.Connector, eps []*catalog.Endpoint) {
		eps[1].MaxRequestSize = 10
	})

	ctx := gwRequest("POST", "weather", "v1/report", "", "gwk_team_a")
	ctx.Request.SetBody([]byte(strings.Repeat("x", 100)))
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 413 {
		t.Fatalf("expected 413, got %d", ctx.Response.StatusCode())
	}
	if n := atomic.LoadInt64(h.dials); n != 0 {
		t.Errorf("oversized request must never reach upstream, got %d dials", n)
	}
}

func TestHandle_BlockedHost(t *testing.T) {
	h := newHarness(t, func(c *catalog.Connector, _ []*catalog.Endpoint) {
		c.AllowedHosts = []string{"weather.example.com"}
	})

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_a")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx); code != "BLOCKED_HOST" {
		t.Errorf("expected BLOCKED_HOST, got %s", code)
	}
	if n := atomic.LoadInt64(h.dials); n != 0 {
		t.Errorf("blocked host must never be dialed, got %d dials", n)
	}
}

func TestHandle_RateLimited(t *testing.T) {
	h := newHarness(t, func(_ *catalog.Connector, eps []*catalog.Endpoint) {
		eps[0].RateLimit = &catalog.RateLimitRule{Capacity: 1, RefillPerSecond: 0.001}
	})

	first := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_a")
	h.exec.Handle(first)
	if first.Response.StatusCode() != 200 {
		t.Fatalf("first request should pass, got %d", first.Response.StatusCode())
	}

	second := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_a")
	h.exec.Handle(second)
	if second.Response.StatusCode() != 429 {
		t.Fatalf("second request should be limited, got %d", second.Response.StatusCode())
	}
	if code := errorCode(t, second); code != "RATE_LIMITED" {
		t.Errorf("expected RATE_LIMITED, got %s", code)
	}
	if got := string(second.Response.Header.Peek("X-RateLimit-Remaining")); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
	if got := string(second.Response.Header.Peek("Retry-After")); got == "" {
		t.Error("expected Retry-After header on 429")
	}
}

func TestHandle_ValidationError(t *testing.T) {
	h := newHarness(t, func(_ *catalog.Connector, eps []*catalog.Endpoint) {
		eps[1].Validation.RequiredHeaders = []string{"X-Client-Version"}
	})

	ctx := gwRequest("POST", "weather", "v1/report", "", "gwk_team_a")
	ctx.Request.SetBody([]byte(`{}`))
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx); code != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %s", code)
	}
}

func TestHandle_SecretHeaderInjection(t *testing.T) {
	var gotKey atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("X-Api-Key"))
		w.WriteHeader(200)
	}))
	defer up.Close()

	h := newHarness(t, func(c *catalog.Connector, eps []*catalog.Endpoint) {
		c.SecretRefs = map[string]string{"api_key": "ref-weather"}
		eps[0].UpstreamURLTemplate = up.URL + "/v1/forecast"
		eps[0].HeaderRules = []catalog.HeaderRule{
			{Add: true, Name: "X-Api-Key", Value: "{secret.api_key}"},
		}
	})
	h.secrets.Put("team-a", "ref-weather", "s3cr3t")

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_a")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200, got %d (body: %s)", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if got, _ := gotKey.Load().(string); got != "s3cr3t" {
		t.Errorf("upstream should receive the resolved secret, got %q", got)
	}
}

func TestHandle_PathParamSubstitution(t *testing.T) {
	var gotPath atomic.Value
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		w.WriteHeader(200)
	}))
	defer up.Close()

	h := newHarness(t, func(_ *catalog.Connector, eps []*catalog.Endpoint) {
		eps[0].ConsumerPathPattern = "v1/city/:name"
		eps[0].UpstreamURLTemplate = up.URL + "/lookup/{name}"
	})

	ctx := gwRequest("GET", "weather", "v1/city/oslo", "", "gwk_team_a")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if got, _ := gotPath.Load().(string); got != "/lookup/oslo" {
		t.Errorf("expected path param substitution to /lookup/oslo, got %q", got)
	}
}

func TestHandle_UpstreamTimeoutMapsTo504(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer slow.Close()

	h := newHarness(t, func(_ *catalog.Connector, eps []*catalog.Endpoint) {
		eps[0].UpstreamURLTemplate = slow.URL + "/v1/forecast"
		eps[0].TimeoutMs = 50
	})

	ctx := gwRequest("GET", "weather", "v1/forecast", "", "gwk_team_a")
	h.exec.Handle(ctx)

	if ctx.Response.StatusCode() != 504 {
		t.Fatalf("expected 504, got %d", ctx.Response.StatusCode())
	}
	if code := errorCode(t, ctx); code != "UPSTREAM_TIMEOUT" {
		t.Errorf("expected UPSTREAM_TIMEOUT, got %s", code)
	}

	recs := h.drainUsage(t)
	if len(recs) != 1 || recs[0].StatusCode != 504 {
		t.Errorf("usage record should capture the 504: %+v", recs)
	}
}

func TestEffectiveSizeCap(t *testing.T) {
	cases := []struct {
		endpoint, principal, want int64
	}{
		{0, 0, 0},
		{100, 0, 100},
		{0, 50, 50},
		{100, 50, 50},
		{50, 100, 50},
	}
	for _, c := range cases {
		if got := effectiveSizeCap(c.endpoint, c.principal); got != c.want {
			t.Errorf("effectiveSizeCap(%d, %d) = %d, want %d", c.endpoint, c.principal, got, c.want)
		}
	}
}

// Package gateway wires the pipeline executor: the sequential, cancellable
// stage chain that turns one consumer HTTP request into one upstream call
// and exactly one usage record.
package gateway

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/svcgw/gateway/internal/auth"
	"github.com/svcgw/gateway/internal/cache"
	"github.com/svcgw/gateway/internal/catalog"
	"github.com/svcgw/gateway/internal/metrics"
	"github.com/svcgw/gateway/internal/policy"
	"github.com/svcgw/gateway/internal/secrets"
	"github.com/svcgw/gateway/internal/transform"
	"github.com/svcgw/gateway/internal/upstream"
	"github.com/svcgw/gateway/internal/usage"
	"github.com/svcgw/gateway/internal/validator"
	"github.com/svcgw/gateway/pkg/apierr"
)

// Executor owns every collaborator the pipeline stages need. Catalog and
// Proxy are required; every other field is nil-checked, so partial
// deployments (no cache, no metrics) need no stub wiring. A nil AuthStore
// rejects every request as unauthorized.
type Executor struct {
	AuthStore auth.Store
	Catalog   catalog.Catalog
	Policy    *policy.Engine
	Secrets   secrets.Store
	Cache     cache.Cache

	CacheExclusions *cache.ExclusionList
	CacheDefaultTTL time.Duration

	Proxy       *upstream.Proxy
	UsageBuffer *usage.Buffer
	Metrics     *metrics.Registry
	Log         *slog.Logger

	DefaultUpstreamTimeout time.Duration
	Region                 string

	// PassthroughResponseHeaders is the set of upstream response headers
	// copied onto the consumer response verbatim (response builder).
	PassthroughResponseHeaders []string
}

// pipelineState carries everything accumulated across stages for one
// request. It lives exactly as long as the request.
type pipelineState struct {
	ctx     *fasthttp.RequestCtx
	startAt time.Time

	requestID string
	traceID   string

	principal *auth.Principal
	match     *catalog.Match

	method       string
	slug         string
	consumerPath string
	query        string
	isBinary     bool
	body         []byte

	cacheKey      string
	cacheEligible bool

	policyHeaders map[string]string

	cached            bool
	streaming         bool
	statusCode        int
	upstreamLatencyMs int64
	respBytes         int64
	errMsg            string
}

// Handle is the fasthttp entrypoint registered for
// ANY /api/v1/gw/{connector}/{path...}.
func (e *Executor) Handle(ctx *fasthttp.RequestCtx) {
	st := &pipelineState{
		ctx:          ctx,
		startAt:      time.Now(),
		requestID:    stringUserValue(ctx, "request_id"),
		traceID:      stringUserValue(ctx, "trace_id"),
		method:       string(ctx.Method()),
		slug:         stringUserValue(ctx, "connector"),
		consumerPath: stringUserValue(ctx, "path"),
		query:        string(ctx.URI().QueryString()),
	}
	st.statusCode = 0

	if e.Metrics != nil {
		e.Metrics.IncInFlight()
		defer e.Metrics.DecInFlight()
	}
	defer e.logUsage(st)

	// observeStage records the elapsed time since the previous stage
	// boundary; stages that short-circuit are not observed.
	stageStart := st.startAt
	observeStage := func(stage string) {
		if e.Metrics == nil {
			return
		}
		now := time.Now()
		e.Metrics.ObserveStage(stage, now.Sub(stageStart))
		stageStart = now
	}

	// Stage 2: authorize.
	credential := auth.ParseBearerToken(string(ctx.Request.Header.Peek("Authorization")))
	principal, err := e.authorize(ctx, credential)
	if err != nil || principal == nil {
		e.reject(st, apierr.CodeUnauthorized, "missing or invalid credential", 401)
		return
	}
	st.principal = principal
	observeStage("authorize")

	// Stage 3: resolve config.
	match, err := e.Catalog.Resolve(principal.ScopeID, st.slug, st.method, st.consumerPath)
	if err != nil || match == nil {
		e.reject(st, apierr.CodeNotFound, "connector or endpoint not found", 404)
		return
	}
	st.match = match
	observeStage("resolve")

	// Stage 4: read body (GET/HEAD never carry one to the upstream).
	if st.method != fasthttp.MethodGet && st.method != fasthttp.MethodHead {
		st.isBinary = match.Endpoint.BodyTransform == catalog.BodyBinary
		st.body = ctx.PostBody()
	}

	// Stage 5: verify ownership.
	if !auth.VerifyConnectorAccess(principal, match.Connector.TeamID, match.Connector.OwnerUserID, string(match.Connector.Visibility)) {
		e.reject(st, apierr.CodeNotFound, "connector or endpoint not found", 404)
		return
	}

	// Stage 6: endpoint scope check.
	if !principal.EndpointAllowed(match.Endpoint.ID, match.Endpoint.Name) {
		e.reject(st, apierr.CodeForbidden, "endpoint not permitted for this credential", 403)
		return
	}

	// Stage 7: IP allowlist.
	if len(principal.AllowedIPs) > 0 {
		clientIP := auth.ClientIP(
			string(ctx.Request.Header.Peek("X-Forwarded-For")),
			string(ctx.Request.Header.Peek("X-Real-IP")),
			ctx.RemoteAddr().String(),
		)
		if clientIP == "" {
			e.reject(st, apierr.CodeForbidden, "client IP could not be determined", 403)
			return
		}
		if !auth.IPAllowed(clientIP, principal.AllowedIPs) {
			e.reject(st, apierr.CodeForbidden, "client IP not permitted", 403)
			return
		}
	}

	// Stage 8: size cap.
	if sizeCap := effectiveSizeCap(match.Endpoint.MaxRequestSize, principal.MaxRequestSize); sizeCap > 0 && int64(len(st.body)) > sizeCap {
		e.reject(st, apierr.CodePayloadTooLarge, "request body exceeds the configured size limit", 413)
		return
	}

	// Stage 9: policy enforcement.
	if e.Policy != nil {
		decision, err := e.Policy.Evaluate(buildPolicyRequest(principal, match))
		if err == nil && e.Metrics != nil {
			result := "allow"
			if !decision.Allowed {
				result = "deny"
			}
			e.Metrics.RecordPolicyDecision("rate_limit", result)
		}
		if err == nil && !decision.Allowed {
			e.applyHeaders(ctx, decision.Headers)
			status := decision.StatusCode
			if status == 0 {
				status = 429
			}
			e.reject(st, apierr.CodeRateLimited, decision.Reason, status)
			return
		}
		if err == nil {
			st.policyHeaders = decision.Headers
		}
	}
	observeStage("policy")

	// Stage 10: validate.
	if result, err := validator.Validate(toValidatorRules(match.Endpoint.Validation), headersToMap(&ctx.Request.Header), st.body, st.isBinary); err == nil && !result.Valid {
		e.reject(st, apierr.CodeValidationError, result.Error, 400)
		return
	}
	observeStage("validate")

	// Stage 11: cache check (GET only).
	cacheTTL := e.CacheDefaultTTL
	if match.Endpoint.CacheTTLMs > 0 {
		cacheTTL = time.Duration(match.Endpoint.CacheTTLMs) * time.Millisecond
	}
	st.cacheEligible = e.Cache != nil && st.method == fasthttp.MethodGet && cacheTTL > 0 &&
		!e.CacheExclusions.Matches(st.slug, st.consumerPath)
	if e.Metrics != nil && e.Cache != nil && st.method == fasthttp.MethodGet && !st.cacheEligible {
		e.Metrics.CacheGetBypass()
	}
	if st.cacheEligible {
		st.cacheKey = cache.BuildKey(cache.Key{
			ScopeID: principal.ScopeID,
			Slug:    st.slug,
			Method:  st.method,
			Path:    st.consumerPath + "?" + st.query,
			Body:    st.body,
		})
		if entry, ok := e.Cache.Get(ctx, st.cacheKey); ok {
			e.writeCacheHit(st, entry)
			return
		}
	}
	observeStage("cache_lookup")

	// Stage 12: resolve secrets.
	resolvedSecrets := secrets.Resolve(ctx, e.Secrets, secrets.Request{
		ScopeID:       principal.ScopeID,
		SecretRefs:    match.Connector.SecretRefs,
		ConnectorSlug: st.slug,
		Public:        match.Connector.Visibility == catalog.VisibilityPublic,
		OwnerUserID:   match.Connector.OwnerUserID,
	})
	observeStage("secrets")

	// Stage 13: transform request.
	out, err := transform.Build(transform.Input{
		Method:        st.method,
		UpstreamURL:   match.Endpoint.UpstreamURLTemplate,
		PathParams:    match.PathParams,
		Secrets:       resolvedSecrets,
		Query:         st.query,
		HeaderRules:   match.Endpoint.HeaderRules,
		PassedHeaders: headersToMap(&ctx.Request.Header),
		BodyTransform: match.Endpoint.BodyTransform,
		BodyTemplate:  match.Endpoint.BodyTemplate,
		ConsumerBody:  st.body,
		IsBinary:      st.isBinary,
	})
	if err != nil {
		e.reject(st, apierr.CodeUpstreamError, "failed to build upstream request", 502)
		return
	}
	observeStage("transform")

	// Stage 14: proxy upstream.
	timeout := e.DefaultUpstreamTimeout
	if match.Endpoint.TimeoutMs > 0 {
		timeout = time.Duration(match.Endpoint.TimeoutMs) * time.Millisecond
	} else if match.Connector.DefaultTimeoutMs > 0 {
		timeout = time.Duration(match.Connector.DefaultTimeoutMs) * time.Millisecond
	}

	resp, err := e.Proxy.Do(ctx, match.Connector.ID, upstream.Request{
		Method:       st.method,
		URL:          out.URL,
		Headers:      out.Headers,
		Body:         out.Body,
		AllowedHosts: match.Connector.AllowedHosts,
		Timeout:      timeout,
		Retries:      match.Endpoint.Retries,
		Streaming:    match.Connector.StreamingEnabled,
	})
	if err != nil {
		if e.Metrics != nil {
			e.Metrics.ObserveUpstreamAttempt(st.slug, "error", time.Since(st.startAt))
		}
		e.rejectProxyError(st, err)
		return
	}
	st.upstreamLatencyMs = resp.UpstreamLatency.Milliseconds()
	if e.Metrics != nil {
		e.Metrics.ObserveUpstreamAttempt(st.slug, "ok", resp.UpstreamLatency)
	}
	observeStage("proxy")

	// Stage 15: build response.
	if resp.Stream != nil {
		e.writeStreamingResponse(st, resp)
		return
	}
	e.writeBufferedResponse(st, resp)

	// Stage 16: cache store (GET 2xx). Only the headers actually emitted to
	// the consumer are stored, so a later HIT reproduces the MISS response
	// rather than the raw upstream header set.
	if st.cacheEligible && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		headers := make(map[string]string, len(e.PassthroughResponseHeaders)+1)
		for _, name := range e.PassthroughResponseHeaders {
			if v := resp.Headers.Get(name); v != "" {
				headers[name] = v
			}
		}
		if ct := resp.Headers.Get("Content-Type"); ct != "" {
			headers["Content-Type"] = ct
		}
		err := e.Cache.Set(ctx, st.cacheKey, cache.Entry{Body: resp.Body, Status: resp.StatusCode, Headers: headers}, cacheTTL)
		if e.Metrics != nil {
			if err != nil {
				e.Metrics.CacheSetError()
			} else {
				e.Metrics.CacheSetOK()
			}
		}
	}

	// Stage 17 runs via the deferred e.logUsage(st) above.
}

func (e *Executor) authorize(ctx context.Context, credential string) (*auth.Principal, error) {
	if e.AuthStore == nil || credential == "" {
		return nil, nil
	}
	return e.AuthStore.Resolve(ctx, credential)
}

// reject writes the error envelope and records the outcome for the usage log.
func (e *Executor) reject(st *pipelineState, code apierr.Code, message string, status int) {
	apierr.WriteStatus(st.ctx, status, code, message, st.requestID, st.traceID)
	st.statusCode = status
	st.errMsg = message
	if e.Metrics != nil {
		e.Metrics.RecordRejection(string(code))
	}
}

func (e *Executor) rejectProxyError(st *pipelineState, err error) {
	if st.ctx.Err() != nil {
		// The consumer went away mid-flight. There is nobody to write an
		// envelope to, but the usage record still captures the abort and the
		// latency observed so far.
		st.statusCode = 499
		st.errMsg = "client closed request"
		return
	}
	pe, ok := err.(*upstream.ProxyError)
	if !ok {
		e.reject(st, apierr.CodeUpstreamError, err.Error(), 502)
		return
	}
	code := apierr.Code(pe.Code)
	e.reject(st, code, pe.Message, pe.StatusCode)
}

func (e *Executor) applyHeaders(ctx *fasthttp.RequestCtx, headers map[string]string) {
	for k, v := range headers {
		ctx.Response.Header.Set(k, v)
	}
}

func (e *Executor) writeCacheHit(st *pipelineState, entry cache.Entry) {
	ctx := st.ctx
	for k, v := range entry.Headers {
		ctx.Response.Header.Set(k, v)
	}
	e.applyHeaders(ctx, st.policyHeaders)
	ctx.Response.Header.Set("x-request-id", st.requestID)
	ctx.Response.Header.Set("x-trace-id", st.traceID)
	ctx.Response.Header.Set("X-Gateway-Cache", "HIT")
	ctx.SetStatusCode(entry.Status)
	ctx.SetBody(entry.Body)

	st.cached = true
	st.statusCode = entry.Status
	st.respBytes = int64(len(entry.Body))
	st.upstreamLatencyMs = 0

	if e.Metrics != nil {
		e.Metrics.CacheGetHit()
	}
}

func (e *Executor) writeBufferedResponse(st *pipelineState, resp *upstream.Response) {
	ctx := st.ctx
	for _, name := range e.PassthroughResponseHeaders {
		if v := resp.Headers.Get(name); v != "" {
			ctx.Response.Header.Set(name, v)
		}
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		ctx.SetContentType(ct)
	}
	e.applyHeaders(ctx, st.policyHeaders)
	ctx.Response.Header.Set("x-request-id", st.requestID)
	ctx.Response.Header.Set("x-trace-id", st.traceID)
	if st.method == fasthttp.MethodGet {
		ctx.Response.Header.Set("X-Gateway-Cache", "MISS")
	}
	ctx.SetStatusCode(resp.StatusCode)
	ctx.SetBody(resp.Body)

	st.statusCode = resp.StatusCode
	st.respBytes = int64(len(resp.Body))
	if e.Metrics != nil && st.cacheEligible {
		e.Metrics.CacheGetMiss()
	}
}

// writeStreamingResponse forwards an SSE upstream body chunk-by-chunk with
// no buffering: raw bytes are copied from the upstream stream as they
// arrive, so the gateway passes SSE through verbatim.
func (e *Executor) writeStreamingResponse(st *pipelineState, resp *upstream.Response) {
	ctx := st.ctx
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	e.applyHeaders(ctx, st.policyHeaders)
	ctx.Response.Header.Set("x-request-id", st.requestID)
	ctx.Response.Header.Set("x-trace-id", st.traceID)
	ctx.SetStatusCode(resp.StatusCode)

	st.statusCode = resp.StatusCode

	// The stream writer runs after Handle returns, so the deferred logUsage
	// must yield to it: the usage record for a streamed response is enqueued
	// only once the stream closes, carrying the final byte count.
	st.streaming = true
	stream := resp.Stream
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer stream.Close()
		n, _ := io.Copy(w, stream)
		st.respBytes = n
		_ = w.Flush()
		st.streaming = false
		e.logUsage(st)
	})
}

func (e *Executor) logUsage(st *pipelineState) {
	if e.UsageBuffer == nil || st.streaming {
		return
	}
	if st.statusCode == 0 {
		st.statusCode = st.ctx.Response.StatusCode()
	}

	callerType := usage.CallerUser
	callerID := ""
	apiKeyID := ""
	scopeID := ""
	if st.principal != nil {
		if st.principal.CallerType == auth.CallerTypeAPIKey {
			callerType = usage.CallerAPIKey
		}
		callerID = st.principal.CallerID
		apiKeyID = st.principal.APIKeyID
		scopeID = st.principal.ScopeID
	}

	connectorID, endpointName := "", ""
	if st.match != nil {
		connectorID = st.match.Connector.ID
		endpointName = st.match.Endpoint.Name
	}

	if e.Metrics != nil {
		e.Metrics.ObserveHTTP(st.slug, st.statusCode, time.Since(st.startAt), len(st.body), int(st.respBytes))
	}

	e.UsageBuffer.Enqueue(usage.Record{
		ScopeID:           scopeID,
		ConnectorID:       connectorID,
		EndpointName:      endpointName,
		APIKeyID:          apiKeyID,
		CallerType:        callerType,
		CallerID:          callerID,
		Method:            st.method,
		Path:              st.consumerPath,
		StatusCode:        st.statusCode,
		LatencyMs:         time.Since(st.startAt).Milliseconds(),
		UpstreamLatencyMs: st.upstreamLatencyMs,
		RequestBytes:      int64(len(st.body)),
		ResponseBytes:     st.respBytes,
		Cached:            st.cached,
		Error:             st.errMsg,
		Region:            e.Region,
		Timestamp:         time.Now(),
	})
}

func effectiveSizeCap(endpointCap, principalCap int64) int64 {
	switch {
	case endpointCap <= 0:
		return principalCap
	case principalCap <= 0:
		return endpointCap
	case endpointCap < principalCap:
		return endpointCap
	default:
		return principalCap
	}
}

func buildPolicyRequest(p *auth.Principal, m *catalog.Match) policy.Request {
	req := policy.Request{
		EndpointID:  m.Endpoint.ID,
		ConnectorID: m.Connector.ID,
		CallerID:    p.CallerID,
		ScopeID:     p.ScopeID,
		Now:         time.Now(),
	}
	if m.Endpoint.RateLimit != nil {
		req.RateLimit = &policy.RateLimitRule{
			Capacity:        m.Endpoint.RateLimit.Capacity,
			RefillPerSecond: m.Endpoint.RateLimit.RefillPerSecond,
		}
	}
	if m.Endpoint.Quota != nil {
		req.Quota = &policy.QuotaRule{
			Hour:  m.Endpoint.Quota.Hour,
			Day:   m.Endpoint.Quota.Day,
			Month: m.Endpoint.Quota.Month,
		}
	}
	return req
}

func toValidatorRules(v catalog.Validation) validator.Rules {
	return validator.Rules{
		ContentType:      v.ContentType,
		RequiredHeaders:  v.RequiredHeaders,
		ForbiddenHeaders: v.ForbiddenHeaders,
		BodyRegex:        v.BodyRegex,
		JSONSchema:       v.JSONSchema,
	}
}

func headersToMap(h *fasthttp.RequestHeader) map[string]string {
	out := make(map[string]string)
	h.VisitAll(func(key, value []byte) {
		out[string(key)] = string(value)
	})
	return out
}

func stringUserValue(ctx *fasthttp.RequestCtx, key string) string {
	v, _ := ctx.UserValue(key).(string)
	return v
}

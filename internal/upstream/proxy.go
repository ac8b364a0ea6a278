// Package upstream dials the connector's upstream service: host allowlist
// enforcement, per-attempt timeout, bounded retry with exponential backoff,
// and SSE passthrough streaming.
//
// The outbound client is net/http; fasthttp is reserved for the
// consumer-facing side of the gateway, where arbitrary-host dialing and
// context cancellation matter less than raw throughput.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrorCode is a stable proxy failure kind.
type ErrorCode string

const (
	CodeBlockedHost     ErrorCode = "BLOCKED_HOST"
	CodeUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamUnreach ErrorCode = "UPSTREAM_UNREACHABLE"
	CodeUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	CodeUpstreamBadStat ErrorCode = "UPSTREAM_BAD_STATUS"
)

// ProxyError is the structured failure returned by Do. It always carries the
// HTTP status the gateway should surface to the consumer.
type ProxyError struct {
	Code       ErrorCode
	Message    string
	StatusCode int
	Err        error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream: %s: %s", e.Code, e.Message)
}

func (e *ProxyError) Unwrap() error { return e.Err }

func newProxyError(code ErrorCode, status int, msg string, err error) *ProxyError {
	return &ProxyError{Code: code, Message: msg, StatusCode: status, Err: err}
}

// idempotentMethods are the only methods the proxy retries.
var idempotentMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Request is the fully-built outbound call, already resolved by the
// transformer.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// AllowedHosts is the connector's host-suffix allowlist. Empty means
	// nothing is allowed — callers must configure at least one suffix.
	AllowedHosts []string

	Timeout time.Duration
	Retries int

	// Streaming, when true, permits SSE passthrough when the upstream
	// response advertises text/event-stream; Response.Stream is then
	// non-nil and the caller must read it to completion and Close it.
	Streaming bool
}

// Response is the outcome of a successful Do call.
type Response struct {
	StatusCode int
	Headers    http.Header
	// Body holds the full response for non-streamed calls.
	Body []byte
	// Stream holds the live response body for SSE passthrough; nil unless
	// the upstream negotiated text/event-stream and req.Streaming was set.
	Stream io.ReadCloser

	UpstreamLatency time.Duration
	Attempts        int
}

// Backoff parameters for retried attempts: start at 100ms, cap at 2s,
// doubling each attempt.
const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultBackoffCap  = 2 * time.Second
)

// BreakerMetrics records circuit-breaker rejections for export. Satisfied by
// the process metrics registry; nil disables reporting.
type BreakerMetrics interface {
	RecordCircuitBreakerRejection(connector, host string)
}

// Proxy dials upstream connectors on behalf of the gateway.
type Proxy struct {
	client      *http.Client
	backoffBase time.Duration
	backoffCap  time.Duration
	breakers    *CircuitBreaker
	metrics     BreakerMetrics
}

// New builds a Proxy. client, if nil, defaults to an *http.Client tuned for
// many short-lived connections to arbitrary hosts.
func New(client *http.Client, breakers *CircuitBreaker) *Proxy {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Proxy{
		client:      client,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		breakers:    breakers,
	}
}

// SetMetrics installs the breaker-rejection metrics hook. Must be called
// before the first Do; the field is not synchronized.
func (p *Proxy) SetMetrics(m BreakerMetrics) {
	p.metrics = m
}

// SetBackoff overrides the retry backoff parameters. Zero or negative values
// keep the current setting.
func (p *Proxy) SetBackoff(base, cap time.Duration) {
	if base > 0 {
		p.backoffBase = base
	}
	if cap > 0 {
		p.backoffCap = cap
	}
}

// Do executes req, applying host allowlist, timeout, and retry policy. The
// connectorID is used only to key the circuit breaker.
func (p *Proxy) Do(ctx context.Context, connectorID string, req Request) (*Response, error) {
	host, err := hostOf(req.URL)
	if err != nil {
		return nil, newProxyError(CodeBlockedHost, 400, "invalid upstream url", err)
	}
	if !hostAllowed(host, req.AllowedHosts) {
		return nil, newProxyError(CodeBlockedHost, 400, fmt.Sprintf("host %q is not in the connector's allowlist", host), nil)
	}

	if p.breakers != nil && !p.breakers.Allow(connectorID, host) {
		if p.metrics != nil {
			p.metrics.RecordCircuitBreakerRejection(connectorID, host)
		}
		return nil, newProxyError(CodeUpstreamUnreach, 502, "circuit breaker open for "+host, nil)
	}

	maxAttempts := req.Retries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := idempotentMethods[strings.ToUpper(req.Method)]

	var lastErr error
	start := time.Now()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleepBackoff(ctx, attempt); err != nil {
				return nil, newProxyError(CodeUpstreamTimeout, 504, "cancelled during retry backoff", err)
			}
		}

		resp, proxyErr := p.attempt(ctx, req)
		if proxyErr == nil {
			if p.breakers != nil {
				p.breakers.RecordSuccess(connectorID, host)
			}
			resp.UpstreamLatency = time.Since(start)
			resp.Attempts = attempt + 1
			return resp, nil
		}

		lastErr = proxyErr
		if p.breakers != nil {
			p.breakers.RecordFailure(connectorID, host)
		}

		if !retryable || !isRetryableProxyError(proxyErr) {
			break
		}
	}

	var pe *ProxyError
	if errors.As(lastErr, &pe) {
		return nil, pe
	}
	return nil, newProxyError(CodeUpstreamError, 502, "upstream request failed", lastErr)
}

func (p *Proxy) attempt(ctx context.Context, req Request) (*Response, *ProxyError) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, bodyReader(req.Body))
	if err != nil {
		cancel()
		return nil, newProxyError(CodeUpstreamError, 502, "failed to build upstream request", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, newProxyError(CodeUpstreamTimeout, 504, "upstream timed out", err)
		}
		return nil, newProxyError(CodeUpstreamUnreach, 502, "upstream unreachable", err)
	}

	if req.Streaming && isSSE(httpResp.Header.Get("Content-Type")) {
		// The attempt's context must outlive this function: tie its cancel
		// to the stream's Close so the consumer's disconnect or the
		// overall request context still tears down the dial.
		return &Response{
			StatusCode: httpResp.StatusCode,
			Headers:    httpResp.Header,
			Stream:     &cancelOnClose{ReadCloser: httpResp.Body, cancel: cancel},
		}, nil
	}
	defer cancel()
	defer httpResp.Body.Close()

	if isRetryableStatus(httpResp.StatusCode) {
		return nil, newProxyError(CodeUpstreamBadStat, httpResp.StatusCode, fmt.Sprintf("upstream returned %d", httpResp.StatusCode), nil)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, newProxyError(CodeUpstreamError, 502, "failed to read upstream response", err)
	}

	if httpResp.StatusCode >= 400 {
		return nil, newProxyError(CodeUpstreamBadStat, httpResp.StatusCode, fmt.Sprintf("upstream returned %d", httpResp.StatusCode), nil)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Body:       body,
	}, nil
}

// cancelOnClose wraps a streaming response body so that closing it also
// cancels the attempt's dial context, propagating consumer disconnects to
// the upstream connection.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func isRetryableProxyError(err *ProxyError) bool {
	switch err.Code {
	case CodeUpstreamTimeout, CodeUpstreamUnreach:
		return true
	case CodeUpstreamBadStat:
		return isRetryableStatus(err.StatusCode)
	default:
		return false
	}
}

func isRetryableStatus(status int) bool {
	return status == 502 || status == 503 || status == 504
}

func isSSE(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "text/event-stream")
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return &byteReader{b: b}
}

// byteReader avoids pulling in bytes.Reader's Seek/ReadAt surface we never use.
type byteReader struct {
	b []byte
	i int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func (p *Proxy) sleepBackoff(ctx context.Context, attempt int) error {
	delay := p.backoffBase << uint(attempt-1)
	if delay > p.backoffCap || delay <= 0 {
		delay = p.backoffCap
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	host := parsed.Host
	if host == "" {
		return "", fmt.Errorf("upstream: url %q has no host", rawURL)
	}
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	return strings.ToLower(host), nil
}

func hostAllowed(host string, allowed []string) bool {
	for _, suffix := range allowed {
		suffix = strings.ToLower(strings.TrimPrefix(suffix, "."))
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

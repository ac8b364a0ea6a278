// Package metrics provides the gateway's Prometheus metrics registry.
//
// All metrics live on a private prometheus.Registry (not the global default)
// so the gateway can be embedded without clobbering host-level metrics. The
// /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds every metric exported by the gateway.
type Registry struct {
	reg *prometheus.Registry

	inFlight prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpReqSize       *prometheus.HistogramVec
	httpRespSize      *prometheus.HistogramVec

	// gateway_stage_duration_seconds{stage} — per-pipeline-stage latency.
	stageDuration *prometheus.HistogramVec

	// gateway_pipeline_rejections_total{code} — requests short-circuited by
	// a stage before reaching the upstream proxy.
	rejections *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheOps    *prometheus.CounterVec

	// gateway_policy_decisions_total{kind,result} — rate-limit/quota outcomes.
	policyDecisions *prometheus.CounterVec

	// gateway_upstream_attempts_total{connector,outcome}
	upstreamAttempts *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// gateway_circuit_breaker_state{connector,host}
	circuitBreakerState *prometheus.GaugeVec
	cbRejections        *prometheus.CounterVec

	// gateway_usage_buffer_depth / gateway_usage_dropped_total
	usageBufferDepth prometheus.Gauge
	usageDropped     prometheus.Counter
	usageFlushed     *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

// New builds and registers every metric.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	durationBuckets := []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of consumer HTTP requests handled",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end consumer request duration in seconds",
			Buckets: durationBuckets,
		}, []string{"route"}),

		httpReqSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_size_bytes",
			Help:    "Consumer request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12),
		}, []string{"route"}),

		httpRespSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_response_size_bytes",
			Help:    "Consumer response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 14),
		}, []string{"route", "status"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"stage"}),

		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pipeline_rejections_total",
			Help: "Requests short-circuited before reaching the upstream proxy, by error code",
		}, []string{"code"}),

		cacheHits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_cache_hits_total", Help: "Total response cache hits"}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{Name: "gateway_cache_misses_total", Help: "Total response cache misses"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_operations_total",
			Help: "Cache operations by type and result",
		}, []string{"op", "result"}),

		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_policy_decisions_total",
			Help: "Rate-limit/quota decisions by kind and result",
		}, []string{"kind", "result"}),

		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_upstream_attempts_total",
			Help: "Total upstream calls by outcome, one per proxied request (retries within a call are not counted separately)",
		}, []string{"connector", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_upstream_attempt_duration_seconds",
			Help:    "Upstream attempt duration in seconds",
			Buckets: durationBuckets,
		}, []string{"connector", "outcome"}),

		circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
		}, []string{"connector", "host"}),

		cbRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Requests rejected because the breaker was open",
		}, []string{"connector", "host"}),

		usageBufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_usage_buffer_depth",
			Help: "Number of usage records currently queued",
		}),
		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_usage_dropped_total",
			Help: "Usage records dropped because the buffer was full or a batch write failed",
		}),
		usageFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_usage_flushed_total",
			Help: "Usage records flushed to the sink, by result",
		}, []string{"result"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build information",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal, r.httpDuration, r.httpReqSize, r.httpRespSize,
		r.stageDuration, r.rejections,
		r.cacheHits, r.cacheMisses, r.cacheOps,
		r.policyDecisions,
		r.upstreamAttempts, r.upstreamDuration,
		r.circuitBreakerState, r.cbRejections,
		r.usageBufferDepth, r.usageDropped, r.usageFlushed,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end consumer-facing HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(route, status).Observe(float64(respBytes))
	}
}

// ObserveStage records the duration of a single pipeline stage.
func (r *Registry) ObserveStage(stage string, dur time.Duration) {
	r.stageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// RecordRejection increments the short-circuit counter for an error code.
func (r *Registry) RecordRejection(code string) {
	r.rejections.WithLabelValues(code).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

// RecordPolicyDecision records a rate-limit or quota decision.
func (r *Registry) RecordPolicyDecision(kind, result string) {
	r.policyDecisions.WithLabelValues(kind, result).Inc()
}

// ObserveUpstreamAttempt records one upstream proxy attempt.
func (r *Registry) ObserveUpstreamAttempt(connector, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(connector, outcome).Inc()
	r.upstreamDuration.WithLabelValues(connector, outcome).Observe(dur.Seconds())
}

// SetCircuitBreaker sets the breaker state gauge for (connector, host).
func (r *Registry) SetCircuitBreaker(connector, host string, state int64) {
	key := connector + "|" + host
	r.circuitBreakerState.WithLabelValues(connector, host).Set(float64(state))

	r.cbMu.Lock()
	r.lastCBState[key] = float64(state)
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(connector, host string) {
	r.cbRejections.WithLabelValues(connector, host).Inc()
}

// SetUsageBufferDepth reports the current usage-record queue depth.
func (r *Registry) SetUsageBufferDepth(n int) { r.usageBufferDepth.Set(float64(n)) }

func (r *Registry) RecordUsageDropped(n int) { r.usageDropped.Add(float64(n)) }

func (r *Registry) RecordUsageFlush(result string) { r.usageFlushed.WithLabelValues(result).Inc() }

func (r *Registry) SetBuildInfo(version string) { r.buildInfo.WithLabelValues(version).Set(1) }

// Handler returns the fasthttp handler serving this registry's metrics.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying *prometheus.Registry for embedding.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }

package gateway

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional handlers registered alongside the single
// consumer surface.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Server owns the fasthttp.Server and its router.
type Server struct {
	Executor    *Executor
	CORSOrigins []string
	Mgmt        *ManagementRoutes

	healthCheck    func() map[string]any
	readinessCheck func() bool

	srv *fasthttp.Server
}

// NewServer builds a Server. healthCheck/readinessCheck may be nil, in which
// case the handlers report a static "ok".
func NewServer(exec *Executor, corsOrigins []string, mgmt *ManagementRoutes, healthCheck func() map[string]any, readinessCheck func() bool) *Server {
	return &Server{
		Executor:       exec,
		CORSOrigins:    corsOrigins,
		Mgmt:           mgmt,
		healthCheck:    healthCheck,
		readinessCheck: readinessCheck,
	}
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	r := router.New()

	// The single consumer surface: every connector/endpoint combination
	// routes through one handler, which resolves the rest via the catalog.
	r.ANY("/api/v1/gw/{connector}/{path:*}", s.Executor.Handle)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.Mgmt != nil && s.Mgmt.Metrics != nil {
		r.GET("/metrics", s.Mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		correlationIDs,
		timing,
		corsHandler(s.CORSOrigins),
		securityHeaders,
	)

	// No WriteTimeout: SSE passthrough responses stay open for as long as
	// the upstream keeps streaming, and a fixed write deadline would cut
	// them off mid-stream.
	s.srv = &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.healthCheck == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, s.healthCheck())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.readinessCheck == nil || s.readinessCheck() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

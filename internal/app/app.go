// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse when configured)
//  2. initStores   — auth principals, connector catalog, secret store
//  3. initServices — response cache, metrics, usage buffer
//  4. initGateway  — policy engine + pipeline executor + HTTP server + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/svcgw/gateway/internal/auth"
	gwCache "github.com/svcgw/gateway/internal/cache"
	"github.com/svcgw/gateway/internal/catalog"
	"github.com/svcgw/gateway/internal/config"
	"github.com/svcgw/gateway/internal/gateway"
	"github.com/svcgw/gateway/internal/metrics"
	"github.com/svcgw/gateway/internal/secrets"
	"github.com/svcgw/gateway/internal/upstream"
	"github.com/svcgw/gateway/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *usage.ClickHouseSink

	memCache *gwCache.MemoryCache
	usageBuf *usage.Buffer

	prom *metrics.Registry

	authStore   auth.Store
	cat         *catalog.MemoryCatalog
	secretStore secrets.Store

	breakers *upstream.CircuitBreaker
	mgmt     *gateway.ManagementRoutes
	server   *gateway.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"stores", a.initStores},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.Addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("policy_store", a.cfg.Policy.Store),
		slog.String("usage_sink", a.cfg.Usage.Sink),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(a.cfg.Addr)
	})

	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.prom.SetUsageBufferDepth(a.usageBuf.Depth())
				for _, s := range a.breakers.Snapshot() {
					a.prom.SetCircuitBreaker(s.ConnectorID, s.Host, breakerStateValue(s.State))
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Repeated calls from
// one goroutine are safe; Close takes no lock, so concurrent calls are not.
func (a *App) Close() {
	if a.usageBuf != nil {
		if err := a.usageBuf.Close(); err != nil {
			a.log.Error("usage buffer close error", slog.String("error", err.Error()))
		}
		a.usageBuf = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// readiness handler. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// breakerStateValue maps a breaker state label to its gauge value:
// closed=0, open=1, half_open=2.
func breakerStateValue(state string) int64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

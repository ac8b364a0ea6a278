package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/svcgw/gateway/internal/auth"
	gwCache "github.com/svcgw/gateway/internal/cache"
	"github.com/svcgw/gateway/internal/catalog"
	"github.com/svcgw/gateway/internal/gateway"
	"github.com/svcgw/gateway/internal/metrics"
	"github.com/svcgw/gateway/internal/policy"
	"github.com/svcgw/gateway/internal/secrets"
	"github.com/svcgw/gateway/internal/upstream"
	"github.com/svcgw/gateway/internal/usage"
)

// passthroughResponseHeaders is the fixed whitelist of upstream response
// headers copied verbatim onto the consumer response.
var passthroughResponseHeaders = []string{
	"Content-Length",
	"Content-Encoding",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Content-Disposition",
}

// initInfra establishes optional external connections. Redis is only required
// when the cache or the policy store is configured to use it; ClickHouse only
// when it is the usage sink.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.Policy.Store == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Usage.Sink == "clickhouse" {
		sink, err := usage.NewClickHouseSink(a.cfg.Usage.ClickHouseDSN, "usage_records")
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initStores loads the auth principal store, the connector catalog, and the
// secret store from their seed files. At least one credential form (JWT
// secret or API-key file) must be configured.
func (a *App) initStores(_ context.Context) error {
	var jwtVerifier *auth.JWTVerifier
	if a.cfg.JWT.Secret != "" {
		jwtVerifier = auth.NewJWTVerifier(a.cfg.JWT.Secret, a.cfg.JWT.Audience)
	}

	var apiKeys auth.APIKeyLookup
	if a.cfg.APIKeysPath != "" {
		keys, err := auth.LoadAPIKeysYAML(a.cfg.APIKeysPath)
		if err != nil {
			return err
		}
		apiKeys = keys
		a.log.Info("api keys loaded", slog.Int("count", keys.Len()))
	}

	if jwtVerifier == nil && apiKeys == nil {
		return fmt.Errorf("no credential form configured: set JWT_SECRET and/or API_KEYS_PATH")
	}
	a.authStore = auth.NewCompositeStore(jwtVerifier, apiKeys)

	a.cat = catalog.NewMemoryCatalog()
	if a.cfg.CatalogPath != "" {
		if err := catalog.LoadYAMLFile(a.cat, a.cfg.CatalogPath); err != nil {
			return err
		}
		a.log.Info("catalog loaded", slog.String("path", a.cfg.CatalogPath))
	}

	secretStore := secrets.NewMemoryStore()
	if a.cfg.SecretsPath != "" {
		if err := secrets.LoadYAMLFile(secretStore, a.cfg.SecretsPath); err != nil {
			return err
		}
		a.log.Info("secrets loaded", slog.Int("count", secretStore.Len()))
	}
	a.secretStore = secretStore

	return nil
}

// initServices creates the response cache, the Prometheus metrics registry,
// and the usage buffer.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = gwCache.NewMemoryCache(ctx, a.cfg.Cache.MaxEntries)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink usage.Sink
	if a.chSink != nil {
		sink = a.chSink
	} else {
		sink = usage.NewStdoutSink(a.log)
	}
	a.usageBuf = usage.New(ctx, sink, usage.Config{
		QueueCapacity:        a.cfg.Usage.QueueCapacity,
		BatchSize:            a.cfg.Usage.BatchSize,
		FlushInterval:        a.cfg.Usage.FlushInterval,
		ShutdownDrainTimeout: a.cfg.Usage.ShutdownDrainTimeout,
	}, a.log)
	a.usageBuf.SetMetrics(a.prom)

	return nil
}

// initGateway wires together the pipeline executor and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	var cacheImpl gwCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = gwCache.NewRedisCache(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — the executor handles nil gracefully (no caching)
	}

	var policyStore policy.Store
	switch a.cfg.Policy.Store {
	case "redis":
		policyStore = policy.NewRedisStore(a.rdb)
		a.log.Info("policy store: redis")
	default:
		policyStore = policy.NewMemoryStore()
		a.log.Info("policy store: memory (per-instance)")
	}

	a.breakers = upstream.NewCircuitBreaker(upstream.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})

	proxy := upstream.New(nil, a.breakers)
	proxy.SetBackoff(a.cfg.Upstream.RetryBaseDelay, a.cfg.Upstream.RetryMaxDelay)
	proxy.SetMetrics(a.prom)

	var exclusions *gwCache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	exec := &gateway.Executor{
		AuthStore: a.authStore,
		Catalog:   a.cat,
		Policy:    policy.NewEngine(policyStore),
		Secrets:   a.secretStore,
		Cache:     cacheImpl,

		CacheExclusions: exclusions,
		CacheDefaultTTL: a.cfg.Cache.DefaultTTL,

		Proxy:       proxy,
		UsageBuffer: a.usageBuf,
		Metrics:     a.prom,
		Log:         a.log,

		DefaultUpstreamTimeout: a.cfg.Upstream.DefaultTimeout,
		Region:                 a.cfg.Region,

		PassthroughResponseHeaders: passthroughResponseHeaders,
	}

	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	health := func() map[string]any {
		return map[string]any{
			"status":           "ok",
			"version":          a.version,
			"cache_mode":       a.cfg.Cache.Mode,
			"usage_dropped":    a.usageBuf.DroppedRecords(),
			"usage_flushed":    a.usageBuf.FlushedBatches(),
			"circuit_breakers": a.breakers.Len(),
		}
	}

	a.server = gateway.NewServer(exec, a.cfg.CORSOrigins, a.mgmt, health, cacheReady)

	return nil
}

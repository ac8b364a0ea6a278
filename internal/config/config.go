// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Addr is the TCP address the HTTP server listens on. Default: ":8080".
	Addr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Region is an optional deployment tag copied onto every usage record.
	Region string

	// CatalogPath, when non-empty, loads connector/endpoint definitions from
	// a YAML file at startup in addition to whatever the catalog is seeded
	// with programmatically.
	CatalogPath string

	// APIKeysPath, when non-empty, seeds the API-key lookup from a YAML file.
	APIKeysPath string

	// SecretsPath, when non-empty, seeds the in-process secret store from a
	// YAML file.
	SecretsPath string

	JWT            JWTConfig
	Redis          RedisConfig
	Cache          CacheConfig
	Policy         PolicyConfig
	Upstream       UpstreamConfig
	CircuitBreaker CircuitBreakerConfig
	Usage          UsageConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// JWTConfig controls session-token (JWT) principal verification.
type JWTConfig struct {
	// Secret is the HMAC signing secret. Required for JWT auth to function;
	// API-key-only deployments may leave this empty.
	Secret string
	// Audience, if set, is checked against the token's "aud" claim.
	Audience string
}

// RedisConfig holds Redis connection configuration, shared by the response
// cache and the policy engine's distributed state store.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the backend: "redis", "memory", or "none". Default: "memory".
	Mode string

	// DefaultTTL is used only when an endpoint doesn't declare its own
	// cacheTtlMs. Default: 0 (caching off unless the endpoint opts in).
	DefaultTTL time.Duration

	// MaxEntries bounds the in-process cache (ignored by the redis backend).
	MaxEntries int

	// ExcludeExact is a list of exact "connectorSlug/consumerPath" strings
	// that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// "connectorSlug/consumerPath"; matches are never cached.
	ExcludePatterns []string
}

// PolicyConfig controls the policy engine's state store.
type PolicyConfig struct {
	// Store selects the rate-limit/quota state backend: "memory" or "redis".
	Store string
}

// UpstreamConfig controls default upstream-proxy behavior (endpoints may
// override the timeout and retry count individually).
type UpstreamConfig struct {
	// DefaultTimeout is used when an endpoint declares no timeoutMs.
	DefaultTimeout time.Duration
	// RetryBaseDelay is the first backoff delay for a retried attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration
}

// CircuitBreakerConfig tunes the per-(connector, host) upstream circuit
// breaker. Zero values fall back to the breaker's built-in defaults.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the consecutive-failure count that opens a breaker.
	ErrorThreshold int
	// TimeWindow is the rolling window failures are counted over.
	TimeWindow time.Duration
	// HalfOpenTimeout is how long an open breaker waits before probing.
	HalfOpenTimeout time.Duration
}

// UsageConfig controls the usage buffer and its sink.
type UsageConfig struct {
	// Sink selects the durable backend: "clickhouse" or "stdout".
	Sink string
	// ClickHouseDSN is required when Sink == "clickhouse".
	ClickHouseDSN string
	// QueueCapacity bounds the in-memory queue. Default: 10000.
	QueueCapacity int
	// BatchSize is the flush trigger on record count. Default: 50.
	BatchSize int
	// FlushInterval is the flush trigger on elapsed time. Default: 5s.
	FlushInterval time.Duration
	// ShutdownDrainTimeout bounds how long Close waits to drain the queue.
	ShutdownDrainTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_DEFAULT_TTL", "0s")
	v.SetDefault("CACHE_MAX_ENTRIES", 10000)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("POLICY_STORE", "memory")
	v.SetDefault("UPSTREAM_DEFAULT_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_RETRY_BASE_DELAY", "100ms")
	v.SetDefault("UPSTREAM_RETRY_MAX_DELAY", "2s")
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
	v.SetDefault("USAGE_SINK", "stdout")
	v.SetDefault("USAGE_QUEUE_CAPACITY", 10000)
	v.SetDefault("USAGE_BATCH_SIZE", 50)
	v.SetDefault("USAGE_FLUSH_INTERVAL", "5s")
	v.SetDefault("USAGE_SHUTDOWN_DRAIN_TIMEOUT", "5s")

	cfg := &Config{
		Addr:        v.GetString("ADDR"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		Region:      v.GetString("REGION"),
		CatalogPath: v.GetString("CATALOG_PATH"),
		APIKeysPath: v.GetString("API_KEYS_PATH"),
		SecretsPath: v.GetString("SECRETS_PATH"),

		JWT: JWTConfig{
			Secret:   v.GetString("JWT_SECRET"),
			Audience: v.GetString("JWT_AUDIENCE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			DefaultTTL:      v.GetDuration("CACHE_DEFAULT_TTL"),
			MaxEntries:      v.GetInt("CACHE_MAX_ENTRIES"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Policy: PolicyConfig{
			Store: strings.ToLower(v.GetString("POLICY_STORE")),
		},

		Upstream: UpstreamConfig{
			DefaultTimeout: v.GetDuration("UPSTREAM_DEFAULT_TIMEOUT"),
			RetryBaseDelay: v.GetDuration("UPSTREAM_RETRY_BASE_DELAY"),
			RetryMaxDelay:  v.GetDuration("UPSTREAM_RETRY_MAX_DELAY"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Usage: UsageConfig{
			Sink:                 strings.ToLower(v.GetString("USAGE_SINK")),
			ClickHouseDSN:        v.GetString("CLICKHOUSE_DSN"),
			QueueCapacity:        v.GetInt("USAGE_QUEUE_CAPACITY"),
			BatchSize:            v.GetInt("USAGE_BATCH_SIZE"),
			FlushInterval:        v.GetDuration("USAGE_FLUSH_INTERVAL"),
			ShutdownDrainTimeout: v.GetDuration("USAGE_SHUTDOWN_DRAIN_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.Policy.Store {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid POLICY_STORE %q; must be one of: redis, memory", c.Policy.Store)
	}
	if c.Policy.Store == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when POLICY_STORE=redis")
	}

	switch c.Usage.Sink {
	case "clickhouse", "stdout":
	default:
		return fmt.Errorf("config: invalid USAGE_SINK %q; must be one of: clickhouse, stdout", c.Usage.Sink)
	}
	if c.Usage.Sink == "clickhouse" && c.Usage.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when USAGE_SINK=clickhouse")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Usage.QueueCapacity < 1 {
		return fmt.Errorf("config: USAGE_QUEUE_CAPACITY must be >= 1, got %d", c.Usage.QueueCapacity)
	}
	if c.Usage.BatchSize < 1 {
		return fmt.Errorf("config: USAGE_BATCH_SIZE must be >= 1, got %d", c.Usage.BatchSize)
	}
	if c.Usage.FlushInterval <= 0 {
		return fmt.Errorf("config: USAGE_FLUSH_INTERVAL must be a positive duration")
	}
	if c.Upstream.DefaultTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_DEFAULT_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

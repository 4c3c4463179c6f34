// Package config loads lpdash configuration from JSON or YAML files with
// LPDASH_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
	"github.com/CrunchNZ/lpb-sub001/internal/observability"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
)

// CacheConfig holds the settings of one query cache
type CacheConfig struct {
	MaxSize            int      `json:"max_size" yaml:"max_size"`
	DefaultTTL         Duration `json:"default_ttl" yaml:"default_ttl"`
	SweepInterval      Duration `json:"sweep_interval" yaml:"sweep_interval"`
	CoarseInvalidation bool     `json:"coarse_invalidation" yaml:"coarse_invalidation"`
	DisableCoalescing  bool     `json:"disable_coalescing" yaml:"disable_coalescing"`
}

// QueryCacheConfig converts c into a cache.Config labelled name.
func (c CacheConfig) QueryCacheConfig(name string) cache.Config {
	return cache.Config{
		Name:               name,
		MaxSize:            c.MaxSize,
		DefaultTTL:         c.DefaultTTL.Std(),
		SweepInterval:      c.SweepInterval.Std(),
		CoarseInvalidation: c.CoarseInvalidation,
		DisableCoalescing:  c.DisableCoalescing,
	}
}

// CachesConfig holds the data-access and external API caches
type CachesConfig struct {
	Data CacheConfig `json:"data" yaml:"data"`
	API  CacheConfig `json:"api" yaml:"api"`

	// Broadcast shares data cache invalidations with peer daemons over
	// Redis Pub/Sub.
	Broadcast bool `json:"broadcast" yaml:"broadcast"`
}

// BudgetConfig is a request budget per window
type BudgetConfig struct {
	MaxRequests int      `json:"max_requests" yaml:"max_requests"`
	Window      Duration `json:"window" yaml:"window"`
}

// RateLimitConfig holds the limiter defaults and per-endpoint budgets
type RateLimitConfig struct {
	MaxRequests int                     `json:"max_requests" yaml:"max_requests"`
	Window      Duration                `json:"window" yaml:"window"`
	Endpoints   map[string]BudgetConfig `json:"endpoints" yaml:"endpoints"`
	Backend     string                  `json:"backend" yaml:"backend"` // local, redis
}

// LimiterConfig converts c into a ratelimit.Config.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	out := ratelimit.Config{
		Default:   ratelimit.Budget{MaxRequests: c.MaxRequests, Window: c.Window.Std()},
		Endpoints: make(map[string]ratelimit.Budget, len(c.Endpoints)),
	}
	for name, b := range c.Endpoints {
		out.Endpoints[name] = ratelimit.Budget{MaxRequests: b.MaxRequests, Window: b.Window.Std()}
	}
	return out
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// StoreConfig selects the database
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"` // sqlite, postgres
	DSN    string `json:"dsn" yaml:"dsn"`
}

// BreakerConfig holds the per-endpoint circuit breaker settings. A zero
// error_pct disables the breakers.
type BreakerConfig struct {
	ErrorPct       float64  `json:"error_pct" yaml:"error_pct"`
	MinRequests    int      `json:"min_requests" yaml:"min_requests"`
	Window         Duration `json:"window" yaml:"window"`
	OpenDuration   Duration `json:"open_duration" yaml:"open_duration"`
	HalfOpenProbes int      `json:"half_open_probes" yaml:"half_open_probes"`
}

// BreakerConfig converts c into a circuitbreaker.Config.
func (c BreakerConfig) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		ErrorPct:       c.ErrorPct,
		MinRequests:    c.MinRequests,
		WindowDuration: c.Window.Std(),
		OpenDuration:   c.OpenDuration.Std(),
		HalfOpenProbes: c.HalfOpenProbes,
	}
}

// JupiterConfig holds Jupiter API settings
type JupiterConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout Duration      `json:"timeout" yaml:"timeout"`
	APIKey  string        `json:"api_key" yaml:"api_key"`
	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`
}

// ClientConfig converts c into a jupiter.Config.
func (c JupiterConfig) ClientConfig() jupiter.Config {
	return jupiter.Config{BaseURL: c.BaseURL, Timeout: c.Timeout.Std(), APIKey: c.APIKey}
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr    string `json:"http_addr" yaml:"http_addr"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	LogFormat   string `json:"log_format" yaml:"log_format"` // text, json
	CallLogFile string `json:"call_log_file" yaml:"call_log_file"`
}

// Config is the central configuration struct
type Config struct {
	Cache     CachesConfig         `json:"cache" yaml:"cache"`
	RateLimit RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Redis     RedisConfig          `json:"redis" yaml:"redis"`
	Store     StoreConfig          `json:"store" yaml:"store"`
	Jupiter   JupiterConfig        `json:"jupiter" yaml:"jupiter"`
	Daemon    DaemonConfig         `json:"daemon" yaml:"daemon"`
	Tracing   observability.Config `json:"tracing" yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Cache: CachesConfig{
			Data: CacheConfig{
				MaxSize:       1000,
				DefaultTTL:    Duration(5 * time.Minute),
				SweepInterval: Duration(time.Minute),
			},
			API: CacheConfig{
				MaxSize:       500,
				DefaultTTL:    Duration(15 * time.Second),
				SweepInterval: Duration(10 * time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			MaxRequests: 60,
			Window:      Duration(time.Minute),
			Endpoints: map[string]BudgetConfig{
				jupiter.EndpointQuote: {MaxRequests: 30, Window: Duration(time.Minute)},
				jupiter.EndpointPrice: {MaxRequests: 120, Window: Duration(time.Minute)},
				jupiter.EndpointSwap:  {MaxRequests: 10, Window: Duration(time.Minute)},
			},
			Backend: "local",
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "lpdash:rl:",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			DSN:    "lpdash.db",
		},
		Jupiter: JupiterConfig{
			BaseURL: jupiter.DefaultBaseURL,
			Timeout: Duration(jupiter.DefaultTimeout),
			Breaker: BreakerConfig{
				ErrorPct:       50,
				MinRequests:    5,
				Window:         Duration(time.Minute),
				OpenDuration:   Duration(30 * time.Second),
				HalfOpenProbes: 1,
			},
		},
		Daemon: DaemonConfig{
			HTTPAddr:  ":9090",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Tracing: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "lpdash",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the
// defaults. The format follows the file extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv overrides cfg with LPDASH_* environment variables
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("LPDASH_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LPDASH_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LPDASH_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("LPDASH_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("LPDASH_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("LPDASH_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LPDASH_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("LPDASH_JUPITER_URL"); v != "" {
		cfg.Jupiter.BaseURL = v
	}
	if v := os.Getenv("LPDASH_JUPITER_API_KEY"); v != "" {
		cfg.Jupiter.APIKey = v
	}
	if v := os.Getenv("LPDASH_RATE_LIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("LPDASH_DATA_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.Data.DefaultTTL = Duration(d)
		}
	}
	if v := os.Getenv("LPDASH_API_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.API.DefaultTTL = Duration(d)
		}
	}
	if v := os.Getenv("LPDASH_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = b
		}
	}
	if v := os.Getenv("LPDASH_CACHE_BROADCAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Broadcast = b
		}
	}
	if v := os.Getenv("LPDASH_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

// Validate reports settings that would make the daemon misbehave.
func (c *Config) Validate() error {
	for name, cc := range map[string]CacheConfig{"cache.data": c.Cache.Data, "cache.api": c.Cache.API} {
		if cc.MaxSize <= 0 {
			return fmt.Errorf("%s.max_size must be positive", name)
		}
		if cc.DefaultTTL <= 0 {
			return fmt.Errorf("%s.default_ttl must be positive", name)
		}
	}
	if c.RateLimit.MaxRequests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit: max_requests and window must be positive")
	}
	for name, b := range c.RateLimit.Endpoints {
		if b.MaxRequests <= 0 || b.Window <= 0 {
			return fmt.Errorf("rate_limit.endpoints.%s: max_requests and window must be positive", name)
		}
	}
	switch c.RateLimit.Backend {
	case "", "local", "redis":
	default:
		return fmt.Errorf("rate_limit.backend: unknown backend %q", c.RateLimit.Backend)
	}
	if b := c.Jupiter.Breaker; b.ErrorPct > 0 && (b.ErrorPct > 100 || b.Window <= 0 || b.OpenDuration <= 0) {
		return fmt.Errorf("jupiter.breaker: error_pct must be at most 100 with positive window and open_duration")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	data := cfg.Cache.Data.QueryCacheConfig("data")
	if data.MaxSize != 1000 || data.DefaultTTL != 5*time.Minute || data.SweepInterval != time.Minute {
		t.Fatalf("unexpected data cache defaults %+v", data)
	}
	api := cfg.Cache.API.QueryCacheConfig("api")
	if api.MaxSize != 500 || api.DefaultTTL != 15*time.Second || api.SweepInterval != 10*time.Second {
		t.Fatalf("unexpected api cache defaults %+v", api)
	}

	want := ratelimit.Config{
		Default: ratelimit.Budget{MaxRequests: 60, Window: time.Minute},
		Endpoints: map[string]ratelimit.Budget{
			"quote": {MaxRequests: 30, Window: time.Minute},
			"price": {MaxRequests: 120, Window: time.Minute},
			"swap":  {MaxRequests: 10, Window: time.Minute},
		},
	}
	if diff := cmp.Diff(want, cfg.RateLimit.LimiterConfig()); diff != "" {
		t.Fatalf("limiter config (-want +got):\n%s", diff)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "lpdash.yaml", `
cache:
  data:
    max_size: 50
    default_ttl: 90s
    coarse_invalidation: true
rate_limit:
  endpoints:
    quote:
      max_requests: 5
      window: 10s
store:
  driver: postgres
  dsn: postgres://localhost/lpdash
jupiter:
  timeout: 3s
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.Data.MaxSize != 50 || cfg.Cache.Data.DefaultTTL.Std() != 90*time.Second || !cfg.Cache.Data.CoarseInvalidation {
		t.Fatalf("data cache = %+v", cfg.Cache.Data)
	}
	// untouched sections keep defaults
	if cfg.Cache.Data.SweepInterval.Std() != time.Minute || cfg.Cache.API.MaxSize != 500 {
		t.Fatalf("defaults lost: %+v", cfg.Cache)
	}
	if got := cfg.RateLimit.Endpoints["quote"]; got.MaxRequests != 5 || got.Window.Std() != 10*time.Second {
		t.Fatalf("quote budget = %+v", got)
	}
	if cfg.Store.Driver != "postgres" || cfg.Jupiter.ClientConfig().Timeout != 3*time.Second {
		t.Fatalf("store/jupiter = %+v %+v", cfg.Store, cfg.Jupiter)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := writeFile(t, "lpdash.json", `{
		"cache": {"api": {"default_ttl": "30s", "disable_coalescing": true}},
		"rate_limit": {"max_requests": 10, "window": 60000000000},
		"daemon": {"http_addr": ":8081", "log_format": "json"}
	}`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cache.API.DefaultTTL.Std() != 30*time.Second || !cfg.Cache.API.DisableCoalescing {
		t.Fatalf("api cache = %+v", cfg.Cache.API)
	}
	if cfg.RateLimit.MaxRequests != 10 || cfg.RateLimit.Window.Std() != time.Minute {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Daemon.HTTPAddr != ":8081" || cfg.Daemon.LogFormat != "json" {
		t.Fatalf("daemon = %+v", cfg.Daemon)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := writeFile(t, "bad.yaml", "cache:\n  data:\n    default_ttl: soon\n")
	if _, err := LoadFromFile(bad); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LPDASH_REDIS_ADDR", "redis:6380")
	t.Setenv("LPDASH_STORE_DSN", "/tmp/x.db")
	t.Setenv("LPDASH_DATA_CACHE_TTL", "2m")
	t.Setenv("LPDASH_TRACING_ENABLED", "true")
	t.Setenv("LPDASH_RATE_LIMIT_BACKEND", "redis")
	t.Setenv("LPDASH_CACHE_BROADCAST", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Redis.Addr != "redis:6380" || cfg.Store.DSN != "/tmp/x.db" {
		t.Fatalf("env not applied: %+v %+v", cfg.Redis, cfg.Store)
	}
	if cfg.Cache.Data.DefaultTTL.Std() != 2*time.Minute || !cfg.Tracing.Enabled || cfg.RateLimit.Backend != "redis" || !cfg.Cache.Broadcast {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero cache size", func(c *Config) { c.Cache.API.MaxSize = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.Data.DefaultTTL = 0 }},
		{"bad endpoint budget", func(c *Config) { c.RateLimit.Endpoints["swap"] = BudgetConfig{} }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "memcached" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"breaker without window", func(c *Config) { c.Jupiter.Breaker.Window = 0 }},
		{"breaker over 100 pct", func(c *Config) { c.Jupiter.Breaker.ErrorPct = 150 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestBreakerConfig(t *testing.T) {
	cfg := DefaultConfig()
	bc := cfg.Jupiter.Breaker.BreakerConfig()
	if !bc.Enabled() || bc.WindowDuration != time.Minute || bc.OpenDuration != 30*time.Second || bc.MinRequests != 5 {
		t.Fatalf("unexpected breaker config %+v", bc)
	}

	cfg.Jupiter.Breaker = BreakerConfig{}
	if cfg.Jupiter.Breaker.BreakerConfig().Enabled() {
		t.Fatal("zero breaker config should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled breaker should validate: %v", err)
	}
}

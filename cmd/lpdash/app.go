package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/CrunchNZ/lpb-sub001/internal/api"
	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
	"github.com/CrunchNZ/lpb-sub001/internal/config"
	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/metrics"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
	"github.com/CrunchNZ/lpb-sub001/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg *config.Config

	store       *store.CachedStore
	jupiter     *jupiter.CachedClient
	limiter     *ratelimit.Limiter
	prometheus  *metrics.Prometheus
	calls       *metrics.CallStats
	callLog     *logging.Logger
	invalidator *cache.Invalidator // nil unless cache.broadcast is set

	closers []func() error
}

// newApp opens the store and builds both cached layers. callConsole receives
// the human-readable call log; nil keeps it off the console.
func newApp(ctx context.Context, cfg *config.Config, callConsole io.Writer) (*app, error) {
	a := &app{
		cfg:        cfg,
		prometheus: metrics.NewPrometheus("lpdash", nil),
		calls:      metrics.NewCallStats(),
	}

	a.callLog = logging.NewLogger(callConsole)
	if cfg.Daemon.CallLogFile != "" {
		if err := a.callLog.SetOutput(cfg.Daemon.CallLogFile); err != nil {
			return nil, fmt.Errorf("open call log: %w", err)
		}
	}
	a.callLog.AddSink(a.calls.Record)
	a.onClose(func() error { a.callLog.Close(); return nil })

	underlying, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.onClose(underlying.Close)

	var rdb *redis.Client
	if cfg.RateLimit.Backend == "redis" || cfg.Cache.Broadcast {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(rdb.Close)
	}

	dataCache := cache.NewQueryCache(cfg.Cache.Data.QueryCacheConfig("data"), cache.WithRecorder(a.prometheus))
	a.onClose(dataCache.Close)
	storeOpts := []store.CachedOption{store.WithCallLogger(a.callLog)}
	if cfg.Cache.Broadcast {
		a.invalidator = cache.NewInvalidator(dataCache, rdb, "")
		a.onClose(a.invalidator.Close)
		storeOpts = append(storeOpts, store.WithPublisher(a.invalidator))
	}
	a.store = store.NewCachedStore(underlying, dataCache, storeOpts...)

	var backend ratelimit.Backend
	switch cfg.RateLimit.Backend {
	case "redis":
		fallback := ratelimit.NewFallbackBackend(ratelimit.NewRedisBackend(rdb, cfg.Redis.Prefix), cfg.RateLimit.Window.Std())
		a.onClose(fallback.Close)
		backend = fallback
	default:
		local := ratelimit.NewLocalBackend()
		local.StartPruning(cfg.RateLimit.Window.Std())
		a.onClose(local.Close)
		backend = local
	}
	a.limiter = ratelimit.New(cfg.RateLimit.LimiterConfig(), backend, ratelimit.WithRejectHook(a.prometheus.RateLimitRejected))

	breakers := circuitbreaker.NewRegistry(cfg.Jupiter.Breaker.BreakerConfig(),
		circuitbreaker.WithStateHook(func(endpoint string, from, to circuitbreaker.State) {
			logging.Op().Warn("jupiter circuit breaker changed state", "endpoint", endpoint, "from", from.String(), "to", to.String())
			a.prometheus.BreakerStateChanged(endpoint, from, to)
		}),
	)

	apiCache := cache.NewQueryCache(cfg.Cache.API.QueryCacheConfig("api"), cache.WithRecorder(a.prometheus))
	a.onClose(apiCache.Close)
	a.jupiter = jupiter.NewCachedClient(
		jupiter.NewClient(cfg.Jupiter.ClientConfig()),
		a.limiter,
		apiCache,
		jupiter.WithBreakers(breakers),
		jupiter.WithCallLogger(a.callLog),
	)

	return a, nil
}

func (a *app) serverConfig() api.ServerConfig {
	return api.ServerConfig{
		Store:      a.store,
		Jupiter:    a.jupiter,
		Prometheus: a.prometheus,
		Calls:      a.calls,
	}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package api serves the lpdash diagnostics, read and write API over HTTP.
package api

import (
	"net/http"

	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/metrics"
	"github.com/CrunchNZ/lpb-sub001/internal/observability"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
	"github.com/CrunchNZ/lpb-sub001/internal/store"
)

// publicPaths bypass the per-client rate limit.
var publicPaths = []string{"/health", "/health/live", "/metrics"}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store      *store.CachedStore
	Jupiter    *jupiter.CachedClient
	Prometheus *metrics.Prometheus // optional
	Calls      *metrics.CallStats  // optional

	// ClientLimiter, when set, limits each client IP on non-public paths.
	ClientLimiter *ratelimit.Limiter
}

// NewHandler builds the routed and wrapped handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	h := &Handler{
		Store:      cfg.Store,
		Jupiter:    cfg.Jupiter,
		Prometheus: cfg.Prometheus,
		Calls:      cfg.Calls,
	}
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)
	if cfg.ClientLimiter != nil {
		handler = ratelimit.Middleware(cfg.ClientLimiter, publicPaths)(handler)
		logging.Op().Info("client rate limiting enabled", "default", cfg.ClientLimiter.Budget("").MaxRequests)
	}
	return handler
}

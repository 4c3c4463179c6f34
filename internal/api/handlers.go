package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
	"github.com/CrunchNZ/lpb-sub001/internal/domain"
	"github.com/CrunchNZ/lpb-sub001/internal/jupiter"
	"github.com/CrunchNZ/lpb-sub001/internal/metrics"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
	"github.com/CrunchNZ/lpb-sub001/internal/store"
)

// Handler serves health, diagnostics, cached reads and the writes that
// invalidate them.
type Handler struct {
	Store      *store.CachedStore
	Jupiter    *jupiter.CachedClient
	Prometheus *metrics.Prometheus
	Calls      *metrics.CallStats
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Health probes
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)

	// Diagnostics
	mux.HandleFunc("GET /debug/cache", h.CacheStats)
	mux.HandleFunc("GET /debug/ratelimit", h.RateLimit)
	mux.HandleFunc("POST /debug/cache/invalidate", h.Invalidate)
	mux.HandleFunc("GET /debug/breakers", h.Breakers)
	if h.Calls != nil {
		mux.Handle("GET /debug/calls", h.Calls.JSONHandler())
		mux.Handle("GET /debug/calls/timeseries", h.Calls.TimeSeriesHandler())
	}
	if h.Prometheus != nil {
		mux.Handle("GET /metrics", h.Prometheus.Handler())
	}

	// Cached reads
	mux.HandleFunc("GET /positions", h.ListPositions)
	mux.HandleFunc("GET /positions/{id}", h.GetPosition)
	mux.HandleFunc("GET /positions/{id}/trades", h.ListTrades)
	mux.HandleFunc("GET /strategies", h.ListStrategies)
	mux.HandleFunc("GET /pools/{address}/snapshot", h.PoolSnapshot)
	mux.HandleFunc("GET /prices", h.Prices)
	mux.HandleFunc("GET /quote", h.Quote)

	// Writes
	mux.HandleFunc("POST /positions", h.CreatePosition)
	mux.HandleFunc("PATCH /positions/{id}/status", h.UpdatePositionStatus)
	mux.HandleFunc("DELETE /positions/{id}", h.DeletePosition)
	mux.HandleFunc("POST /positions/{id}/trades", h.RecordTrade)
	mux.HandleFunc("POST /strategies", h.CreateStrategy)
	mux.HandleFunc("DELETE /strategies/{id}", h.DeleteStrategy)
	mux.HandleFunc("POST /pools/{address}/snapshot", h.RecordPoolSnapshot)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps orchestration errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var rl *ratelimit.RateLimitedError
	var open *circuitbreaker.OpenError
	var apiErr *jupiter.APIError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", retryAfter(rl.RetryAfter))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &open):
		w.Header().Set("Retry-After", retryAfter(open.RetryAfter))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &apiErr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, cache.ErrUnserializableArgs):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeBody decodes a JSON request body into v, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func retryAfter(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// Health handles GET /health - status plus both caches' stats
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := h.Store.Ping(ctx) == nil
	status := "ok"
	if !storeOK {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": map[string]bool{"store": storeOK},
		"cache":      h.Store.Cache().Stats(),
		"api_cache":  h.Jupiter.Cache().Stats(),
	})
}

// HealthLive handles GET /health/live - liveness probe
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CacheStats handles GET /debug/cache
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]cache.Stats{
		"data": h.Store.Cache().Stats(),
		"api":  h.Jupiter.Cache().Stats(),
	})
}

// RateLimit handles GET /debug/ratelimit?endpoint=quote. It reports the
// remaining budget without consuming any.
func (h *Handler) RateLimit(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}
	limiter := h.Jupiter.Limiter()
	budget := limiter.Budget(endpoint)
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":     endpoint,
		"remaining":    limiter.Remaining(r.Context(), endpoint),
		"max_requests": budget.MaxRequests,
		"window":       budget.Window.String(),
	})
}

// Breakers handles GET /debug/breakers - upstream circuit breaker states
func (h *Handler) Breakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Jupiter.Breakers().Snapshot())
}

// Invalidate handles POST /debug/cache/invalidate?scope=data|api&pattern=Get*
func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pattern := q.Get("pattern")
	if pattern == "" {
		writeError(w, http.StatusBadRequest, "pattern is required")
		return
	}

	var qc *cache.QueryCache
	switch scope := q.Get("scope"); scope {
	case "data", "":
		qc = h.Store.Cache()
	case "api":
		qc = h.Jupiter.Cache()
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown scope %q", scope))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": qc.InvalidatePattern(pattern)})
}

// ListPositions handles GET /positions[?strategy=id]
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var err error
	var out any
	if strategy := r.URL.Query().Get("strategy"); strategy != "" {
		out, err = h.Store.ListPositionsByStrategy(r.Context(), strategy)
	} else {
		out, err = h.Store.ListActivePositions(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPosition handles GET /positions/{id}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": p, "meta": p.Meta()})
}

// ListTrades handles GET /positions/{id}/trades
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Store.ListTradesByPosition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListStrategies handles GET /strategies
func (h *Handler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListStrategies(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// PoolSnapshot handles GET /pools/{address}/snapshot
func (h *Handler) PoolSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Store.GetLatestPoolSnapshot(r.Context(), r.PathValue("address"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Prices handles GET /prices?ids=mintA,mintB
func (h *Handler) Prices(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("ids"), ",")
	mints := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			mints = append(mints, id)
		}
	}
	if len(mints) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	prices, err := h.Jupiter.Price(r.Context(), mints)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

// Quote handles GET /quote?inputMint=&outputMint=&amount=&slippageBps=
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	for _, param := range []string{"inputMint", "outputMint"} {
		if err := domain.ValidateMint(q.Get(param)); err != nil {
			writeError(w, http.StatusBadRequest, param+": "+err.Error())
			return
		}
	}
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a positive integer")
		return
	}
	slippage := 50
	if v := q.Get("slippageBps"); v != "" {
		if slippage, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "slippageBps must be an integer")
			return
		}
	}
	quote, err := h.Jupiter.Quote(r.Context(), jupiter.QuoteRequest{
		InputMint:   q.Get("inputMint"),
		OutputMint:  q.Get("outputMint"),
		Amount:      amount,
		SlippageBps: slippage,
	})
	if err != nil {
		var apiErr *jupiter.APIError
		if !errors.As(err, &apiErr) && !errors.Is(err, ratelimit.ErrRateLimited) && !errors.Is(err, circuitbreaker.ErrOpen) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// CreatePosition handles POST /positions
func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var p domain.Position
	if !decodeBody(w, r, &p) {
		return
	}
	if err := h.Store.SavePosition(r.Context(), &p); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &p)
}

// UpdatePositionStatus handles PATCH /positions/{id}/status
func (h *Handler) UpdatePositionStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status domain.PositionStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := h.Store.UpdatePositionStatus(r.Context(), id, req.Status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
}

// DeletePosition handles DELETE /positions/{id}
func (h *Handler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeletePosition(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordTrade handles POST /positions/{id}/trades
func (h *Handler) RecordTrade(w http.ResponseWriter, r *http.Request) {
	var t domain.Trade
	if !decodeBody(w, r, &t) {
		return
	}
	t.PositionID = r.PathValue("id")
	if err := h.Store.RecordTrade(r.Context(), &t); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &t)
}

// CreateStrategy handles POST /strategies
func (h *Handler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var st domain.Strategy
	if !decodeBody(w, r, &st) {
		return
	}
	if err := h.Store.SaveStrategy(r.Context(), &st); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &st)
}

// DeleteStrategy handles DELETE /strategies/{id}
func (h *Handler) DeleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteStrategy(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordPoolSnapshot handles POST /pools/{address}/snapshot
func (h *Handler) RecordPoolSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap domain.PoolSnapshot
	if !decodeBody(w, r, &snap) {
		return
	}
	snap.PoolAddress = r.PathValue("address")
	if err := h.Store.SavePoolSnapshot(r.Context(), &snap); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &snap)
}

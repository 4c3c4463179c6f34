// Package ratelimit implements per-endpoint fixed-window request budgets.
//
// Each endpoint key owns a window {count, start}. The first request, or the
// first one after the window has elapsed, opens a new window with count 1.
// Later requests in the window are admitted until count reaches the budget;
// rejected requests do not consume budget. Bursts that straddle a window
// boundary can see up to twice the budget, which is accepted.
//
// Windows live in a Backend: LocalBackend keeps them in process memory,
// RedisBackend shares them between instances and FallbackBackend degrades
// from Redis to local when Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/logging"
)

// ErrRateLimited is matched by every *RateLimitedError.
var ErrRateLimited = errors.New("rate limited")

// RateLimitedError is returned when an endpoint's budget for the current
// window is exhausted. Callers should back off for RetryAfter.
type RateLimitedError struct {
	Endpoint   string
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: endpoint %q, retry after %s", e.Endpoint, e.RetryAfter.Round(time.Millisecond))
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Budget is the number of requests admitted per window.
type Budget struct {
	MaxRequests int           `json:"max_requests" yaml:"max_requests"`
	Window      time.Duration `json:"window" yaml:"window"`
}

// Config holds the default budget and per-endpoint overrides.
type Config struct {
	Default   Budget
	Endpoints map[string]Budget
}

// DefaultBudget applies when neither the endpoint nor the config sets one.
var DefaultBudget = Budget{MaxRequests: 60, Window: time.Minute}

func (c Config) budget(endpoint string) Budget {
	if b, ok := c.Endpoints[endpoint]; ok && b.MaxRequests > 0 && b.Window > 0 {
		return b
	}
	if c.Default.MaxRequests > 0 && c.Default.Window > 0 {
		return c.Default
	}
	return DefaultBudget
}

// Backend stores fixed windows.
type Backend interface {
	// Hit counts one request against key. It reports whether the request was
	// rejected and the window count after the call.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (limited bool, count int, err error)

	// Count returns the count of key's active window and when that window
	// ends. An absent or elapsed window reports 0 and the zero time.
	Count(ctx context.Context, key string, window time.Duration) (count int, resetAt time.Time, err error)

	// Reset drops every window.
	Reset(ctx context.Context) error
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithRejectHook is called with the endpoint of every rejected request.
func WithRejectHook(fn func(endpoint string)) Option {
	return func(l *Limiter) { l.onReject = fn }
}

// Limiter applies fixed-window budgets per endpoint key.
type Limiter struct {
	backend  Backend
	cfg      Config
	onReject func(endpoint string)
}

// New creates a Limiter. A nil backend selects a LocalBackend.
func New(cfg Config, backend Backend, opts ...Option) *Limiter {
	if backend == nil {
		backend = NewLocalBackend()
	}
	l := &Limiter{backend: backend, cfg: cfg}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Budget returns the budget applied to endpoint.
func (l *Limiter) Budget(endpoint string) Budget {
	return l.cfg.budget(endpoint)
}

// IsRateLimited counts a request against endpoint and reports whether it must
// be rejected. Backend failures are logged and the request is admitted.
func (l *Limiter) IsRateLimited(ctx context.Context, endpoint string) bool {
	b := l.cfg.budget(endpoint)
	limited, _, err := l.backend.Hit(ctx, endpoint, b.MaxRequests, b.Window)
	if err != nil {
		logging.Op().Warn("rate limit check failed, admitting request", "endpoint", endpoint, "error", err)
		return false
	}
	if limited && l.onReject != nil {
		l.onReject(endpoint)
	}
	return limited
}

// Remaining returns how many more requests endpoint may make in its current
// window; the full budget when no window is active.
func (l *Limiter) Remaining(ctx context.Context, endpoint string) int {
	b := l.cfg.budget(endpoint)
	count, _, err := l.backend.Count(ctx, endpoint, b.Window)
	if err != nil {
		logging.Op().Warn("rate limit lookup failed", "endpoint", endpoint, "error", err)
		return b.MaxRequests
	}
	return max(0, b.MaxRequests-count)
}

// Allow is IsRateLimited returning a *RateLimitedError when the request is
// rejected.
func (l *Limiter) Allow(ctx context.Context, endpoint string) error {
	if !l.IsRateLimited(ctx, endpoint) {
		return nil
	}
	b := l.cfg.budget(endpoint)
	count, resetAt, err := l.backend.Count(ctx, endpoint, b.Window)
	rerr := &RateLimitedError{Endpoint: endpoint, RetryAfter: b.Window}
	if err == nil {
		rerr.Remaining = max(0, b.MaxRequests-count)
		if !resetAt.IsZero() {
			rerr.RetryAfter = max(0, time.Until(resetAt))
		}
	}
	return rerr
}

// Clear drops every window.
func (l *Limiter) Clear(ctx context.Context) error {
	return l.backend.Reset(ctx)
}

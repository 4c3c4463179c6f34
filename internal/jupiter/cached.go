package jupiter

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/circuitbreaker"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/ratelimit"
)

// CachedClient rate limits every call per endpoint and caches price and
// quote results. Swaps are rate limited but never cached. Requests that reach
// the upstream pass through the endpoint's circuit breaker, if any.
type CachedClient struct {
	client   *Client
	limiter  *ratelimit.Limiter
	qc       *cache.QueryCache
	breakers *circuitbreaker.Registry
	calls    *logging.Logger
	ttl      time.Duration
}

// CachedOption customises a CachedClient.
type CachedOption func(*CachedClient)

// WithTTL overrides the cache TTL for price and quote results. Zero uses the
// cache default.
func WithTTL(ttl time.Duration) CachedOption {
	return func(c *CachedClient) { c.ttl = ttl }
}

// WithCallLogger records every call to l.
func WithCallLogger(l *logging.Logger) CachedOption {
	return func(c *CachedClient) { c.calls = l }
}

// WithBreakers guards upstream requests with one breaker per endpoint.
func WithBreakers(r *circuitbreaker.Registry) CachedOption {
	return func(c *CachedClient) { c.breakers = r }
}

// NewCachedClient wraps client with limiter and qc.
func NewCachedClient(client *Client, limiter *ratelimit.Limiter, qc *cache.QueryCache, opts ...CachedOption) *CachedClient {
	c := &CachedClient{client: client, limiter: limiter, qc: qc}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cache exposes the query cache for stats and manual invalidation.
func (c *CachedClient) Cache() *cache.QueryCache { return c.qc }

// Limiter exposes the rate limiter.
func (c *CachedClient) Limiter() *ratelimit.Limiter { return c.limiter }

// Breakers exposes the circuit breakers; nil when none are configured.
func (c *CachedClient) Breakers() *circuitbreaker.Registry { return c.breakers }

// Price returns USD prices for mints. The mint list is sorted and
// deduplicated before it is used as a cache key.
func (c *CachedClient) Price(ctx context.Context, mints []string) (Prices, error) {
	mints = slices.Clone(mints)
	slices.Sort(mints)
	mints = slices.Compact(mints)

	return limitedCall(ctx, c, EndpointPrice, func(ctx context.Context) (Prices, error) {
		return cache.Query(ctx, c.qc, EndpointPrice, []any{mints}, c.ttl, func(ctx context.Context) (Prices, error) {
			return guarded(ctx, c, EndpointPrice, func() (Prices, error) { return c.client.Price(ctx, mints) })
		})
	})
}

// Quote returns the best route for req.
func (c *CachedClient) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	return limitedCall(ctx, c, EndpointQuote, func(ctx context.Context) (*Quote, error) {
		return cache.Query(ctx, c.qc, EndpointQuote, []any{req}, c.ttl, func(ctx context.Context) (*Quote, error) {
			return guarded(ctx, c, EndpointQuote, func() (*Quote, error) { return c.client.Quote(ctx, req) })
		})
	})
}

// SwapTransaction builds a swap transaction. It is never cached.
func (c *CachedClient) SwapTransaction(ctx context.Context, req SwapRequest) (*SwapTransaction, error) {
	return limitedCall(ctx, c, EndpointSwap, func(ctx context.Context) (*SwapTransaction, error) {
		return guarded(ctx, c, EndpointSwap, func() (*SwapTransaction, error) { return c.client.Swap(ctx, req) })
	})
}

func limitedCall[V any](ctx context.Context, c *CachedClient, endpoint string, call func(ctx context.Context) (V, error)) (V, error) {
	start := time.Now()
	var v V
	err := c.limiter.Allow(ctx, endpoint)
	if err == nil {
		v, err = call(ctx)
	}

	if c.calls != nil {
		entry := &logging.CallLog{
			Source:     "jupiter",
			Method:     endpoint,
			DurationMs: time.Since(start).Milliseconds(),
			Success:    err == nil,
			Limited:    errors.Is(err, ratelimit.ErrRateLimited),
			Write:      endpoint == EndpointSwap,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		c.calls.Log(entry)
	}
	return v, err
}

// guarded runs an upstream request through the endpoint's breaker. Only
// temporary upstream failures count against it; a call whose context ended
// says nothing about the upstream and is not counted at all.
func guarded[V any](ctx context.Context, c *CachedClient, endpoint string, call func() (V, error)) (V, error) {
	b := c.breakers.Get(endpoint)
	if err := b.Allow(); err != nil {
		var zero V
		return zero, err
	}
	v, err := call()
	var apiErr *APIError
	switch {
	case err != nil && ctx.Err() != nil:
		b.Abandon()
	case errors.As(err, &apiErr) && apiErr.Temporary():
		b.RecordFailure()
	default:
		b.RecordSuccess()
	}
	return v, err
}

package store

import (
	"context"
	"time"

	"github.com/CrunchNZ/lpb-sub001/internal/cache"
	"github.com/CrunchNZ/lpb-sub001/internal/domain"
	"github.com/CrunchNZ/lpb-sub001/internal/logging"
	"github.com/CrunchNZ/lpb-sub001/internal/observability"
)

// DefaultSnapshotTTL bounds how stale a cached pool snapshot may be.
const DefaultSnapshotTTL = 30 * time.Second

// Cached read methods, also the names used for invalidation.
const (
	MethodGetPosition             = "GetPosition"
	MethodListActivePositions     = "ListActivePositions"
	MethodListPositionsByStrategy = "ListPositionsByStrategy"
	MethodGetStrategy             = "GetStrategy"
	MethodListStrategies          = "ListStrategies"
	MethodListTradesByPosition    = "ListTradesByPosition"
	MethodGetLatestPoolSnapshot   = "GetLatestPoolSnapshot"
)

var (
	positionReads = []string{MethodGetPosition, MethodListActivePositions, MethodListPositionsByStrategy}
	strategyReads = []string{MethodGetStrategy, MethodListStrategies, MethodListPositionsByStrategy}
	// a trade charges its fee against the position's PnL, so every read
	// returning the position changes too
	tradeReads    = []string{MethodListTradesByPosition, MethodGetPosition, MethodListActivePositions, MethodListPositionsByStrategy}
	snapshotReads = []string{MethodGetLatestPoolSnapshot}
)

// CachedStore wraps a MetadataStore and serves reads from a QueryCache.
// Writes go to the underlying store and, when they succeed, invalidate the
// reads they can change. Values returned from reads are shared with the cache
// and must not be mutated.
type CachedStore struct {
	MetadataStore // underlying store; Close and Ping delegate here

	qc          *cache.QueryCache
	dataTTL     time.Duration
	snapshotTTL time.Duration
	calls       *logging.Logger
	publisher   InvalidationPublisher
}

// InvalidationPublisher tells peer processes which cached reads a write
// changed. cache.Invalidator implements it.
type InvalidationPublisher interface {
	PublishInvalidation(ctx context.Context, methods ...string) error
}

// CachedOption customises a CachedStore.
type CachedOption func(*CachedStore)

// WithDataTTL sets the TTL for entity reads. Zero uses the cache default.
func WithDataTTL(ttl time.Duration) CachedOption {
	return func(c *CachedStore) { c.dataTTL = ttl }
}

// WithSnapshotTTL sets the TTL for pool snapshot reads.
func WithSnapshotTTL(ttl time.Duration) CachedOption {
	return func(c *CachedStore) { c.snapshotTTL = ttl }
}

// WithCallLogger records every read and write to l.
func WithCallLogger(l *logging.Logger) CachedOption {
	return func(c *CachedStore) { c.calls = l }
}

// WithPublisher broadcasts every successful write's invalidations through p.
func WithPublisher(p InvalidationPublisher) CachedOption {
	return func(c *CachedStore) { c.publisher = p }
}

// NewCachedStore returns a MetadataStore that caches reads in qc.
func NewCachedStore(underlying MetadataStore, qc *cache.QueryCache, opts ...CachedOption) *CachedStore {
	c := &CachedStore{
		MetadataStore: underlying,
		qc:            qc,
		snapshotTTL:   DefaultSnapshotTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Underlying exposes the wrapped store.
func (c *CachedStore) Underlying() MetadataStore {
	if c == nil {
		return nil
	}
	return c.MetadataStore
}

// Cache exposes the query cache for stats and manual invalidation.
func (c *CachedStore) Cache() *cache.QueryCache { return c.qc }

// ─── helpers ────────────────────────────────────────────────────────────────

func cachedRead[V any](ctx context.Context, c *CachedStore, method string, args []any, ttl time.Duration, load func(ctx context.Context) (V, error)) (V, error) {
	start := time.Now()
	v, err := cache.Query(ctx, c.qc, method, args, ttl, func(ctx context.Context) (V, error) {
		ctx, span := observability.StartSpan(ctx, "store."+method,
			observability.AttrCacheName.String(c.qc.Name()),
			observability.AttrMethod.String(method),
		)
		v, err := load(ctx)
		observability.EndSpan(span, err)
		return v, err
	})
	c.logCall(method, start, err, false)
	return v, err
}

func (c *CachedStore) write(ctx context.Context, method string, apply func() error, invalidates []string) error {
	start := time.Now()
	err := apply()
	if err == nil {
		c.qc.InvalidateMethods(invalidates...)
		if c.publisher != nil {
			if perr := c.publisher.PublishInvalidation(ctx, invalidates...); perr != nil {
				logging.Op().Warn("failed to publish cache invalidation", "method", method, "error", perr)
			}
		}
	}
	c.logCall(method, start, err, true)
	return err
}

func (c *CachedStore) logCall(method string, start time.Time, err error, write bool) {
	if c.calls == nil {
		return
	}
	entry := &logging.CallLog{
		Source:     "store",
		Method:     method,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
		Write:      write,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	c.calls.Log(entry)
}

// ─── cached reads ───────────────────────────────────────────────────────────

func (c *CachedStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	return cachedRead(ctx, c, MethodGetPosition, []any{id}, c.dataTTL, func(ctx context.Context) (*domain.Position, error) {
		return c.MetadataStore.GetPosition(ctx, id)
	})
}

func (c *CachedStore) ListActivePositions(ctx context.Context) ([]*domain.Position, error) {
	return cachedRead(ctx, c, MethodListActivePositions, nil, c.dataTTL, c.MetadataStore.ListActivePositions)
}

func (c *CachedStore) ListPositionsByStrategy(ctx context.Context, strategyID string) ([]*domain.Position, error) {
	return cachedRead(ctx, c, MethodListPositionsByStrategy, []any{strategyID}, c.dataTTL, func(ctx context.Context) ([]*domain.Position, error) {
		return c.MetadataStore.ListPositionsByStrategy(ctx, strategyID)
	})
}

func (c *CachedStore) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	return cachedRead(ctx, c, MethodGetStrategy, []any{id}, c.dataTTL, func(ctx context.Context) (*domain.Strategy, error) {
		return c.MetadataStore.GetStrategy(ctx, id)
	})
}

func (c *CachedStore) ListStrategies(ctx context.Context) ([]*domain.Strategy, error) {
	return cachedRead(ctx, c, MethodListStrategies, nil, c.dataTTL, c.MetadataStore.ListStrategies)
}

func (c *CachedStore) ListTradesByPosition(ctx context.Context, positionID string) ([]*domain.Trade, error) {
	return cachedRead(ctx, c, MethodListTradesByPosition, []any{positionID}, c.dataTTL, func(ctx context.Context) ([]*domain.Trade, error) {
		return c.MetadataStore.ListTradesByPosition(ctx, positionID)
	})
}

func (c *CachedStore) GetLatestPoolSnapshot(ctx context.Context, poolAddress string) (*domain.PoolSnapshot, error) {
	return cachedRead(ctx, c, MethodGetLatestPoolSnapshot, []any{poolAddress}, c.snapshotTTL, func(ctx context.Context) (*domain.PoolSnapshot, error) {
		return c.MetadataStore.GetLatestPoolSnapshot(ctx, poolAddress)
	})
}

// ─── writes (invalidate on success) ─────────────────────────────────────────

func (c *CachedStore) SavePosition(ctx context.Context, p *domain.Position) error {
	return c.write(ctx, "SavePosition", func() error { return c.MetadataStore.SavePosition(ctx, p) }, positionReads)
}

func (c *CachedStore) UpdatePositionStatus(ctx context.Context, id string, status domain.PositionStatus) error {
	return c.write(ctx, "UpdatePositionStatus", func() error { return c.MetadataStore.UpdatePositionStatus(ctx, id, status) }, positionReads)
}

func (c *CachedStore) DeletePosition(ctx context.Context, id string) error {
	return c.write(ctx, "DeletePosition", func() error { return c.MetadataStore.DeletePosition(ctx, id) }, positionReads)
}

func (c *CachedStore) SaveStrategy(ctx context.Context, s *domain.Strategy) error {
	return c.write(ctx, "SaveStrategy", func() error { return c.MetadataStore.SaveStrategy(ctx, s) }, strategyReads)
}

func (c *CachedStore) DeleteStrategy(ctx context.Context, id string) error {
	return c.write(ctx, "DeleteStrategy", func() error { return c.MetadataStore.DeleteStrategy(ctx, id) }, strategyReads)
}

func (c *CachedStore) RecordTrade(ctx context.Context, t *domain.Trade) error {
	return c.write(ctx, "RecordTrade", func() error { return c.MetadataStore.RecordTrade(ctx, t) }, tradeReads)
}

func (c *CachedStore) SavePoolSnapshot(ctx context.Context, s *domain.PoolSnapshot) error {
	return c.write(ctx, "SavePoolSnapshot", func() error { return c.MetadataStore.SavePoolSnapshot(ctx, s) }, snapshotReads)
}

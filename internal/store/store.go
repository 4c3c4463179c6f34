// Package store persists positions, strategies, trades and pool snapshots.
//
// SQLStore talks to the database through internal/db. CachedStore wraps any
// MetadataStore with a query cache: reads go through the cache, writes go
// straight to the underlying store and then invalidate the reads they affect.
package store

import (
	"context"
	"errors"

	"github.com/CrunchNZ/lpb-sub001/internal/domain"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid wraps validation failures of entities passed to a write.
var ErrInvalid = errors.New("invalid input")

// MetadataStore is the durable store for the dashboard's entities.
type MetadataStore interface {
	Close() error
	Ping(ctx context.Context) error

	SavePosition(ctx context.Context, p *domain.Position) error
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	ListActivePositions(ctx context.Context) ([]*domain.Position, error)
	ListPositionsByStrategy(ctx context.Context, strategyID string) ([]*domain.Position, error)
	UpdatePositionStatus(ctx context.Context, id string, status domain.PositionStatus) error
	DeletePosition(ctx context.Context, id string) error

	SaveStrategy(ctx context.Context, s *domain.Strategy) error
	GetStrategy(ctx context.Context, id string) (*domain.Strategy, error)
	ListStrategies(ctx context.Context) ([]*domain.Strategy, error)
	DeleteStrategy(ctx context.Context, id string) error

	// RecordTrade stores t and charges its fee against the position's PnL.
	RecordTrade(ctx context.Context, t *domain.Trade) error
	ListTradesByPosition(ctx context.Context, positionID string) ([]*domain.Trade, error)

	SavePoolSnapshot(ctx context.Context, s *domain.PoolSnapshot) error
	GetLatestPoolSnapshot(ctx context.Context, poolAddress string) (*domain.PoolSnapshot, error)
}

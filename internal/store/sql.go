package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CrunchNZ/lpb-sub001/internal/db"
	"github.com/CrunchNZ/lpb-sub001/internal/domain"
)

// SQLStore implements MetadataStore on a db.Database. Each entity is stored as
// a JSON document next to the columns used for lookups and ordering.
type SQLStore struct {
	db  db.Database
	now func() time.Time
}

// NewSQLStore wraps database and creates the schema if needed.
func NewSQLStore(ctx context.Context, database db.Database) (*SQLStore, error) {
	s := &SQLStore{db: database, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to driver/dsn and returns a ready SQLStore.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	database, err := db.Open(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(ctx, database)
	if err != nil {
		database.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	doc := "TEXT"
	if s.db.DriverName() == db.DriverPostgres {
		doc = "JSONB"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			data ` + doc + ` NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			pool_address TEXT NOT NULL,
			status TEXT NOT NULL,
			data ` + doc + ` NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_strategy ON positions(strategy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			data ` + doc + ` NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_position ON trades(position_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS pool_snapshots (
			pool_address TEXT NOT NULL,
			taken_at BIGINT NOT NULL,
			data ` + doc + ` NOT NULL,
			PRIMARY KEY (pool_address, taken_at)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// ─── positions ──────────────────────────────────────────────────────────────

func (s *SQLStore) SavePosition(ctx context.Context, p *domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.PositionActive
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return s.putPosition(ctx, s.db, p)
}

func (s *SQLStore) putPosition(ctx context.Context, e db.Executor, p *domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	_, err = e.Exec(ctx, `
		INSERT INTO positions (id, strategy_id, pool_address, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			pool_address = excluded.pool_address,
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, p.ID, p.StrategyID, p.PoolAddress, string(p.Status), string(data), p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

func (s *SQLStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	return s.getPosition(ctx, s.db, id)
}

func (s *SQLStore) getPosition(ctx context.Context, e db.Executor, id string) (*domain.Position, error) {
	var data []byte
	err := e.QueryRow(ctx, `SELECT data FROM positions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, db.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	var p domain.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode position %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLStore) ListActivePositions(ctx context.Context) ([]*domain.Position, error) {
	return listDocs[domain.Position](ctx, s.db, "list active positions", `
		SELECT data FROM positions WHERE status = ? ORDER BY created_at DESC, id
	`, string(domain.PositionActive))
}

func (s *SQLStore) ListPositionsByStrategy(ctx context.Context, strategyID string) ([]*domain.Position, error) {
	return listDocs[domain.Position](ctx, s.db, "list positions by strategy", `
		SELECT data FROM positions WHERE strategy_id = ? ORDER BY created_at DESC, id
	`, strategyID)
}

func (s *SQLStore) UpdatePositionStatus(ctx context.Context, id string, status domain.PositionStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: position status %q", ErrInvalid, status)
	}
	return db.WithTx(ctx, s.db, func(tx db.Tx) error {
		p, err := s.getPosition(ctx, tx, id)
		if err != nil {
			return err
		}
		p.Status = status
		p.UpdatedAt = s.now().UTC()
		return s.putPosition(ctx, tx, p)
	})
}

func (s *SQLStore) DeletePosition(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "positions", "position", id)
}

// ─── strategies ─────────────────────────────────────────────────────────────

func (s *SQLStore) SaveStrategy(ctx context.Context, st *domain.Strategy) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	if err := st.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO strategies (id, name, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, st.ID, st.Name, string(data), st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save strategy: %w", err)
	}
	return nil
}

func (s *SQLStore) GetStrategy(ctx context.Context, id string) (*domain.Strategy, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM strategies WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, db.ErrNoRows) {
		return nil, fmt.Errorf("strategy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	var st domain.Strategy
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode strategy %s: %w", id, err)
	}
	return &st, nil
}

func (s *SQLStore) ListStrategies(ctx context.Context) ([]*domain.Strategy, error) {
	return listDocs[domain.Strategy](ctx, s.db, "list strategies", `
		SELECT data FROM strategies ORDER BY name, id
	`)
}

func (s *SQLStore) DeleteStrategy(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "strategies", "strategy", id)
}

// ─── trades ─────────────────────────────────────────────────────────────────

func (s *SQLStore) RecordTrade(ctx context.Context, t *domain.Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now().UTC()
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	return db.WithTx(ctx, s.db, func(tx db.Tx) error {
		p, err := s.getPosition(ctx, tx, t.PositionID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO trades (id, position_id, data, created_at) VALUES (?, ?, ?, ?)
		`, t.ID, t.PositionID, string(data), t.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("record trade: %w", err)
		}
		p.PnL = p.PnL.Sub(t.FeeUSD)
		p.UpdatedAt = s.now().UTC()
		return s.putPosition(ctx, tx, p)
	})
}

func (s *SQLStore) ListTradesByPosition(ctx context.Context, positionID string) ([]*domain.Trade, error) {
	return listDocs[domain.Trade](ctx, s.db, "list trades", `
		SELECT data FROM trades WHERE position_id = ? ORDER BY created_at, id
	`, positionID)
}

// ─── pool snapshots ─────────────────────────────────────────────────────────

func (s *SQLStore) SavePoolSnapshot(ctx context.Context, snap *domain.PoolSnapshot) error {
	if err := domain.ValidateMint(snap.PoolAddress); err != nil {
		return fmt.Errorf("%w: pool snapshot: %w", ErrInvalid, err)
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal pool snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pool_snapshots (pool_address, taken_at, data) VALUES (?, ?, ?)
		ON CONFLICT (pool_address, taken_at) DO UPDATE SET data = excluded.data
	`, snap.PoolAddress, snap.TakenAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("save pool snapshot: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLatestPoolSnapshot(ctx context.Context, poolAddress string) (*domain.PoolSnapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT data FROM pool_snapshots WHERE pool_address = ? ORDER BY taken_at DESC LIMIT 1
	`, poolAddress).Scan(&data)
	if errors.Is(err, db.ErrNoRows) {
		return nil, fmt.Errorf("pool snapshot %s: %w", poolAddress, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool snapshot: %w", err)
	}
	var snap domain.PoolSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode pool snapshot %s: %w", poolAddress, err)
	}
	return &snap, nil
}

// ─── helpers ────────────────────────────────────────────────────────────────

func (s *SQLStore) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func listDocs[T any](ctx context.Context, e db.Executor, op, query string, args ...any) ([]*T, error) {
	rows, err := e.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		v := new(T)
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("%s: decode: %w", op, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Database backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a pool for dsn and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := p.pool.Exec(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (p *Postgres) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgRow{p.pool.QueryRow(ctx, Rebind(sql), args...)}
}

func (p *Postgres) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := p.pool.Query(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (p *Postgres) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	var txOpts pgx.TxOptions
	if opts != nil && opts.ReadOnly {
		txOpts.AccessMode = pgx.ReadOnly
	}
	tx, err := p.pool.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *Postgres) DriverName() string { return DriverPostgres }

type pgRow struct{ row pgx.Row }

func (r pgRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type pgTx struct{ tx pgx.Tx }

func (t *pgTx) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := t.tx.Exec(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return tag, nil
}

func (t *pgTx) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return pgRow{t.tx.QueryRow(ctx, Rebind(sql), args...)}
}

func (t *pgTx) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, Rebind(sql), args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLite is a Database backed by modernc.org/sqlite through database/sql.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens the database file at dsn. ":memory:" or an empty dsn gives
// a private in-memory database.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	// One connection: in-memory databases are per-connection and SQLite
	// serialises writers anyway.
	sdb.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA foreign_keys=ON`, `PRAGMA busy_timeout=5000`} {
		if _, err := sdb.ExecContext(ctx, pragma); err != nil {
			sdb.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	if err := sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: sdb}, nil
}

func (s *SQLite) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return sqlExec(ctx, s.db, query, args)
}

func (s *SQLite) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{s.db.QueryRowContext(ctx, query, args...)}
}

func (s *SQLite) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (s *SQLite) BeginTx(ctx context.Context, opts *TxOptions) (Tx, error) {
	var txOpts *sql.TxOptions
	if opts != nil {
		txOpts = &sql.TxOptions{ReadOnly: opts.ReadOnly}
	}
	tx, err := s.db.BeginTx(ctx, txOpts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) DriverName() string { return DriverSQLite }

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqlExec(ctx context.Context, e sqlExecer, query string, args []any) (Result, error) {
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected(n), nil
}

type rowsAffected int64

func (n rowsAffected) RowsAffected() int64 { return int64(n) }

type sqlRow struct{ row *sql.Row }

func (r sqlRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type sqlRows struct{ rows *sql.Rows }

func (r sqlRows) Next() bool             { return r.rows.Next() }
func (r sqlRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqlRows) Err() error             { return r.rows.Err() }
func (r sqlRows) Close()                 { _ = r.rows.Close() }

type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	return sqlExec(ctx, t.tx, query, args)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqlRow{t.tx.QueryRowContext(ctx, query, args...)}
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (t *sqlTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqlTx) Rollback(context.Context) error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

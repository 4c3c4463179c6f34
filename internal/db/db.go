// Package db defines a small SQL abstraction so the metadata store can run on
// PostgreSQL (pgx) or SQLite (modernc) without changing the store code.
//
// Statements are written with "?" placeholders. Drivers whose native syntax
// differs rewrite them before execution.
package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing,
// whichever driver produced it.
var ErrNoRows = errors.New("db: no rows in result set")

// Row represents a single row returned by a query.
type Row interface {
	Scan(dest ...any) error
}

// Rows represents a set of rows returned by a query.
type Rows interface {
	// Next advances to the next row, returning false when exhausted.
	Next() bool
	// Scan reads column values from the current row.
	Scan(dest ...any) error
	// Err returns any error encountered during iteration.
	Err() error
	// Close releases the rows.
	Close()
}

// Result describes the outcome of an executed statement.
type Result interface {
	RowsAffected() int64
}

// Executor can execute queries and statements. Both Database and Tx satisfy
// it, so store code works inside or outside a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Tx represents a database transaction. Commit or Rollback must be called
// exactly once; Rollback after Commit is a no-op.
type Tx interface {
	Executor
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// TxOptions configures transaction behavior.
type TxOptions struct {
	ReadOnly bool
}

// Database abstracts a SQL connection pool.
type Database interface {
	Executor

	BeginTx(ctx context.Context, opts *TxOptions) (Tx, error)
	Ping(ctx context.Context) error
	Close() error

	// DriverName returns "postgres" or "sqlite".
	DriverName() string
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database named by driver and dsn.
func Open(ctx context.Context, driver, dsn string) (Database, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "pgx":
		return OpenPostgres(ctx, dsn)
	case DriverSQLite, "", "sqlite3":
		return OpenSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func WithTx(ctx context.Context, d Database, fn func(tx Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Rebind rewrites "?" placeholders to "$1", "$2", ... Question marks inside
// single-quoted literals are left alone.
func Rebind(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

package db

import (
	"context"
	"errors"
	"testing"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}
	for _, tt := range tests {
		if got := Rebind(tt.in); got != tt.want {
			t.Fatalf("Rebind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSQLite_RoundTripAndTx(t *testing.T) {
	ctx := context.Background()
	d, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if d.DriverName() != DriverSQLite {
		t.Fatalf("driver = %q", d.DriverName())
	}
	if _, err := d.Exec(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := d.Exec(ctx, `INSERT INTO kv (k, v) VALUES (?, ?), (?, ?)`, "a", 1, "b", 2)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected() != 2 {
		t.Fatalf("rows affected = %d, want 2", res.RowsAffected())
	}

	var v int
	if err := d.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "b").Scan(&v); err != nil || v != 2 {
		t.Fatalf("select b = %d, %v", v, err)
	}
	if err := d.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "zz").Scan(&v); !errors.Is(err, ErrNoRows) {
		t.Fatalf("missing row err = %v, want ErrNoRows", err)
	}

	boom := errors.New("boom")
	err = WithTx(ctx, d, func(tx Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE kv SET v = 100 WHERE k = ?`, "a"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx err = %v, want boom", err)
	}
	if err := d.QueryRow(ctx, `SELECT v FROM kv WHERE k = ?`, "a").Scan(&v); err != nil || v != 1 {
		t.Fatalf("rolled back value = %d, %v; want 1", v, err)
	}

	err = WithTx(ctx, d, func(tx Tx) error {
		_, err := tx.Exec(ctx, `UPDATE kv SET v = 10 WHERE k = ?`, "a")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx commit: %v", err)
	}

	rows, err := d.Query(ctx, `SELECT k, v FROM kv ORDER BY k`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	got := map[string]int{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k, &v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got[k] = v
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if got["a"] != 10 || got["b"] != 2 {
		t.Fatalf("unexpected rows %v", got)
	}
}

package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{Driver: DriverPostgres})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDuckDBDSN(t *testing.T) {
	cases := []struct {
		dsn      string
		readOnly bool
		want     string
	}{
		{dsn: "/data/shop.duckdb", readOnly: true, want: "/data/shop.duckdb?access_mode=read_only"},
		{dsn: "/data/shop.duckdb?threads=4", readOnly: true, want: "/data/shop.duckdb?threads=4&access_mode=read_only"},
		{dsn: "/data/shop.duckdb?access_mode=read_write", readOnly: true, want: "/data/shop.duckdb?access_mode=read_write"},
		{dsn: "/data/shop.duckdb", readOnly: false, want: "/data/shop.duckdb"},
		{dsn: "", readOnly: true, want: ""},
	}
	for _, tc := range cases {
		if got := duckDBDSN(tc.dsn, tc.readOnly); got != tc.want {
			t.Fatalf("duckDBDSN(%q, %v) = %q, want %q", tc.dsn, tc.readOnly, got, tc.want)
		}
	}
}

func TestOpenDuckDBReadOnlyRejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.duckdb")
	seed, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	if _, err := seed.Exec(`CREATE TABLE books (id INTEGER, title VARCHAR)`); err != nil {
		t.Fatalf("create table error = %v", err)
	}
	_ = seed.Close()

	db, err := Open(context.Background(), DBConfig{Driver: DriverDuckDB, DSN: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Exec(`INSERT INTO books VALUES (1, 'Dune')`); err == nil {
		t.Fatal("expected write to fail on read-only handle")
	}
	var count int
	if err := db.QueryRow(`SELECT count(*) FROM books`).Scan(&count); err != nil {
		t.Fatalf("select error = %v", err)
	}
}

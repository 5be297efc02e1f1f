package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/Eriq7/SQL-AI-Agent/internal/database"
	"github.com/Eriq7/SQL-AI-Agent/internal/query"
)

func openBookstore(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookstore.duckdb")

	seed, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE books (id INTEGER, title VARCHAR, rating DOUBLE)`,
		`INSERT INTO books SELECT i, 'book-' || i, (i % 10) / 2.0 FROM range(1, 501) t(i)`,
		`UPDATE books SET title = 'Dune', rating = 9.5 WHERE id = 42`,
	} {
		if _, err := seed.Exec(stmt); err != nil {
			t.Fatalf("exec %q error = %v", stmt, err)
		}
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db, err := database.Open(context.Background(), database.DBConfig{Driver: database.DriverDuckDB, DSN: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestExecuteReturnsRows(t *testing.T) {
	engine := NewEngine(openBookstore(t))

	result, err := engine.Execute(context.Background(), query.Request{
		SQL:     "SELECT title FROM books ORDER BY rating DESC, id LIMIT 1;",
		Timeout: 5 * time.Second,
		RowCap:  200,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 1 || result.Truncated {
		t.Fatalf("result = %+v", result)
	}
	if result.Rows[0]["title"] != "Dune" {
		t.Fatalf("title = %#v", result.Rows[0]["title"])
	}
}

func TestExecuteTruncatesAtRowCap(t *testing.T) {
	engine := NewEngine(openBookstore(t))

	result, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT id FROM books", RowCap: 25})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Truncated || result.RowCount != 25 {
		t.Fatalf("RowCount = %d, Truncated = %v", result.RowCount, result.Truncated)
	}

	exact, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT id FROM books LIMIT 25", RowCap: 25})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if exact.Truncated || exact.RowCount != 25 {
		t.Fatalf("RowCount = %d, Truncated = %v", exact.RowCount, exact.Truncated)
	}
}

func TestExecuteRefusesWritesOnReadOnlyDatabase(t *testing.T) {
	engine := NewEngine(openBookstore(t))

	_, err := engine.Execute(context.Background(), query.Request{SQL: "DELETE FROM books"})
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *ExecutionError", err)
	}
}

func TestExecuteReportsUnknownColumn(t *testing.T) {
	engine := NewEngine(openBookstore(t))

	_, err := engine.Execute(context.Background(), query.Request{SQL: "SELECT isbn FROM books"})
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want *ExecutionError", err)
	}
}

func TestExecuteTimesOut(t *testing.T) {
	engine := NewEngine(openBookstore(t))

	_, err := engine.Execute(context.Background(), query.Request{
		SQL:     "SELECT count(*) FROM range(1000000000) a, range(1000) b WHERE a.range % 7 = b.range",
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, query.ErrTimeout) {
		t.Fatalf("Execute() error = %v, want ErrTimeout", err)
	}
}

func TestExecuteResolvesNamesInSearchPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shop.duckdb")
	seed, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	for _, stmt := range []string{
		`CREATE SCHEMA sales`,
		`CREATE TABLE sales.orders (id INTEGER)`,
		`INSERT INTO sales.orders VALUES (1), (2), (3)`,
	} {
		if _, err := seed.Exec(stmt); err != nil {
			t.Fatalf("exec %q error = %v", stmt, err)
		}
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	db, err := database.Open(context.Background(), database.DBConfig{Driver: database.DriverDuckDB, DSN: path, ReadOnly: true})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := NewEngine(db).Execute(context.Background(), query.Request{SQL: "SELECT count(*) AS n FROM orders", RowCap: 10}); err == nil {
		t.Fatal("expected unqualified name to miss without a search path")
	}
	result, err := NewEngine(db).WithSearchPath("sales").Execute(context.Background(), query.Request{SQL: "SELECT count(*) AS n FROM orders", RowCap: 10})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("result = %+v", result)
	}
}

package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Eriq7/SQL-AI-Agent/internal/query"
)

// Engine runs queries on an embedded DuckDB database. The handle should be
// opened with access_mode=read_only; go-duckdb does not support read-only
// transactions, so the database mode is the write barrier.
type Engine struct {
	db         *sql.DB
	searchPath string
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// WithSearchPath resolves unqualified names in schemaName. Empty keeps the
// default schema.
func (e *Engine) WithSearchPath(schemaName string) *Engine {
	e.searchPath = strings.TrimSpace(schemaName)
	return e
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}

	start := time.Now()
	execCtx := ctx
	if request.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	conn, err := e.db.Conn(execCtx)
	if err != nil {
		return query.Result{}, classify(ctx, execCtx, fmt.Errorf("acquire duckdb connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	if e.searchPath != "" {
		pathSQL := "SET search_path = '" + strings.ReplaceAll(e.searchPath, "'", "''") + "'"
		if _, err := conn.ExecContext(execCtx, pathSQL); err != nil {
			return query.Result{}, classify(ctx, execCtx, fmt.Errorf("set search path: %w", err))
		}
	}

	rows, err := conn.QueryContext(execCtx, sqlText)
	if err != nil {
		return query.Result{}, classify(ctx, execCtx, err)
	}
	defer func() { _ = rows.Close() }()

	result, err := query.Collect(rows, request.RowCap)
	if err != nil {
		return query.Result{}, classify(ctx, execCtx, err)
	}
	result.Duration = time.Since(start)
	return result, nil
}

func classify(parent, execCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", query.ErrTimeout, err)
	}
	return &query.ExecutionError{Err: err}
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

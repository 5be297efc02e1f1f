package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Eriq7/SQL-AI-Agent/internal/query"
)

// queryCanceled is the SQLSTATE raised when statement_timeout fires.
const queryCanceled = "57014"

type Engine struct {
	db         *sql.DB
	searchPath string
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// WithSearchPath resolves unqualified names in schemaName, the schema the
// catalog introspects. Empty keeps the connection default.
func (e *Engine) WithSearchPath(schemaName string) *Engine {
	e.searchPath = strings.TrimSpace(schemaName)
	return e
}

// Execute runs request.SQL inside a read-only transaction that is always
// rolled back, holding a single pool connection for its duration.
func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := strings.TrimSpace(request.SQL)
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

	tx, err := e.db.BeginTx(execCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, classify(ctx, execCtx, fmt.Errorf("begin read-only transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if request.Timeout > 0 {
		timeoutSQL := fmt.Sprintf("SET LOCAL statement_timeout = %d", request.Timeout.Milliseconds())
		if _, err := tx.ExecContext(execCtx, timeoutSQL); err != nil {
			return query.Result{}, classify(ctx, execCtx, fmt.Errorf("set statement timeout: %w", err))
		}
	}

	if e.searchPath != "" {
		pathSQL := "SET LOCAL search_path TO " + pgx.Identifier{e.searchPath}.Sanitize()
		if _, err := tx.ExecContext(execCtx, pathSQL); err != nil {
			return query.Result{}, classify(ctx, execCtx, fmt.Errorf("set search path: %w", err))
		}
	}

	rows, err := tx.QueryContext(execCtx, sqlText)
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == queryCanceled {
		return fmt.Errorf("%w: %v", query.ErrTimeout, err)
	}
	return &query.ExecutionError{Err: err}
}

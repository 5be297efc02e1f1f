// Package query runs validated SELECT statements against the target
// database under a timeout and a row cap.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("query execution timed out")

// ExecutionError wraps a database error raised while running an accepted
// query. Its text is for logs only.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("query execution failed: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

type Request struct {
	SQL     string
	Timeout time.Duration
	RowCap  int
}

// Result holds at most RowCap rows. Truncated reports that more rows were
// available, in which case RowCount equals the cap.
type Result struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated"`
	Duration  time.Duration    `json:"duration"`
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Collect reads rows up to rowCap and reports whether another row exists.
// A rowCap of zero or less reads everything.
func Collect(rows *sql.Rows, rowCap int) (Result, error) {
	columns, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}

	result := Result{Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if rowCap > 0 && len(result.Rows) == rowCap {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = NormalizeValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

// NormalizeValue converts driver values into JSON-friendly ones.
func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return typed.String()
	default:
		return typed
	}
}

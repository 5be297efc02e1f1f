// Package sqlite stores conversation history in a local SQLite file for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
)

// Store uses a single connection, which serializes writers and keeps turn
// ids monotonic per user.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite history path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
		}
	}
	store := &Store{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite history: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversation_turn (
	user_id        TEXT    NOT NULL,
	turn_id        INTEGER NOT NULL,
	session_id     TEXT    NOT NULL,
	question       TEXT    NOT NULL,
	sql_text       TEXT,
	result_summary TEXT    NOT NULL DEFAULT '',
	answer         TEXT    NOT NULL DEFAULT '',
	outcome        TEXT    NOT NULL CHECK (outcome IN ('completed', 'failed')),
	failure_reason TEXT    NOT NULL DEFAULT '',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TEXT    NOT NULL,
	PRIMARY KEY (user_id, turn_id)
);
CREATE INDEX IF NOT EXISTS conversation_turn_session_idx ON conversation_turn (session_id);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate sqlite history: %w", err)
	}
	return nil
}

const insertTurnQuery = `
INSERT INTO conversation_turn (user_id, turn_id, session_id, question, sql_text, result_summary, answer, outcome, failure_reason, attempts, created_at)
SELECT ?1, COALESCE(MAX(turn_id), 0) + 1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9, ?10
FROM conversation_turn
WHERE user_id = ?1
RETURNING turn_id`

const turnColumns = `turn_id, session_id, question, sql_text, result_summary, answer, outcome, failure_reason, attempts, created_at`

func (s *Store) Append(ctx context.Context, userID string, turn conversation.Turn) (conversation.Turn, error) {
	prepared, err := conversation.Prepare(userID, turn, s.now())
	if err != nil {
		return conversation.Turn{}, err
	}
	var sqlText sql.NullString
	if prepared.SQL != nil {
		sqlText = sql.NullString{String: *prepared.SQL, Valid: true}
	}
	if err := s.db.QueryRowContext(ctx, insertTurnQuery,
		prepared.UserID,
		prepared.SessionID,
		prepared.Question,
		sqlText,
		prepared.ResultSummary,
		prepared.Answer,
		string(prepared.Outcome),
		prepared.FailureReason,
		prepared.Attempts,
		prepared.CreatedAt.Format(time.RFC3339Nano),
	).Scan(&prepared.TurnID); err != nil {
		return conversation.Turn{}, fmt.Errorf("insert sqlite turn: %w", err)
	}
	return prepared, nil
}

func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]conversation.Turn, error) {
	trimmed, err := conversation.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []conversation.Turn{}, nil
	}
	query := `
SELECT ` + turnColumns + ` FROM (
	SELECT ` + turnColumns + ` FROM conversation_turn WHERE user_id = ? ORDER BY turn_id DESC LIMIT ?
) ORDER BY turn_id`
	return s.queryTurns(ctx, trimmed, query, trimmed, limit)
}

func (s *Store) History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]conversation.Turn, error) {
	trimmed, err := conversation.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	limit = conversation.ClampLimit(limit, 100, 1000)
	query := `SELECT ` + turnColumns + ` FROM conversation_turn WHERE user_id = ? AND turn_id > ? ORDER BY turn_id LIMIT ?`
	return s.queryTurns(ctx, trimmed, query, trimmed, afterTurnID, limit)
}

func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM conversation_turn ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list sqlite history users: %w", err)
	}
	defer func() { _ = rows.Close() }()
	users := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan sqlite history user: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (s *Store) queryTurns(ctx context.Context, userID, query string, args ...any) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sqlite turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]conversation.Turn, 0)
	for rows.Next() {
		turn := conversation.Turn{UserID: userID}
		var sqlText sql.NullString
		var outcome, createdAt string
		if err := rows.Scan(&turn.TurnID, &turn.SessionID, &turn.Question, &sqlText, &turn.ResultSummary,
			&turn.Answer, &outcome, &turn.FailureReason, &turn.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sqlite turn: %w", err)
		}
		if sqlText.Valid {
			text := sqlText.String
			turn.SQL = &text
		}
		turn.Outcome = conversation.Outcome(outcome)
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse turn created_at %q: %w", createdAt, err)
		}
		turn.CreatedAt = parsed
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sqlite turns: %w", err)
	}
	return turns, nil
}

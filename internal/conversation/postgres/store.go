package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists turns in the conversation_turn table. Appends for one user
// are serialized with a transaction-scoped advisory lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

const lockUserQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

const insertTurnQuery = `
INSERT INTO conversation_turn (user_id, turn_id, session_id, question, sql_text, result_summary, answer, outcome, failure_reason, attempts, created_at)
SELECT $1::text, COALESCE(MAX(turn_id), 0) + 1, $2::uuid, $3::text, $4::text, $5::text, $6::text, $7::text, $8::text, $9::int, $10::timestamptz
FROM conversation_turn
WHERE user_id = $1
RETURNING turn_id`

const turnColumns = `turn_id, session_id::text, question, sql_text, result_summary, answer, outcome, failure_reason, attempts, created_at`

const recentTurnsQuery = `
SELECT ` + turnColumns + `
FROM (
	SELECT ` + turnColumns + `
	FROM conversation_turn
	WHERE user_id = $1
	ORDER BY turn_id DESC
	LIMIT $2
) recent
ORDER BY turn_id`

const historyQuery = `
SELECT ` + turnColumns + `
FROM conversation_turn
WHERE user_id = $1 AND turn_id > $2
ORDER BY turn_id
LIMIT $3`

const usersQuery = `SELECT DISTINCT user_id FROM conversation_turn ORDER BY user_id`

func (s *Store) Append(ctx context.Context, userID string, turn conversation.Turn) (conversation.Turn, error) {
	prepared, err := conversation.Prepare(userID, turn, s.now())
	if err != nil {
		return conversation.Turn{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return conversation.Turn{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, lockUserQuery, prepared.UserID); err != nil {
		return conversation.Turn{}, fmt.Errorf("lock user history: %w", err)
	}
	var sqlText sql.NullString
	if prepared.SQL != nil {
		sqlText = sql.NullString{String: *prepared.SQL, Valid: true}
	}
	if err := tx.QueryRowContext(ctx, insertTurnQuery,
		prepared.UserID,
		prepared.SessionID,
		prepared.Question,
		sqlText,
		prepared.ResultSummary,
		prepared.Answer,
		string(prepared.Outcome),
		prepared.FailureReason,
		prepared.Attempts,
		prepared.CreatedAt,
	).Scan(&prepared.TurnID); err != nil {
		return conversation.Turn{}, fmt.Errorf("insert conversation turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return conversation.Turn{}, fmt.Errorf("commit append tx: %w", err)
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
	return queryTurns(ctx, s.db, trimmed, recentTurnsQuery, trimmed, limit)
}

func (s *Store) History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]conversation.Turn, error) {
	trimmed, err := conversation.NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	limit = conversation.ClampLimit(limit, 100, 1000)
	return queryTurns(ctx, s.db, trimmed, historyQuery, trimmed, afterTurnID, limit)
}

func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, usersQuery)
	if err != nil {
		return nil, fmt.Errorf("list history users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan history user: %w", err)
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history users: %w", err)
	}
	return users, nil
}

func queryTurns(ctx context.Context, q dbTX, userID, query string, args ...any) ([]conversation.Turn, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversation turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]conversation.Turn, 0)
	for rows.Next() {
		turn := conversation.Turn{UserID: userID}
		var sqlText sql.NullString
		var outcome string
		if err := rows.Scan(
			&turn.TurnID,
			&turn.SessionID,
			&turn.Question,
			&sqlText,
			&turn.ResultSummary,
			&turn.Answer,
			&outcome,
			&turn.FailureReason,
			&turn.Attempts,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		if sqlText.Valid {
			text := sqlText.String
			turn.SQL = &text
		}
		turn.Outcome = conversation.Outcome(outcome)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation turns: %w", err)
	}
	return turns, nil
}

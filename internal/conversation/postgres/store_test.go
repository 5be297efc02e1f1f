package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
)

func TestAppendAssignsTurnIDUnderAdvisoryLock(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	store.now = func() time.Time { return now }
	sessionID, _ := conversation.SessionID("alice")
	query := "SELECT title FROM books ORDER BY rating DESC LIMIT 1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockUserQuery)).
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertTurnQuery)).
		WithArgs("alice", sessionID, "Which book has the highest rating?", query, `[{"title":"Dune"}]`, "Dune has the highest rating.", "completed", "", 1, now).
		WillReturnRows(sqlmock.NewRows([]string{"turn_id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	turn, err := store.Append(context.Background(), " alice ", conversation.Turn{
		Question:      "Which book has the highest rating?",
		SQL:           &query,
		ResultSummary: `[{"title":"Dune"}]`,
		Answer:        "Dune has the highest rating.",
		Outcome:       conversation.OutcomeCompleted,
		Attempts:      1,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if turn.TurnID != 7 || turn.UserID != "alice" || turn.SessionID != sessionID {
		t.Fatalf("Append() = %+v", turn)
	}
	assertSQLMock(t, mock)
}

func TestAppendStoresNullSQLForFailedTurns(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }
	sessionID, _ := conversation.SessionID("bob")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockUserQuery)).WithArgs("bob").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertTurnQuery)).
		WithArgs("bob", sessionID, "Delete all books", nil, "", "I can only answer read-only questions.", "failed", "validation_exhausted", 3, now).
		WillReturnRows(sqlmock.NewRows([]string{"turn_id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	if _, err := store.Append(context.Background(), "bob", conversation.Turn{
		Question:      "Delete all books",
		Answer:        "I can only answer read-only questions.",
		Outcome:       conversation.OutcomeFailed,
		FailureReason: "validation_exhausted",
		Attempts:      3,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestAppendRollsBackOnInsertError(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	boom := errors.New("unique violation")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockUserQuery)).WithArgs("alice").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(insertTurnQuery)).WillReturnError(boom)
	mock.ExpectRollback()

	_, err := store.Append(context.Background(), "alice", conversation.Turn{Outcome: conversation.OutcomeCompleted})
	if !errors.Is(err, boom) {
		t.Fatalf("Append() error = %v, want %v", err, boom)
	}
	assertSQLMock(t, mock)
}

func TestAppendRejectsBlankUserWithoutTouchingDB(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	_, err := store.Append(context.Background(), "  ", conversation.Turn{Outcome: conversation.OutcomeCompleted})
	if !errors.Is(err, conversation.ErrInvalidUserID) {
		t.Fatalf("Append() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestRecentReturnsOldestFirst(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()
	sessionID, _ := conversation.SessionID("alice")

	mock.ExpectQuery(regexp.QuoteMeta(recentTurnsQuery)).
		WithArgs("alice", 5).
		WillReturnRows(sqlmock.NewRows([]string{"turn_id", "session_id", "question", "sql_text", "result_summary", "answer", "outcome", "failure_reason", "attempts", "created_at"}).
			AddRow(int64(4), sessionID, "Which book has the highest rating?", "SELECT title FROM books ORDER BY rating DESC LIMIT 1", `[{"title":"Dune"}]`, "Dune.", "completed", "", 1, now).
			AddRow(int64(5), sessionID, "Delete all books", nil, "", "Sorry.", "failed", "validation_exhausted", 3, now))

	turns, err := store.Recent(context.Background(), "alice", 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 2 || turns[0].TurnID != 4 {
		t.Fatalf("Recent() = %+v", turns)
	}
	if turns[0].SQL == nil || *turns[0].SQL == "" {
		t.Fatal("first turn should carry its SQL")
	}
	if turns[1].SQL != nil || turns[1].Outcome != conversation.OutcomeFailed {
		t.Fatalf("second turn = %+v", turns[1])
	}
	assertSQLMock(t, mock)
}

func TestHistoryAndUsers(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(historyQuery)).
		WithArgs("alice", int64(10), 100).
		WillReturnRows(sqlmock.NewRows([]string{"turn_id", "session_id", "question", "sql_text", "result_summary", "answer", "outcome", "failure_reason", "attempts", "created_at"}).
			AddRow(int64(11), "s", "q", nil, "", "a", "completed", "", 1, now))
	mock.ExpectQuery(regexp.QuoteMeta(usersQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("alice").AddRow("bob"))

	turns, err := store.History(context.Background(), "alice", 10, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(turns) != 1 || turns[0].TurnID != 11 {
		t.Fatalf("History() = %+v", turns)
	}
	users, err := store.Users(context.Background())
	if err != nil {
		t.Fatalf("Users() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Users() = %v", users)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

// Package conversation keeps the append-only, per-user history of turns.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidUserID = errors.New("user id must be a non-empty string")
	ErrInvalidTurn   = errors.New("invalid conversation turn")
)

// sessionNamespace keeps session ids compatible with histories recorded by
// earlier deployments of the chat service.
var sessionNamespace = uuid.MustParse("12345678-1234-5678-1234-567812345678")

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Turn is one question and its outcome. SQL is nil when no query was
// accepted. Turns are never mutated after Append.
type Turn struct {
	TurnID        int64     `json:"turn_id"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	Question      string    `json:"question"`
	SQL           *string   `json:"sql"`
	ResultSummary string    `json:"result_summary,omitempty"`
	Answer        string    `json:"answer"`
	Outcome       Outcome   `json:"outcome"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists turns. Append assigns TurnID; ids increase strictly per
// user. Recent returns at most limit turns, oldest first.
type Store interface {
	Append(ctx context.Context, userID string, turn Turn) (Turn, error)
	Recent(ctx context.Context, userID string, limit int) ([]Turn, error)
	History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]Turn, error)
	Users(ctx context.Context) ([]string, error)
}

// NormalizeUserID trims the id and rejects empty values.
func NormalizeUserID(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", ErrInvalidUserID
	}
	return trimmed, nil
}

// SessionID derives the stable UUIDv5 session id for a user.
func SessionID(userID string) (string, error) {
	trimmed, err := NormalizeUserID(userID)
	if err != nil {
		return "", err
	}
	return uuid.NewSHA1(sessionNamespace, []byte(trimmed)).String(), nil
}

// Prepare fills the identity fields of a turn before it is stored.
func Prepare(userID string, turn Turn, now time.Time) (Turn, error) {
	trimmed, err := NormalizeUserID(userID)
	if err != nil {
		return Turn{}, err
	}
	sessionID, err := SessionID(trimmed)
	if err != nil {
		return Turn{}, err
	}
	switch turn.Outcome {
	case OutcomeCompleted, OutcomeFailed:
	default:
		return Turn{}, errors.Join(ErrInvalidTurn, errors.New("outcome must be completed or failed"))
	}
	if turn.Outcome == OutcomeFailed && turn.FailureReason == "" {
		return Turn{}, errors.Join(ErrInvalidTurn, errors.New("failed turns need a failure reason"))
	}
	turn.UserID = trimmed
	turn.SessionID = sessionID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now.UTC()
	}
	return turn, nil
}

// ClampLimit bounds page sizes requested by callers.
func ClampLimit(limit, fallback, max int) int {
	if limit <= 0 {
		limit = fallback
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}

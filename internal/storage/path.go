package storage

import (
	"fmt"
	"path"

	"github.com/google/uuid"
)

const cursorDir = "_cursors"

// TurnArchivePath names the Parquet object holding turns fromTurnID..toTurnID
// of one session. Ids are zero padded so keys sort in turn order.
func TurnArchivePath(sessionID string, fromTurnID, toTurnID int64) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	if fromTurnID <= 0 || toTurnID < fromTurnID {
		return "", fmt.Errorf("invalid turn range %d-%d", fromTurnID, toTurnID)
	}
	return path.Join(sessionID, fmt.Sprintf("turns-%010d-%010d.parquet", fromTurnID, toTurnID)), nil
}

// CursorPath names the JSON object recording how far a session is archived.
func CursorPath(sessionID string) (string, error) {
	if err := validateSessionID(sessionID); err != nil {
		return "", err
	}
	return path.Join(cursorDir, sessionID+".json"), nil
}

// validateSessionID accepts only the canonical lowercase hyphenated form so
// one session never maps to two prefixes.
func validateSessionID(value string) error {
	parsed, err := uuid.Parse(value)
	if err != nil || parsed.String() != value {
		return fmt.Errorf("invalid session id: %q", value)
	}
	return nil
}

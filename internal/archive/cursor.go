package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Eriq7/SQL-AI-Agent/internal/storage"
)

// Cursor records the last turn of a session that reached the archive.
type Cursor struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	LastTurnID    int64     `json:"last_turn_id"`
	LastObjectKey string    `json:"last_object_key"`
	LastObjectLen int64     `json:"last_object_size"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const maxCursorBytes = 64 << 10

func loadCursor(ctx context.Context, store storage.ObjectStore, userID, sessionID string) (Cursor, error) {
	key, err := storage.CursorPath(sessionID)
	if err != nil {
		return Cursor{}, err
	}
	payload, err := storage.ReadLimited(ctx, store, key, maxCursorBytes)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Cursor{UserID: userID, SessionID: sessionID}, nil
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("read cursor %q: %w", key, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(payload, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor %q: %w", key, err)
	}
	if cursor.SessionID != sessionID {
		return Cursor{}, fmt.Errorf("cursor %q belongs to session %q", key, cursor.SessionID)
	}
	return cursor, nil
}

func saveCursor(ctx context.Context, store storage.ObjectStore, cursor Cursor) error {
	key, err := storage.CursorPath(cursor.SessionID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	if _, err := storage.PutBytes(ctx, store, key, payload, storage.PutOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		return fmt.Errorf("write cursor %q: %w", key, err)
	}
	return nil
}

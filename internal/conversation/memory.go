package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps turns in process memory. History is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	turns map[string][]Turn
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: make(map[string][]Turn), now: time.Now}
}

func (s *MemoryStore) Append(ctx context.Context, userID string, turn Turn) (Turn, error) {
	if err := ctx.Err(); err != nil {
		return Turn{}, err
	}
	prepared, err := Prepare(userID, turn, s.now())
	if err != nil {
		return Turn{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.turns[prepared.UserID]
	prepared.TurnID = int64(len(existing)) + 1
	s.turns[prepared.UserID] = append(existing, prepared)
	return prepared, nil
}

func (s *MemoryStore) Recent(ctx context.Context, userID string, limit int) ([]Turn, error) {
	trimmed, err := NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Turn{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.turns[trimmed]
	start := len(existing) - limit
	if start < 0 {
		start = 0
	}
	return append([]Turn(nil), existing[start:]...), nil
}

func (s *MemoryStore) History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]Turn, error) {
	trimmed, err := NormalizeUserID(userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, 0)
	for _, turn := range s.turns[trimmed] {
		if turn.TurnID <= afterTurnID {
			continue
		}
		out = append(out, turn)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Users(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.turns))
	for userID := range s.turns {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users, nil
}

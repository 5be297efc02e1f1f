// Package archive exports conversation turns to an object store as Parquet.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	"github.com/Eriq7/SQL-AI-Agent/internal/storage"
)

type HistorySource interface {
	Users(ctx context.Context) ([]string, error)
	History(ctx context.Context, userID string, afterTurnID int64, limit int) ([]conversation.Turn, error)
}

type Config struct {
	Interval          time.Duration
	BatchSize         int
	MaxBatchesPerUser int
	Concurrency       int
	PutRetries        int
}

type Service struct {
	History     HistorySource
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type Summary struct {
	UsersScanned   int `json:"users_scanned"`
	UsersArchived  int `json:"users_archived"`
	TurnsArchived  int `json:"turns_archived"`
	ObjectsWritten int `json:"objects_written"`
	Failures       int `json:"failures"`
}

type VerifySummary struct {
	UsersScanned   int `json:"users_scanned"`
	CursorsChecked int `json:"cursors_checked"`
	MissingObjects int `json:"missing_objects"`
	SizeMismatches int `json:"size_mismatches"`
	Failures       int `json:"failures"`
}

// Run exports on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			summary, err := s.RunOnce(ctx, "")
			if err != nil {
				s.Logger.ErrorContext(ctx, "archive cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				continue
			}
			s.Logger.InfoContext(ctx, "archive cycle completed", slog.Any("summary", summary))
		}
	}
}

// RunOnce exports turns newer than each user's cursor. An empty userID
// covers every user with history. Re-running after a partial failure
// rewrites the same object keys.
func (s *Service) RunOnce(ctx context.Context, userID string) (Summary, error) {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return Summary{}, err
	}

	users, err := s.targetUsers(ctx, userID)
	if err != nil {
		observability.ObserveArchiveRun(0, err)
		return Summary{}, err
	}

	var (
		mu       sync.Mutex
		summary  = Summary{UsersScanned: len(users)}
		failures []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.Config.Concurrency)
	for _, user := range users {
		group.Go(func() error {
			turns, objects, err := s.archiveUser(groupCtx, user)
			mu.Lock()
			defer mu.Unlock()
			summary.TurnsArchived += turns
			summary.ObjectsWritten += objects
			if turns > 0 {
				summary.UsersArchived++
			}
			if err != nil {
				summary.Failures++
				failures = append(failures, fmt.Errorf("user %s: %w", user, err))
			}
			return nil
		})
	}
	_ = group.Wait()

	var runErr error
	if len(failures) > 0 {
		runErr = errors.Join(failures...)
	}
	observability.ObserveArchiveRun(summary.TurnsArchived, runErr)
	return summary, runErr
}

func (s *Service) archiveUser(ctx context.Context, userID string) (int, int, error) {
	sessionID, err := conversation.SessionID(userID)
	if err != nil {
		return 0, 0, err
	}
	cursor, err := loadCursor(ctx, s.ObjectStore, userID, sessionID)
	if err != nil {
		return 0, 0, err
	}

	turns, objects := 0, 0
	for batch := 0; s.Config.MaxBatchesPerUser <= 0 || batch < s.Config.MaxBatchesPerUser; batch++ {
		pending, err := s.History.History(ctx, userID, cursor.LastTurnID, s.Config.BatchSize)
		if err != nil {
			return turns, objects, fmt.Errorf("load history after turn %d: %w", cursor.LastTurnID, err)
		}
		if len(pending) == 0 {
			break
		}

		encoded, err := EncodeTurns(pending)
		if err != nil {
			return turns, objects, err
		}
		key, err := storage.TurnArchivePath(sessionID, encoded.FromTurnID, encoded.ToTurnID)
		if err != nil {
			return turns, objects, err
		}
		info, err := s.put(ctx, key, encoded, userID)
		if err != nil {
			return turns, objects, err
		}

		cursor.LastTurnID = encoded.ToTurnID
		cursor.LastObjectKey = key
		cursor.LastObjectLen = info.Size
		cursor.UpdatedAt = s.Clock().UTC()
		if err := saveCursor(ctx, s.ObjectStore, cursor); err != nil {
			return turns, objects, err
		}
		turns += len(pending)
		objects++
		s.Logger.DebugContext(ctx, "archived turns",
			slog.String("user_id", userID),
			slog.String("key", key),
			slog.Int64("records", encoded.RecordCount),
		)
		if len(pending) < s.Config.BatchSize {
			break
		}
	}
	return turns, objects, nil
}

func (s *Service) put(ctx context.Context, key string, encoded EncodeResult, userID string) (storage.ObjectInfo, error) {
	opts := storage.PutOptions{
		ContentType: storage.ContentTypeParquet,
		Metadata: map[string]string{
			"user-id":      userID,
			"from-turn-id": strconv.FormatInt(encoded.FromTurnID, 10),
			"to-turn-id":   strconv.FormatInt(encoded.ToTurnID, 10),
		},
	}
	var info storage.ObjectInfo
	backoff := retry.WithMaxRetries(uint64(s.Config.PutRetries), retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		info, err = storage.PutBytes(ctx, s.ObjectStore, key, encoded.Data, opts)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("upload %q: %w", key, err)
	}
	return info, nil
}

// VerifyOnce checks that the object each cursor points at exists with the
// recorded size.
func (s *Service) VerifyOnce(ctx context.Context, userID string) (VerifySummary, error) {
	s.ensureDefaults()
	if err := s.validate(); err != nil {
		return VerifySummary{}, err
	}
	users, err := s.targetUsers(ctx, userID)
	if err != nil {
		return VerifySummary{}, err
	}

	summary := VerifySummary{UsersScanned: len(users)}
	var failures []error
	for _, user := range users {
		sessionID, err := conversation.SessionID(user)
		if err != nil {
			summary.Failures++
			failures = append(failures, err)
			continue
		}
		cursor, err := loadCursor(ctx, s.ObjectStore, user, sessionID)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Errorf("user %s: %w", user, err))
			continue
		}
		if cursor.LastObjectKey == "" {
			continue
		}
		summary.CursorsChecked++
		info, err := s.ObjectStore.Stat(ctx, cursor.LastObjectKey)
		switch {
		case errors.Is(err, storage.ErrObjectNotFound):
			summary.MissingObjects++
			s.Logger.WarnContext(ctx, "archived object missing", slog.String("user_id", user), slog.String("key", cursor.LastObjectKey))
		case err != nil:
			summary.Failures++
			failures = append(failures, fmt.Errorf("user %s stat %q: %w", user, cursor.LastObjectKey, err))
		case info.Size != cursor.LastObjectLen:
			summary.SizeMismatches++
			s.Logger.WarnContext(ctx, "archived object size mismatch",
				slog.String("user_id", user),
				slog.String("key", cursor.LastObjectKey),
				slog.Int64("expected", cursor.LastObjectLen),
				slog.Int64("actual", info.Size),
			)
		}
	}
	if len(failures) > 0 {
		return summary, errors.Join(failures...)
	}
	return summary, nil
}

func (s *Service) targetUsers(ctx context.Context, userID string) ([]string, error) {
	if userID != "" {
		trimmed, err := conversation.NormalizeUserID(userID)
		if err != nil {
			return nil, err
		}
		return []string{trimmed}, nil
	}
	users, err := s.History.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Service) validate() error {
	if s.History == nil {
		return fmt.Errorf("history source is required")
	}
	if s.ObjectStore == nil {
		return fmt.Errorf("object store is required")
	}
	return nil
}

func (s *Service) ensureDefaults() {
	if s.Config.Interval <= 0 {
		s.Config.Interval = 10 * time.Minute
	}
	if s.Config.BatchSize <= 0 {
		s.Config.BatchSize = 500
	}
	if s.Config.Concurrency <= 0 {
		s.Config.Concurrency = 4
	}
	if s.Config.PutRetries < 0 {
		s.Config.PutRetries = 0
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Clock == nil {
		s.Clock = time.Now
	}
}

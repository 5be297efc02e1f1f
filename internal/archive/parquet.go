package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
)

type EncodeResult struct {
	Data        []byte
	RecordCount int64
	FromTurnID  int64
	ToTurnID    int64
}

type parquetTurn struct {
	TurnID          int64   `parquet:"turn_id"`
	UserID          string  `parquet:"user_id"`
	SessionID       string  `parquet:"session_id"`
	Question        string  `parquet:"question"`
	SQL             *string `parquet:"sql,optional"`
	ResultSummary   string  `parquet:"result_summary"`
	Answer          string  `parquet:"answer"`
	Outcome         string  `parquet:"outcome"`
	FailureReason   string  `parquet:"failure_reason"`
	Attempts        int32   `parquet:"attempts"`
	CreatedAtUnixMs int64   `parquet:"created_at_unix_ms"`
}

// EncodeTurns writes turns of one user, in ascending turn order, as a
// single Parquet file.
func EncodeTurns(turns []conversation.Turn) (EncodeResult, error) {
	if len(turns) == 0 {
		return EncodeResult{}, fmt.Errorf("turns are required")
	}

	rows := make([]parquetTurn, 0, len(turns))
	for i, turn := range turns {
		if i > 0 {
			if turn.UserID != turns[0].UserID {
				return EncodeResult{}, fmt.Errorf("turn %d belongs to %q, want %q", turn.TurnID, turn.UserID, turns[0].UserID)
			}
			if turn.TurnID <= turns[i-1].TurnID {
				return EncodeResult{}, fmt.Errorf("turn %d is out of order", turn.TurnID)
			}
		}
		rows = append(rows, parquetTurn{
			TurnID:          turn.TurnID,
			UserID:          turn.UserID,
			SessionID:       turn.SessionID,
			Question:        turn.Question,
			SQL:             turn.SQL,
			ResultSummary:   turn.ResultSummary,
			Answer:          turn.Answer,
			Outcome:         string(turn.Outcome),
			FailureReason:   turn.FailureReason,
			Attempts:        int32(turn.Attempts),
			CreatedAtUnixMs: turn.CreatedAt.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetTurn](buf)
	if _, err := writer.Write(rows); err != nil {
		return EncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return EncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return EncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		FromTurnID:  turns[0].TurnID,
		ToTurnID:    turns[len(turns)-1].TurnID,
	}, nil
}

// DecodeTurns reads a file produced by EncodeTurns.
func DecodeTurns(data []byte) ([]conversation.Turn, error) {
	reader := parquet.NewGenericReader[parquetTurn](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetTurn, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}

	turns := make([]conversation.Turn, 0, n)
	for _, row := range rows[:n] {
		turns = append(turns, conversation.Turn{
			TurnID:        row.TurnID,
			UserID:        row.UserID,
			SessionID:     row.SessionID,
			Question:      row.Question,
			SQL:           row.SQL,
			ResultSummary: row.ResultSummary,
			Answer:        row.Answer,
			Outcome:       conversation.Outcome(row.Outcome),
			FailureReason: row.FailureReason,
			Attempts:      int(row.Attempts),
			CreatedAt:     time.UnixMilli(row.CreatedAtUnixMs).UTC(),
		})
	}
	return turns, nil
}

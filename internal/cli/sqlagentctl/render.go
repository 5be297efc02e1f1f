package sqlagentctl

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pterm/pterm"
)

type askResponse struct {
	Answer        string  `json:"answer"`
	SQL           *string `json:"sql"`
	Success       bool    `json:"success"`
	FailureReason *string `json:"failure_reason"`
	Message       string  `json:"message"`
	TurnID        int64   `json:"turn_id"`
	Attempts      int     `json:"attempts"`
	Recorded      bool    `json:"recorded"`
	Retryable     bool    `json:"retryable"`
}

type historyTurn struct {
	TurnID        int64     `json:"turn_id"`
	Question      string    `json:"question"`
	SQL           *string   `json:"sql"`
	Answer        string    `json:"answer"`
	Outcome       string    `json:"outcome"`
	FailureReason string    `json:"failure_reason"`
	CreatedAt     time.Time `json:"created_at"`
}

type historyPage struct {
	UserID    string        `json:"user_id"`
	Turns     []historyTurn `json:"turns"`
	NextAfter int64         `json:"next_after"`
}

type schemaColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type schemaTable struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Columns       []schemaColumn `json:"columns"`
	EstimatedRows int64          `json:"estimated_rows"`
}

type schemaSnapshot struct {
	Tables     []schemaTable `json:"tables"`
	CapturedAt time.Time     `json:"captured_at"`
}

const cellWidth = 60

func renderAnswer(w io.Writer, resp askResponse) {
	if resp.Success {
		_, _ = fmt.Fprintln(w, resp.Answer)
	} else {
		_, _ = fmt.Fprintln(w, pterm.Red(resp.Answer))
	}
	if resp.SQL != nil {
		_, _ = fmt.Fprintf(w, "\n%s %s\n", pterm.Gray("SQL:"), *resp.SQL)
	}
	if resp.Message != "" {
		_, _ = fmt.Fprintf(w, "%s %s\n", pterm.Yellow("Note:"), resp.Message)
	}
	if resp.FailureReason != nil {
		hint := ""
		if resp.Retryable {
			hint = " (retry may succeed)"
		}
		_, _ = fmt.Fprintf(w, "%s %s%s\n", pterm.Gray("Reason:"), *resp.FailureReason, hint)
	}
	if !resp.Recorded {
		_, _ = fmt.Fprintln(w, pterm.Yellow("This turn was not saved to history."))
	}
}

func renderHistory(w io.Writer, page historyPage) error {
	if len(page.Turns) == 0 {
		_, _ = fmt.Fprintf(w, "No turns recorded for %s.\n", page.UserID)
		return nil
	}
	data := pterm.TableData{{"TURN", "OUTCOME", "QUESTION", "SQL", "ANSWER"}}
	for _, turn := range page.Turns {
		outcome := turn.Outcome
		if turn.FailureReason != "" {
			outcome += " (" + turn.FailureReason + ")"
		}
		sql := ""
		if turn.SQL != nil {
			sql = *turn.SQL
		}
		data = append(data, []string{
			strconv.FormatInt(turn.TurnID, 10),
			outcome,
			truncate(turn.Question),
			truncate(sql),
			truncate(turn.Answer),
		})
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("render history: %w", err)
	}
	_, _ = fmt.Fprintln(w, rendered)
	_, _ = fmt.Fprintf(w, "next: --after %d\n", page.NextAfter)
	return nil
}

func renderSchema(w io.Writer, snapshot schemaSnapshot) error {
	data := pterm.TableData{{"TABLE", "KIND", "ROWS", "COLUMNS"}}
	for _, table := range snapshot.Tables {
		columns := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, column.Name+" "+strings.ToLower(column.Type))
		}
		rows := "unknown"
		if table.EstimatedRows >= 0 {
			rows = strconv.FormatInt(table.EstimatedRows, 10)
		}
		data = append(data, []string{table.Name, table.Kind, rows, truncate(strings.Join(columns, ", "))})
	}
	rendered, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("render schema: %w", err)
	}
	_, _ = fmt.Fprintln(w, rendered)
	if !snapshot.CapturedAt.IsZero() {
		_, _ = fmt.Fprintf(w, "captured at %s\n", snapshot.CapturedAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func truncate(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if len(value) <= cellWidth {
		return value
	}
	cut := cellWidth - 3
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}

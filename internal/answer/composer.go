// Package answer phrases query results as a natural-language reply.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/Eriq7/SQL-AI-Agent/internal/oracle"
	"github.com/Eriq7/SQL-AI-Agent/internal/query"
)

var ErrCompositionFailed = errors.New("answer composition failed")

const (
	NoRowsAnswer = "No matching rows were found."

	defaultPromptRows = 50
)

type Composer struct {
	oracle     oracle.Oracle
	promptRows int
}

// NewComposer returns a composer that shows the oracle at most promptRows
// rows of a result.
func NewComposer(o oracle.Oracle, promptRows int) *Composer {
	if promptRows <= 0 {
		promptRows = defaultPromptRows
	}
	return &Composer{oracle: o, promptRows: promptRows}
}

// Compose answers question from result alone. An empty result never
// reaches the oracle.
func (c *Composer) Compose(ctx context.Context, question string, result query.Result) (string, error) {
	if result.RowCount == 0 || len(result.Rows) == 0 {
		return NoRowsAnswer, nil
	}

	user, err := c.userPrompt(question, result)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCompositionFailed, err)
	}
	text, err := c.oracle.Complete(ctx, oracle.Prompt{
		Purpose: "composition",
		System: "You answer a user's question using only the query result provided. " +
			"Do not invent values that are not in the result. " +
			"If the result was truncated, say that only part of the data is shown. " +
			"Answer concisely in plain text.",
		User: user,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: %w", ErrCompositionFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: %w", ErrCompositionFailed, oracle.ErrEmptyCompletion)
	}
	return text, nil
}

func (c *Composer) userPrompt(question string, result query.Result) (string, error) {
	rows := result.Rows
	if len(rows) > c.promptRows {
		rows = rows[:c.promptRows]
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal result rows: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", strings.TrimSpace(question))
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(result.Columns, ", "))
	fmt.Fprintf(&b, "Rows (%d shown of %d returned):\n%s\n", len(rows), result.RowCount, encoded)
	if result.Truncated {
		b.WriteString("Note: the result was truncated at the row cap; more rows exist.\n")
	}
	b.WriteString("Answer:")
	return b.String(), nil
}

// RenderTable formats result as an aligned plain-text table. It is the
// fallback answer when composition fails.
func RenderTable(result query.Result) string {
	if len(result.Rows) == 0 {
		return NoRowsAnswer
	}
	columns := result.Columns
	if len(columns) == 0 {
		columns = rowKeys(result.Rows[0])
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(columns))
		for i, column := range columns {
			cells[i] = formatCell(row[column])
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()

	out := strings.TrimRight(buf.String(), "\n")
	if result.Truncated {
		out += fmt.Sprintf("\n(showing the first %d rows)", result.RowCount)
	}
	return out
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	return strings.Join(strings.Fields(fmt.Sprint(value)), " ")
}

func rowKeys(row map[string]any) []string {
	keys := make([]string, 0, len(row))
	for key := range row {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

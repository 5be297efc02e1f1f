// Package nl2sql drafts a single SQL query for a natural-language question
// from a schema summary and the user's recent turns.
package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/oracle"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
	"github.com/Eriq7/SQL-AI-Agent/internal/sqlguard"
)

var ErrSynthesisFailed = errors.New("query synthesis failed")

const (
	DialectPostgres = "postgresql"
	DialectDuckDB   = "duckdb"

	defaultCharBudget = 12000
	// historyAnswerChars bounds how much of a prior answer is replayed.
	historyAnswerChars = 400
)

// Feedback describes why the previous draft was refused so the next draft
// can avoid the same mistake.
type Feedback struct {
	SQL         string
	Reason      string
	Explanation string
}

type Request struct {
	Question string
	Schema   schema.Snapshot
	History  []conversation.Turn
	Feedback *Feedback
}

type Config struct {
	Dialect    string
	CharBudget int
	RowCap     int
}

type Synthesizer struct {
	oracle     oracle.Oracle
	dialect    string
	charBudget int
	rowCap     int
}

func NewSynthesizer(o oracle.Oracle, cfg Config) *Synthesizer {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Dialect))
	if dialect == "" {
		dialect = DialectPostgres
	}
	budget := cfg.CharBudget
	if budget <= 0 {
		budget = defaultCharBudget
	}
	return &Synthesizer{oracle: o, dialect: dialect, charBudget: budget, rowCap: cfg.RowCap}
}

// Synthesize asks the oracle for one query. The returned candidate has not
// been validated.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (sqlguard.CandidateQuery, error) {
	prompt := oracle.Prompt{
		Purpose: "synthesis",
		System:  s.systemPrompt(),
		User:    s.userPrompt(req),
	}
	text, err := s.oracle.Complete(ctx, prompt)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return sqlguard.CandidateQuery{}, ctxErr
		}
		return sqlguard.CandidateQuery{}, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	sqlText := extractSQL(text)
	if sqlText == "" {
		return sqlguard.CandidateQuery{}, fmt.Errorf("%w: model returned no SQL", ErrSynthesisFailed)
	}
	return sqlguard.Describe(sqlText), nil
}

func (s *Synthesizer) systemPrompt() string {
	dialect := "PostgreSQL"
	if s.dialect == DialectDuckDB {
		dialect = "DuckDB (write standard PostgreSQL-compatible syntax only)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You translate questions about a database into a single %s SELECT query.\n", dialect)
	b.WriteString("Rules:\n")
	b.WriteString("- Use only the tables and columns listed in the schema.\n")
	b.WriteString("- Never modify data: no INSERT, UPDATE, DELETE, DDL or multiple statements.\n")
	b.WriteString("- Select only the columns needed to answer; prefer explicit column lists.\n")
	if s.rowCap > 0 {
		fmt.Fprintf(&b, "- Add LIMIT %d unless the question asks for a single aggregate or fewer rows.\n", s.rowCap)
	}
	b.WriteString("- Use the conversation history to resolve references such as \"it\" or \"that author\".\n")
	b.WriteString("Return ONLY the SQL. No markdown, no explanation.")
	return b.String()
}

func (s *Synthesizer) userPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(RenderSchema(req.Schema, s.charBudget))

	if history := renderHistory(req.History); history != "" {
		b.WriteString("\nConversation so far (oldest first):\n")
		b.WriteString(history)
	}

	if fb := req.Feedback; fb != nil {
		b.WriteString("\nYour previous query was rejected.\n")
		if strings.TrimSpace(fb.SQL) != "" {
			fmt.Fprintf(&b, "Rejected query: %s\n", strings.TrimSpace(fb.SQL))
		}
		fmt.Fprintf(&b, "Reason: %s\n", fb.Reason)
		fmt.Fprintf(&b, "Explanation: %s\n", fb.Explanation)
		b.WriteString("Write a corrected query.\n")
	}

	fmt.Fprintf(&b, "\nQuestion: %s\nSQLQuery:", strings.TrimSpace(req.Question))
	return b.String()
}

// RenderSchema describes every table of snapshot without row data. Output
// is cut at budget characters at a table boundary when possible.
func RenderSchema(snapshot schema.Snapshot, budget int) string {
	var b strings.Builder
	omitted := 0
	for i, table := range snapshot.Tables {
		block := renderTable(table)
		if budget > 0 && b.Len()+len(block) > budget {
			omitted = len(snapshot.Tables) - i
			break
		}
		b.WriteString(block)
	}
	if omitted > 0 {
		fmt.Fprintf(&b, "(%d more tables omitted)\n", omitted)
	}
	return b.String()
}

func renderTable(table schema.TableDescriptor) string {
	var b strings.Builder
	kind := "table"
	if table.Kind == schema.KindView {
		kind = "view"
	}
	fmt.Fprintf(&b, "%s %s", kind, table.Name)
	if table.Description != "" {
		fmt.Fprintf(&b, " -- %s", oneLine(table.Description))
	}
	b.WriteString("\n")
	fks := make(map[string]schema.ForeignKeyRef, len(table.ForeignKeys))
	for _, fk := range table.ForeignKeys {
		fks[strings.ToLower(fk.Column)] = fk
	}
	for _, column := range table.Columns {
		fmt.Fprintf(&b, "  - %s %s", column.Name, column.Type)
		if !column.Nullable {
			b.WriteString(" NOT NULL")
		}
		if fk, ok := fks[strings.ToLower(column.Name)]; ok {
			fmt.Fprintf(&b, " REFERENCES %s(%s)", fk.ReferencedTable, fk.ReferencedColumn)
		}
		if column.Description != "" {
			fmt.Fprintf(&b, " -- %s", oneLine(column.Description))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderHistory(turns []conversation.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&b, "User: %s\n", oneLine(turn.Question))
		if turn.SQL != nil {
			fmt.Fprintf(&b, "SQL: %s\n", oneLine(*turn.SQL))
		}
		if turn.Outcome == conversation.OutcomeFailed {
			fmt.Fprintf(&b, "Assistant: (failed: %s)\n", turn.FailureReason)
			continue
		}
		fmt.Fprintf(&b, "Assistant: %s\n", truncate(oneLine(turn.Answer), historyAnswerChars))
	}
	return b.String()
}

// extractSQL pulls the query out of a completion that may be wrapped in a
// markdown fence or prefixed with "SQLQuery:".
func extractSQL(text string) string {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "```"); start >= 0 {
		rest := trimmed[start+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			rest = rest[:end]
		}
		rest = strings.TrimSpace(rest)
		if len(rest) >= 3 && strings.EqualFold(rest[:3], "sql") {
			rest = rest[3:]
		}
		trimmed = strings.TrimSpace(rest)
	}
	if idx := strings.Index(strings.ToLower(trimmed), "sqlquery:"); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[idx+len("sqlquery:"):])
	}
	if idx := strings.Index(strings.ToLower(trimmed), "\nsqlresult:"); idx >= 0 {
		trimmed = strings.TrimSpace(trimmed[:idx])
	}
	return trimmed
}

func oneLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	for max > 0 && !utf8.RuneStart(value[max]) {
		max--
	}
	return value[:max] + "..."
}

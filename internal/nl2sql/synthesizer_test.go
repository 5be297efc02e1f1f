package nl2sql

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/oracle"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
	"github.com/Eriq7/SQL-AI-Agent/internal/sqlguard"
)

func bookstoreSnapshot() schema.Snapshot {
	return schema.Snapshot{Tables: []schema.TableDescriptor{
		{
			Name: "authors", Kind: schema.KindTable, Description: "A table of authors.",
			Columns: []schema.ColumnDescriptor{{Name: "id", Type: "integer"}, {Name: "name", Type: "character varying", Nullable: true}},
		},
		{
			Name: "books", Kind: schema.KindTable,
			Columns: []schema.ColumnDescriptor{
				{Name: "id", Type: "integer"},
				{Name: "title", Type: "character varying", Nullable: true},
				{Name: "author_id", Type: "integer", Nullable: true},
				{Name: "rating", Type: "numeric", Nullable: true, Description: "Book rating (0-10)"},
			},
			ForeignKeys: []schema.ForeignKeyRef{{Column: "author_id", ReferencedTable: "authors", ReferencedColumn: "id"}},
		},
		{Name: "books_with_authors", Kind: schema.KindView, Columns: []schema.ColumnDescriptor{{Name: "title", Type: "character varying", Nullable: true}}},
	}}
}

type recordingOracle struct {
	reply   string
	err     error
	prompts []oracle.Prompt
}

func (o *recordingOracle) Complete(_ context.Context, prompt oracle.Prompt) (string, error) {
	o.prompts = append(o.prompts, prompt)
	return o.reply, o.err
}

func TestSynthesizeReturnsDescribedCandidate(t *testing.T) {
	o := &recordingOracle{reply: "```sql\nSELECT title FROM books ORDER BY rating DESC LIMIT 1;\n```"}
	synth := NewSynthesizer(o, Config{RowCap: 200})

	candidate, err := synth.Synthesize(context.Background(), Request{
		Question: "Which book has the highest rating?",
		Schema:   bookstoreSnapshot(),
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if candidate.SQL != "SELECT title FROM books ORDER BY rating DESC LIMIT 1;" {
		t.Fatalf("SQL = %q", candidate.SQL)
	}
	if candidate.Verb != sqlguard.VerbSelect || len(candidate.Tables) != 1 || candidate.Tables[0] != "books" {
		t.Fatalf("candidate = %+v", candidate)
	}

	prompt := o.prompts[0]
	if prompt.Purpose != "synthesis" {
		t.Fatalf("Purpose = %q", prompt.Purpose)
	}
	for _, want := range []string{"PostgreSQL", "LIMIT 200", "Return ONLY the SQL"} {
		if !strings.Contains(prompt.System, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, prompt.System)
		}
	}
	for _, want := range []string{
		"table authors -- A table of authors.",
		"  - author_id integer REFERENCES authors(id)",
		"  - rating numeric -- Book rating (0-10)",
		"  - id integer NOT NULL",
		"view books_with_authors",
		"Question: Which book has the highest rating?",
	} {
		if !strings.Contains(prompt.User, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, prompt.User)
		}
	}
	if strings.Contains(prompt.User, "Conversation so far") || strings.Contains(prompt.User, "rejected") {
		t.Fatalf("unexpected sections in first prompt:\n%s", prompt.User)
	}
}

func TestSynthesizeIncludesHistoryForFollowUps(t *testing.T) {
	o := &recordingOracle{reply: "SELECT a.name FROM books b JOIN authors a ON a.id = b.author_id WHERE b.title = 'Dune'"}
	synth := NewSynthesizer(o, Config{})
	prior := "SELECT title FROM books ORDER BY rating DESC LIMIT 1"

	_, err := synth.Synthesize(context.Background(), Request{
		Question: "who wrote it?",
		Schema:   bookstoreSnapshot(),
		History: []conversation.Turn{
			{Question: "Which book has the highest rating?", SQL: &prior, Answer: "The highest rated book is Dune.", Outcome: conversation.OutcomeCompleted},
			{Question: "Delete all books", Outcome: conversation.OutcomeFailed, FailureReason: "validation_exhausted"},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	user := o.prompts[0].User
	for _, want := range []string{
		"User: Which book has the highest rating?",
		"SQL: " + prior,
		"Assistant: The highest rated book is Dune.",
		"Assistant: (failed: validation_exhausted)",
	} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Index(user, "highest rating") > strings.Index(user, "Delete all books") {
		t.Fatal("history should be rendered oldest first")
	}
}

func TestSynthesizeIncludesRejectionFeedbackVerbatim(t *testing.T) {
	o := &recordingOracle{reply: "SELECT title FROM books LIMIT 10"}
	synth := NewSynthesizer(o, Config{})

	_, err := synth.Synthesize(context.Background(), Request{
		Question: "list books",
		Schema:   bookstoreSnapshot(),
		Feedback: &Feedback{SQL: "SELECT isbn FROM books", Reason: "unknown_identifier", Explanation: `unknown column "isbn" in books`},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	user := o.prompts[0].User
	for _, want := range []string{
		"Rejected query: SELECT isbn FROM books",
		"Reason: unknown_identifier",
		`Explanation: unknown column "isbn" in books`,
	} {
		if !strings.Contains(user, want) {
			t.Fatalf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestSynthesizeFailures(t *testing.T) {
	tests := []struct {
		name string
		o    *recordingOracle
	}{
		{name: "oracle error", o: &recordingOracle{err: errors.New("upstream 503")}},
		{name: "blank reply", o: &recordingOracle{reply: "```sql\n```"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSynthesizer(tt.o, Config{}).Synthesize(context.Background(), Request{Question: "q", Schema: bookstoreSnapshot()})
			if !errors.Is(err, ErrSynthesisFailed) {
				t.Fatalf("Synthesize() error = %v, want ErrSynthesisFailed", err)
			}
		})
	}
}

func TestSynthesizeReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := oracle.Func(func(ctx context.Context, _ oracle.Prompt) (string, error) {
		return "", ctx.Err()
	})
	_, err := NewSynthesizer(o, Config{}).Synthesize(ctx, Request{Question: "q"})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("Synthesize() error = %v, want context.Canceled only", err)
	}
}

func TestDuckDBDialectPrompt(t *testing.T) {
	o := &recordingOracle{reply: "SELECT 1"}
	if _, err := NewSynthesizer(o, Config{Dialect: "DuckDB"}).Synthesize(context.Background(), Request{Question: "q"}); err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if !strings.Contains(o.prompts[0].System, "DuckDB") {
		t.Fatalf("system prompt = %q", o.prompts[0].System)
	}
}

func TestRenderSchemaHonorsBudget(t *testing.T) {
	snapshot := bookstoreSnapshot()
	full := RenderSchema(snapshot, 0)
	first := renderTable(snapshot.Tables[0])

	cut := RenderSchema(snapshot, len(first)+5)
	if !strings.HasPrefix(cut, first) {
		t.Fatalf("RenderSchema() = %q", cut)
	}
	if !strings.Contains(cut, "(2 more tables omitted)") {
		t.Fatalf("RenderSchema() = %q", cut)
	}
	if len(cut) >= len(full) {
		t.Fatalf("budgeted render %d chars, full %d", len(cut), len(full))
	}
}

func TestExtractSQL(t *testing.T) {
	tests := map[string]string{
		"```sql\nSELECT 1;\n```": "SELECT 1;",
		"```\nSELECT 2\n```":     "SELECT 2",
		"Here you go:\n```SQL\nSELECT 3\n```\nHope this helps.": "SELECT 3",
		"SQLQuery: SELECT 4":                    "SELECT 4",
		"SQLQuery: SELECT 5\nSQLResult: [(1,)]": "SELECT 5",
		"  SELECT 6  ":                          "SELECT 6",
		"":                                      "",
	}
	for input, want := range tests {
		if got := extractSQL(input); got != want {
			t.Fatalf("extractSQL(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	if got := truncate("ab€€", 4); got != "ab..." {
		t.Fatalf("truncate() = %q, want %q", got, "ab...")
	}
	answer := "Les livres les mieux notés: " + strings.Repeat("é", historyAnswerChars)
	if got := truncate(answer, historyAnswerChars); !utf8.ValidString(got) {
		t.Fatalf("truncate() produced invalid UTF-8: %q", got)
	}
}

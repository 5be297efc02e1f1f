package sqlguard

import (
	"strings"
	"testing"

	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

func bookstoreSnapshot() schema.Snapshot {
	return schema.Snapshot{Tables: []schema.TableDescriptor{
		{
			Schema: "public", Name: "authors", Kind: schema.KindTable, EstimatedRows: 40,
			Columns: []schema.ColumnDescriptor{{Name: "id"}, {Name: "name"}, {Name: "country"}},
		},
		{
			Schema: "public", Name: "books", Kind: schema.KindTable, EstimatedRows: 500,
			Columns:     []schema.ColumnDescriptor{{Name: "id"}, {Name: "title"}, {Name: "author_id"}, {Name: "rating"}, {Name: "published_year"}},
			ForeignKeys: []schema.ForeignKeyRef{{Column: "author_id", ReferencedTable: "authors", ReferencedColumn: "id"}},
		},
		{
			Schema: "public", Name: "orders", Kind: schema.KindTable, EstimatedRows: 250000,
			Columns: []schema.ColumnDescriptor{{Name: "id"}, {Name: "book_id"}, {Name: "quantity"}, {Name: "ordered_at"}},
		},
		{
			Schema: "public", Name: "books_with_authors", Kind: schema.KindView, EstimatedRows: -1,
			Columns: []schema.ColumnDescriptor{{Name: "title"}, {Name: "name"}},
		},
	}}
}

func defaultPolicy() Policy {
	return Policy{MaxJoins: 3, MaxSubqueryDepth: 2, LargeTableRows: 1000, AutoLimit: true, RowCap: 200}
}

func validate(t *testing.T, policy Policy, sql string) Verdict {
	t.Helper()
	return NewValidator(policy).Validate(Describe(sql), bookstoreSnapshot())
}

func TestValidateAcceptsSmallTableQueryUnchanged(t *testing.T) {
	sql := "SELECT title FROM books ORDER BY rating DESC LIMIT 1;"
	verdict := validate(t, defaultPolicy(), sql)
	if !verdict.Accepted {
		t.Fatalf("Validate() = %s", verdict)
	}
	if verdict.SQL != "SELECT title FROM books ORDER BY rating DESC LIMIT 1" {
		t.Fatalf("SQL = %q", verdict.SQL)
	}
	if verdict.LimitInjected {
		t.Fatal("LimitInjected should be false")
	}
}

func TestValidateAcceptsReadShapes(t *testing.T) {
	tests := []struct {
		name string
		sql  string
	}{
		{name: "alias join", sql: "SELECT b.title, a.name FROM books b JOIN authors a ON a.id = b.author_id WHERE a.country = 'NO'"},
		{name: "aggregate with output alias", sql: "SELECT author_id, count(*) AS n FROM books GROUP BY author_id HAVING count(*) > 1 ORDER BY n DESC"},
		{name: "cte", sql: "WITH top AS (SELECT author_id, avg(rating) AS score FROM books GROUP BY author_id) SELECT a.name, top.score FROM top JOIN authors a ON a.id = top.author_id"},
		{name: "correlated subquery", sql: "SELECT a.name FROM authors a WHERE EXISTS (SELECT 1 FROM books b WHERE b.author_id = a.id AND b.rating > 4)"},
		{name: "derived table", sql: "SELECT s.title FROM (SELECT title, rating FROM books) s WHERE s.rating > 3"},
		{name: "union", sql: "SELECT name FROM authors UNION SELECT title FROM books ORDER BY name"},
		{name: "qualified schema", sql: "SELECT count(*) FROM public.books"},
		{name: "star", sql: "SELECT * FROM authors"},
		{name: "qualified star", sql: "SELECT a.* FROM authors a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if verdict := validate(t, defaultPolicy(), tt.sql); !verdict.Accepted {
				t.Fatalf("Validate(%q) = %s", tt.sql, verdict)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		reason  Reason
		explain string
	}{
		{name: "empty", sql: " ; ", reason: ReasonMalformed},
		{name: "garbage", sql: "SELEC title FROM books", reason: ReasonMalformed},
		{name: "delete", sql: "DELETE FROM books", reason: ReasonNonReadOperation, explain: "DELETE"},
		{name: "update", sql: "UPDATE books SET rating = 5", reason: ReasonNonReadOperation, explain: "UPDATE"},
		{name: "insert", sql: "INSERT INTO authors (name) VALUES ('x')", reason: ReasonNonReadOperation, explain: "INSERT"},
		{name: "drop", sql: "DROP TABLE books", reason: ReasonNonReadOperation, explain: "DDL"},
		{name: "multiple statements", sql: "SELECT 1; DELETE FROM books", reason: ReasonNonReadOperation, explain: "single statement"},
		{name: "modifying cte", sql: "WITH gone AS (DELETE FROM books RETURNING id) SELECT count(*) FROM gone", reason: ReasonNonReadOperation, explain: "gone"},
		{name: "select into", sql: "SELECT title INTO copy_of_books FROM books", reason: ReasonNonReadOperation},
		{name: "for update", sql: "SELECT title FROM books FOR UPDATE", reason: ReasonNonReadOperation},
		{name: "sleep", sql: "SELECT pg_sleep(10)", reason: ReasonNonReadOperation, explain: "pg_sleep"},
		{name: "file reader", sql: "SELECT * FROM read_csv('/etc/passwd')", reason: ReasonNonReadOperation, explain: "read_csv"},
		{name: "query to xml", sql: "SELECT query_to_xml('SELECT * FROM pg_authid', true, false, '') LIMIT 1", reason: ReasonNonReadOperation, explain: "query_to_xml"},
		{name: "database to xml", sql: "SELECT database_to_xml(true, false, '')", reason: ReasonNonReadOperation, explain: "database_to_xml"},
		{name: "table to xml", sql: "SELECT table_to_xml('secret_salaries', true, false, '')", reason: ReasonNonReadOperation, explain: "table_to_xml"},
		{name: "schema to xmlschema", sql: "SELECT schema_to_xmlschema('public', true, false, '')", reason: ReasonNonReadOperation},
		{name: "qualified cursor to xml", sql: "SELECT pg_catalog.cursor_to_xml('c', 10, true, false, '')", reason: ReasonNonReadOperation},
		{name: "xml and xmlschema", sql: "SELECT query_to_xml_and_xmlschema('SELECT 1', true, false, '')", reason: ReasonNonReadOperation},
		{name: "setting reader", sql: "SELECT current_setting('data_directory')", reason: ReasonNonReadOperation, explain: "current_setting"},
		{name: "settings function", sql: "SELECT * FROM pg_show_all_settings()", reason: ReasonNonReadOperation},
		{name: "settings view", sql: "SELECT name, setting FROM pg_settings", reason: ReasonUnknownIdentifier, explain: "pg_settings"},
		{name: "duckdb query function", sql: "SELECT * FROM query('SELECT * FROM secret_salaries')", reason: ReasonNonReadOperation, explain: "query"},
		{name: "nested in where", sql: "SELECT title FROM books WHERE length(table_to_xml('authors', true, false, '')::text) > 0", reason: ReasonNonReadOperation},
		{name: "unknown table", sql: "SELECT * FROM publishers", reason: ReasonUnknownIdentifier, explain: "publishers"},
		{name: "unknown column", sql: "SELECT isbn FROM books", reason: ReasonUnknownIdentifier, explain: "isbn"},
		{name: "unknown qualified column", sql: "SELECT b.isbn FROM books b", reason: ReasonUnknownIdentifier, explain: "columns: id, title"},
		{name: "unknown alias", sql: "SELECT x.title FROM books b", reason: ReasonUnknownIdentifier, explain: `"x"`},
		{name: "recursive name without recursive", sql: "WITH t AS (SELECT * FROM t) SELECT * FROM t", reason: ReasonUnknownIdentifier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := validate(t, defaultPolicy(), tt.sql)
			if verdict.Accepted {
				t.Fatalf("Validate(%q) accepted", tt.sql)
			}
			if verdict.Reason != tt.reason {
				t.Fatalf("Reason = %q, want %q (%s)", verdict.Reason, tt.reason, verdict.Explanation)
			}
			if tt.explain != "" && !strings.Contains(verdict.Explanation, tt.explain) {
				t.Fatalf("Explanation = %q, want substring %q", verdict.Explanation, tt.explain)
			}
		})
	}
}

func TestValidateUnknownIdentifierListsAvailableTables(t *testing.T) {
	verdict := validate(t, defaultPolicy(), "SELECT * FROM publishers")
	if !strings.Contains(verdict.Explanation, "Available tables: authors, books, books_with_authors, orders") {
		t.Fatalf("Explanation = %q", verdict.Explanation)
	}
}

func TestValidateRejectsTooManyJoins(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxJoins = 1
	verdict := validate(t, policy, "SELECT a.name FROM authors a JOIN books b ON b.author_id = a.id JOIN authors c ON c.id = a.id")
	if verdict.Reason != ReasonTooComplex {
		t.Fatalf("Validate() = %s", verdict)
	}

	policy.MaxJoins = 0
	if verdict := validate(t, policy, "SELECT a.name FROM authors a, books b, authors c WHERE b.author_id = a.id AND c.id = a.id"); !verdict.Accepted {
		t.Fatalf("Validate() with join check disabled = %s", verdict)
	}
}

func TestValidateRejectsDeepNesting(t *testing.T) {
	sql := `SELECT name FROM authors WHERE id IN (
		SELECT author_id FROM books WHERE rating > (
			SELECT avg(rating) FROM books WHERE author_id IN (SELECT id FROM authors)))`
	verdict := validate(t, defaultPolicy(), sql)
	if verdict.Reason != ReasonTooComplex {
		t.Fatalf("Validate() = %s", verdict)
	}
	if !strings.Contains(verdict.Explanation, "3 levels") {
		t.Fatalf("Explanation = %q", verdict.Explanation)
	}
}

func TestValidateInjectsLimitForLargeTables(t *testing.T) {
	validator := NewValidator(defaultPolicy())
	snapshot := bookstoreSnapshot()

	verdict := validator.Validate(Describe("SELECT book_id, quantity FROM orders WHERE quantity > 2"), snapshot)
	if !verdict.Accepted || !verdict.LimitInjected {
		t.Fatalf("Validate() = %+v", verdict)
	}
	if !strings.HasSuffix(verdict.SQL, "LIMIT 200") {
		t.Fatalf("SQL = %q", verdict.SQL)
	}

	again := validator.Validate(Describe(verdict.SQL), snapshot)
	if !again.Accepted || again.LimitInjected || again.SQL != verdict.SQL {
		t.Fatalf("revalidation = %+v, want %q unchanged", again, verdict.SQL)
	}
}

func TestValidateSaturatesOversizedRowCap(t *testing.T) {
	policy := defaultPolicy()
	policy.RowCap = 3_000_000_000

	verdict := validate(t, policy, "SELECT id FROM orders")
	if !verdict.Accepted || !verdict.LimitInjected {
		t.Fatalf("Validate() = %+v", verdict)
	}
	if !strings.HasSuffix(verdict.SQL, "LIMIT 2147483647") {
		t.Fatalf("SQL = %q, want the limit saturated instead of wrapped", verdict.SQL)
	}
}

func TestValidateTreatsUnknownEstimateAsLarge(t *testing.T) {
	verdict := validate(t, defaultPolicy(), "SELECT title FROM books_with_authors")
	if !verdict.LimitInjected {
		t.Fatalf("Validate() = %+v", verdict)
	}
}

func TestValidateLimitAllStillNeedsLimit(t *testing.T) {
	verdict := validate(t, defaultPolicy(), "SELECT id FROM orders LIMIT ALL")
	if !verdict.Accepted || !verdict.LimitInjected {
		t.Fatalf("Validate() = %+v", verdict)
	}
}

func TestValidateRequiresLimitWithoutAutoLimit(t *testing.T) {
	policy := defaultPolicy()
	policy.AutoLimit = false

	verdict := validate(t, policy, "SELECT id FROM orders")
	if verdict.Reason != ReasonMissingRowLimit {
		t.Fatalf("Validate() = %s", verdict)
	}
	if !strings.Contains(verdict.Explanation, "orders") || !strings.Contains(verdict.Explanation, "LIMIT 200") {
		t.Fatalf("Explanation = %q", verdict.Explanation)
	}
	if verdict := validate(t, policy, "SELECT id FROM orders LIMIT 10"); !verdict.Accepted {
		t.Fatalf("Validate() with LIMIT = %s", verdict)
	}
}

func TestValidateHonorsExtraDeniedFunctions(t *testing.T) {
	policy := defaultPolicy()
	policy.DeniedFunctions = []string{" Random "}
	verdict := validate(t, policy, "SELECT title FROM books ORDER BY random() LIMIT 1")
	if verdict.Reason != ReasonNonReadOperation {
		t.Fatalf("Validate() = %s", verdict)
	}
}

func TestDescribe(t *testing.T) {
	candidate := Describe("WITH recent AS (SELECT * FROM orders) SELECT b.title FROM books b JOIN recent r ON r.book_id = b.id;")
	if candidate.Verb != VerbSelect {
		t.Fatalf("Verb = %q", candidate.Verb)
	}
	if got := strings.Join(candidate.Tables, ","); got != "books,orders" {
		t.Fatalf("Tables = %q", got)
	}

	if got := Describe("DELETE FROM books").Verb; got != VerbDelete {
		t.Fatalf("Verb = %q", got)
	}
	if got := Describe("drop the books table please").Verb; got != VerbDDL {
		t.Fatalf("keyword Verb = %q", got)
	}
}

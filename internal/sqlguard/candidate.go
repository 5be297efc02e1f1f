// Package sqlguard decides whether a drafted query may run against the
// target database. Only a single read-only SELECT that references known
// tables and columns is ever accepted.
package sqlguard

import (
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

type Verb string

const (
	VerbSelect Verb = "SELECT"
	VerbInsert Verb = "INSERT"
	VerbUpdate Verb = "UPDATE"
	VerbDelete Verb = "DELETE"
	VerbDDL    Verb = "DDL"
	VerbOther  Verb = "OTHER"
)

// CandidateQuery is a drafted query before validation. Tables and Verb are
// best-effort hints derived from the text.
type CandidateQuery struct {
	SQL    string   `json:"sql"`
	Tables []string `json:"tables"`
	Verb   Verb     `json:"verb"`
}

// Describe derives the table list and verb of sql. Unparseable text still
// gets a keyword-based verb.
func Describe(sql string) CandidateQuery {
	candidate := CandidateQuery{SQL: strings.TrimSpace(sql), Verb: keywordVerb(sql)}
	result, err := pg_query.Parse(stripTrailingSemicolons(sql))
	if err != nil || len(result.Stmts) == 0 {
		return candidate
	}
	candidate.Verb = statementVerb(result.Stmts[0].Stmt)
	candidate.Tables = referencedRelations(result)
	return candidate
}

func statementVerb(stmt *pg_query.Node) Verb {
	if stmt == nil {
		return VerbOther
	}
	switch stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return VerbSelect
	case *pg_query.Node_InsertStmt:
		return VerbInsert
	case *pg_query.Node_UpdateStmt:
		return VerbUpdate
	case *pg_query.Node_DeleteStmt:
		return VerbDelete
	case *pg_query.Node_CreateStmt, *pg_query.Node_CreateTableAsStmt, *pg_query.Node_DropStmt,
		*pg_query.Node_AlterTableStmt, *pg_query.Node_TruncateStmt, *pg_query.Node_IndexStmt,
		*pg_query.Node_ViewStmt, *pg_query.Node_GrantStmt, *pg_query.Node_RenameStmt,
		*pg_query.Node_CreateSchemaStmt, *pg_query.Node_CommentStmt:
		return VerbDDL
	default:
		return VerbOther
	}
}

func keywordVerb(sql string) Verb {
	fields := strings.Fields(strings.TrimLeft(sql, "( \t\r\n"))
	if len(fields) == 0 {
		return VerbOther
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "VALUES", "TABLE":
		return VerbSelect
	case "INSERT":
		return VerbInsert
	case "UPDATE":
		return VerbUpdate
	case "DELETE":
		return VerbDelete
	case "CREATE", "DROP", "ALTER", "TRUNCATE", "GRANT", "REVOKE", "COMMENT":
		return VerbDDL
	default:
		return VerbOther
	}
}

// referencedRelations lists relation names sorted, excluding CTE names.
func referencedRelations(result *pg_query.ParseResult) []string {
	ctes := map[string]bool{}
	seen := map[string]bool{}
	for _, raw := range result.Stmts {
		walkNode(raw.Stmt, func(msg any) bool {
			switch n := msg.(type) {
			case *pg_query.CommonTableExpr:
				ctes[strings.ToLower(n.Ctename)] = true
			case *pg_query.RangeVar:
				name := strings.ToLower(n.Relname)
				if n.Schemaname != "" {
					name = strings.ToLower(n.Schemaname) + "." + name
				}
				seen[name] = true
			}
			return true
		})
	}
	for name := range ctes {
		delete(seen, name)
	}
	return sortedKeys(seen)
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

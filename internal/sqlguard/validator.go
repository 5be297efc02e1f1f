package sqlguard

import (
	"math"
	"reflect"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

// Policy bounds what an accepted query may do. Zero MaxJoins or
// MaxSubqueryDepth disables that check.
type Policy struct {
	MaxJoins         int
	MaxSubqueryDepth int
	// LargeTableRows is the estimated row count above which a top-level
	// LIMIT is required. Tables with unknown estimates count as large.
	LargeTableRows  int64
	AutoLimit       bool
	RowCap          int
	DeniedFunctions []string
}

type Validator struct {
	policy Policy
	denied map[string]bool
}

// deniedFunctions have side effects or escape the database sandbox even
// inside a SELECT.
var deniedFunctions = []string{
	"pg_sleep", "pg_sleep_for", "pg_sleep_until",
	"pg_terminate_backend", "pg_cancel_backend", "pg_reload_conf", "pg_rotate_logfile",
	"set_config", "nextval", "setval",
	"pg_advisory_lock", "pg_advisory_xact_lock", "pg_try_advisory_lock",
	"lo_import", "lo_export", "lo_unlink", "lo_create",
	"pg_read_file", "pg_read_binary_file", "pg_ls_dir", "pg_stat_file",
	"dblink", "dblink_exec", "dblink_connect",
	"read_csv", "read_csv_auto", "read_parquet", "read_json", "read_json_auto",
	"read_text", "read_blob", "glob", "sqlite_scan", "query_table",
	"duckdb_secrets", "duckdb_settings",
	// Readers that take a relation name or SQL text, or expose server state,
	// reach data the table checks never see.
	"query", "current_setting", "pg_show_all_settings", "pg_settings",
	"pg_current_logfile", "pg_ls_logdir", "pg_ls_waldir", "pg_ls_tmpdir",
	"pg_get_keywords", "pg_stat_get_activity",
}

// deniedFunctionSuffixes covers the SQL/XML export family: query_to_xml,
// table_to_xmlschema, database_to_xml_and_xmlschema and their cursor and
// schema variants.
var deniedFunctionSuffixes = []string{"_to_xml", "_to_xmlschema", "_to_xml_and_xmlschema"}

func isDeniedFunction(denied map[string]bool, name string) bool {
	if name == "" {
		return false
	}
	if denied[name] {
		return true
	}
	for _, suffix := range deniedFunctionSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func NewValidator(policy Policy) *Validator {
	denied := make(map[string]bool, len(deniedFunctions)+len(policy.DeniedFunctions))
	for _, name := range deniedFunctions {
		denied[name] = true
	}
	for _, name := range policy.DeniedFunctions {
		denied[strings.ToLower(strings.TrimSpace(name))] = true
	}
	return &Validator{policy: policy, denied: denied}
}

// Validate checks candidate against snapshot. It is deterministic and
// idempotent: validating an accepted query's SQL yields the same verdict
// and the same SQL.
func (v *Validator) Validate(candidate CandidateQuery, snapshot schema.Snapshot) Verdict {
	sqlText := stripTrailingSemicolons(candidate.SQL)
	if sqlText == "" {
		return reject(ReasonMalformed, "the query is empty")
	}

	result, err := pg_query.Parse(sqlText)
	if err != nil {
		return reject(ReasonMalformed, "the query does not parse: %v", err)
	}
	if len(result.Stmts) == 0 {
		return reject(ReasonMalformed, "the query contains no statement")
	}
	if len(result.Stmts) > 1 {
		return reject(ReasonNonReadOperation, "only a single statement is allowed, found %d", len(result.Stmts))
	}

	stmt := result.Stmts[0].Stmt
	selectNode, ok := stmt.GetNode().(*pg_query.Node_SelectStmt)
	if !ok {
		return reject(ReasonNonReadOperation, "%s statements are not allowed; write a single read-only SELECT", statementLabel(stmt))
	}
	sel := selectNode.SelectStmt

	a := newAnalysis(snapshot, v.denied)
	a.selectStmt(sel, nil, 0)

	if len(a.nonRead) > 0 {
		return reject(ReasonNonReadOperation, "%s", strings.Join(a.nonRead, "; "))
	}
	if len(a.unknown) > 0 {
		return reject(ReasonUnknownIdentifier, "%s. Available tables: %s",
			strings.Join(a.unknown, "; "), strings.Join(snapshot.TableNames(), ", "))
	}
	if v.policy.MaxJoins > 0 && a.joins > v.policy.MaxJoins {
		return reject(ReasonTooComplex, "the query uses %d joins; at most %d are allowed", a.joins, v.policy.MaxJoins)
	}
	if v.policy.MaxSubqueryDepth > 0 && a.maxDepth > v.policy.MaxSubqueryDepth {
		return reject(ReasonTooComplex, "subqueries are nested %d levels deep; at most %d are allowed", a.maxDepth, v.policy.MaxSubqueryDepth)
	}

	if hasRowLimit(sel) || !v.needsRowLimit(a) {
		return accept(sqlText, false)
	}
	if !v.policy.AutoLimit || v.policy.RowCap <= 0 {
		return reject(ReasonMissingRowLimit, "the query reads a large table (%s) without a LIMIT; add LIMIT %d",
			strings.Join(a.largeTables(v.policy.LargeTableRows), ", "), v.rowCapHint())
	}

	sel.LimitCount = intConst(v.policy.RowCap)
	sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
	limited, err := pg_query.Deparse(result)
	if err != nil {
		return reject(ReasonMissingRowLimit, "the query needs a LIMIT and could not be rewritten: %v", err)
	}
	return accept(limited, true)
}

func (v *Validator) needsRowLimit(a *analysis) bool {
	return len(a.largeTables(v.policy.LargeTableRows)) > 0
}

func (v *Validator) rowCapHint() int {
	if v.policy.RowCap > 0 {
		return v.policy.RowCap
	}
	return 100
}

func hasRowLimit(sel *pg_query.SelectStmt) bool {
	if sel.LimitCount == nil {
		return false
	}
	if c, ok := sel.LimitCount.GetNode().(*pg_query.Node_AConst); ok && c.AConst.Isnull {
		return false
	}
	return true
}

// intConst builds an integer literal, saturating at the 32-bit range the
// parse tree stores.
func intConst(value int) *pg_query.Node {
	if value > math.MaxInt32 {
		value = math.MaxInt32
	}
	return &pg_query.Node{
		Node: &pg_query.Node_AConst{
			AConst: &pg_query.A_Const{
				Val: &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: int32(value)}},
			},
		},
	}
}

func statementLabel(stmt *pg_query.Node) string {
	switch verb := statementVerb(stmt); verb {
	case VerbOther:
		if stmt == nil || stmt.Node == nil {
			return "empty"
		}
		name := reflect.TypeOf(stmt.Node).Elem().Name()
		name = strings.TrimPrefix(name, "Node_")
		return strings.TrimSuffix(name, "Stmt")
	default:
		return string(verb)
	}
}

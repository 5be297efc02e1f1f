package sqlguard

import (
	"fmt"
	"sort"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

// analysis collects every finding of one walk over a SELECT tree so the
// validator can report them in policy order.
type analysis struct {
	snapshot schema.Snapshot
	denied   map[string]bool

	nonRead  []string
	unknown  []string
	joins    int
	maxDepth int
	tables   map[string]schema.TableDescriptor

	reported map[string]bool
}

// source is one FROM item visible to column references. A nil table marks an
// opaque source such as a CTE, subquery or set-returning function whose
// columns are not checked.
type source struct {
	name  string
	table *schema.TableDescriptor
}

type scope struct {
	parent        *scope
	sources       []source
	ctes          map[string]bool
	outputAliases map[string]bool
}

func newAnalysis(snapshot schema.Snapshot, denied map[string]bool) *analysis {
	return &analysis{
		snapshot: snapshot,
		denied:   denied,
		tables:   map[string]schema.TableDescriptor{},
		reported: map[string]bool{},
	}
}

func (a *analysis) flagNonRead(format string, args ...any) {
	a.note(&a.nonRead, fmt.Sprintf(format, args...))
}

func (a *analysis) flagUnknown(format string, args ...any) {
	a.note(&a.unknown, fmt.Sprintf(format, args...))
}

func (a *analysis) note(list *[]string, message string) {
	if a.reported[message] {
		return
	}
	a.reported[message] = true
	*list = append(*list, message)
}

func (a *analysis) selectStmt(sel *pg_query.SelectStmt, parent *scope, depth int) {
	if sel == nil {
		return
	}
	if depth > a.maxDepth {
		a.maxDepth = depth
	}
	s := &scope{parent: parent, ctes: map[string]bool{}, outputAliases: map[string]bool{}}

	if sel.WithClause != nil {
		a.withClause(sel.WithClause, s, depth)
	}
	if sel.IntoClause != nil {
		a.flagNonRead("SELECT INTO creates a table and is not allowed")
	}
	if len(sel.LockingClause) > 0 {
		a.flagNonRead("row locking clauses such as FOR UPDATE are not allowed")
	}

	if sel.Larg != nil || sel.Rarg != nil {
		a.selectStmt(sel.Larg, s, depth)
		a.selectStmt(sel.Rarg, s, depth)
		// ORDER BY on a set operation names output columns of the branches.
		s.sources = append(s.sources, source{name: ""})
		for _, node := range sel.SortClause {
			a.expr(node, s, depth, true)
		}
		a.expr(sel.LimitCount, s, depth, false)
		a.expr(sel.LimitOffset, s, depth, false)
		return
	}

	for _, values := range sel.ValuesLists {
		a.expr(values, s, depth, false)
	}
	if len(sel.FromClause) > 1 {
		a.joins += len(sel.FromClause) - 1
	}
	for _, from := range sel.FromClause {
		a.fromItem(from, s, depth)
	}
	for _, target := range sel.TargetList {
		if rt, ok := target.GetNode().(*pg_query.Node_ResTarget); ok && rt.ResTarget.Name != "" {
			s.outputAliases[strings.ToLower(rt.ResTarget.Name)] = true
		}
	}

	for _, target := range sel.TargetList {
		a.expr(target, s, depth, false)
	}
	a.expr(sel.WhereClause, s, depth, false)
	for _, node := range sel.GroupClause {
		a.expr(node, s, depth, true)
	}
	a.expr(sel.HavingClause, s, depth, true)
	for _, node := range sel.WindowClause {
		a.expr(node, s, depth, false)
	}
	for _, node := range sel.SortClause {
		a.expr(node, s, depth, true)
	}
	for _, node := range sel.DistinctClause {
		a.expr(node, s, depth, false)
	}
	a.expr(sel.LimitCount, s, depth, false)
	a.expr(sel.LimitOffset, s, depth, false)
}

func (a *analysis) withClause(with *pg_query.WithClause, s *scope, depth int) {
	for _, node := range with.Ctes {
		cte, ok := node.GetNode().(*pg_query.Node_CommonTableExpr)
		if !ok {
			continue
		}
		name := strings.ToLower(cte.CommonTableExpr.Ctename)
		if with.Recursive {
			s.ctes[name] = true
		}
		switch query := cte.CommonTableExpr.Ctequery.GetNode().(type) {
		case *pg_query.Node_SelectStmt:
			a.selectStmt(query.SelectStmt, s, depth)
		default:
			a.flagNonRead("common table expression %q modifies data (%s)", name, statementLabel(cte.CommonTableExpr.Ctequery))
		}
		s.ctes[name] = true
	}
}

func (a *analysis) fromItem(node *pg_query.Node, s *scope, depth int) {
	switch n := node.GetNode().(type) {
	case *pg_query.Node_RangeVar:
		a.rangeVar(n.RangeVar, s)
	case *pg_query.Node_JoinExpr:
		a.joins++
		a.fromItem(n.JoinExpr.Larg, s, depth)
		a.fromItem(n.JoinExpr.Rarg, s, depth)
		a.expr(n.JoinExpr.Quals, s, depth, false)
	case *pg_query.Node_RangeSubselect:
		if sub, ok := n.RangeSubselect.Subquery.GetNode().(*pg_query.Node_SelectStmt); ok {
			a.selectStmt(sub.SelectStmt, s, depth+1)
		}
		s.sources = append(s.sources, source{name: aliasName(n.RangeSubselect.Alias, "")})
	case *pg_query.Node_RangeFunction:
		for _, fn := range n.RangeFunction.Functions {
			a.expr(fn, s, depth, false)
		}
		s.sources = append(s.sources, source{name: aliasName(n.RangeFunction.Alias, "")})
	default:
		a.expr(node, s, depth, false)
	}
}

func (a *analysis) rangeVar(rv *pg_query.RangeVar, s *scope) {
	name := strings.ToLower(rv.Relname)
	alias := aliasName(rv.Alias, name)
	if rv.Schemaname == "" && s.hasCTE(name) {
		s.sources = append(s.sources, source{name: alias})
		return
	}
	qualified := rv.Relname
	if rv.Schemaname != "" {
		qualified = rv.Schemaname + "." + rv.Relname
	}
	table, ok := a.snapshot.Table(qualified)
	if !ok {
		a.flagUnknown("unknown table %q", qualified)
		s.sources = append(s.sources, source{name: alias})
		return
	}
	a.tables[strings.ToLower(table.Name)] = table
	s.sources = append(s.sources, source{name: alias, table: &table})
}

// expr walks an expression tree, resolving column references against s and
// descending into subqueries one level deeper.
func (a *analysis) expr(node *pg_query.Node, s *scope, depth int, allowOutputAlias bool) {
	walkNode(node, func(msg any) bool {
		switch n := msg.(type) {
		case *pg_query.ColumnRef:
			a.columnRef(n, s, allowOutputAlias)
			return false
		case *pg_query.SubLink:
			a.expr(n.Testexpr, s, depth, allowOutputAlias)
			if sub, ok := n.Subselect.GetNode().(*pg_query.Node_SelectStmt); ok {
				a.selectStmt(sub.SelectStmt, s, depth+1)
			}
			return false
		case *pg_query.SelectStmt:
			a.selectStmt(n, s, depth+1)
			return false
		case *pg_query.FuncCall:
			if name := functionName(n); isDeniedFunction(a.denied, name) {
				a.flagNonRead("function %s is not allowed", name)
			}
			return true
		case *pg_query.RangeVar:
			a.rangeVar(n, s)
			return false
		default:
			return true
		}
	})
}

func (a *analysis) columnRef(ref *pg_query.ColumnRef, s *scope, allowOutputAlias bool) {
	parts := make([]string, 0, len(ref.Fields))
	star := false
	for _, field := range ref.Fields {
		switch f := field.GetNode().(type) {
		case *pg_query.Node_String_:
			parts = append(parts, strings.ToLower(f.String_.Sval))
		case *pg_query.Node_AStar:
			star = true
		}
	}

	switch {
	case len(parts) == 0:
		return
	case len(parts) == 1 && star:
		if _, ok := s.lookupSource(parts[0]); !ok {
			a.flagUnknown("unknown table or alias %q", parts[0])
		}
	case len(parts) == 1:
		column := parts[0]
		if s.resolveUnqualified(column, allowOutputAlias) {
			return
		}
		a.flagUnknown("unknown column %q%s", column, s.columnHint())
	default:
		qualifier := parts[len(parts)-2]
		column := parts[len(parts)-1]
		src, ok := s.lookupSource(qualifier)
		if !ok {
			a.flagUnknown("unknown table or alias %q", qualifier)
			return
		}
		if star || src.table == nil || src.table.HasColumn(column) {
			return
		}
		a.flagUnknown("unknown column %q on %s (columns: %s)", column, src.table.Name, strings.Join(columnNames(*src.table), ", "))
	}
}

// largeTables lists referenced tables whose estimated size requires a
// row limit. Unknown estimates count as large.
func (a *analysis) largeTables(threshold int64) []string {
	names := make([]string, 0)
	for name, table := range a.tables {
		if table.EstimatedRows < 0 || table.EstimatedRows > threshold {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *scope) hasCTE(name string) bool {
	for current := s; current != nil; current = current.parent {
		if current.ctes[name] {
			return true
		}
	}
	return false
}

func (s *scope) lookupSource(name string) (source, bool) {
	for current := s; current != nil; current = current.parent {
		for _, src := range current.sources {
			if src.name == name {
				return src, true
			}
		}
	}
	return source{}, false
}

func (s *scope) resolveUnqualified(column string, allowOutputAlias bool) bool {
	if allowOutputAlias && s.outputAliases[column] {
		return true
	}
	for current := s; current != nil; current = current.parent {
		for _, src := range current.sources {
			if src.table == nil || src.table.HasColumn(column) {
				return true
			}
		}
	}
	return false
}

func (s *scope) columnHint() string {
	tables := map[string]bool{}
	for _, src := range s.sources {
		if src.table != nil {
			tables[src.table.Name] = true
		}
	}
	if len(tables) == 0 {
		return ""
	}
	return " in " + strings.Join(sortedKeys(tables), ", ")
}

func aliasName(alias *pg_query.Alias, fallback string) string {
	if alias != nil && alias.Aliasname != "" {
		return strings.ToLower(alias.Aliasname)
	}
	return fallback
}

func functionName(fn *pg_query.FuncCall) string {
	if len(fn.Funcname) == 0 {
		return ""
	}
	if s, ok := fn.Funcname[len(fn.Funcname)-1].GetNode().(*pg_query.Node_String_); ok {
		return strings.ToLower(s.String_.Sval)
	}
	return ""
}

func columnNames(table schema.TableDescriptor) []string {
	names := make([]string, 0, len(table.Columns))
	for _, column := range table.Columns {
		names = append(names, column.Name)
	}
	return names
}

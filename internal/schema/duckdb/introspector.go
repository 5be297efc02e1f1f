package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

// Introspector reads catalog metadata through DuckDB's duckdb_* table
// functions.
type Introspector struct {
	db         *sql.DB
	schemaName string
}

func NewIntrospector(db *sql.DB, schemaName string) *Introspector {
	if schemaName == "" {
		schemaName = "main"
	}
	return &Introspector{db: db, schemaName: schemaName}
}

const tablesQuery = `
SELECT table_name, false AS is_view, COALESCE(comment, '') AS description, COALESCE(estimated_size, -1)::BIGINT AS estimated_rows
FROM duckdb_tables()
WHERE schema_name = ? AND NOT internal
UNION ALL
SELECT view_name, true, COALESCE(comment, ''), CAST(-1 AS BIGINT)
FROM duckdb_views()
WHERE schema_name = ? AND NOT internal
ORDER BY 1`

const columnsQuery = `
SELECT table_name, column_name, data_type, is_nullable, COALESCE(comment, '')
FROM duckdb_columns()
WHERE schema_name = ? AND NOT internal
ORDER BY table_name, column_index`

const foreignKeysQuery = `
SELECT table_name, constraint_column_names, referenced_table, referenced_column_names
FROM duckdb_constraints()
WHERE schema_name = ? AND constraint_type = 'FOREIGN KEY'
ORDER BY table_name`

func (i *Introspector) Introspect(ctx context.Context) ([]schema.TableDescriptor, error) {
	tables, err := i.tables(ctx)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return tables, nil
	}
	columns, err := i.columns(ctx)
	if err != nil {
		return nil, err
	}
	foreignKeys, err := i.foreignKeys(ctx)
	if err != nil {
		return nil, err
	}
	for idx := range tables {
		tables[idx].Columns = columns[tables[idx].Name]
		tables[idx].ForeignKeys = foreignKeys[tables[idx].Name]
	}
	return tables, nil
}

func (i *Introspector) tables(ctx context.Context) ([]schema.TableDescriptor, error) {
	rows, err := i.db.QueryContext(ctx, tablesQuery, i.schemaName, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list duckdb tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]schema.TableDescriptor, 0, 16)
	for rows.Next() {
		table := schema.TableDescriptor{Schema: i.schemaName, Kind: schema.KindTable}
		var isView bool
		if err := rows.Scan(&table.Name, &isView, &table.Description, &table.EstimatedRows); err != nil {
			return nil, fmt.Errorf("scan duckdb table: %w", err)
		}
		if isView {
			table.Kind = schema.KindView
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duckdb tables: %w", err)
	}
	return tables, nil
}

func (i *Introspector) columns(ctx context.Context) (map[string][]schema.ColumnDescriptor, error) {
	rows, err := i.db.QueryContext(ctx, columnsQuery, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list duckdb columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := make(map[string][]schema.ColumnDescriptor)
	for rows.Next() {
		var tableName string
		var column schema.ColumnDescriptor
		if err := rows.Scan(&tableName, &column.Name, &column.Type, &column.Nullable, &column.Description); err != nil {
			return nil, fmt.Errorf("scan duckdb column: %w", err)
		}
		byTable[tableName] = append(byTable[tableName], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duckdb columns: %w", err)
	}
	return byTable, nil
}

func (i *Introspector) foreignKeys(ctx context.Context) (map[string][]schema.ForeignKeyRef, error) {
	rows, err := i.db.QueryContext(ctx, foreignKeysQuery, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list duckdb foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := make(map[string][]schema.ForeignKeyRef)
	for rows.Next() {
		var tableName string
		var referencedTable sql.NullString
		var columns, referencedColumns any
		if err := rows.Scan(&tableName, &columns, &referencedTable, &referencedColumns); err != nil {
			return nil, fmt.Errorf("scan duckdb foreign key: %w", err)
		}
		local := stringList(columns)
		remote := stringList(referencedColumns)
		for idx, column := range local {
			fk := schema.ForeignKeyRef{Column: column, ReferencedTable: referencedTable.String}
			if idx < len(remote) {
				fk.ReferencedColumn = remote[idx]
			}
			byTable[tableName] = append(byTable[tableName], fk)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate duckdb foreign keys: %w", err)
	}
	return byTable, nil
}

func stringList(value any) []string {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if text, ok := item.(string); ok {
			out = append(out, text)
		}
	}
	return out
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Introspector reads tables, views, columns and foreign keys of one
// Postgres schema with three batch queries.
type Introspector struct {
	db         queryer
	schemaName string
}

func NewIntrospector(db queryer, schemaName string) *Introspector {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Introspector{db: db, schemaName: schemaName}
}

const tablesQuery = `
SELECT c.relname,
       c.relkind IN ('v', 'm') AS is_view,
       COALESCE(obj_description(c.oid, 'pg_class'), '') AS description,
       CASE WHEN c.relkind IN ('v', 'm') OR c.reltuples < 0 THEN -1 ELSE c.reltuples::bigint END AS estimated_rows
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1
  AND c.relkind IN ('r', 'p', 'v', 'm', 'f')
ORDER BY c.relname`

const columnsQuery = `
SELECT c.table_name,
       c.column_name,
       c.data_type,
       c.is_nullable = 'YES' AS nullable,
       COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass::oid, c.ordinal_position::int), '') AS description
FROM information_schema.columns c
WHERE c.table_schema = $1
ORDER BY c.table_name, c.ordinal_position`

const foreignKeysQuery = `
SELECT tc.table_name,
       kcu.column_name,
       ccu.table_name AS referenced_table,
       ccu.column_name AS referenced_column
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
  ON ccu.constraint_name = tc.constraint_name
 AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY'
  AND tc.table_schema = $1
ORDER BY tc.table_name, kcu.column_name`

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
	rows, err := i.db.QueryContext(ctx, tablesQuery, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]schema.TableDescriptor, 0, 16)
	for rows.Next() {
		table := schema.TableDescriptor{Schema: i.schemaName, Kind: schema.KindTable}
		var isView bool
		if err := rows.Scan(&table.Name, &isView, &table.Description, &table.EstimatedRows); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if isView {
			table.Kind = schema.KindView
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return tables, nil
}

func (i *Introspector) columns(ctx context.Context) (map[string][]schema.ColumnDescriptor, error) {
	rows, err := i.db.QueryContext(ctx, columnsQuery, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := make(map[string][]schema.ColumnDescriptor)
	for rows.Next() {
		var tableName string
		var column schema.ColumnDescriptor
		if err := rows.Scan(&tableName, &column.Name, &column.Type, &column.Nullable, &column.Description); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		byTable[tableName] = append(byTable[tableName], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return byTable, nil
}

func (i *Introspector) foreignKeys(ctx context.Context) (map[string][]schema.ForeignKeyRef, error) {
	rows, err := i.db.QueryContext(ctx, foreignKeysQuery, i.schemaName)
	if err != nil {
		return nil, fmt.Errorf("list foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byTable := make(map[string][]schema.ForeignKeyRef)
	for rows.Next() {
		var tableName string
		var fk schema.ForeignKeyRef
		if err := rows.Scan(&tableName, &fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		byTable[tableName] = append(byTable[tableName], fk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate foreign keys: %w", err)
	}
	return byTable, nil
}

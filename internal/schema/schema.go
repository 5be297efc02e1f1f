// Package schema captures the structure of the target database: tables,
// views, columns, foreign keys and planner row estimates. Snapshots never
// contain row data.
package schema

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrSchemaUnavailable reports that the database could not be introspected.
// Callers may retry.
var ErrSchemaUnavailable = errors.New("schema unavailable")

type Kind string

const (
	KindTable Kind = "table"
	KindView  Kind = "view"
)

type ColumnDescriptor struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Nullable    bool   `json:"nullable"`
	Description string `json:"description,omitempty"`
}

type ForeignKeyRef struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

type TableDescriptor struct {
	Schema        string             `json:"schema,omitempty"`
	Name          string             `json:"name"`
	Kind          Kind               `json:"kind"`
	Description   string             `json:"description,omitempty"`
	Columns       []ColumnDescriptor `json:"columns"`
	ForeignKeys   []ForeignKeyRef    `json:"foreign_keys,omitempty"`
	EstimatedRows int64              `json:"estimated_rows"`
}

// Snapshot is an immutable capture of the schema. Treat it as read-only.
type Snapshot struct {
	Tables     []TableDescriptor `json:"tables"`
	CapturedAt time.Time         `json:"captured_at"`
}

// Introspector reads table descriptors from a live database.
type Introspector interface {
	Introspect(ctx context.Context) ([]TableDescriptor, error)
}

// Table resolves name, optionally schema-qualified, case-insensitively.
func (s Snapshot) Table(name string) (TableDescriptor, bool) {
	schemaName, tableName := splitQualified(name)
	for _, table := range s.Tables {
		if !strings.EqualFold(table.Name, tableName) {
			continue
		}
		if schemaName != "" && table.Schema != "" && !strings.EqualFold(table.Schema, schemaName) {
			continue
		}
		return table, true
	}
	return TableDescriptor{}, false
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

func (s Snapshot) IsZero() bool {
	return s.CapturedAt.IsZero() && len(s.Tables) == 0
}

func (t TableDescriptor) Column(name string) (ColumnDescriptor, bool) {
	for _, column := range t.Columns {
		if strings.EqualFold(column.Name, name) {
			return column, true
		}
	}
	return ColumnDescriptor{}, false
}

func (t TableDescriptor) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// FilterTables keeps the tables named in include. An empty include list
// keeps everything.
func FilterTables(tables []TableDescriptor, include []string) []TableDescriptor {
	if len(include) == 0 {
		return tables
	}
	out := make([]TableDescriptor, 0, len(include))
	for _, table := range tables {
		for _, name := range include {
			schemaName, tableName := splitQualified(name)
			if !strings.EqualFold(tableName, table.Name) {
				continue
			}
			if schemaName != "" && !strings.EqualFold(schemaName, table.Schema) {
				continue
			}
			out = append(out, table)
			break
		}
	}
	return out
}

func sortTables(tables []TableDescriptor) {
	sort.SliceStable(tables, func(i, j int) bool {
		if tables[i].Schema != tables[j].Schema {
			return tables[i].Schema < tables[j].Schema
		}
		return tables[i].Name < tables[j].Name
	})
}

func splitQualified(name string) (string, string) {
	name = strings.TrimSpace(name)
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "", name
}

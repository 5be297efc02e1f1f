package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// TableNotes are operator-written descriptions for one table. They replace
// database comments in snapshots.
type TableNotes struct {
	Description string            `json:"description"`
	Columns     map[string]string `json:"columns,omitempty"`
}

// UnmarshalJSON also accepts a bare string, taken as the table description.
func (n *TableNotes) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &n.Description)
	}
	type plain TableNotes
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*n = TableNotes(decoded)
	return nil
}

// Descriptions maps a table name, optionally schema-qualified, to its notes.
type Descriptions map[string]TableNotes

// LoadDescriptions reads a JSON object of table notes from path.
func LoadDescriptions(path string) (Descriptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema descriptions: %w", err)
	}
	var descriptions Descriptions
	if err := json.Unmarshal(data, &descriptions); err != nil {
		return nil, fmt.Errorf("decode schema descriptions %q: %w", path, err)
	}
	return descriptions, nil
}

// Apply returns copies of tables with matching notes merged over the
// introspected descriptions. Notes for unknown columns are ignored.
func (d Descriptions) Apply(tables []TableDescriptor) []TableDescriptor {
	if len(d) == 0 {
		return tables
	}
	out := make([]TableDescriptor, len(tables))
	for i, table := range tables {
		notes, ok := d.lookup(table)
		if !ok {
			out[i] = table
			continue
		}
		if text := strings.TrimSpace(notes.Description); text != "" {
			table.Description = text
		}
		columns := make([]ColumnDescriptor, len(table.Columns))
		copy(columns, table.Columns)
		for j := range columns {
			for name, text := range notes.Columns {
				if strings.EqualFold(name, columns[j].Name) && strings.TrimSpace(text) != "" {
					columns[j].Description = strings.TrimSpace(text)
				}
			}
		}
		table.Columns = columns
		out[i] = table
	}
	return out
}

// lookup prefers a schema-qualified key over a bare table name.
func (d Descriptions) lookup(table TableDescriptor) (TableNotes, bool) {
	var bare *TableNotes
	for key, notes := range d {
		schemaName, tableName := splitQualified(key)
		if !strings.EqualFold(tableName, table.Name) {
			continue
		}
		if schemaName == "" {
			bare = &notes
			continue
		}
		if strings.EqualFold(schemaName, table.Schema) {
			return notes, true
		}
	}
	if bare != nil {
		return *bare, true
	}
	return TableNotes{}, false
}

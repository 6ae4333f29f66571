// TableSpec and the write errors live here so both the domain packages and the
// backend packages can import them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column. Each backend maps it to its own
// physical type when creating tables.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeBool     ColumnType = "bool"
	TypeDateTime ColumnType = "datetime" // naive timestamp, no time zone
)

type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec is one nullable column.
type ColumnSpec struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// ColumnNames returns the column names of t in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate reports the first structural problem in t. Backends call it
// before issuing any DDL.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("table %s: column name is empty", t.Name)
		}
		k := strings.ToLower(name)
		if seen[k] {
			return fmt.Errorf("table %s: column %s specified more than once", t.Name, c.Name)
		}
		seen[k] = true
		switch c.Type {
		case TypeString, TypeBool, TypeDateTime:
		default:
			return fmt.Errorf("table %s: column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	return nil
}

// RowError is one rejected row of a bulk insert.
type RowError struct {
	Index int // 0-based index into the rows passed to InsertRows
	Err   error
}

// WriteRejected is returned by InsertRows when the warehouse reports row-level errors.
// Rows that were not rejected may or may not have been written, depending on the backend.
type WriteRejected struct {
	Table string
	Rows  []RowError
}

func (e *WriteRejected) Error() string {
	if len(e.Rows) == 0 {
		return fmt.Sprintf("insert into %s rejected", e.Table)
	}
	first := e.Rows[0]
	if len(e.Rows) == 1 {
		return fmt.Sprintf("insert into %s rejected: row %d: %v", e.Table, first.Index, first.Err)
	}
	return fmt.Sprintf("insert into %s rejected: %d rows (first: row %d: %v)", e.Table, len(e.Rows), first.Index, first.Err)
}

// SplitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "reporting.asistencias" => ("reporting", "asistencias")
//   - "asistencias"           => ("", "asistencias")
//
// Only a single dot is handled; anything else is treated as unqualified.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// Chunks splits n items into [start, end) ranges of at most size items.
func Chunks(n, size int) [][2]int {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

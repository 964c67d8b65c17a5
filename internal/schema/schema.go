// Package schema describes the tables of an uploaded data source: names,
// typed columns, best-effort row counts and a few sample rows.
package schema

import (
	"fmt"

	"golang.org/x/text/cases"
)

type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectDuckDB Dialect = "duckdb"
)

// DisplayName is the dialect name used when talking to a language model.
func (d Dialect) DisplayName() string {
	switch d {
	case DialectSQLite:
		return "SQLite"
	case DialectDuckDB:
		return "DuckDB"
	default:
		return string(d)
	}
}

type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeReal    ColumnType = "real"
	TypeText    ColumnType = "text"
	TypeBlob    ColumnType = "blob"
	TypeUnknown ColumnType = "unknown"
)

type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

type Table struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	RowCount   int64    `json:"row_count"`
	SampleRows [][]any  `json:"sample_rows,omitempty"`
}

// Schema is built once per upload and never mutated afterwards.
type Schema struct {
	Dialect Dialect `json:"dialect"`
	Tables  []Table `json:"tables"`
}

func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

// Table finds a table by case-insensitive name.
func (s Schema) Table(name string) (Table, bool) {
	key := Normalize(name)
	for _, table := range s.Tables {
		if Normalize(table.Name) == key {
			return table, true
		}
	}
	return Table{}, false
}

func (t Table) HasColumn(name string) bool {
	key := Normalize(name)
	for _, column := range t.Columns {
		if Normalize(column.Name) == key {
			return true
		}
	}
	return false
}

func (t Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, column := range t.Columns {
		names = append(names, column.Name)
	}
	return names
}

// Normalize folds an identifier for case-insensitive comparison.
func Normalize(identifier string) string {
	return cases.Fold().String(identifier)
}

type IntrospectionError struct {
	Reason string
	Err    error
}

func (e *IntrospectionError) Error() string {
	if e.Err == nil {
		return "introspection failed: " + e.Reason
	}
	return fmt.Sprintf("introspection failed: %s: %v", e.Reason, e.Err)
}

func (e *IntrospectionError) Unwrap() error {
	return e.Err
}

package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sqlassist/sqlassist/internal/query"
)

const (
	defaultSampleRows      = 3
	defaultInferenceSample = 50
)

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Options struct {
	SampleRows      int
	InferenceSample int
}

func (o Options) withDefaults() Options {
	if o.SampleRows < 0 {
		o.SampleRows = 0
	} else if o.SampleRows == 0 {
		o.SampleRows = defaultSampleRows
	}
	if o.InferenceSample <= 0 {
		o.InferenceSample = defaultInferenceSample
	}
	return o
}

// Describe introspects every user table reachable through db. It fails with
// an *IntrospectionError when the source cannot be read or has no tables.
func Describe(ctx context.Context, db Queryer, dialect Dialect, opts Options) (Schema, error) {
	if db == nil {
		return Schema{}, &IntrospectionError{Reason: "no connection"}
	}
	opts = opts.withDefaults()

	names, err := listTables(ctx, db, dialect)
	if err != nil {
		return Schema{}, &IntrospectionError{Reason: "list tables", Err: err}
	}
	if len(names) == 0 {
		return Schema{}, &IntrospectionError{Reason: "source has no tables"}
	}
	sort.Strings(names)

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		table, err := describeTable(ctx, db, dialect, name, opts)
		if err != nil {
			return Schema{}, &IntrospectionError{Reason: fmt.Sprintf("describe table %q", name), Err: err}
		}
		tables = append(tables, table)
	}
	return Schema{Dialect: dialect, Tables: tables}, nil
}

func listTables(ctx context.Context, db Queryer, dialect Dialect) ([]string, error) {
	var statement string
	switch dialect {
	case DialectSQLite:
		statement = `
SELECT name
FROM sqlite_master
WHERE type IN ('table', 'view')
  AND name NOT LIKE 'sqlite_%'`
	case DialectDuckDB:
		statement = `
SELECT table_name
FROM information_schema.tables
WHERE table_schema = 'main'`
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func describeTable(ctx context.Context, db Queryer, dialect Dialect, name string, opts Options) (Table, error) {
	columns, err := listColumns(ctx, db, dialect, name)
	if err != nil {
		return Table{}, err
	}
	for i := range columns {
		if columns[i].Type != TypeUnknown {
			continue
		}
		inferred, err := inferType(ctx, db, name, columns[i].Name, opts.InferenceSample)
		if err != nil {
			return Table{}, err
		}
		columns[i].Type = inferred
	}

	table := Table{Name: name, Columns: columns, RowCount: -1}
	var count int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+QuoteIdent(name)).Scan(&count); err == nil {
		table.RowCount = count
	}

	if opts.SampleRows > 0 {
		samples, err := sampleRows(ctx, db, name, opts.SampleRows)
		if err != nil {
			return Table{}, err
		}
		table.SampleRows = samples
	}
	return table, nil
}

func listColumns(ctx context.Context, db Queryer, dialect Dialect, table string) ([]Column, error) {
	var (
		statement string
		args      []any
	)
	switch dialect {
	case DialectSQLite:
		statement = `SELECT name, type, "notnull" FROM pragma_table_info(?) ORDER BY cid`
		args = []any{table}
	case DialectDuckDB:
		statement = `
SELECT column_name, data_type, CASE WHEN is_nullable = 'YES' THEN 0 ELSE 1 END
FROM information_schema.columns
WHERE table_schema = 'main' AND table_name = ?
ORDER BY ordinal_position`
		args = []any{table}
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}

	rows, err := db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var (
			name     string
			declared sql.NullString
			notNull  int
		)
		if err := rows.Scan(&name, &declared, &notNull); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, Column{
			Name:     name,
			Type:     affinity(dialect, declared.String),
			Nullable: notNull == 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	if len(columns) == 0 {
		return nil, errors.New("table has no columns")
	}
	return columns, nil
}

// inferType samples the first non-null values of a column and reports the
// majority runtime type. Columns without any values fall back to text.
func inferType(ctx context.Context, db Queryer, table, column string, limit int) (ColumnType, error) {
	statement := fmt.Sprintf("SELECT typeof(%s) FROM %s WHERE %s IS NOT NULL LIMIT %d",
		QuoteIdent(column), QuoteIdent(table), QuoteIdent(column), limit)
	rows, err := db.QueryContext(ctx, statement)
	if err != nil {
		return TypeUnknown, fmt.Errorf("sample column %q: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	votes := map[ColumnType]int{}
	for rows.Next() {
		var runtimeType string
		if err := rows.Scan(&runtimeType); err != nil {
			return TypeUnknown, fmt.Errorf("scan sampled type: %w", err)
		}
		votes[runtimeAffinity(runtimeType)]++
	}
	if err := rows.Err(); err != nil {
		return TypeUnknown, fmt.Errorf("iterate sampled types: %w", err)
	}
	return majority(votes), nil
}

func majority(votes map[ColumnType]int) ColumnType {
	best, bestVotes := TypeText, 0
	// Fixed order keeps ties deterministic.
	for _, candidate := range []ColumnType{TypeText, TypeInteger, TypeReal, TypeBlob} {
		if votes[candidate] > bestVotes {
			best, bestVotes = candidate, votes[candidate]
		}
	}
	return best
}

func sampleRows(ctx context.Context, db Queryer, table string, limit int) ([][]any, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", QuoteIdent(table), limit))
	if err != nil {
		return nil, fmt.Errorf("sample rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sample columns: %w", err)
	}
	samples := make([][]any, 0, limit)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan sample row: %w", err)
		}
		samples = append(samples, query.NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sample rows: %w", err)
	}
	return samples, nil
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

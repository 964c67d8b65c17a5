package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/sqlassist/sqlassist/internal/schema"
)

// readOnlyOptions keeps a session database from touching anything beyond its
// own file once loaded.
const readOnlyOptions = "?access_mode=READ_ONLY&enable_external_access=false&lock_configuration=true"

// loadDuckDB materialises a flat file into a DuckDB database file and
// reopens it read-only.
func loadDuckDB(ctx context.Context, dbPath, dataPath, table string, kind Kind) (*sql.DB, error) {
	writer, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := createTable(ctx, writer, dataPath, table, kind); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := normalizeColumns(ctx, writer, table); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close duckdb writer: %w", err)
	}

	db, err := sql.Open("duckdb", dbPath+readOnlyOptions)
	if err != nil {
		return nil, fmt.Errorf("reopen duckdb read-only: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func createTable(ctx context.Context, db *sql.DB, dataPath, table string, kind Kind) error {
	var reader string
	switch kind {
	case KindCSV:
		reader = fmt.Sprintf("read_csv(%s, header = true, delim = ',', auto_detect = true)", quoteString(dataPath))
	case KindTSV:
		reader = fmt.Sprintf("read_csv(%s, header = true, delim = '\t', auto_detect = true)", quoteString(dataPath))
	case KindParquet:
		reader = fmt.Sprintf("read_parquet(%s)", quoteString(dataPath))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	statement := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s", schema.QuoteIdent(table), reader)
	if _, err := db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("load %s file: %w", kind, err)
	}
	return nil
}

// normalizeColumns renames columns to snake_case so generated SQL rarely
// needs quoting.
func normalizeColumns(ctx context.Context, db *sql.DB, table string) error {
	rows, err := db.QueryContext(ctx, `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = 'main' AND table_name = ?
ORDER BY ordinal_position`, table)
	if err != nil {
		return fmt.Errorf("list loaded columns: %w", err)
	}
	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan loaded column: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterate loaded columns: %w", err)
	}
	_ = rows.Close()

	renames := ColumnNames(columns)
	for i, from := range columns {
		to := renames[i]
		if to == from {
			continue
		}
		// DuckDB identifiers are case-insensitive, so a case-only rename
		// goes through a placeholder name.
		if strings.EqualFold(to, from) {
			placeholder := fmt.Sprintf("__sqlassist_%d", i)
			if err := renameColumn(ctx, db, table, from, placeholder); err != nil {
				return err
			}
			from = placeholder
		}
		if err := renameColumn(ctx, db, table, from, to); err != nil {
			return err
		}
	}
	return nil
}

func renameColumn(ctx context.Context, db *sql.DB, table, from, to string) error {
	statement := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		schema.QuoteIdent(table), schema.QuoteIdent(from), schema.QuoteIdent(to))
	if _, err := db.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("rename column %q: %w", from, err)
	}
	return nil
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

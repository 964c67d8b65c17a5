package schema

import "strings"

// affinity maps a declared column type to the closed type set. It returns
// TypeUnknown when the declaration does not settle the storage class, which
// makes Describe fall back to sampling.
func affinity(dialect Dialect, declared string) ColumnType {
	upper := strings.ToUpper(strings.TrimSpace(declared))
	if upper == "" {
		return TypeUnknown
	}
	if dialect == DialectDuckDB {
		return duckdbAffinity(upper)
	}

	// SQLite affinity rules (https://sqlite.org/datatype3.html#determination_of_column_affinity).
	switch {
	case strings.Contains(upper, "INT"):
		return TypeInteger
	case strings.Contains(upper, "CHAR"), strings.Contains(upper, "CLOB"), strings.Contains(upper, "TEXT"):
		return TypeText
	case strings.Contains(upper, "BLOB"):
		return TypeBlob
	case strings.Contains(upper, "REAL"), strings.Contains(upper, "FLOA"), strings.Contains(upper, "DOUB"):
		return TypeReal
	default:
		// NUMERIC affinity stores either integers or reals.
		return TypeUnknown
	}
}

func duckdbAffinity(upper string) ColumnType {
	if i := strings.IndexByte(upper, '('); i > 0 {
		upper = upper[:i]
	}
	switch upper {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT", "UHUGEINT", "BOOLEAN":
		return TypeInteger
	case "FLOAT", "REAL", "DOUBLE", "DECIMAL", "NUMERIC":
		return TypeReal
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return TypeBlob
	case "VARCHAR", "TEXT", "STRING", "CHAR", "BPCHAR", "UUID", "JSON",
		"DATE", "TIME", "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "INTERVAL":
		return TypeText
	default:
		return TypeUnknown
	}
}

// runtimeAffinity maps a value's runtime type name, as reported by typeof(),
// to the closed type set.
func runtimeAffinity(runtimeType string) ColumnType {
	upper := strings.ToUpper(strings.TrimSpace(runtimeType))
	switch upper {
	case "INTEGER":
		return TypeInteger
	case "REAL":
		return TypeReal
	case "TEXT":
		return TypeText
	case "BLOB":
		return TypeBlob
	}
	if t := duckdbAffinity(upper); t != TypeUnknown {
		return t
	}
	return TypeText
}

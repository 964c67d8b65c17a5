// Package export encodes query results for download.
package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

const (
	ContentTypeParquet = "application/vnd.apache.parquet"
	// ColumnOrderKey holds the result's column order, comma separated.
	// Parquet groups sort their fields by name.
	ColumnOrderKey = "sqlassist.columns"
)

type ParquetEncodeResult struct {
	Data        []byte
	RecordCount int64
	Columns     []string
}

type columnKind int

const (
	kindUnknown columnKind = iota
	kindInt64
	kindDouble
	kindBoolean
	kindString
	kindBytes
)

// EncodeResultToParquet writes rows as a single row group. Values are
// expected in the shapes produced by query.NormalizeValues; every column is
// optional so NULLs survive.
func EncodeResultToParquet(columns []string, rows [][]any) (ParquetEncodeResult, error) {
	if len(columns) == 0 {
		return ParquetEncodeResult{}, fmt.Errorf("columns are required")
	}
	names := fieldNames(columns)
	kinds := make([]columnKind, len(columns))
	for _, row := range rows {
		if len(row) != len(columns) {
			return ParquetEncodeResult{}, fmt.Errorf("row has %d values for %d columns", len(row), len(columns))
		}
		for i, value := range row {
			kinds[i] = widen(kinds[i], kindOf(value))
		}
	}

	group := parquet.Group{}
	for i, name := range names {
		group[name] = parquet.Optional(node(kinds[i]))
	}
	schema := parquet.NewSchema("result", group)

	leafIndex := make(map[string]int, len(names))
	for i, path := range schema.Columns() {
		leafIndex[path[0]] = i
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema, parquet.KeyValueMetadata(ColumnOrderKey, strings.Join(names, ",")))
	batch := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		out := make(parquet.Row, len(names))
		for i, value := range row {
			index := leafIndex[names[i]]
			out[index] = encodeValue(kinds[i], value).Level(0, definitionLevel(value), index)
		}
		batch = append(batch, out)
	}
	if len(batch) > 0 {
		if _, err := writer.WriteRows(batch); err != nil {
			return ParquetEncodeResult{}, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return ParquetEncodeResult{}, fmt.Errorf("close parquet writer: %w", err)
	}

	return ParquetEncodeResult{
		Data:        buf.Bytes(),
		RecordCount: int64(len(rows)),
		Columns:     names,
	}, nil
}

// fieldNames makes column labels usable as unique parquet field names.
func fieldNames(columns []string) []string {
	names := make([]string, len(columns))
	seen := make(map[string]int, len(columns))
	for i, column := range columns {
		name := strings.TrimSpace(strings.ReplaceAll(column, ",", "_"))
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		base := name
		for seen[name] > 0 {
			seen[base]++
			name = fmt.Sprintf("%s_%d", base, seen[base])
		}
		seen[name]++
		names[i] = name
	}
	return names
}

func kindOf(value any) columnKind {
	switch value.(type) {
	case nil:
		return kindUnknown
	case int64, int, int32:
		return kindInt64
	case float64, float32:
		return kindDouble
	case bool:
		return kindBoolean
	case []byte:
		return kindBytes
	default:
		return kindString
	}
}

func widen(current, next columnKind) columnKind {
	switch {
	case next == kindUnknown || current == next:
		return current
	case current == kindUnknown:
		return next
	case (current == kindInt64 && next == kindDouble) || (current == kindDouble && next == kindInt64):
		return kindDouble
	default:
		return kindString
	}
}

func node(kind columnKind) parquet.Node {
	switch kind {
	case kindInt64:
		return parquet.Leaf(parquet.Int64Type)
	case kindDouble:
		return parquet.Leaf(parquet.DoubleType)
	case kindBoolean:
		return parquet.Leaf(parquet.BooleanType)
	case kindBytes:
		return parquet.Leaf(parquet.ByteArrayType)
	default:
		return parquet.String()
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}

func encodeValue(kind columnKind, value any) parquet.Value {
	if value == nil {
		return parquet.NullValue()
	}
	switch kind {
	case kindInt64:
		return parquet.Int64Value(toInt64(value))
	case kindDouble:
		return parquet.DoubleValue(toFloat64(value))
	case kindBoolean:
		return parquet.BooleanValue(value.(bool))
	case kindBytes:
		return parquet.ByteArrayValue(value.([]byte))
	default:
		if b, ok := value.([]byte); ok {
			return parquet.ByteArrayValue(b)
		}
		return parquet.ByteArrayValue([]byte(fmt.Sprint(value)))
	}
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	default:
		return 0
	}
}

func toFloat64(value any) float64 {
	switch typed := value.(type) {
	case float64:
		return typed
	case float32:
		return float64(typed)
	default:
		return float64(toInt64(value))
	}
}

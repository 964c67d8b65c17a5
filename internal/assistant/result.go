package assistant

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Stage string

const (
	StageReceived    Stage = "received"
	StageSchemaReady Stage = "schema_ready"
	StagePrompted    Stage = "prompted"
	StageGenerated   Stage = "generated"
	StageValidated   Stage = "validated"
	StageExecuted    Stage = "executed"
	StageAnswered    Stage = "answered"
	StageDone        Stage = "done"
	StageError       Stage = "error"
)

// QueryResult is returned for every ask, including failed ones, so callers
// always see how far the request got.
type QueryResult struct {
	RequestID string   `json:"request_id"`
	Question  string   `json:"question"`
	SQL       string   `json:"sql_query"`
	Columns   []string `json:"columns"`
	Results   []Row    `json:"results"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
	Answer    string   `json:"answer,omitempty"`
	Error     string   `json:"error,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Stage     Stage    `json:"stage"`
}

// Row is one result row. It encodes as a JSON object whose keys keep the
// column order of the query.
type Row struct {
	Columns []string
	Values  []any
}

func NewRows(columns []string, rows [][]any) []Row {
	out := make([]Row, 0, len(rows))
	for _, values := range rows {
		out = append(out, Row{Columns: columns, Values: values})
	}
	return out
}

// Get returns the value of the first column named name.
func (r Row) Get(name string) (any, bool) {
	for i, column := range r.Columns {
		if column == name && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, column := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(column)
		if err != nil {
			return nil, err
		}
		var value any
		if i < len(r.Values) {
			value = r.Values[i]
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode column %s: %w", column, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(encoded)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (r *Row) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	token, err := decoder.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode row: expected object")
	}
	r.Columns, r.Values = nil, nil
	for decoder.More() {
		token, err := decoder.Token()
		if err != nil {
			return err
		}
		key, ok := token.(string)
		if !ok {
			return fmt.Errorf("decode row: expected key")
		}
		var value any
		if err := decoder.Decode(&value); err != nil {
			return fmt.Errorf("decode row value %s: %w", key, err)
		}
		r.Columns = append(r.Columns, key)
		r.Values = append(r.Values, value)
	}
	_, err = decoder.Token()
	return err
}

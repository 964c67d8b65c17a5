package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlassist/sqlassist/internal/schema"
)

func ordersSchema() schema.Schema {
	return schema.Schema{
		Dialect: schema.DialectSQLite,
		Tables: []schema.Table{{
			Name: "orders",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "country", Type: schema.TypeText, Nullable: true},
			},
			RowCount:   3,
			SampleRows: [][]any{{int64(1), "US"}, {int64(2), "US"}, {int64(3), nil}},
		}},
	}
}

func TestBuildIncludesSchemaAndQuestion(t *testing.T) {
	question := "How many orders are from the US?"
	p := Build(ordersSchema(), question, nil, Options{})

	assert.Contains(t, p.System, "SQLite")
	assert.Contains(t, p.System, "top 5 rows")
	assert.Contains(t, p.System, "read-only")
	assert.Contains(t, p.User, "TABLE orders (3 rows)")
	assert.Contains(t, p.User, "id INTEGER NOT NULL")
	assert.Contains(t, p.User, "country TEXT\n")
	assert.Contains(t, p.User, "(1, 'US')")
	assert.Contains(t, p.User, "(3, NULL)")
	assert.Contains(t, p.User, "Question: "+question)
	assert.NotContains(t, p.User, "Previous question")
}

func TestBuildIsDeterministic(t *testing.T) {
	a := Build(ordersSchema(), "How many orders are there?", nil, Options{})
	b := Build(ordersSchema(), "How many orders are there?", nil, Options{})
	assert.Equal(t, a, b)
}

func TestBuildIncludesPriorTurn(t *testing.T) {
	p := Build(ordersSchema(), "and for Germany?", &PriorTurn{
		Question: "How many orders are from the US?",
		SQL:      "SELECT count(*) FROM orders WHERE country = 'US'",
	}, Options{})

	assert.Contains(t, p.User, "Previous question: How many orders are from the US?")
	assert.Contains(t, p.User, "Previous SQL: SELECT count(*) FROM orders WHERE country = 'US'")
	assert.True(t, strings.Index(p.User, "Previous question") < strings.Index(p.User, "Question: and for Germany?"))
}

func TestBuildLimitsSampleRows(t *testing.T) {
	p := Build(ordersSchema(), "list all the orders please", nil, Options{SampleRows: 1})
	assert.Contains(t, p.User, "(1, 'US')")
	assert.NotContains(t, p.User, "(2, 'US')")

	none := Build(ordersSchema(), "list all the orders please", nil, Options{SampleRows: -1})
	assert.NotContains(t, none.User, "sample rows")
}

func TestSampleCellsAreTruncated(t *testing.T) {
	s := ordersSchema()
	s.Tables[0].SampleRows = [][]any{{int64(1), strings.Repeat("x", 200)}}

	p := Build(s, "what is in the orders table", nil, Options{})
	assert.Contains(t, p.User, "'"+strings.Repeat("x", 64)+"…'")
	assert.NotContains(t, p.User, strings.Repeat("x", 65))
}

func wideSchema(tables, columns int) schema.Schema {
	s := schema.Schema{Dialect: schema.DialectDuckDB}
	for i := 0; i < tables; i++ {
		table := schema.Table{Name: fmt.Sprintf("table_%02d", i), RowCount: 10}
		row := make([]any, 0, columns)
		for c := 0; c < columns; c++ {
			table.Columns = append(table.Columns, schema.Column{Name: fmt.Sprintf("column_number_%02d", c), Type: schema.TypeText})
			row = append(row, strings.Repeat("v", 40))
		}
		table.SampleRows = [][]any{row, row, row}
		s.Tables = append(s.Tables, table)
	}
	return s
}

func TestRenderSchemaDegradesInOrder(t *testing.T) {
	s := wideSchema(4, 20)
	full := RenderSchema(s, Options{MaxSchemaChars: 1 << 20})
	assert.Contains(t, full, "sample rows")

	withoutSamples := renderTables(s.Tables, 0, 0)
	require.Less(t, len(withoutSamples), len(full))

	dropped := RenderSchema(s, Options{MaxSchemaChars: len(withoutSamples)})
	assert.NotContains(t, dropped, "sample rows")
	assert.Contains(t, dropped, "column_number_19")

	trimmed := RenderSchema(s, Options{MaxSchemaChars: len(withoutSamples) - 1})
	assert.NotContains(t, trimmed, "column_number_19")
	assert.Contains(t, trimmed, "more columns")
	assert.Contains(t, trimmed, "TABLE table_03")

	tiny := RenderSchema(s, Options{MaxSchemaChars: 300})
	assert.Contains(t, tiny, "TABLE table_00")
	assert.NotContains(t, tiny, "TABLE table_03")
	assert.Contains(t, tiny, "more tables omitted")
	assert.LessOrEqual(t, len(tiny), 300)
}

func TestRankTablesPrefersNamedTables(t *testing.T) {
	s := schema.Schema{Dialect: schema.DialectSQLite, Tables: []schema.Table{
		{Name: "artists", Columns: []schema.Column{{Name: "artist_id"}, {Name: "name"}}},
		{Name: "invoices", Columns: []schema.Column{{Name: "invoice_id"}, {Name: "billing_country"}, {Name: "total"}}},
		{Name: "genres", Columns: []schema.Column{{Name: "genre_id"}, {Name: "name"}}},
	}}

	ranked := RankTables(s, "What is the invoice total per billing country?")
	if got := ranked.TableNames(); got[0] != "invoices" {
		t.Fatalf("first table = %s, want invoices (order %v)", got[0], got)
	}
	if got := s.TableNames(); got[0] != "artists" {
		t.Fatalf("input schema reordered: %v", got)
	}

	unchanged := RankTables(s, "hi")
	if got := unchanged.TableNames(); strings.Join(got, ",") != "artists,invoices,genres" {
		t.Fatalf("order without matches = %v", got)
	}
}

func TestBuildKeepsMostRelatedTableWhenTrimming(t *testing.T) {
	s := wideSchema(4, 20)
	s.Tables[3].Name = "shipments"

	p := Build(s, "How many shipments left last week?", nil, Options{MaxSchemaChars: 300})
	if !strings.Contains(p.User, "TABLE shipments") {
		t.Fatalf("prompt lost the table the question names:\n%s", p.User)
	}
	if !strings.Contains(p.User, "more tables omitted") {
		t.Fatalf("expected trailing tables to be omitted:\n%s", p.User)
	}
}

func TestSummaryCapsRows(t *testing.T) {
	rows := make([][]any, 0, 120)
	for i := 0; i < 120; i++ {
		rows = append(rows, []any{int64(i)})
	}
	p := Summary("list ids", "SELECT id FROM t", []string{"id"}, rows)

	assert.Contains(t, p.User, "Rows (120 total, first 50 shown)")
	assert.Contains(t, p.User, "\n49\n")
	assert.NotContains(t, p.User, "\n50\n")
	assert.Contains(t, p.System, "numbers")
}

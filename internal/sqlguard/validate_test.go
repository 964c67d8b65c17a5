package sqlguard

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlassist/sqlassist/internal/schema"
)

func shopSchema() schema.Schema {
	return schema.Schema{
		Dialect: schema.DialectSQLite,
		Tables: []schema.Table{
			{
				Name: "customers",
				Columns: []schema.Column{
					{Name: "id", Type: schema.TypeInteger},
					{Name: "name", Type: schema.TypeText},
				},
			},
			{
				Name: "orders",
				Columns: []schema.Column{
					{Name: "id", Type: schema.TypeInteger},
					{Name: "customer_id", Type: schema.TypeInteger},
					{Name: "Country", Type: schema.TypeText},
					{Name: "total", Type: schema.TypeReal},
					{Name: "created_at", Type: schema.TypeText},
				},
			},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	statements := []string{
		"SELECT count(*) AS count FROM orders WHERE country = 'US'",
		"select * from ORDERS limit 5;",
		"SELECT 1;",
		"(SELECT id FROM orders)",
		"SELECT o.id, c.name FROM orders o JOIN customers AS c ON c.id = o.customer_id",
		"SELECT orders.total FROM orders, customers WHERE customers.id = orders.customer_id",
		"WITH us AS (SELECT * FROM orders WHERE country = 'US') SELECT count(*) FROM us",
		"WITH totals(country, amount) AS (SELECT country, sum(total) FROM orders GROUP BY country) SELECT t.country, amount FROM totals t ORDER BY amount DESC",
		"SELECT country, count(*) n FROM orders GROUP BY country HAVING n > 1",
		"SELECT * FROM orders -- delete these later",
		"SELECT * FROM orders /* DROP TABLE orders */",
		"SELECT 'drop table orders; delete' AS note",
		"SELECT replace(country, 'U', 'u') FROM orders",
		"SELECT sub.c FROM (SELECT count(*) AS c FROM orders) AS sub",
		"SELECT extract(year FROM created_at) FROM orders",
		`SELECT "COUNTRY" FROM "Orders"`,
		"SELECT * FROM main.orders",
		"SELECT name FROM customers WHERE id IN (SELECT customer_id FROM orders)",
		"SELECT CAST(total AS INTEGER) FROM orders",
		"SELECT total::BIGINT FROM orders",
		"SELECT id FROM orders WHERE country IS DISTINCT FROM 'US'",
		"SELECT country, CASE WHEN total > 10 THEN 'big' ELSE 'small' END size FROM orders ORDER BY size",
		"SELECT id, row_number() OVER (PARTITION BY country ORDER BY total DESC) AS rank FROM orders",
	}
	for _, statement := range statements {
		verdict := Validate(statement, shopSchema())
		assert.True(t, verdict.Accepted, "%s: %s %s", statement, verdict.Reason, verdict.Detail)
		assert.NoError(t, verdict.Err())
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		sql    string
		reason Reason
	}{
		{"", ReasonEmpty},
		{"   \n\t", ReasonEmpty},
		{"-- only a comment", ReasonEmpty},
		{";;", ReasonEmpty},

		{"SELECT 1; DROP TABLE orders", ReasonNotASelect},
		{"SELECT * FROM orders; SELECT * FROM customers", ReasonNotASelect},
		{"DELETE FROM orders", ReasonNotASelect},
		{"dElEtE\n\tFROM   orders", ReasonNotASelect},
		{"/* select */ UPDATE orders SET total = 0", ReasonNotASelect},
		{"WITH gone AS (DELETE FROM orders RETURNING *) SELECT * FROM gone", ReasonNotASelect},
		{"SELECT * FROM orders WHERE id IN (SELECT id FROM orders) OR 1=1 AND drop", ReasonNotASelect},
		{"PRAGMA table_info(orders)", ReasonNotASelect},
		{"INSERT OR REPLACE INTO orders VALUES (1)", ReasonNotASelect},
		{"ATTACH DATABASE 'x.db' AS x", ReasonNotASelect},
		{"EXPLAIN SELECT * FROM orders", ReasonNotASelect},
		{"'SELECT'", ReasonNotASelect},

		{"SELECT * FROM your_table", ReasonUnknownTable},
		{"SELECT * FROM orders JOIN payments ON payments.order_id = orders.id", ReasonUnknownTable},
		{"SELECT * FROM read_csv('/etc/passwd')", ReasonUnknownTable},
		{"SELECT * FROM sqlite_master", ReasonUnknownTable},

		{"SELECT bogus FROM orders", ReasonUnknownColumn},
		{"SELECT o.bogus FROM orders o", ReasonUnknownColumn},
		{"SELECT x.id FROM orders", ReasonUnknownColumn},
		{"SELECT name FROM orders", ReasonUnknownColumn},
		{"SELECT id FROM orders WHERE missing_column > 3", ReasonUnknownColumn},
	}
	for _, tc := range cases {
		verdict := Validate(tc.sql, shopSchema())
		assert.False(t, verdict.Accepted, tc.sql)
		assert.Equal(t, tc.reason, verdict.Reason, "%s: %s", tc.sql, verdict.Detail)
	}
}

func TestValidateRejectsFileReadsInFromPosition(t *testing.T) {
	duck := shopSchema()
	duck.Dialect = schema.DialectDuckDB

	statements := []string{
		"SELECT * FROM '/etc/passwd'",
		"SELECT * FROM orders, '/etc/hostname'",
		"WITH leak AS (SELECT * FROM '/etc/passwd') SELECT * FROM leak",
		"SELECT * FROM orders JOIN '/etc/passwd' ON true",
		"SELECT * FROM orders WHERE id IN (SELECT * FROM '/tmp/sqlassist-*/raw.csv')",
		"SELECT * FROM 42",
	}
	for _, statement := range statements {
		verdict := Validate(statement, duck)
		if verdict.Accepted {
			t.Fatalf("%s: accepted", statement)
		}
		if verdict.Reason != ReasonUnknownTable {
			t.Fatalf("%s: reason = %s (%s), want %s", statement, verdict.Reason, verdict.Detail, ReasonUnknownTable)
		}
	}
}

func TestValidateAcceptsKeywordNamedTable(t *testing.T) {
	s := shopSchema()
	s.Tables = append(s.Tables, schema.Table{Name: "order", Columns: []schema.Column{{Name: "id", Type: schema.TypeInteger}}})

	verdict := Validate("SELECT * FROM order", s)
	require.True(t, verdict.Accepted, verdict.Detail)
	verdict = Validate("SELECT * FROM values", s)
	assert.Equal(t, ReasonUnknownTable, verdict.Reason)
}

func TestMutatingKeywordsAnyCase(t *testing.T) {
	for word := range mutatingKeywords {
		for _, statement := range []string{
			word + " orders",
			"SELECT * FROM orders WHERE id = 1 " + word,
			"SELECT *\nFROM orders\n" + titleCase(word) + "\n",
		} {
			verdict := Validate(statement, shopSchema())
			assert.Equal(t, ReasonNotASelect, verdict.Reason, statement)
		}
	}
}

func titleCase(word string) string {
	return string(word[0]-'a'+'A') + word[1:]
}

func TestRejectionError(t *testing.T) {
	err := Validate("DROP TABLE orders", shopSchema()).Err()
	require.Error(t, err)

	var rejection *RejectionError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ReasonNotASelect, rejection.Reason)
	assert.Contains(t, err.Error(), "not_a_select")
	assert.Contains(t, err.Error(), "DROP")
}

func TestTokenizeDropsCommentsAndStrings(t *testing.T) {
	tokens := tokenize("SELECT 'it''s; drop' -- trailing\n, \"Order ID\" /* x */ FROM [t]", schema.DialectSQLite)

	var kinds []tokenKind
	for _, tok := range tokens {
		kinds = append(kinds, tok.kind)
	}
	assert.Equal(t, []tokenKind{tokenWord, tokenString, tokenPunct, tokenQuoted, tokenWord, tokenQuoted}, kinds)
	assert.Equal(t, "Order ID", tokens[3].text)
	assert.Equal(t, "t", tokens[5].text)
}

// Package prompt renders the text sent to the language model.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sqlassist/sqlassist/internal/schema"
)

const (
	DefaultSampleRows     = 3
	DefaultMaxSchemaChars = 12000
	DefaultTopK           = 5
	maxCellChars          = 64
	maxSummaryRows        = 50
)

// Column limits tried, in order, once sample rows are gone.
var columnLimits = []int{16, 8, 4}

type Prompt struct {
	System string
	User   string
}

// PriorTurn is the previous question of the same session, used to resolve
// follow-ups such as "and for Germany?".
type PriorTurn struct {
	Question string
	SQL      string
}

type Options struct {
	SampleRows     int
	MaxSchemaChars int
	TopK           int
}

func (o Options) withDefaults() Options {
	if o.SampleRows < 0 {
		o.SampleRows = 0
	} else if o.SampleRows == 0 {
		o.SampleRows = DefaultSampleRows
	}
	if o.MaxSchemaChars <= 0 {
		o.MaxSchemaChars = DefaultMaxSchemaChars
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	return o
}

// Build renders the generation prompt. It never fails; oversized schemas are
// shortened until they fit MaxSchemaChars.
func Build(s schema.Schema, question string, prior *PriorTurn, opts Options) Prompt {
	opts = opts.withDefaults()

	system := fmt.Sprintf(`You are an expert SQL assistant for a %[1]s database.
Translate the user's question into exactly one read-only %[1]s SQL statement.

Rules:
- Return only the SQL statement. No markdown, no explanation.
- The statement must be a single SELECT (a WITH ... SELECT is fine). Never modify data or schema.
- Use only the tables and columns listed in the schema. Never invent placeholder table names such as "your_table".
- Quote identifiers that contain spaces or mixed case with double quotes.
- Unless the question asks for a specific number of rows, limit the result to the top %[2]d rows.
- Prefer explicit column lists over SELECT * when the question names what it needs.`,
		s.Dialect.DisplayName(), opts.TopK)

	var user strings.Builder
	user.WriteString("Schema:\n")
	user.WriteString(RenderSchema(RankTables(s, question), opts))
	if prior != nil && strings.TrimSpace(prior.Question) != "" {
		user.WriteString("\nPrevious question: ")
		user.WriteString(strings.TrimSpace(prior.Question))
		if strings.TrimSpace(prior.SQL) != "" {
			user.WriteString("\nPrevious SQL: ")
			user.WriteString(strings.TrimSpace(prior.SQL))
		}
		user.WriteString("\n")
	}
	user.WriteString("\nQuestion: ")
	user.WriteString(question)
	user.WriteString("\n\nSQL:")

	return Prompt{System: system, User: user.String()}
}

// RankTables orders tables by how many question words their table and column
// names share, so a schema too large for the budget loses the least related
// tables first. Ties keep introspection order.
func RankTables(s schema.Schema, question string) schema.Schema {
	words := questionWords(question)
	if len(words) == 0 || len(s.Tables) < 2 {
		return s
	}
	scores := make(map[string]int, len(s.Tables))
	for _, table := range s.Tables {
		score := 0
		if matchesAny(table.Name, words) {
			score += 2
		}
		for _, column := range table.Columns {
			if matchesAny(column.Name, words) {
				score++
			}
		}
		scores[table.Name] = score
	}

	ranked := s
	ranked.Tables = append([]schema.Table(nil), s.Tables...)
	sort.SliceStable(ranked.Tables, func(i, j int) bool {
		return scores[ranked.Tables[i].Name] > scores[ranked.Tables[j].Name]
	})
	return ranked
}

func questionWords(question string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range nameParts(question) {
		if len(word) < 3 {
			continue
		}
		words[word] = struct{}{}
		if singular := strings.TrimSuffix(word, "s"); len(singular) >= 3 {
			words[singular] = struct{}{}
		}
	}
	return words
}

func matchesAny(name string, words map[string]struct{}) bool {
	for _, part := range nameParts(name) {
		if _, ok := words[part]; ok {
			return true
		}
		if _, ok := words[strings.TrimSuffix(part, "s")]; ok {
			return true
		}
	}
	return false
}

func nameParts(text string) []string {
	return strings.FieldsFunc(schema.Normalize(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// RenderSchema describes the schema within opts.MaxSchemaChars. It drops
// sample rows first, then trims column lists, then drops trailing tables.
func RenderSchema(s schema.Schema, opts Options) string {
	opts = opts.withDefaults()
	budget := opts.MaxSchemaChars

	if rendered := renderTables(s.Tables, opts.SampleRows, 0); len(rendered) <= budget {
		return rendered
	}
	rendered := renderTables(s.Tables, 0, 0)
	if len(rendered) <= budget {
		return rendered
	}
	limit := columnLimits[len(columnLimits)-1]
	for _, candidate := range columnLimits {
		rendered = renderTables(s.Tables, 0, candidate)
		if len(rendered) <= budget {
			return rendered
		}
	}

	for keep := len(s.Tables) - 1; keep >= 1; keep-- {
		rendered = renderTables(s.Tables[:keep], 0, limit)
		rendered += fmt.Sprintf("(%d more tables omitted)\n", len(s.Tables)-keep)
		if len(rendered) <= budget {
			return rendered
		}
	}
	return rendered
}

func renderTables(tables []schema.Table, sampleRows, columnLimit int) string {
	var b strings.Builder
	for _, table := range tables {
		b.WriteString("TABLE ")
		b.WriteString(table.Name)
		if table.RowCount >= 0 {
			fmt.Fprintf(&b, " (%d rows)", table.RowCount)
		}
		b.WriteString("\n")

		columns := table.Columns
		if columnLimit > 0 && len(columns) > columnLimit {
			columns = columns[:columnLimit]
		}
		for _, column := range columns {
			b.WriteString("  ")
			b.WriteString(column.Name)
			b.WriteString(" ")
			b.WriteString(strings.ToUpper(string(column.Type)))
			if !column.Nullable {
				b.WriteString(" NOT NULL")
			}
			b.WriteString("\n")
		}
		if hidden := len(table.Columns) - len(columns); hidden > 0 {
			fmt.Fprintf(&b, "  ... %d more columns\n", hidden)
		}

		samples := table.SampleRows
		if len(samples) > sampleRows {
			samples = samples[:sampleRows]
		}
		if len(samples) > 0 {
			b.WriteString("  sample rows:\n")
			for _, row := range samples {
				b.WriteString("    (")
				b.WriteString(renderRow(row))
				b.WriteString(")\n")
			}
		}
	}
	return b.String()
}

// Summary renders the prompt used to explain a result in plain language.
func Summary(question, sqlText string, columns []string, rows [][]any) Prompt {
	system := `You explain SQL query results to a non-technical user.
Answer the question in one or two short sentences using only the rows provided.
Mention the concrete numbers or values from the result. Do not include SQL.`

	var user strings.Builder
	fmt.Fprintf(&user, "Question: %s\nSQL: %s\n", question, sqlText)
	fmt.Fprintf(&user, "Columns: %s\n", strings.Join(columns, ", "))
	shown := rows
	if len(shown) > maxSummaryRows {
		shown = shown[:maxSummaryRows]
	}
	fmt.Fprintf(&user, "Rows (%d total", len(rows))
	if len(shown) < len(rows) {
		fmt.Fprintf(&user, ", first %d shown", len(shown))
	}
	user.WriteString("):\n")
	for _, row := range shown {
		user.WriteString(renderRow(row))
		user.WriteString("\n")
	}
	user.WriteString("\nAnswer:")
	return Prompt{System: system, User: user.String()}
}

func renderRow(row []any) string {
	cells := make([]string, len(row))
	for i, value := range row {
		cells[i] = renderCell(value)
	}
	return strings.Join(cells, ", ")
}

func renderCell(value any) string {
	switch typed := value.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + truncate(typed) + "'"
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(typed))
	default:
		return truncate(fmt.Sprint(typed))
	}
}

func truncate(value string) string {
	if utf8.RuneCountInString(value) <= maxCellChars {
		return value
	}
	runes := []rune(value)
	return string(runes[:maxCellChars]) + "…"
}

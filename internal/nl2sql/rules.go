package nl2sql

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/sqlassist/sqlassist/internal/prompt"
)

// RulesCompleter is an offline backend. It reads the schema rendered into
// the prompt and maps a handful of question shapes onto SQL with keyword
// rules. It translates literally and leaves safety to the validator.
type RulesCompleter struct{}

func NewRulesCompleter() *RulesCompleter {
	return &RulesCompleter{}
}

func (RulesCompleter) Name() string { return "rules" }

var (
	topKPattern     = regexp.MustCompile(`top (\d+) rows`)
	questionTopK    = regexp.MustCompile(`(?i)\b(?:top|first|limit)\s+(\d+)\b`)
	rowTotalPattern = regexp.MustCompile(`Rows \((\d+) total`)
)

func (RulesCompleter) Complete(ctx context.Context, p prompt.Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.Contains(p.User, "\nAnswer:") {
		return summarizeRows(p.User), nil
	}
	return rulesSQL(p), nil
}

type rulesTable struct {
	name    string
	columns []rulesColumn
}

type rulesColumn struct {
	name    string
	numeric bool
	samples map[string]struct{}
}

func rulesSQL(p prompt.Prompt) string {
	tables := parseRenderedSchema(p.User)
	if len(tables) == 0 {
		return ""
	}
	question := between(p.User, "\nQuestion: ", "\n\nSQL:")
	lowered := strings.ToLower(question)
	words := questionWords(question)
	lowerWords := questionWords(lowered)

	table := pickTable(tables, lowered)
	from := quoteIfNeeded(table.name)

	if hasWord(lowerWords, "drop") {
		return "DROP TABLE " + from
	}
	if hasWord(lowerWords, "delete", "truncate", "wipe") || strings.Contains(lowered, "remove all") {
		return "DELETE FROM " + from
	}

	where := ""
	if column, value, ok := matchFilter(table, words); ok {
		where = fmt.Sprintf(" WHERE %s = '%s'", quoteIfNeeded(column), strings.ReplaceAll(value, "'", "''"))
	}

	switch {
	case containsAny(lowered, "how many", "number of") || hasWord(lowerWords, "count"):
		return "SELECT count(*) AS count FROM " + from + where
	case hasWord(lowerWords, "average", "avg", "mean"):
		if column, ok := numericColumn(table, lowered); ok {
			return fmt.Sprintf("SELECT avg(%s) AS average FROM %s%s", column, from, where)
		}
	case hasWord(lowerWords, "total", "sum"):
		if column, ok := numericColumn(table, lowered); ok {
			return fmt.Sprintf("SELECT sum(%s) AS total FROM %s%s", column, from, where)
		}
	case hasWord(lowerWords, "highest", "maximum", "max", "largest"):
		if column, ok := numericColumn(table, lowered); ok {
			return fmt.Sprintf("SELECT max(%s) AS maximum FROM %s%s", column, from, where)
		}
	case hasWord(lowerWords, "lowest", "minimum", "min", "smallest"):
		if column, ok := numericColumn(table, lowered); ok {
			return fmt.Sprintf("SELECT min(%s) AS minimum FROM %s%s", column, from, where)
		}
	}

	limit := 5
	if m := topKPattern.FindStringSubmatch(p.System); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}
	if m := questionTopK.FindStringSubmatch(question); m != nil {
		limit, _ = strconv.Atoi(m[1])
	}
	return fmt.Sprintf("SELECT * FROM %s%s LIMIT %d", from, where, limit)
}

// parseRenderedSchema reads back the layout produced by prompt.RenderSchema.
func parseRenderedSchema(text string) []rulesTable {
	var (
		tables    []rulesTable
		inSamples bool
	)
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "TABLE "):
			name := strings.TrimPrefix(line, "TABLE ")
			if i := strings.Index(name, " ("); i >= 0 {
				name = name[:i]
			}
			tables = append(tables, rulesTable{name: name})
			inSamples = false
		case len(tables) == 0:
		case line == "  sample rows:":
			inSamples = true
		case inSamples && strings.HasPrefix(line, "    ("):
			addSamples(&tables[len(tables)-1], strings.TrimSuffix(strings.TrimPrefix(line, "    ("), ")"))
		case strings.HasPrefix(line, "  ") && !strings.HasPrefix(line, "  ..."):
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			tables[len(tables)-1].columns = append(tables[len(tables)-1].columns, rulesColumn{
				name:    fields[0],
				numeric: fields[1] == "INTEGER" || fields[1] == "REAL",
				samples: map[string]struct{}{},
			})
		default:
			inSamples = false
		}
	}
	return tables
}

func addSamples(table *rulesTable, row string) {
	cells := strings.Split(row, ", ")
	if len(cells) != len(table.columns) {
		return
	}
	for i, cell := range cells {
		if len(cell) >= 2 && strings.HasPrefix(cell, "'") && strings.HasSuffix(cell, "'") {
			table.columns[i].samples[cell[1:len(cell)-1]] = struct{}{}
		}
	}
}

func pickTable(tables []rulesTable, lowered string) rulesTable {
	for _, table := range tables {
		name := strings.ToLower(table.name)
		if strings.Contains(lowered, name) || strings.Contains(lowered, strings.TrimSuffix(name, "s")) {
			return table
		}
	}
	return tables[0]
}

func matchFilter(table rulesTable, words []string) (string, string, bool) {
	for _, word := range words {
		for _, column := range table.columns {
			for sample := range column.samples {
				if sample == word || (len(word) > 3 && strings.EqualFold(sample, word)) {
					return column.name, sample, true
				}
			}
		}
	}
	return "", "", false
}

func numericColumn(table rulesTable, lowered string) (string, bool) {
	var first string
	for _, column := range table.columns {
		if !column.numeric {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(column.name)) {
			return quoteIfNeeded(column.name), true
		}
		if first == "" && !strings.EqualFold(column.name, "id") {
			first = column.name
		}
	}
	if first == "" {
		return "", false
	}
	return quoteIfNeeded(first), true
}

func summarizeRows(text string) string {
	total := 0
	if m := rowTotalPattern.FindStringSubmatch(text); m != nil {
		total, _ = strconv.Atoi(m[1])
	}
	columns := strings.Split(between(text, "Columns: ", "\n"), ", ")
	switch {
	case total == 0:
		return "No rows matched the question."
	case total == 1 && len(columns) == 1:
		value := strings.Trim(strings.SplitN(between(text, " total):\n", "\n\nAnswer:"), "\n", 2)[0], "'")
		return fmt.Sprintf("The answer is %s.", value)
	default:
		return fmt.Sprintf("Query executed successfully. Found %d results.", total)
	}
}

func questionWords(question string) []string {
	return strings.FieldsFunc(question, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-'
	})
}

func hasWord(words []string, candidates ...string) bool {
	for _, word := range words {
		for _, candidate := range candidates {
			if word == candidate {
				return true
			}
		}
	}
	return false
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

func between(value, start, end string) string {
	i := strings.Index(value, start)
	if i < 0 {
		return ""
	}
	rest := value[i+len(start):]
	if j := strings.Index(rest, end); j >= 0 {
		return rest[:j]
	}
	return rest
}

func quoteIfNeeded(identifier string) string {
	for i, r := range identifier {
		if r == '_' || unicode.IsLower(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
	}
	return identifier
}

package source

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stoewer/go-strcase"
)

var nonIdentifier = regexp.MustCompile(`[^a-z0-9_]+`)

// TableName derives a SQL-friendly table name from an upload filename.
func TableName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	return identifier(base, "data")
}

// ColumnNames converts headers to unique snake_case identifiers, keeping
// their order.
func ColumnNames(headers []string) []string {
	seen := make(map[string]int, len(headers))
	names := make([]string, len(headers))
	for i, header := range headers {
		name := identifier(header, fmt.Sprintf("column_%d", i+1))
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		names[i] = name
	}
	return names
}

func identifier(raw, fallback string) string {
	name := strcase.SnakeCase(strings.TrimSpace(raw))
	name = strings.Trim(nonIdentifier.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if name == "" {
		return fallback
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

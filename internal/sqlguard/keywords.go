package sqlguard

func set(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, word := range words {
		out[word] = struct{}{}
	}
	return out
}

// mutatingKeywords may not appear anywhere in an accepted statement.
var mutatingKeywords = set(
	"insert", "update", "delete", "drop", "alter", "create", "truncate",
	"attach", "detach", "pragma", "replace", "vacuum", "reindex", "grant",
	"revoke", "copy", "install", "load", "export", "import", "begin",
	"commit", "rollback", "savepoint",
)

// keywords are never checked as column references. The list is lenient on
// purpose: a keyword that is also a column name only loses the check.
var keywords = set(
	"select", "from", "where", "and", "or", "not", "in", "is", "null", "like",
	"ilike", "glob", "regexp", "match", "similar", "between", "exists", "case",
	"when", "then", "else", "end", "as", "on", "using", "join", "inner", "left",
	"right", "full", "outer", "cross", "natural", "semi", "anti", "asof",
	"positional", "lateral", "group", "by", "order", "asc", "desc", "nulls",
	"first", "last", "limit", "offset", "fetch", "next", "only", "ties",
	"having", "qualify", "distinct", "all", "any", "some", "union", "intersect",
	"except", "with", "recursive", "materialized", "over", "partition",
	"window", "rows", "range", "groups", "unbounded", "preceding",
	"following", "current", "row", "exclude", "others", "no", "filter",
	"within", "cast", "try_cast", "collate", "escape", "true", "false",
	"values", "to", "at", "time", "zone", "interval", "for", "both",
	"leading", "trailing", "isnull", "notnull", "default", "sample",
	"tablesample", "percent", "nocase", "binary", "rtrim", "columns",
	"year", "years", "month", "months", "day", "days", "hour", "hours",
	"minute", "minutes", "second", "seconds", "millisecond", "milliseconds",
	"microsecond", "microseconds", "week", "weeks", "quarter", "epoch",
	"dow", "doy", "isodow", "century", "decade", "millennium",
	"current_date", "current_time", "current_timestamp", "localtime",
	"localtimestamp", "rowid", "oid", "_rowid_",
	"integer", "int", "bigint", "smallint", "tinyint", "hugeint", "real",
	"double", "precision", "float", "numeric", "decimal", "text", "varchar",
	"char", "character", "varying", "blob", "boolean", "bool", "date",
	"timestamp", "timestamptz", "uuid", "json", "unsigned",
)

func isKeyword(norm string) bool {
	_, ok := keywords[norm]
	return ok
}

// Package sqlguard decides whether a generated statement may run against a
// session's data source. It scans tokens rather than parsing SQL: comments
// and string contents are dropped first, then the statement is checked for
// mutation, for its leading keyword, and for table and column membership.
package sqlguard

import (
	"fmt"

	"github.com/sqlassist/sqlassist/internal/schema"
)

type Reason string

const (
	ReasonEmpty         Reason = "empty"
	ReasonNotASelect    Reason = "not_a_select"
	ReasonUnknownTable  Reason = "unknown_table"
	ReasonUnknownColumn Reason = "unknown_column"
)

type Verdict struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Err returns nil for accepted statements and a *RejectionError otherwise.
func (v Verdict) Err() error {
	if v.Accepted {
		return nil
	}
	return &RejectionError{Reason: v.Reason, Detail: v.Detail}
}

type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("query rejected: %s", e.Reason)
	}
	return fmt.Sprintf("query rejected: %s: %s", e.Reason, e.Detail)
}

func rejected(reason Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validate checks one candidate statement. Checks run in a fixed order and
// the first failing one decides the reason.
func Validate(sqlText string, s schema.Schema) Verdict {
	tokens := tokenize(sqlText, s.Dialect)
	for len(tokens) > 0 && tokens[len(tokens)-1].is(";") {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return rejected(ReasonEmpty, "statement is empty")
	}

	for _, tok := range tokens {
		if tok.is(";") {
			return rejected(ReasonNotASelect, "multiple statements are not allowed")
		}
	}

	for i, tok := range tokens {
		if tok.kind != tokenWord {
			continue
		}
		if _, mutating := mutatingKeywords[tok.norm]; !mutating {
			continue
		}
		// replace(x, a, b) is a string function in both engines.
		if tok.norm == "replace" && i+1 < len(tokens) && tokens[i+1].is("(") {
			continue
		}
		return rejected(ReasonNotASelect, "keyword %s is not allowed", tok.text)
	}

	first := 0
	for first < len(tokens) && tokens[first].is("(") {
		first++
	}
	if first == len(tokens) || !(tokens[first].isWord("select") || tokens[first].isWord("with")) {
		return rejected(ReasonNotASelect, "statement must start with SELECT or WITH")
	}

	a := newAnalyzer(tokens, s)
	a.collectCTEs()
	if err := a.resolveTables(); err != nil {
		return Verdict{Reason: err.Reason, Detail: err.Detail}
	}
	a.collectAliases()
	if err := a.checkColumns(); err != nil {
		return Verdict{Reason: err.Reason, Detail: err.Detail}
	}
	return Verdict{Accepted: true}
}

type nameSet map[string]struct{}

func (n nameSet) add(name string) { n[name] = struct{}{} }

func (n nameSet) has(name string) bool {
	_, ok := n[name]
	return ok
}

type analyzer struct {
	tokens []token
	schema schema.Schema

	// callParen[i] reports whether token i sits directly inside the
	// argument list of a function call.
	callParen []bool
	closing   map[int]int
	skip      []bool

	cteNames    nameSet
	cteColumns  nameSet
	opaque      nameSet
	declared    nameSet
	aliasTables map[string]schema.Table
	referenced  []schema.Table
}

func newAnalyzer(tokens []token, s schema.Schema) *analyzer {
	a := &analyzer{
		tokens:      tokens,
		schema:      s,
		callParen:   make([]bool, len(tokens)),
		closing:     make(map[int]int),
		skip:        make([]bool, len(tokens)),
		cteNames:    nameSet{},
		cteColumns:  nameSet{},
		opaque:      nameSet{},
		declared:    nameSet{},
		aliasTables: make(map[string]schema.Table),
	}

	type frame struct {
		open int
		call bool
	}
	var stack []frame
	for i, tok := range tokens {
		if len(stack) > 0 {
			a.callParen[i] = stack[len(stack)-1].call
		}
		switch {
		case tok.is("("):
			call := i > 0 && tokens[i-1].isIdent() && !isKeywordToken(tokens[i-1])
			stack = append(stack, frame{open: i, call: call})
		case tok.is(")"):
			if len(stack) > 0 {
				a.closing[stack[len(stack)-1].open] = i
				stack = stack[:len(stack)-1]
			}
		}
	}
	return a
}

func isKeywordToken(tok token) bool {
	return tok.kind == tokenWord && isKeyword(tok.norm)
}

// isName reports whether tok can name a table, alias or column.
func isName(tok token) bool {
	return tok.kind == tokenQuoted || (tok.kind == tokenWord && !isKeyword(tok.norm))
}

func (a *analyzer) closeOf(open int) int {
	if end, ok := a.closing[open]; ok {
		return end
	}
	return len(a.tokens) - 1
}

// collectCTEs records `name [(columns)] AS [NOT] [MATERIALIZED] (` heads.
func (a *analyzer) collectCTEs() {
	n := len(a.tokens)
	for i := 1; i < n; i++ {
		tok := a.tokens[i]
		if !isName(tok) {
			continue
		}
		prev := a.tokens[i-1]
		if !prev.isWord("with") && !prev.isWord("recursive") && !prev.is(",") {
			continue
		}
		j := i + 1
		var columns []int
		if j < n && a.tokens[j].is("(") {
			end := a.closeOf(j)
			for k := j + 1; k < end; k++ {
				if a.tokens[k].isIdent() {
					columns = append(columns, k)
				}
			}
			j = end + 1
		}
		if j >= n || !a.tokens[j].isWord("as") {
			continue
		}
		j++
		if j < n && a.tokens[j].isWord("not") {
			j++
		}
		if j < n && a.tokens[j].isWord("materialized") {
			j++
		}
		if j >= n || !a.tokens[j].is("(") {
			continue
		}
		a.cteNames.add(tok.norm)
		a.skip[i] = true
		for _, k := range columns {
			a.cteColumns.add(a.tokens[k].norm)
			a.skip[k] = true
		}
	}
}

func (a *analyzer) resolveTables() *RejectionError {
	for i, tok := range a.tokens {
		if tok.kind != tokenWord || a.callParen[i] {
			continue
		}
		switch tok.norm {
		case "from":
			// a IS [NOT] DISTINCT FROM b
			if i >= 2 && a.tokens[i-1].isWord("distinct") && (a.tokens[i-2].isWord("is") || a.tokens[i-2].isWord("not")) {
				continue
			}
			if err := a.fromList(i + 1); err != nil {
				return err
			}
		case "join":
			if _, err := a.tableRef(i + 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *analyzer) fromList(j int) *RejectionError {
	for {
		next, err := a.tableRef(j)
		if err != nil {
			return err
		}
		if next < len(a.tokens) && a.tokens[next].is(",") {
			j = next + 1
			continue
		}
		return nil
	}
}

// tableRef resolves one FROM/JOIN item starting at j and returns the index
// after it. Subqueries are skipped here; their own FROM clauses are reached
// by the outer scan.
func (a *analyzer) tableRef(j int) (int, *RejectionError) {
	n := len(a.tokens)
	if j < n && a.tokens[j].isWord("lateral") {
		j++
	}
	if j >= n {
		return j, nil
	}
	if a.tokens[j].is("(") {
		alias, next := a.alias(a.closeOf(j) + 1)
		if alias != "" {
			a.opaque.add(alias)
		}
		return next, nil
	}
	if tok := a.tokens[j]; !isName(tok) {
		// DuckDB reads files named by a string literal in FROM position.
		if _, ok := a.schema.Table(tok.text); tok.kind != tokenWord || !ok {
			return j, &RejectionError{Reason: ReasonUnknownTable, Detail: "from item must be a table name or subquery"}
		}
	}

	start := j
	for j+2 < n && a.tokens[j+1].is(".") && a.tokens[j+2].isIdent() {
		j += 2
	}
	name := a.tokens[j]
	for k := start; k <= j; k++ {
		a.skip[k] = true
	}
	j++
	if j < n && a.tokens[j].is("(") {
		return j, &RejectionError{Reason: ReasonUnknownTable, Detail: fmt.Sprintf("table function %s is not allowed", name.text)}
	}

	if a.cteNames.has(name.norm) {
		a.opaque.add(name.norm)
		alias, next := a.alias(j)
		if alias != "" {
			a.opaque.add(alias)
		}
		return next, nil
	}
	table, ok := a.schema.Table(name.text)
	if !ok {
		return j, &RejectionError{Reason: ReasonUnknownTable, Detail: fmt.Sprintf("unknown table %s", name.text)}
	}
	a.referenced = append(a.referenced, table)
	a.aliasTables[schema.Normalize(table.Name)] = table
	alias, next := a.alias(j)
	if alias != "" {
		a.aliasTables[alias] = table
	}
	return next, nil
}

// alias consumes an optional `[AS] name [(columns)]` at j.
func (a *analyzer) alias(j int) (string, int) {
	n := len(a.tokens)
	if j < n && a.tokens[j].isWord("as") {
		j++
	}
	if j >= n || !isName(a.tokens[j]) {
		return "", j
	}
	name := a.tokens[j].norm
	a.skip[j] = true
	j++
	if j < n && a.tokens[j].is("(") {
		end := a.closeOf(j)
		for k := j + 1; k < end; k++ {
			if a.tokens[k].isIdent() {
				a.declared.add(a.tokens[k].norm)
				a.skip[k] = true
			}
		}
		j = end + 1
	}
	return name, j
}

// collectAliases records output column aliases, explicit (`expr AS name`)
// or implicit (`count(*) total`, `price p`).
func (a *analyzer) collectAliases() {
	n := len(a.tokens)
	for i := 1; i < n; i++ {
		tok := a.tokens[i]
		if !isName(tok) {
			continue
		}
		if i+1 < n && (a.tokens[i+1].is("(") || a.tokens[i+1].is(".")) {
			continue
		}
		prev := a.tokens[i-1]
		switch {
		case prev.isWord("as"), prev.isWord("window"):
		case prev.is(")"), prev.isWord("end"):
		case prev.kind == tokenNumber, prev.kind == tokenString:
		case isName(prev):
		default:
			continue
		}
		a.declared.add(tok.norm)
	}
}

func (a *analyzer) checkColumns() *RejectionError {
	n := len(a.tokens)
	for i := 0; i < n; i++ {
		tok := a.tokens[i]
		if a.skip[i] || !tok.isIdent() || isKeywordToken(tok) {
			continue
		}
		if i+1 < n && (a.tokens[i+1].is("(") || a.tokens[i+1].kind == tokenString) {
			continue
		}
		if i > 0 && (a.tokens[i-1].is("::") || a.tokens[i-1].isWord("over")) {
			continue
		}

		end := i
		for end+2 < n && a.tokens[end+1].is(".") && (a.tokens[end+2].isIdent() || a.tokens[end+2].is("*")) {
			end += 2
		}
		if end > i {
			if err := a.qualified(a.tokens[end-2], a.tokens[end]); err != nil {
				return err
			}
			i = end
			continue
		}
		if !a.known(tok.norm) {
			return &RejectionError{Reason: ReasonUnknownColumn, Detail: fmt.Sprintf("unknown column %s", tok.text)}
		}
	}
	return nil
}

func (a *analyzer) qualified(qualifier, column token) *RejectionError {
	table, ok := a.aliasTables[qualifier.norm]
	if !ok {
		if a.opaque.has(qualifier.norm) {
			return nil
		}
		table, ok = a.schema.Table(qualifier.text)
	}
	if !ok {
		return &RejectionError{Reason: ReasonUnknownColumn, Detail: fmt.Sprintf("unknown table or alias %s", qualifier.text)}
	}
	if column.is("*") || table.HasColumn(column.text) {
		return nil
	}
	return &RejectionError{Reason: ReasonUnknownColumn, Detail: fmt.Sprintf("unknown column %s.%s", qualifier.text, column.text)}
}

// known checks a bare identifier against the columns of every referenced
// table together with every name the statement declares itself.
func (a *analyzer) known(norm string) bool {
	for _, table := range a.referenced {
		if table.HasColumn(norm) {
			return true
		}
	}
	if _, ok := a.aliasTables[norm]; ok {
		return true
	}
	return a.declared.has(norm) || a.cteColumns.has(norm) || a.cteNames.has(norm) || a.opaque.has(norm)
}

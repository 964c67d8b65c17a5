package sqlguard

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sqlassist/sqlassist/internal/schema"
)

type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenQuoted
	tokenString
	tokenNumber
	tokenPunct
	tokenParam
)

type token struct {
	kind tokenKind
	text string
	// norm is the case-folded text for words and quoted identifiers.
	norm string
}

func (t token) is(punct string) bool {
	return t.kind == tokenPunct && t.text == punct
}

func (t token) isWord(folded string) bool {
	return t.kind == tokenWord && t.norm == folded
}

func (t token) isIdent() bool {
	return t.kind == tokenWord || t.kind == tokenQuoted
}

// tokenize drops comments and string contents. Unterminated comments,
// strings and quoted identifiers run to the end of the input.
func tokenize(sqlText string, dialect schema.Dialect) []token {
	var tokens []token
	src := sqlText
	for i := 0; i < len(src); {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case strings.HasPrefix(src[i:], "--"):
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				i = len(src)
			} else {
				i += end + 1
			}
		case strings.HasPrefix(src[i:], "/*"):
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				i += 2 + end + 2
			}
		case r == '\'':
			i = skipQuoted(src, i, '\'')
			tokens = append(tokens, token{kind: tokenString})
		case r == '"' || r == '`':
			end := skipQuoted(src, i, byte(r))
			text := unquote(src[i:end], byte(r))
			tokens = append(tokens, token{kind: tokenQuoted, text: text, norm: schema.Normalize(text)})
			i = end
		case r == '[' && dialect != schema.DialectDuckDB:
			rest := src[i+1:]
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				end = len(rest)
				i = len(src)
			} else {
				i += end + 2
			}
			text := rest[:end]
			tokens = append(tokens, token{kind: tokenQuoted, text: text, norm: schema.Normalize(text)})
		case isDigit(r) || (r == '.' && i+1 < len(src) && isDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (isWordByte(src[i]) || src[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokenNumber, text: src[start:i]})
		case isWordStart(r):
			start := i
			for i < len(src) {
				next, width := utf8.DecodeRuneInString(src[i:])
				if !isWordStart(next) && !isDigit(next) && next != '$' {
					break
				}
				i += width
			}
			text := src[start:i]
			tokens = append(tokens, token{kind: tokenWord, text: text, norm: schema.Normalize(text)})
		case r == '?':
			i++
			for i < len(src) && isDigit(rune(src[i])) {
				i++
			}
			tokens = append(tokens, token{kind: tokenParam, text: "?"})
		case r == ':' && strings.HasPrefix(src[i:], "::"):
			tokens = append(tokens, token{kind: tokenPunct, text: "::"})
			i += 2
		case (r == '$' || r == ':' || r == '@') && i+1 < len(src) && (isWordByte(src[i+1])):
			start := i
			i++
			for i < len(src) && isWordByte(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenParam, text: src[start:i]})
		default:
			tokens = append(tokens, token{kind: tokenPunct, text: string(r)})
			i += size
		}
	}
	return tokens
}

// skipQuoted returns the index just past the closing quote, honouring
// doubled quotes as escapes.
func skipQuoted(src string, start int, quote byte) int {
	for i := start + 1; i < len(src); i++ {
		if src[i] != quote {
			continue
		}
		if i+1 < len(src) && src[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(src)
}

func unquote(raw string, quote byte) string {
	inner := raw[1:]
	if strings.HasSuffix(inner, string(quote)) {
		inner = inner[:len(inner)-1]
	}
	return strings.ReplaceAll(inner, string([]byte{quote, quote}), string(quote))
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isWordStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Package sqllex tokenizes SQL text. The token stream drives the debug view
// and guards parameter substitution so that occurrences inside comments and
// string literals are left alone.
package sqllex

import (
	"fmt"
	"strings"
	"unicode"
)

// Kind classifies a token.
type Kind int

const (
	KindComment Kind = iota
	KindString
	KindKeyword
	KindIdentifier
	KindParameter
	KindNumber
	KindOperator
	KindDelimiter
)

func (k Kind) String() string {
	switch k {
	case KindComment:
		return "comment"
	case KindString:
		return "string"
	case KindKeyword:
		return "keyword"
	case KindIdentifier:
		return "identifier"
	case KindParameter:
		return "parameter"
	case KindNumber:
		return "number"
	case KindOperator:
		return "operator"
	case KindDelimiter:
		return "delimiter"
	}
	return "unknown"
}

// Token is one lexical element with its byte position in the input.
type Token struct {
	Start  int
	Length int
	Kind   Kind
	Value  string
}

// End returns the byte offset just past the token.
func (t Token) End() int { return t.Start + t.Length }

// keywords is the reserved set matched case-insensitively.
var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "IN": true, "LIKE": true, "IS": true, "NULL": true,
	"BETWEEN": true, "ORDER": true, "BY": true, "GROUP": true, "HAVING": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true,
	"OUTER": true, "CROSS": true, "ON": true, "AS": true, "DECLARE": true,
	"SET": true, "INSERT": true, "UPDATE": true, "DELETE": true, "INTO": true,
	"VALUES": true, "UNION": true, "ALL": true, "DISTINCT": true, "TOP": true,
	"CASE": true, "WHEN": true, "THEN": true, "ELSE": true, "END": true,
	"EXISTS": true, "CAST": true, "CONVERT": true, "WITH": true, "LIMIT": true,
	"OFFSET": true, "ASC": true, "DESC": true, "BEGIN": true, "IF": true,
}

// operator characters; multi-character operators are matched greedily.
const operatorChars = "+-*/%<>=!&|^~(),."

var twoCharOps = map[string]bool{
	"<=": true, ">=": true, "<>": true, "!=": true, "||": true,
	"+=": true, "-=": true, "*=": true, "/=": true, "::": true,
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') ||
		c == '@' || c == '$' || c == '#' || c == '.'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Tokenize scans the input into an ordered token stream. Whitespace and
// unknown bytes are consumed but not emitted. The scanner always makes
// forward progress; a stall is reported as an error.
func Tokenize(input string) ([]Token, error) {
	var tokens []Token
	i := 0
	n := len(input)

	emit := func(start int, kind Kind) {
		tokens = append(tokens, Token{
			Start:  start,
			Length: i - start,
			Kind:   kind,
			Value:  input[start:i],
		})
	}

	for i < n {
		start := i
		c := input[i]

		switch {
		case unicode.IsSpace(rune(c)):
			i++
			continue

		// Line comment.
		case c == '-' && i+1 < n && input[i+1] == '-':
			for i < n && input[i] != '\n' {
				i++
			}
			emit(start, KindComment)
			continue

		// Block comment; nests arbitrarily and must balance.
		case c == '/' && i+1 < n && input[i+1] == '*':
			depth := 0
			for i < n {
				if i+1 < n && input[i] == '/' && input[i+1] == '*' {
					depth++
					i += 2
					continue
				}
				if i+1 < n && input[i] == '*' && input[i+1] == '/' {
					depth--
					i += 2
					if depth == 0 {
						break
					}
					continue
				}
				i++
			}
			if depth != 0 {
				return nil, fmt.Errorf("unbalanced block comment at offset %d", start)
			}
			emit(start, KindComment)
			continue

		// String literal; '' escapes a quote, literals may span lines.
		case c == '\'':
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated string literal at offset %d", start)
				}
				if input[i] == '\'' {
					if i+1 < n && input[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			emit(start, KindString)
			continue

		// Legacy %(@name)s parameter form.
		case c == '%' && strings.HasPrefix(input[i:], "%(@"):
			j := strings.Index(input[i:], ")s")
			if j >= 0 {
				i += j + 2
				emit(start, KindParameter)
				continue
			}
			i++ // bare %, treated as an operator
			emit(start, KindOperator)
			continue

		// Parameter: @name or @!name.
		case c == '@':
			i++
			if i < n && input[i] == '!' {
				i++
			}
			for i < n && isIdentChar(input[i]) {
				i++
			}
			if i == start+1 || (input[start+1] == '!' && i == start+2) {
				// Lone @ with no name: emit as operator to keep moving.
				emit(start, KindOperator)
				continue
			}
			emit(start, KindParameter)
			continue

		// Bracket-quoted identifier.
		case c == '[':
			j := strings.IndexByte(input[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated bracket identifier at offset %d", start)
			}
			i += j + 1
			emit(start, KindIdentifier)
			continue

		case isDigit(c):
			i = scanNumber(input, i)
			emit(start, KindNumber)
			continue

		case isIdentStart(c):
			for i < n && isIdentChar(input[i]) {
				i++
			}
			word := input[start:i]
			if keywords[strings.ToUpper(word)] {
				emit(start, KindKeyword)
			} else {
				emit(start, KindIdentifier)
			}
			continue

		case c == ';':
			i++
			emit(start, KindDelimiter)
			continue

		case strings.IndexByte(operatorChars, c) >= 0:
			if i+1 < n && twoCharOps[input[i:i+2]] {
				i += 2
			} else {
				i++
			}
			emit(start, KindOperator)
			continue

		default:
			// Unknown byte: consume without emitting.
			i++
			continue
		}
	}

	return tokens, nil
}

// scanNumber consumes a numeric literal starting at i and returns the new
// position. Handles 0x/0o/0b prefixes, decimals, and scientific notation.
func scanNumber(input string, i int) int {
	n := len(input)

	if input[i] == '0' && i+1 < n {
		switch input[i+1] {
		case 'x', 'X':
			i += 2
			for i < n && isHexDigit(input[i]) {
				i++
			}
			return i
		case 'o', 'O':
			i += 2
			for i < n && input[i] >= '0' && input[i] <= '7' {
				i++
			}
			return i
		case 'b', 'B':
			i += 2
			for i < n && (input[i] == '0' || input[i] == '1') {
				i++
			}
			return i
		}
	}

	for i < n && isDigit(input[i]) {
		i++
	}
	if i < n && input[i] == '.' {
		i++
		for i < n && isDigit(input[i]) {
			i++
		}
	}
	if i < n && (input[i] == 'e' || input[i] == 'E') {
		j := i + 1
		if j < n && (input[j] == '+' || input[j] == '-') {
			j++
		}
		if j < n && isDigit(input[j]) {
			i = j
			for i < n && isDigit(input[i]) {
				i++
			}
		}
	}
	return i
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

package rules

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokTrue
	tokFalse
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

var tokenNames = map[tokenKind]string{
	tokEOF:    "end of expression",
	tokNumber: "number",
	tokString: "string",
	tokIdent:  "identifier",
	tokTrue:   "true",
	tokFalse:  "false",
	tokEq:     "==",
	tokNeq:    "!=",
	tokLt:     "<",
	tokLte:    "<=",
	tokGt:     ">",
	tokGte:    ">=",
	tokAnd:    "&&",
	tokOr:     "||",
	tokNot:    "!",
	tokLParen: "(",
	tokRParen: ")",
}

func (k tokenKind) String() string { return tokenNames[k] }

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex splits src into tokens. Identifiers may contain dots so that
// "evidence.length" is a single name.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			two := i+1 < len(src) && src[i+1] == '='
			var k tokenKind
			switch {
			case c == '=' && two:
				k = tokEq
			case c == '=':
				return nil, errAt(src, i, "unexpected '=' (use ==)")
			case c == '!' && two:
				k = tokNeq
			case c == '!':
				k = tokNot
			case c == '<' && two:
				k = tokLte
			case c == '<':
				k = tokLt
			case c == '>' && two:
				k = tokGte
			default:
				k = tokGt
			}
			toks = append(toks, token{kind: k, pos: i})
			if two {
				i += 2
			} else {
				i++
			}
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, errAt(src, i, fmt.Sprintf("unexpected %q", c))
			}
			k := tokAnd
			if c == '|' {
				k = tokOr
			}
			toks = append(toks, token{kind: k, pos: i})
			i += 2
		case c == '\'' || c == '"':
			end := strings.IndexByte(src[i+1:], c)
			if end < 0 {
				return nil, errAt(src, i, "unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: src[i+1 : i+1+end], pos: i})
			i += end + 2
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}
			n, err := strconv.ParseFloat(src[start:i], 64)
			if err != nil {
				return nil, errAt(src, start, fmt.Sprintf("bad number %q", src[start:i]))
			}
			toks = append(toks, token{kind: tokNumber, num: n, text: src[start:i], pos: start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			switch word {
			case "true":
				toks = append(toks, token{kind: tokTrue, pos: start})
			case "false":
				toks = append(toks, token{kind: tokFalse, pos: start})
			default:
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			return nil, errAt(src, i, fmt.Sprintf("unexpected character %q", c))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return isIdentStart(r) || unicode.IsDigit(r) || r == '.' }

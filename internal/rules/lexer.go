package rules

import (
	"fmt"
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
	tokNull
	tokAnd
	tokOr
	tokNot
	tokIn
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

var keywords = map[string]tokenKind{
	"and":   tokAnd,
	"or":    tokOr,
	"not":   tokNot,
	"in":    tokIn,
	"true":  tokTrue,
	"True":  tokTrue,
	"false": tokFalse,
	"False": tokFalse,
	"null":  tokNull,
	"None":  tokNull,
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return fmt.Sprintf("%q", t.text)
}

// SyntaxError reports a malformed condition.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '.' && !(i+1 < len(src) && isDigit(src[i+1])):
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '=' || c == '!' || c == '<' || c == '>':
			tok, n, err := lexOperator(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i += n
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected %q", c)}
			}
			kind := tokAnd
			if c == '|' {
				kind = tokOr
			}
			toks = append(toks, token{kind, src[i : i+2], i})
			i += 2
		case c == '"' || c == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{tokString, s, i})
			i += n
		case isDigit(c) || c == '.' || (c == '-' && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.') && negativeAllowed(toks)):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E' ||
				((src[i] == '-' || src[i] == '+') && (src[i-1] == 'e' || src[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}
			word := src[start:i]
			if kind, ok := keywords[word]; ok {
				toks = append(toks, token{kind, word, start})
			} else {
				toks = append(toks, token{tokIdent, word, start})
			}
		default:
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func lexOperator(src string, i int) (token, int, error) {
	two := ""
	if i+1 < len(src) {
		two = src[i : i+2]
	}
	switch two {
	case "==":
		return token{tokEq, two, i}, 2, nil
	case "!=":
		return token{tokNe, two, i}, 2, nil
	case "<=":
		return token{tokLe, two, i}, 2, nil
	case ">=":
		return token{tokGe, two, i}, 2, nil
	}
	switch src[i] {
	case '<':
		return token{tokLt, "<", i}, 1, nil
	case '>':
		return token{tokGt, ">", i}, 1, nil
	case '!':
		return token{tokNot, "!", i}, 1, nil
	}
	return token{}, 0, &SyntaxError{Pos: i, Msg: "single '=' is not an operator, use '=='"}
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			next := src[i+1]
			switch next {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(next)
			}
			i += 2
		case c == quote:
			return b.String(), i - start + 1, nil
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, &SyntaxError{Pos: start, Msg: "unterminated string"}
}

// negativeAllowed reports whether a '-' at this point starts a number literal
// rather than following an operand.
func negativeAllowed(prev []token) bool {
	if len(prev) == 0 {
		return true
	}
	switch prev[len(prev)-1].kind {
	case tokNumber, tokString, tokIdent, tokTrue, tokFalse, tokNull, tokRParen, tokRBracket:
		return false
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentPart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

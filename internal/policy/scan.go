package policy

import "fmt"

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokLabel
	tokGlobal
	tokAnd
	tokOr
	tokNot
	tokContains
	tokEq
	tokLParen
	tokRParen
	tokDot
	tokColon
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokLabel:
		return "label"
	case tokGlobal:
		return "Subject or Resource"
	case tokAnd:
		return "'and'"
	case tokOr:
		return "'or'"
	case tokNot:
		return "'not'"
	case tokContains:
		return "'contains'"
	case tokEq:
		return "'=='"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokDot:
		return "'.'"
	case tokColon:
		return "':'"
	default:
		return "?"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a policy parse failure with the byte offset and what
// the parser expected at that point.
type SyntaxError struct {
	Pos      int
	Expected string
	Got      string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: expected %s, got %s", e.Pos, e.Expected, e.Got)
}

func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

func isLabelChar(c byte) bool {
	return isLower(c) || (c >= '0' && c <= '9') || c == '_' || c == '/'
}

// scan tokenizes the whole source up front. Only plain spaces separate
// tokens; there are no string literals or numbers in the grammar.
func scan(src string) ([]token, *SyntaxError) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == ':':
			toks = append(toks, token{tokColon, ":", i})
			i++
		case c == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, &SyntaxError{Pos: i, Expected: "'=='", Got: quote(src, i)}
			}
			toks = append(toks, token{tokEq, "==", i})
			i += 2
		case isLower(c):
			start := i
			for i < len(src) && isLabelChar(src[i]) {
				i++
			}
			word := src[start:i]
			kind := tokLabel
			switch word {
			case "and":
				kind = tokAnd
			case "or":
				kind = tokOr
			case "not":
				kind = tokNot
			case "contains":
				kind = tokContains
			}
			toks = append(toks, token{kind, word, start})
		case isUpper(c):
			start := i
			for i < len(src) && (isUpper(src[i]) || isLower(src[i])) {
				i++
			}
			word := src[start:i]
			if word != "Subject" && word != "Resource" {
				return nil, &SyntaxError{Pos: start, Expected: "Subject or Resource", Got: "'" + word + "'"}
			}
			toks = append(toks, token{tokGlobal, word, start})
		default:
			return nil, &SyntaxError{Pos: i, Expected: "a term", Got: quote(src, i)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(src)})
	return toks, nil
}

func quote(src string, i int) string {
	return fmt.Sprintf("%q", src[i:i+1])
}

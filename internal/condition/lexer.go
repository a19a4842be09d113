package condition

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Supported grammar:
//   - Atoms: <ident> = <literal>, <ident> includes '<string>'
//   - Literals: true, false, 'single' or "double" quoted strings, bare numbers
//   - Connectives: AND, OR (case-sensitive), parentheses for grouping

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokTrue
	tokFalse
	tokEq
	tokIncludes
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

func (k tokKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokTrue, tokFalse:
		return "boolean"
	case tokEq:
		return "'='"
	case tokIncludes:
		return "'includes'"
	case tokAnd:
		return "AND"
	case tokOr:
		return "OR"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	}
	return "unknown"
}

type token struct {
	kind tokKind
	text string
	pos  int
}

type lexer struct {
	src string
	i   int
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}

func (l *lexer) skipSpace() {
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if !unicode.IsSpace(r) {
			return
		}
		l.i += size
	}
}

func (l *lexer) next() (token, error) {
	l.skipSpace()
	if l.i >= len(l.src) {
		return token{kind: tokEOF, pos: len(l.src)}, nil
	}
	start := l.i
	ch := l.src[l.i]

	switch ch {
	case '(':
		l.i++
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ')':
		l.i++
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case '=':
		l.i++
		// "==" is accepted as a spelling of "=".
		if l.i < len(l.src) && l.src[l.i] == '=' {
			l.i++
		}
		return token{kind: tokEq, text: "=", pos: start}, nil
	case '\'', '"':
		return l.lexString(ch)
	}

	if ch == '-' || (ch >= '0' && ch <= '9') {
		return l.lexNumber()
	}

	r, _ := utf8.DecodeRuneInString(l.src[l.i:])
	if isIdentStart(r) {
		word := l.lexWord()
		switch word {
		case "AND":
			return token{kind: tokAnd, text: word, pos: start}, nil
		case "OR":
			return token{kind: tokOr, text: word, pos: start}, nil
		case "includes":
			return token{kind: tokIncludes, text: word, pos: start}, nil
		case "true":
			return token{kind: tokTrue, text: word, pos: start}, nil
		case "false":
			return token{kind: tokFalse, text: word, pos: start}, nil
		}
		return token{kind: tokIdent, text: word, pos: start}, nil
	}
	return token{}, fmt.Errorf("%w: unexpected character %q at offset %d", ErrSyntax, r, start)
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.i
	l.i++
	var b strings.Builder
	for l.i < len(l.src) {
		c := l.src[l.i]
		switch {
		case c == '\\' && l.i+1 < len(l.src):
			b.WriteByte(l.src[l.i+1])
			l.i += 2
		case c == quote:
			l.i++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		default:
			b.WriteByte(c)
			l.i++
		}
	}
	return token{}, fmt.Errorf("%w: unterminated string starting at offset %d", ErrSyntax, start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.i
	if l.src[l.i] == '-' {
		l.i++
	}
	digits := 0
	for l.i < len(l.src) && (l.src[l.i] >= '0' && l.src[l.i] <= '9' || l.src[l.i] == '.') {
		l.i++
		digits++
	}
	if digits == 0 {
		return token{}, fmt.Errorf("%w: malformed number at offset %d", ErrSyntax, start)
	}
	return token{kind: tokNumber, text: l.src[start:l.i], pos: start}, nil
}

func (l *lexer) lexWord() string {
	start := l.i
	for l.i < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.i:])
		if !isIdentPart(r) {
			break
		}
		l.i += size
	}
	return l.src[start:l.i]
}

func isIdentStart(r rune) bool {
	return r == '_' || (r < utf8.RuneSelf && unicode.IsLetter(r))
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

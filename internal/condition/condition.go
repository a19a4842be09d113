// Package condition parses and evaluates the small boolean expressions flow authors use to gate
// actions and choose transitions, and compiles the same expressions to CEL.
//
// Expressions are closed-grammar configuration, never host code:
//
//	has_physical_premises = true
//	(has_po_box = false) OR (city = 'תל אביב')
//	selected_coverages includes 'contents'
//
// An empty expression is true. Identifiers missing from the state compare false.
// AND and OR may not be mixed at one nesting level without parentheses.
package condition

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrSyntax is returned for malformed expressions.
	ErrSyntax = errors.New("condition: syntax error")
	// ErrMixedOperators is returned when AND and OR appear at the same level without parentheses.
	ErrMixedOperators = errors.New("condition: AND and OR mixed without parentheses")
)

type node interface {
	eval(state map[string]any) bool
	writeCEL(b *strings.Builder)
	identifiers(out map[string]struct{})
}

// literal is a normalized comparison operand: a bool or a string.
type literal struct {
	value any
	raw   string
}

type compareNode struct {
	field string
	lit   literal
}

type includesNode struct {
	field string
	lit   literal
}

type logicalNode struct {
	op       tokKind
	operands []node
}

var parsed sync.Map // expression -> node (nil node for empty expressions)

// Evaluate interprets expr against state.
func Evaluate(expr string, state map[string]any) (bool, error) {
	n, err := parseCached(expr)
	if err != nil {
		return false, err
	}
	if n == nil {
		return true, nil
	}
	return n.eval(NormalizeState(state)), nil
}

// Check parses expr and reports any syntax error without evaluating it.
func Check(expr string) error {
	_, err := parseCached(expr)
	return err
}

// Identifiers returns the sorted state keys referenced by expr.
func Identifiers(expr string) ([]string, error) {
	n, err := parseCached(expr)
	if err != nil || n == nil {
		return nil, err
	}
	set := map[string]struct{}{}
	n.identifiers(set)
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Compile renders expr as a CEL expression over a dynamic map variable named "state".
func Compile(expr string) (string, error) {
	n, err := parseCached(expr)
	if err != nil {
		return "", err
	}
	if n == nil {
		return "true", nil
	}
	var b strings.Builder
	n.writeCEL(&b)
	return b.String(), nil
}

func parseCached(expr string) (node, error) {
	if v, ok := parsed.Load(expr); ok {
		if v == nil {
			return nil, nil
		}
		return v.(node), nil
	}
	n, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	if n == nil {
		parsed.Store(expr, nil)
		return nil, nil
	}
	parsed.Store(expr, n)
	return n, nil
}

// ---- Parser ----

type parser struct {
	toks []token
	i    int
}

func parse(expr string) (node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %s at offset %d", ErrSyntax, tok.kind, tok.pos)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) advance() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) expect(kind tokKind) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		return tok, fmt.Errorf("%w: expected %s, found %s at offset %d", ErrSyntax, kind, tok.kind, tok.pos)
	}
	return tok, nil
}

func (p *parser) parseExpr() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	operands := []node{first}
	var op tokKind
	for {
		tok := p.peek()
		if tok.kind != tokAnd && tok.kind != tokOr {
			break
		}
		if op != 0 && tok.kind != op {
			return nil, fmt.Errorf("%w (offset %d)", ErrMixedOperators, tok.pos)
		}
		op = tok.kind
		p.advance()
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		operands = append(operands, next)
	}
	if len(operands) == 1 {
		return first, nil
	}
	return &logicalNode{op: op, operands: operands}, nil
}

func (p *parser) parseTerm() (node, error) {
	if p.peek().kind == tokLParen {
		p.advance()
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return n, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (node, error) {
	ident, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	op := p.advance()
	switch op.kind {
	case tokEq:
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &compareNode{field: ident.text, lit: lit}, nil
	case tokIncludes:
		tok, err := p.expect(tokString)
		if err != nil {
			return nil, err
		}
		return &includesNode{field: ident.text, lit: newLiteral(tok.text)}, nil
	}
	return nil, fmt.Errorf("%w: expected '=' or 'includes' after %q, found %s", ErrSyntax, ident.text, op.kind)
}

func (p *parser) parseLiteral() (literal, error) {
	tok := p.advance()
	switch tok.kind {
	case tokTrue:
		return literal{value: true, raw: "true"}, nil
	case tokFalse:
		return literal{value: false, raw: "false"}, nil
	case tokString:
		return newLiteral(tok.text), nil
	case tokNumber:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return literal{}, fmt.Errorf("%w: malformed number %q", ErrSyntax, tok.text)
		}
		return literal{value: formatNumber(f), raw: tok.text}, nil
	}
	return literal{}, fmt.Errorf("%w: expected literal, found %s at offset %d", ErrSyntax, tok.kind, tok.pos)
}

func newLiteral(s string) literal {
	v, _ := normalizeScalar(s)
	return literal{value: v, raw: s}
}

// ---- Interpreter ----

func (n *compareNode) eval(state map[string]any) bool {
	v, ok := state[n.field]
	if !ok {
		return false
	}
	switch v.(type) {
	case bool, string:
		return v == n.lit.value
	}
	return false
}

func (n *includesNode) eval(state map[string]any) bool {
	v, ok := state[n.field]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.Contains(t, n.lit.raw)
	case []any:
		for _, el := range t {
			if el == n.lit.value {
				return true
			}
		}
	}
	return false
}

func (n *logicalNode) eval(state map[string]any) bool {
	if n.op == tokAnd {
		for _, o := range n.operands {
			if !o.eval(state) {
				return false
			}
		}
		return true
	}
	for _, o := range n.operands {
		if o.eval(state) {
			return true
		}
	}
	return false
}

func (n *compareNode) identifiers(out map[string]struct{})  { out[n.field] = struct{}{} }
func (n *includesNode) identifiers(out map[string]struct{}) { out[n.field] = struct{}{} }
func (n *logicalNode) identifiers(out map[string]struct{}) {
	for _, o := range n.operands {
		o.identifiers(out)
	}
}

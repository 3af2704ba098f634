package rules

import (
	"fmt"
	"strconv"
)

// node is a parsed condition expression.
type node interface {
	eval(fields map[string]any) (any, error)
}

type literalNode struct{ value any }

type listNode struct{ items []node }

// fieldNode resolves a path into the evaluation context. An empty path means
// the whole context ("input").
type fieldNode struct {
	path []string
	src  string
}

type notNode struct{ operand node }

type logicalNode struct {
	and         bool
	left, right node
}

type compareNode struct {
	op          tokenKind
	left, right node
}

type membershipNode struct {
	negate      bool
	left, right node
}

// Expression is a compiled condition. It is immutable and safe for
// concurrent evaluation.
type Expression struct {
	src  string
	root node
}

func (e *Expression) String() string {
	return e.src
}

// Compile parses a condition. Only literals, field references, comparisons,
// membership tests, boolean operators and parentheses are accepted.
func Compile(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", t)}
	}
	return &Expression{src: src, root: root}, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) peekAt(offset int) token {
	if p.pos+offset >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+offset]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %s", what, t)}
	}
	return t, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: false, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{and: true, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.peek().kind == tokNot {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch t.kind {
	case tokEq, tokNe, tokLt, tokLe, tokGt, tokGe:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: t.kind, left: left, right: right}, nil
	case tokIn:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &membershipNode{left: left, right: right}, nil
	case tokNot:
		if p.peekAt(1).kind == tokIn {
			p.next()
			p.next()
			right, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &membershipNode{negate: true, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("invalid number %q", t.text)}
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokTrue:
		return &literalNode{value: true}, nil
	case tokFalse:
		return &literalNode{value: false}, nil
	case tokNull:
		return &literalNode{value: nil}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		return p.parseList()
	case tokIdent:
		return p.parseField(t)
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", t)}
	}
}

func (p *parser) parseList() (node, error) {
	list := &listNode{}
	if p.peek().kind == tokRBracket {
		p.next()
		return list, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		list.items = append(list.items, item)
		t := p.next()
		switch t.kind {
		case tokComma:
			if p.peek().kind == tokRBracket {
				p.next()
				return list, nil
			}
		case tokRBracket:
			return list, nil
		default:
			return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("expected ',' or ']', got %s", t)}
		}
	}
}

// parseField handles input.a, input["a"], input.a.b and bare a.
func (p *parser) parseField(first token) (node, error) {
	var path []string
	src := first.text
	if first.text != "input" {
		path = append(path, first.text)
	}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			name, err := p.expect(tokIdent, "field name after '.'")
			if err != nil {
				return nil, err
			}
			path = append(path, name.text)
			src += "." + name.text
		case tokLBracket:
			p.next()
			key, err := p.expect(tokString, "quoted field name")
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			path = append(path, key.text)
			src += "[" + strconv.Quote(key.text) + "]"
		case tokLParen:
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "function calls are not allowed"}
		default:
			return &fieldNode{path: path, src: src}, nil
		}
	}
}

package rules

import "fmt"

type parser struct {
	src  string
	toks []token
	i    int
	vars []string
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
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
		left = &logicalNode{op: tokOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: tokAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokNot {
		t := p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand, pos: t.pos}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch op := p.peek(); op.kind {
	case tokEq, tokNeq, tokLt, tokLte, tokGt, tokGte:
		p.next()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &compareNode{op: op.kind, left: left, right: right, pos: op.pos}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{v: numberValue(t.num)}, nil
	case tokString:
		return literalNode{v: stringValue(t.text)}, nil
	case tokTrue:
		return literalNode{v: boolValue(true)}, nil
	case tokFalse:
		return literalNode{v: boolValue(false)}, nil
	case tokIdent:
		if !knownVars[t.text] {
			return nil, errAt(p.src, t.pos, fmt.Sprintf("unknown identifier %q", t.text))
		}
		p.addVar(t.text)
		return identNode{name: t.text, pos: t.pos}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, errAt(p.src, closing.pos, fmt.Sprintf("expected ) but found %s", closing.kind))
		}
		return inner, nil
	default:
		return nil, errAt(p.src, t.pos, fmt.Sprintf("unexpected %s", t.kind))
	}
}

func (p *parser) addVar(name string) {
	for _, v := range p.vars {
		if v == name {
			return
		}
	}
	p.vars = append(p.vars, name)
}

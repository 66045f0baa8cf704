package policy

// Parse turns a policy expression into its syntax tree. Parsing is a pure
// function of the source text: no name resolution happens here, so a parsed
// expression may still fail to compile against a scope.
func Parse(src string) (Expr, error) {
	toks, serr := scan(src)
	if serr != nil {
		return nil, serr
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.unexpected(tok, "'and', 'or' or end of expression")
	}
	return expr, nil
}

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return token{}, p.unexpected(t, kind.String())
	}
	return p.next(), nil
}

func (p *parser) unexpected(t token, expected string) error {
	got := t.kind.String()
	if t.kind == tokLabel {
		got = "'" + t.text + "'"
	}
	return &SyntaxError{Pos: t.pos, Expected: expected, Got: got}
}

func (p *parser) parseOr() (Expr, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = OrExpr{L: lhs, R: rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (Expr, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = AndExpr{L: lhs, R: rhs}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NotExpr{X: x}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Expr, error) {
	if p.peek().kind == tokLParen {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return expr, nil
	}

	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	op := p.peek()
	switch op.kind {
	case tokEq:
		p.next()
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return EqExpr{L: lhs, R: rhs}, nil
	case tokContains:
		p.next()
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return ContainsExpr{L: lhs, R: rhs}, nil
	default:
		return nil, p.unexpected(op, "'==' or 'contains'")
	}
}

func (p *parser) parseTerm() (Term, error) {
	tok := p.peek()
	switch tok.kind {
	case tokGlobal:
		p.next()
		global := GlobalSubject
		if tok.text == "Resource" {
			global = GlobalResource
		}
		if _, err := p.expect(tokDot); err != nil {
			return nil, err
		}
		ns, err := p.expect(tokLabel)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		prop, err := p.expect(tokLabel)
		if err != nil {
			return nil, err
		}
		return FieldTerm{Global: global, Namespace: ns.text, Property: prop.text, pos: tok.pos}, nil

	case tokLabel:
		first := p.next()
		if p.peek().kind != tokColon {
			return LabelTerm{Label: first.text, pos: first.pos}, nil
		}
		p.next()
		second, err := p.expect(tokLabel)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		third, err := p.expect(tokLabel)
		if err != nil {
			return nil, err
		}
		return AttrTerm{Namespace: first.text, Property: second.text, Attribute: third.text, pos: first.pos}, nil

	default:
		return nil, p.unexpected(tok, "a term")
	}
}

package btcompile

import "fmt"

// sexpr is a minimal parsed s-expression: either a list of sub-expressions
// or an atomic leaf (atom text or a quoted string).
type sexpr struct {
	isList bool
	list   []sexpr

	isString bool
	atom     string // atom text, or string contents when isString
	pos      int
}

type sexprParser struct {
	lx   *lexer
	peek token
	has  bool
}

func newSexprParser(src []byte) *sexprParser {
	return &sexprParser{lx: newLexer(src)}
}

func (p *sexprParser) read() error {
	if p.has {
		return nil
	}
	tok, err := p.lx.next()
	if err != nil {
		return err
	}
	p.peek = tok
	p.has = true
	return nil
}

func (p *sexprParser) next() (token, error) {
	if err := p.read(); err != nil {
		return token{}, err
	}
	tok := p.peek
	p.has = false
	return tok, nil
}

// ParseOne parses exactly one top-level s-expression and requires EOF
// after it (spec.md §6 grammar: "tree := node", a single root form).
func ParseOne(src []byte) (sexpr, error) {
	p := newSexprParser(src)
	expr, err := p.parseExpr()
	if err != nil {
		return sexpr{}, err
	}
	if err := p.read(); err != nil {
		return sexpr{}, err
	}
	if p.peek.typ != tokEOF {
		return sexpr{}, fmt.Errorf("btcompile: trailing input after root expression at %d", p.peek.pos)
	}
	return expr, nil
}

func (p *sexprParser) parseExpr() (sexpr, error) {
	tok, err := p.next()
	if err != nil {
		return sexpr{}, err
	}
	switch tok.typ {
	case tokLParen:
		var items []sexpr
		for {
			if err := p.read(); err != nil {
				return sexpr{}, err
			}
			if p.peek.typ == tokRParen {
				_, _ = p.next()
				return sexpr{isList: true, list: items, pos: tok.pos}, nil
			}
			if p.peek.typ == tokEOF {
				return sexpr{}, fmt.Errorf("btcompile: unterminated list starting at %d", tok.pos)
			}
			item, err := p.parseExpr()
			if err != nil {
				return sexpr{}, err
			}
			items = append(items, item)
		}
	case tokRParen:
		return sexpr{}, fmt.Errorf("btcompile: unexpected ')' at %d", tok.pos)
	case tokString:
		return sexpr{isString: true, atom: tok.lit, pos: tok.pos}, nil
	case tokAtom:
		return sexpr{atom: tok.lit, pos: tok.pos}, nil
	default:
		return sexpr{}, fmt.Errorf("btcompile: unexpected end of input")
	}
}

func (e sexpr) head() (string, bool) {
	if !e.isList || len(e.list) == 0 {
		return "", false
	}
	h := e.list[0]
	if h.isList || h.isString {
		return "", false
	}
	return h.atom, true
}

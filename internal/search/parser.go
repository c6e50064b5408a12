package search

import (
	"fmt"
	"strings"

	"github.com/httptim/rednetd/internal/rederr"
	"github.com/httptim/rednetd/internal/searchindex"
)

// Expr is a node in the parsed query tree.
type Expr interface{ isExpr() }

// TermExpr matches documents containing one term.
type TermExpr struct{ Term string }

// PhraseExpr matches documents containing the terms adjacently, in order.
type PhraseExpr struct{ Terms []string }

// NotExpr excludes documents matched by its child.
type NotExpr struct{ Expr Expr }

// AndExpr requires all children.
type AndExpr struct{ Exprs []Expr }

// OrExpr requires any child.
type OrExpr struct{ Exprs []Expr }

// FieldExpr restricts by a document field: site, type, or title.
type FieldExpr struct {
	Field string
	Value string
}

func (TermExpr) isExpr()   {}
func (PhraseExpr) isExpr() {}
func (NotExpr) isExpr()    {}
func (AndExpr) isExpr()    {}
func (OrExpr) isExpr()     {}
func (FieldExpr) isExpr()  {}

// queryFields are the recognized field prefixes.
var queryFields = map[string]bool{"site": true, "type": true, "title": true}

type queryToken struct {
	kind string // "word", "phrase", "(", ")"
	text string
}

// lexQuery splits a query into tokens, keeping quoted phrases together.
func lexQuery(q string) ([]queryToken, error) {
	var tokens []queryToken
	i := 0
	for i < len(q) {
		c := q[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')':
			tokens = append(tokens, queryToken{kind: string(c)})
			i++
		case c == '"':
			end := strings.IndexByte(q[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated phrase: %w", rederr.ErrValidation)
			}
			tokens = append(tokens, queryToken{kind: "phrase", text: q[i+1 : i+1+end]})
			i += end + 2
		default:
			j := i
			for j < len(q) && !strings.ContainsRune(" \t()\"", rune(q[j])) {
				j++
			}
			tokens = append(tokens, queryToken{kind: "word", text: q[i:j]})
			i = j
		}
	}
	return tokens, nil
}

// queryParser is a recursive-descent parser over the token stream.
type queryParser struct {
	tokens []queryToken
	pos    int
}

// ParseQuery parses a search query: terms, "quoted phrases", AND / OR /
// NOT (or a - prefix), field:value restrictions, and parentheses.
// Adjacent clauses are implicitly ANDed.
func ParseQuery(q string) (Expr, error) {
	tokens, err := lexQuery(q)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty query: %w", rederr.ErrValidation)
	}
	p := &queryParser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected %q in query: %w", p.current().text, rederr.ErrValidation)
	}
	return expr, nil
}

func (p *queryParser) current() queryToken {
	if p.pos >= len(p.tokens) {
		return queryToken{}
	}
	return p.tokens[p.pos]
}

func (p *queryParser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.current().kind == "word" && strings.EqualFold(p.current().text, "OR") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return OrExpr{Exprs: exprs}, nil
}

func (p *queryParser) parseAnd() (Expr, error) {
	var exprs []Expr
	for {
		tok := p.current()
		if tok.kind == "" || tok.kind == ")" {
			break
		}
		if tok.kind == "word" && strings.EqualFold(tok.text, "OR") {
			break
		}
		if tok.kind == "word" && strings.EqualFold(tok.text, "AND") {
			p.pos++
			continue
		}
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
	}
	switch len(exprs) {
	case 0:
		return nil, fmt.Errorf("expected a term: %w", rederr.ErrValidation)
	case 1:
		return exprs[0], nil
	default:
		return AndExpr{Exprs: exprs}, nil
	}
}

func (p *queryParser) parseUnary() (Expr, error) {
	tok := p.current()
	if tok.kind == "word" && strings.EqualFold(tok.text, "NOT") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: inner}, nil
	}
	if tok.kind == "word" && len(tok.text) > 1 && tok.text[0] == '-' {
		p.tokens[p.pos].text = tok.text[1:]
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *queryParser) parsePrimary() (Expr, error) {
	tok := p.current()
	switch tok.kind {
	case "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current().kind != ")" {
			return nil, fmt.Errorf("missing closing parenthesis: %w", rederr.ErrValidation)
		}
		p.pos++
		return inner, nil
	case "phrase":
		p.pos++
		terms := searchindex.Terms(tok.text)
		if len(terms) == 0 {
			return nil, fmt.Errorf("phrase %q has no searchable terms: %w", tok.text, rederr.ErrValidation)
		}
		if len(terms) == 1 {
			return TermExpr{Term: terms[0]}, nil
		}
		return PhraseExpr{Terms: terms}, nil
	case "word":
		p.pos++
		if field, value, ok := strings.Cut(tok.text, ":"); ok && queryFields[strings.ToLower(field)] {
			if value == "" {
				return nil, fmt.Errorf("%s: needs a value: %w", field, rederr.ErrValidation)
			}
			return FieldExpr{Field: strings.ToLower(field), Value: strings.ToLower(value)}, nil
		}
		terms := searchindex.Terms(tok.text)
		if len(terms) == 0 {
			return nil, fmt.Errorf("term %q has no searchable content: %w", tok.text, rederr.ErrValidation)
		}
		return TermExpr{Term: terms[0]}, nil
	default:
		return nil, fmt.Errorf("unexpected token in query: %w", rederr.ErrValidation)
	}
}

package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Condition expressions guard CONDITIONAL branches and LOOP exits. The
// grammar is deliberately closed: literals, member access on the two
// root names `input` and `steps`, arithmetic, comparison, and boolean
// operators. Anything else fails validation, so a definition can never
// smuggle arbitrary code into the engine.
//
//	or     := and ("||" and)*
//	and    := cmp ("&&" cmp)*
//	cmp    := sum (("=="|"!="|"<"|"<="|">"|">=") sum)?
//	sum    := prod (("+"|"-") prod)*
//	prod   := unary (("*"|"/") unary)*
//	unary  := ("!"|"-") unary | primary
//	primary:= number | string | true | false | access | "(" or ")"
//	access := ("input"|"steps") ("." ident)+

// ValidateCondition parses the expression without evaluating it.
func ValidateCondition(expr string) error {
	_, err := parseCondition(expr)
	return err
}

// EvaluateCondition evaluates the expression against the execution
// context. Missing members resolve to nil; ordering comparisons against
// nil are false rather than errors.
func EvaluateCondition(expr string, input, steps map[string]any) (bool, error) {
	node, err := parseCondition(expr)
	if err != nil {
		return false, err
	}
	env := map[string]any{"input": input, "steps": steps}
	v, err := node.eval(env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func parseCondition(expr string) (condNode, error) {
	p := &condParser{lex: newCondLexer(expr)}
	if err := p.lex.next(); err != nil {
		return nil, err
	}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.lex.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q in condition", p.lex.text)
	}
	return node, nil
}

type condNode interface {
	eval(env map[string]any) (any, error)
}

type condLiteral struct{ v any }

func (n condLiteral) eval(map[string]any) (any, error) { return n.v, nil }

type condAccess struct{ path []string }

func (n condAccess) eval(env map[string]any) (any, error) {
	var cur any = env[n.path[0]]
	for _, key := range n.path[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur = m[key]
	}
	return cur, nil
}

type condUnary struct {
	op string
	x  condNode
}

func (n condUnary) eval(env map[string]any) (any, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type condBinary struct {
	op   string
	l, r condNode
}

func (n condBinary) eval(env map[string]any) (any, error) {
	lv, err := n.l.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "&&":
		if !truthy(lv) {
			return false, nil
		}
		rv, err := n.r.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	case "||":
		if truthy(lv) {
			return true, nil
		}
		rv, err := n.r.eval(env)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}

	rv, err := n.r.eval(env)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "==":
		return condEqual(lv, rv), nil
	case "!=":
		return !condEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return condCompare(n.op, lv, rv)
	case "+", "-", "*", "/":
		return condArith(n.op, lv, rv)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func condEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func condCompare(op string, a, b any) (any, error) {
	if fa, aok := toFloat(a); aok {
		if fb, bok := toFloat(b); bok {
			switch op {
			case "<":
				return fa < fb, nil
			case "<=":
				return fa <= fb, nil
			case ">":
				return fa > fb, nil
			case ">=":
				return fa >= fb, nil
			}
		}
	}
	if sa, aok := a.(string); aok {
		if sb, bok := b.(string); bok {
			switch op {
			case "<":
				return sa < sb, nil
			case "<=":
				return sa <= sb, nil
			case ">":
				return sa > sb, nil
			case ">=":
				return sa >= sb, nil
			}
		}
	}
	if a == nil || b == nil {
		return false, nil
	}
	return nil, fmt.Errorf("cannot compare %T and %T", a, b)
}

func condArith(op string, a, b any) (any, error) {
	if op == "+" {
		if sa, aok := a.(string); aok {
			if sb, bok := b.(string); bok {
				return sa + sb, nil
			}
		}
	}
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot apply %q to %T and %T", op, a, b)
	}
	switch op {
	case "+":
		return fa + fb, nil
	case "-":
		return fa - fb, nil
	case "*":
		return fa * fb, nil
	case "/":
		if fb == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return fa / fb, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

type condParser struct {
	lex *condLexer
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.lex.kind == tokOp && p.lex.text == "||" {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = condBinary{op: "||", l: left, r: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.lex.kind == tokOp && p.lex.text == "&&" {
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = condBinary{op: "&&", l: left, r: right}
	}
	return left, nil
}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.lex.kind == tokOp {
		switch p.lex.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.lex.text
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			right, err := p.parseSum()
			if err != nil {
				return nil, err
			}
			return condBinary{op: op, l: left, r: right}, nil
		}
	}
	return left, nil
}

func (p *condParser) parseSum() (condNode, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.lex.kind == tokOp && (p.lex.text == "+" || p.lex.text == "-") {
		op := p.lex.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = condBinary{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *condParser) parseProduct() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.lex.kind == tokOp && (p.lex.text == "*" || p.lex.text == "/") {
		op := p.lex.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = condBinary{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	if p.lex.kind == tokOp && (p.lex.text == "!" || p.lex.text == "-") {
		op := p.lex.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return condUnary{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condNode, error) {
	switch p.lex.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.lex.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", p.lex.text)
		}
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		return condLiteral{v: f}, nil

	case tokString:
		s := p.lex.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		return condLiteral{v: s}, nil

	case tokIdent:
		name := p.lex.text
		if err := p.lex.next(); err != nil {
			return nil, err
		}
		switch name {
		case "true":
			return condLiteral{v: true}, nil
		case "false":
			return condLiteral{v: false}, nil
		case "null":
			return condLiteral{v: nil}, nil
		case "input", "steps":
			path := []string{name}
			for p.lex.kind == tokOp && p.lex.text == "." {
				if err := p.lex.next(); err != nil {
					return nil, err
				}
				if p.lex.kind != tokIdent {
					return nil, fmt.Errorf("expected member name after %q", strings.Join(path, "."))
				}
				path = append(path, p.lex.text)
				if err := p.lex.next(); err != nil {
					return nil, err
				}
			}
			if len(path) == 1 {
				return nil, fmt.Errorf("%s requires member access", name)
			}
			return condAccess{path: path}, nil
		default:
			return nil, fmt.Errorf("unknown name %q; only input and steps are in scope", name)
		}

	case tokOp:
		if p.lex.text == "(" {
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			node, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.lex.kind != tokOp || p.lex.text != ")" {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			if err := p.lex.next(); err != nil {
				return nil, err
			}
			return node, nil
		}
	}
	return nil, fmt.Errorf("unexpected %q in condition", p.lex.text)
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type condLexer struct {
	src  string
	pos  int
	kind tokKind
	text string
}

func newCondLexer(src string) *condLexer {
	return &condLexer{src: src}
}

func (l *condLexer) next() error {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		l.kind, l.text = tokEOF, ""
		return nil
	}

	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9':
		start := l.pos
		for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
			l.pos++
		}
		l.kind, l.text = tokNumber, l.src[start:l.pos]
		return nil

	case c == '\'' || c == '"':
		quote := c
		l.pos++
		start := l.pos
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			l.pos++
		}
		if l.pos >= len(l.src) {
			return fmt.Errorf("unterminated string in condition")
		}
		l.kind, l.text = tokString, l.src[start:l.pos]
		l.pos++
		return nil

	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		l.kind, l.text = tokIdent, l.src[start:l.pos]
		return nil
	}

	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=", "&&", "||":
		l.kind, l.text = tokOp, two
		l.pos += 2
		return nil
	}
	switch c {
	case '<', '>', '!', '+', '-', '*', '/', '(', ')', '.':
		l.kind, l.text = tokOp, string(c)
		l.pos++
		return nil
	}
	return fmt.Errorf("unexpected character %q in condition", string(c))
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

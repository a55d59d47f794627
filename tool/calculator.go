package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Calculator evaluates arithmetic expressions without shelling out.
// Supports + - * / % ^ with parentheses, unary minus, common math
// functions, and the constants pi and e.
type Calculator struct {
	precision int
}

// NewCalculator creates the calculator tool rounding results to the
// given number of decimal places (default 10).
func NewCalculator() *Calculator {
	return &Calculator{precision: 10}
}

// Name implements Tool.
func (c *Calculator) Name() string { return "calculator" }

// Description implements Tool.
func (c *Calculator) Description() string {
	return "Perform mathematical calculations. Supports +, -, *, /, %, ^ (power), " +
		"parentheses, and functions like sqrt, abs, log, exp, sin, cos, tan, " +
		"floor, ceil, min, max, pow. Constants: pi, e."
}

// Schema implements Tool.
func (c *Calculator) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Mathematical expression to evaluate. Examples: '2 + 2', 'sqrt(16)', 'sin(pi/2)', '2^10'",
			},
		},
		"required": []any{"expression"},
	}
}

// Execute implements Tool.
func (c *Calculator) Execute(_ context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return nil, NewInvalidArgumentsError(fmt.Errorf("expression is empty"))
	}

	p := &exprParser{input: expr}
	value, err := p.parse()
	if err != nil {
		return map[string]any{"expression": expr, "error": err.Error()}, nil
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return map[string]any{"expression": expr, "error": "result is not a finite number"}, nil
	}

	shift := math.Pow(10, float64(c.precision))
	value = math.Round(value*shift) / shift

	var result any = value
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		result = int64(value)
	}
	return map[string]any{"expression": expr, "result": result}, nil
}

var calcFunctions = map[string]func(...float64) (float64, error){
	"sqrt":  unaryFn(math.Sqrt),
	"abs":   unaryFn(math.Abs),
	"log":   unaryFn(math.Log),
	"log10": unaryFn(math.Log10),
	"log2":  unaryFn(math.Log2),
	"exp":   unaryFn(math.Exp),
	"sin":   unaryFn(math.Sin),
	"cos":   unaryFn(math.Cos),
	"tan":   unaryFn(math.Tan),
	"floor": unaryFn(math.Floor),
	"ceil":  unaryFn(math.Ceil),
	"round": unaryFn(math.Round),
	"pow":   binaryFn(math.Pow),
	"min":   variadicFn(math.Min),
	"max":   variadicFn(math.Max),
}

var calcConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

func unaryFn(fn func(float64) float64) func(...float64) (float64, error) {
	return func(args ...float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(args[0]), nil
	}
}

func binaryFn(fn func(float64, float64) float64) func(...float64) (float64, error) {
	return func(args ...float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("expected 2 arguments, got %d", len(args))
		}
		return fn(args[0], args[1]), nil
	}
}

func variadicFn(fn func(float64, float64) float64) func(...float64) (float64, error) {
	return func(args ...float64) (float64, error) {
		if len(args) == 0 {
			return 0, fmt.Errorf("expected at least 1 argument")
		}
		out := args[0]
		for _, a := range args[1:] {
			out = fn(out, a)
		}
		return out, nil
	}
}

// exprParser is a recursive-descent parser over the grammar
//
//	expr   = term (('+'|'-') term)*
//	term   = unary (('*'|'/'|'%') unary)*
//	unary  = '-' unary | power
//	power  = atom ('^' unary)?
//	atom   = number | name | name '(' expr (',' expr)* ')' | '(' expr ')'
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parse() (float64, error) {
	value, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

func (p *exprParser) expr() (float64, error) {
	left, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.accept('+'):
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left += right
		case p.accept('-'):
			right, err := p.term()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) term() (float64, error) {
	left, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch {
		case p.accept('*'):
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			left *= right
		case p.accept('/'):
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		case p.accept('%'):
			right, err := p.unary()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

func (p *exprParser) unary() (float64, error) {
	p.skipSpace()
	if p.accept('-') {
		value, err := p.unary()
		if err != nil {
			return 0, err
		}
		return -value, nil
	}
	return p.power()
}

func (p *exprParser) power() (float64, error) {
	base, err := p.atom()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.accept('^') {
		// Right-associative.
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) atom() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}

	ch := p.input[p.pos]
	switch {
	case ch == '(':
		p.pos++
		value, err := p.expr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if !p.accept(')') {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		return value, nil

	case ch >= '0' && ch <= '9' || ch == '.':
		return p.number()

	case unicode.IsLetter(rune(ch)):
		return p.nameOrCall()

	default:
		return 0, fmt.Errorf("unexpected %q at position %d", ch, p.pos)
	}
}

func (p *exprParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch >= '0' && ch <= '9' || ch == '.' || ch == 'e' || ch == 'E' ||
			((ch == '+' || ch == '-') && p.pos > start && (p.input[p.pos-1] == 'e' || p.input[p.pos-1] == 'E')) {
			p.pos++
			continue
		}
		break
	}
	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return value, nil
}

func (p *exprParser) nameOrCall() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsLetter(rune(p.input[p.pos])) || unicode.IsDigit(rune(p.input[p.pos]))) {
		p.pos++
	}
	name := strings.ToLower(p.input[start:p.pos])

	p.skipSpace()
	if !p.accept('(') {
		if value, ok := calcConstants[name]; ok {
			return value, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", name)
	}

	fn, ok := calcFunctions[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name)
	}

	var args []float64
	p.skipSpace()
	if !p.accept(')') {
		for {
			value, err := p.expr()
			if err != nil {
				return 0, err
			}
			args = append(args, value)
			p.skipSpace()
			if p.accept(',') {
				continue
			}
			if p.accept(')') {
				break
			}
			return 0, fmt.Errorf("missing closing parenthesis in call to %q", name)
		}
	}
	return fn(args...)
}

func (p *exprParser) accept(ch byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == ch {
		p.pos++
		return true
	}
	return false
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

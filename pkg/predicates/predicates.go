// pkg/predicates/predicates.go - conditional expression evaluation.
//
// Conditions in manifests (conditional_items) and pkginfos
// (installable_condition) are small attribute-comparison expressions
// evaluated against the host facts map. The grammar supports comparison
// operators (==, !=, <, <=, >, >=), boolean connectives (AND, OR, NOT),
// set membership (IN), substring operators (CONTAINS, BEGINSWITH,
// ENDSWITH, LIKE), parentheses, quoted string literals, numbers, list
// literals {a, b, c}, and the date("RFC3339") function. Any evaluation
// error makes the whole predicate false; callers log the error.

package predicates

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	version "github.com/hashicorp/go-version"
)

// Evaluate parses and evaluates a condition against the facts map.
// Errors (unknown keys, bad syntax, type mismatches) are returned so the
// caller can log them; the boolean result is false in that case.
func Evaluate(condition string, facts map[string]interface{}) (bool, error) {
	tokens, err := tokenize(condition)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", condition, err)
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", condition, err)
	}
	if !p.atEnd() {
		return false, fmt.Errorf("invalid condition %q: unexpected %q", condition, p.peek().text)
	}
	result, err := node.eval(facts)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", condition, err)
	}
	return result, nil
}

// --- lexer ---

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOperator // == != < <= > >=
	tokLParen
	tokRParen
	tokLBrace
	tokRBrace
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	runes := []rune(input)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == '{':
			tokens = append(tokens, token{tokLBrace, "{"})
			i++
		case c == '}':
			tokens = append(tokens, token{tokRBrace, "}"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(runes) && runes[j] != quote {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
				}
				b.WriteRune(runes[j])
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, token{tokString, b.String()})
			i = j + 1
		case c == '=' || c == '!' || c == '<' || c == '>':
			op := string(c)
			if i+1 < len(runes) && runes[i+1] == '=' {
				op += "="
				i++
			}
			i++
			if op == "=" {
				return nil, fmt.Errorf("single '=' is not a comparison operator")
			}
			tokens = append(tokens, token{tokOperator, op})
		case unicode.IsDigit(c) || (c == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokNumber, string(runes[i:j])})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_' || runes[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return tokens, nil
}

// --- parser ---

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) matchKeyword(word string) bool {
	if !p.atEnd() && p.peek().kind == tokIdent && strings.EqualFold(p.peek().text, word) {
		p.pos++
		return true
	}
	return false
}

type node interface {
	eval(facts map[string]interface{}) (bool, error)
}

type orNode struct{ left, right node }
type andNode struct{ left, right node }
type notNode struct{ child node }

func (n orNode) eval(f map[string]interface{}) (bool, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.eval(f)
}

func (n andNode) eval(f map[string]interface{}) (bool, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return false, err
	}
	if !l {
		return false, nil
	}
	return n.right.eval(f)
}

func (n notNode) eval(f map[string]interface{}) (bool, error) {
	v, err := n.child.eval(f)
	return !v, err
}

type comparisonNode struct {
	left  operand
	op    string // ==, !=, <, <=, >, >=, IN, CONTAINS, BEGINSWITH, ENDSWITH, LIKE
	right operand
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.matchKeyword("AND") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.matchKeyword("NOT") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{child}, nil
	}
	if !p.atEnd() && p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.atEnd() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	}
	return p.parseComparison()
}

var textOperators = map[string]bool{
	"IN": true, "CONTAINS": true, "BEGINSWITH": true, "ENDSWITH": true, "LIKE": true,
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.atEnd() {
		return nil, fmt.Errorf("expected comparison operator")
	}
	var op string
	t := p.peek()
	switch {
	case t.kind == tokOperator:
		op = t.text
		p.next()
	case t.kind == tokIdent && textOperators[strings.ToUpper(t.text)]:
		op = strings.ToUpper(t.text)
		p.next()
	default:
		return nil, fmt.Errorf("expected comparison operator, found %q", t.text)
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return comparisonNode{left, op, right}, nil
}

// --- operands ---

type operand interface {
	value(facts map[string]interface{}) (interface{}, error)
}

type factRef struct{ key string }
type literal struct{ val interface{} }
type listLiteral struct{ items []operand }

func (o factRef) value(facts map[string]interface{}) (interface{}, error) {
	v, ok := facts[o.key]
	if !ok {
		return nil, fmt.Errorf("unknown fact %q", o.key)
	}
	return v, nil
}

func (o literal) value(map[string]interface{}) (interface{}, error) { return o.val, nil }

func (o listLiteral) value(facts map[string]interface{}) (interface{}, error) {
	vals := make([]interface{}, 0, len(o.items))
	for _, item := range o.items {
		v, err := item.value(facts)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (p *parser) parseOperand() (operand, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("expected operand")
	}
	t := p.peek()
	switch t.kind {
	case tokString:
		p.next()
		return literal{t.text}, nil
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return literal{f}, nil
	case tokLBrace:
		p.next()
		var items []operand
		for {
			if p.atEnd() {
				return nil, fmt.Errorf("unterminated list literal")
			}
			if p.peek().kind == tokRBrace {
				p.next()
				break
			}
			item, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
			}
		}
		return listLiteral{items}, nil
	case tokIdent:
		// date("...") is the only permitted function.
		if strings.EqualFold(t.text, "date") && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tokLParen {
			p.next() // date
			p.next() // (
			if p.atEnd() || p.peek().kind != tokString {
				return nil, fmt.Errorf("date() requires a string argument")
			}
			arg := p.next().text
			if p.atEnd() || p.peek().kind != tokRParen {
				return nil, fmt.Errorf("date() missing closing parenthesis")
			}
			p.next() // )
			parsed, err := parseDate(arg)
			if err != nil {
				return nil, err
			}
			return literal{parsed}, nil
		}
		p.next()
		switch strings.ToUpper(t.text) {
		case "TRUE", "YES":
			return literal{true}, nil
		case "FALSE", "NO":
			return literal{false}, nil
		}
		return factRef{t.text}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// --- evaluation ---

func (n comparisonNode) eval(facts map[string]interface{}) (bool, error) {
	left, err := n.left.value(facts)
	if err != nil {
		return false, err
	}
	right, err := n.right.value(facts)
	if err != nil {
		return false, err
	}

	switch n.op {
	case "==":
		return equals(left, right), nil
	case "!=":
		return !equals(left, right), nil
	case "<", "<=", ">", ">=":
		cmp, err := ordered(left, right)
		if err != nil {
			return false, err
		}
		switch n.op {
		case "<":
			return cmp < 0, nil
		case "<=":
			return cmp <= 0, nil
		case ">":
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case "IN":
		return membership(left, right), nil
	case "CONTAINS":
		// CONTAINS on a list fact means membership; on strings, substring.
		if list, ok := asList(left); ok {
			for _, item := range list {
				if equals(item, right) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(lowerString(left), lowerString(right)), nil
	case "BEGINSWITH":
		return strings.HasPrefix(lowerString(left), lowerString(right)), nil
	case "ENDSWITH":
		return strings.HasSuffix(lowerString(left), lowerString(right)), nil
	case "LIKE":
		pattern := strings.ReplaceAll(lowerString(right), "*", "")
		return strings.Contains(lowerString(left), pattern), nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

func equals(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Equal(bt)
		}
	}
	return strings.EqualFold(toString(a), toString(b))
}

// ordered compares two values, preferring numeric, then date, then
// dotted-version, then plain string ordering. Version-like strings such
// as os_vers values compare numerically per segment.
func ordered(a, b interface{}) (int, error) {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			default:
				return 0, nil
			}
		}
		return 0, fmt.Errorf("cannot compare date with %T", b)
	}
	as, bs := toString(a), toString(b)
	if av, err := version.NewVersion(as); err == nil {
		if bv, err := version.NewVersion(bs); err == nil {
			return av.Compare(bv), nil
		}
	}
	return strings.Compare(as, bs), nil
}

func membership(needle, haystack interface{}) bool {
	if list, ok := asList(haystack); ok {
		for _, item := range list {
			if equals(needle, item) {
				return true
			}
		}
		return false
	}
	// "x IN string" is substring membership.
	return strings.Contains(lowerString(haystack), lowerString(needle))
}

func asList(v interface{}) ([]interface{}, bool) {
	switch list := v.(type) {
	case []interface{}:
		return list, true
	case []string:
		out := make([]interface{}, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		if s {
			return "true"
		}
		return "false"
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func lowerString(v interface{}) string {
	return strings.ToLower(toString(v))
}

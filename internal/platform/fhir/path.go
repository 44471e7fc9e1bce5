package fhir

import (
	"fmt"
	"strconv"
	"strings"
)

// PathEngine evaluates the subset of FHIRPath used by search parameter
// definitions: member access, array flattening, indexers, union (|),
// where(...) filters with = / != comparisons, and the first()/exists()
// collection functions. Expressions are evaluated against resources
// represented as map[string]interface{}.
type PathEngine struct{}

// NewPathEngine creates a new path evaluation engine.
func NewPathEngine() *PathEngine {
	return &PathEngine{}
}

// Evaluate resolves the expression against the resource and returns the
// matched nodes as a collection. An empty collection means no match.
func (e *PathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("path: empty expression")
	}
	tokens, err := pathTokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("path: tokenize: %w", err)
	}
	p := &pathParser{tokens: tokens}
	ast, err := p.parseUnion()
	if err != nil {
		return nil, fmt.Errorf("path: parse: %w", err)
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("path: unexpected token %q", p.tokens[p.pos].value)
	}
	if resource == nil {
		return []interface{}{}, nil
	}
	return evalPath(ast, []interface{}{resource})
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type pathTokenKind int

const (
	ptIdent pathTokenKind = iota
	ptNumber
	ptString
	ptDot
	ptLParen
	ptRParen
	ptLBrack
	ptRBrack
	ptComma
	ptEq
	ptNe
	ptPipe
)

type pathToken struct {
	kind  pathTokenKind
	value string
}

func pathTokenize(input string) ([]pathToken, error) {
	var tokens []pathToken
	i, n := 0, len(input)
	for i < n {
		ch := input[i]
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '.':
			tokens = append(tokens, pathToken{ptDot, "."})
			i++
		case ch == '(':
			tokens = append(tokens, pathToken{ptLParen, "("})
			i++
		case ch == ')':
			tokens = append(tokens, pathToken{ptRParen, ")"})
			i++
		case ch == '[':
			tokens = append(tokens, pathToken{ptLBrack, "["})
			i++
		case ch == ']':
			tokens = append(tokens, pathToken{ptRBrack, "]"})
			i++
		case ch == ',':
			tokens = append(tokens, pathToken{ptComma, ","})
			i++
		case ch == '|':
			tokens = append(tokens, pathToken{ptPipe, "|"})
			i++
		case ch == '=':
			tokens = append(tokens, pathToken{ptEq, "="})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, pathToken{ptNe, "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at %d", i)
			}
		case ch == '\'':
			i++
			start := i
			for i < n && input[i] != '\'' {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, pathToken{ptString, input[start:i]})
			i++
		case ch >= '0' && ch <= '9':
			start := i
			for i < n && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			tokens = append(tokens, pathToken{ptNumber, input[start:i]})
		case isPathIdentChar(ch):
			start := i
			for i < n && isPathIdentChar(input[i]) {
				i++
			}
			tokens = append(tokens, pathToken{ptIdent, input[start:i]})
		default:
			return nil, fmt.Errorf("unexpected character %q at %d", ch, i)
		}
	}
	return tokens, nil
}

func isPathIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type pathNode struct {
	kind     string // "union", "path", "member", "func", "index", "literal"
	name     string // member name or function name
	literal  string
	children []*pathNode // union branches, path steps, or function arguments
	index    int
}

type pathParser struct {
	tokens []pathToken
	pos    int
}

func (p *pathParser) peek() (pathToken, bool) {
	if p.pos >= len(p.tokens) {
		return pathToken{}, false
	}
	return p.tokens[p.pos], true
}

func (p *pathParser) parseUnion() (*pathNode, error) {
	first, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	branches := []*pathNode{first}
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != ptPipe {
			break
		}
		p.pos++
		next, err := p.parsePath()
		if err != nil {
			return nil, err
		}
		branches = append(branches, next)
	}
	if len(branches) == 1 {
		return first, nil
	}
	return &pathNode{kind: "union", children: branches}, nil
}

func (p *pathParser) parsePath() (*pathNode, error) {
	path := &pathNode{kind: "path"}
	for {
		step, err := p.parseStep()
		if err != nil {
			return nil, err
		}
		path.children = append(path.children, step)

		tok, ok := p.peek()
		if ok && tok.kind == ptLBrack {
			p.pos++
			numTok, ok := p.peek()
			if !ok || numTok.kind != ptNumber {
				return nil, fmt.Errorf("expected index after '['")
			}
			idx, err := strconv.Atoi(numTok.value)
			if err != nil {
				return nil, fmt.Errorf("bad index %q", numTok.value)
			}
			p.pos++
			if closeTok, ok := p.peek(); !ok || closeTok.kind != ptRBrack {
				return nil, fmt.Errorf("expected ']'")
			}
			p.pos++
			path.children = append(path.children, &pathNode{kind: "index", index: idx})
		}

		tok, ok = p.peek()
		if !ok || tok.kind != ptDot {
			return path, nil
		}
		p.pos++
	}
}

func (p *pathParser) parseStep() (*pathNode, error) {
	tok, ok := p.peek()
	if !ok || tok.kind != ptIdent {
		return nil, fmt.Errorf("expected identifier, got %q", tok.value)
	}
	p.pos++
	name := tok.value

	next, ok := p.peek()
	if !ok || next.kind != ptLParen {
		return &pathNode{kind: "member", name: name}, nil
	}

	// Function call.
	p.pos++
	fn := &pathNode{kind: "func", name: name}
	if tok, ok := p.peek(); ok && tok.kind == ptRParen {
		p.pos++
		return fn, nil
	}
	for {
		arg, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		fn.children = append(fn.children, arg)
		tok, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated call to %s()", name)
		}
		if tok.kind == ptComma {
			p.pos++
			continue
		}
		if tok.kind == ptRParen {
			p.pos++
			return fn, nil
		}
		return nil, fmt.Errorf("unexpected token %q in %s()", tok.value, name)
	}
}

// parseComparison parses a function argument: a path optionally compared to a
// literal with = or !=.
func (p *pathParser) parseComparison() (*pathNode, error) {
	tok, ok := p.peek()
	if ok && (tok.kind == ptString || tok.kind == ptNumber) {
		p.pos++
		return &pathNode{kind: "literal", literal: tok.value}, nil
	}

	left, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	tok, ok = p.peek()
	if !ok || (tok.kind != ptEq && tok.kind != ptNe) {
		return left, nil
	}
	op := "eq"
	if tok.kind == ptNe {
		op = "ne"
	}
	p.pos++
	rightTok, ok := p.peek()
	if !ok || (rightTok.kind != ptString && rightTok.kind != ptNumber) {
		return nil, fmt.Errorf("expected literal after comparison")
	}
	p.pos++
	return &pathNode{
		kind:     "func",
		name:     op,
		children: []*pathNode{left, {kind: "literal", literal: rightTok.value}},
	}, nil
}

// ---------------------------------------------------------------------------
// Evaluator
// ---------------------------------------------------------------------------

func evalPath(node *pathNode, input []interface{}) ([]interface{}, error) {
	switch node.kind {
	case "union":
		var out []interface{}
		for _, branch := range node.children {
			res, err := evalPath(branch, input)
			if err != nil {
				return nil, err
			}
			out = append(out, res...)
		}
		return out, nil

	case "path":
		current := input
		for _, step := range node.children {
			res, err := evalPath(step, current)
			if err != nil {
				return nil, err
			}
			current = res
		}
		return current, nil

	case "member":
		var out []interface{}
		for _, item := range input {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			val, ok := m[node.name]
			if !ok {
				// Resource-type head step: "Observation.code" evaluated
				// against an Observation passes the resource through.
				if rt, has := m["resourceType"].(string); has && rt == node.name {
					out = append(out, m)
				}
				continue
			}
			if arr, isArr := val.([]interface{}); isArr {
				out = append(out, arr...)
			} else {
				out = append(out, val)
			}
		}
		return out, nil

	case "index":
		if node.index < 0 || node.index >= len(input) {
			return []interface{}{}, nil
		}
		return []interface{}{input[node.index]}, nil

	case "func":
		return evalPathFunc(node, input)

	case "literal":
		return []interface{}{node.literal}, nil

	default:
		return nil, fmt.Errorf("unknown node kind %q", node.kind)
	}
}

func evalPathFunc(node *pathNode, input []interface{}) ([]interface{}, error) {
	switch node.name {
	case "where":
		if len(node.children) != 1 {
			return nil, fmt.Errorf("where() takes one argument")
		}
		var out []interface{}
		for _, item := range input {
			keep, err := evalPathBool(node.children[0], []interface{}{item})
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, item)
			}
		}
		return out, nil

	case "first":
		if len(input) == 0 {
			return []interface{}{}, nil
		}
		return input[:1], nil

	case "exists":
		return []interface{}{len(input) > 0}, nil

	case "eq", "ne":
		left, err := evalPath(node.children[0], input)
		if err != nil {
			return nil, err
		}
		lit := node.children[1].literal
		matched := false
		for _, v := range left {
			if pathValueString(v) == lit {
				matched = true
				break
			}
		}
		if node.name == "ne" {
			matched = !matched
		}
		return []interface{}{matched}, nil

	default:
		return nil, fmt.Errorf("unsupported function %s()", node.name)
	}
}

func evalPathBool(node *pathNode, input []interface{}) (bool, error) {
	res, err := evalPath(node, input)
	if err != nil {
		return false, err
	}
	if len(res) == 0 {
		return false, nil
	}
	if b, ok := res[0].(bool); ok {
		return b, nil
	}
	return true, nil
}

func pathValueString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", v)
	}
}

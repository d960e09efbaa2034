package rules

import "fmt"

type valueKind int

const (
	kindNumber valueKind = iota
	kindString
	kindBool
)

func (k valueKind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindString:
		return "string"
	default:
		return "bool"
	}
}

type value struct {
	kind valueKind
	num  float64
	str  string
	b    bool
}

func numberValue(n float64) value { return value{kind: kindNumber, num: n} }
func stringValue(s string) value  { return value{kind: kindString, str: s} }
func boolValue(b bool) value      { return value{kind: kindBool, b: b} }

// fromGo converts an Env value. ok is false for unsupported types.
func fromGo(v any) (value, bool) {
	switch x := v.(type) {
	case float64:
		return numberValue(x), true
	case float32:
		return numberValue(float64(x)), true
	case int:
		return numberValue(float64(x)), true
	case int32:
		return numberValue(float64(x)), true
	case int64:
		return numberValue(float64(x)), true
	case string:
		return stringValue(x), true
	case bool:
		return boolValue(x), true
	}
	return value{}, false
}

type node interface {
	eval(src string, env Env) (value, error)
}

type literalNode struct{ v value }

func (n literalNode) eval(string, Env) (value, error) { return n.v, nil }

type identNode struct {
	name string
	pos  int
}

func (n identNode) eval(src string, env Env) (value, error) {
	raw, ok := env[n.name]
	if !ok {
		return value{}, errAt(src, n.pos, fmt.Sprintf("variable %q is not bound", n.name))
	}
	v, ok := fromGo(raw)
	if !ok {
		return value{}, errAt(src, n.pos, fmt.Sprintf("variable %q has unsupported type %T", n.name, raw))
	}
	return v, nil
}

type notNode struct {
	operand node
	pos     int
}

func (n *notNode) eval(src string, env Env) (value, error) {
	v, err := n.operand.eval(src, env)
	if err != nil {
		return value{}, err
	}
	if v.kind != kindBool {
		return value{}, errAt(src, n.pos, fmt.Sprintf("! needs bool, got %s", v.kind))
	}
	return boolValue(!v.b), nil
}

// logicalNode short-circuits: the right side is not evaluated when the
// left side decides the result.
type logicalNode struct {
	op          tokenKind
	left, right node
}

func (n *logicalNode) eval(src string, env Env) (value, error) {
	l, err := n.left.eval(src, env)
	if err != nil {
		return value{}, err
	}
	if l.kind != kindBool {
		return value{}, &EvalError{Expr: src, Pos: -1, Msg: fmt.Sprintf("%s needs bool operands, got %s", n.op, l.kind)}
	}
	if n.op == tokAnd && !l.b || n.op == tokOr && l.b {
		return l, nil
	}
	r, err := n.right.eval(src, env)
	if err != nil {
		return value{}, err
	}
	if r.kind != kindBool {
		return value{}, &EvalError{Expr: src, Pos: -1, Msg: fmt.Sprintf("%s needs bool operands, got %s", n.op, r.kind)}
	}
	return r, nil
}

type compareNode struct {
	op          tokenKind
	left, right node
	pos         int
}

func (n *compareNode) eval(src string, env Env) (value, error) {
	l, err := n.left.eval(src, env)
	if err != nil {
		return value{}, err
	}
	r, err := n.right.eval(src, env)
	if err != nil {
		return value{}, err
	}
	if l.kind != r.kind {
		return value{}, errAt(src, n.pos, fmt.Sprintf("cannot compare %s with %s", l.kind, r.kind))
	}
	switch n.op {
	case tokEq:
		return boolValue(l == r), nil
	case tokNeq:
		return boolValue(l != r), nil
	}
	switch l.kind {
	case kindNumber:
		return boolValue(orderedCompare(n.op, l.num, r.num)), nil
	case kindString:
		return boolValue(orderedCompare(n.op, l.str, r.str)), nil
	default:
		return value{}, errAt(src, n.pos, fmt.Sprintf("%s is not defined on bool", n.op))
	}
}

func orderedCompare[T float64 | string](op tokenKind, a, b T) bool {
	switch op {
	case tokLt:
		return a < b
	case tokLte:
		return a <= b
	case tokGt:
		return a > b
	default:
		return a >= b
	}
}

// Package rules implements the closed condition language used by learning
// and update rules.
//
// Grammar:
//
//	expr    = or
//	or      = and { "||" and }
//	and     = unary { "&&" unary }
//	unary   = "!" unary | compare
//	compare = operand [ ("==" | "!=" | "<" | "<=" | ">" | ">=") operand ]
//	operand = number | string | "true" | "false" | ident | "(" expr ")"
//
// Identifiers come from a fixed set of variables. Expressions are compiled
// once into a tree and evaluated by a small interpreter; nothing in a
// condition can call functions or reach outside the supplied Env.
package rules

import (
	"fmt"
	"sort"
	"strings"
)

// Variable names recognized by the language.
const (
	VarConfidence       = "confidence"
	VarType             = "type"
	VarSource           = "source"
	VarEvidenceLength   = "evidence.length"
	VarResponseQuality  = "responseQuality"
	VarUserSatisfaction = "userSatisfaction"
	VarKnowledgeGaps    = "knowledgeGaps.length"
	VarPatterns         = "patterns.length"
)

var knownVars = map[string]bool{
	VarConfidence:       true,
	VarType:             true,
	VarSource:           true,
	VarEvidenceLength:   true,
	VarResponseQuality:  true,
	VarUserSatisfaction: true,
	VarKnowledgeGaps:    true,
	VarPatterns:         true,
}

// Variables returns the sorted set of identifiers a condition may reference.
func Variables() []string {
	out := make([]string, 0, len(knownVars))
	for v := range knownVars {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Env binds variable names to values. Values must be numbers (any Go int or
// float type), strings or bools.
type Env map[string]any

// EvalError reports a condition that failed to compile or evaluate.
type EvalError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *EvalError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("rules: %s at offset %d in %q", e.Msg, e.Pos, e.Expr)
	}
	return fmt.Sprintf("rules: %s in %q", e.Msg, e.Expr)
}

func errAt(src string, pos int, msg string) *EvalError {
	return &EvalError{Expr: src, Pos: pos, Msg: msg}
}

// Condition is a compiled expression.
type Condition struct {
	src  string
	root node
	vars []string
}

// Compile parses src. Unknown identifiers are rejected here rather than at
// evaluation time.
func Compile(src string) (*Condition, error) {
	if strings.TrimSpace(src) == "" {
		return nil, errAt(src, 0, "empty condition")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, errAt(src, t.pos, fmt.Sprintf("unexpected %s", t.kind))
	}
	return &Condition{src: src, root: root, vars: p.vars}, nil
}

// MustCompile is like Compile but panics on error. It is meant for
// built-in rule tables.
func MustCompile(src string) *Condition {
	c, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return c
}

// String returns the source text.
func (c *Condition) String() string { return c.src }

// References returns the variables the condition reads, in order of first use.
func (c *Condition) References() []string { return c.vars }

// Eval evaluates the condition against env. A missing variable or a type
// mismatch yields an *EvalError.
func (c *Condition) Eval(env Env) (bool, error) {
	v, err := c.root.eval(c.src, env)
	if err != nil {
		return false, err
	}
	if v.kind != kindBool {
		return false, &EvalError{Expr: c.src, Pos: -1, Msg: fmt.Sprintf("condition yields %s, not bool", v.kind)}
	}
	return v.b, nil
}

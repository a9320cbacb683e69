// Package rpn implements the filter/expression stack machine of
// spec.md §4.G: a postfix ("reverse Polish") mini-language over typed
// registers, the current node's object fields, and hierarchy-aware
// field access, producing either a boolean (rpn_bool) or a set result
// (rpn_selvaset).
package rpn

import (
	"strconv"
	"strings"

	"github.com/selvadb/selva/internal/hierarchy"
	"github.com/selvadb/selva/internal/object"
	"github.com/selvadb/selva/internal/selvaerr"
	"github.com/selvadb/selva/internal/selvaset"
	"github.com/selvadb/selva/internal/str"
)

// Kind tags an evaluator Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindF64
	KindI64
	KindString
	KindSet
)

// Value is the stack machine's operand type.
type Value struct {
	Kind Kind
	Bool bool
	F64  float64
	I64  int64
	Str  []byte
	Set  *selvaset.Set
}

func Null() Value           { return Value{Kind: KindNull} }
func BoolVal(b bool) Value  { return Value{Kind: KindBool, Bool: b} }
func F64Val(f float64) Value { return Value{Kind: KindF64, F64: f} }
func I64Val(i int64) Value  { return Value{Kind: KindI64, I64: i} }
func StrVal(s []byte) Value { return Value{Kind: KindString, Str: s} }
func SetVal(s *selvaset.Set) Value { return Value{Kind: KindSet, Set: s} }

func (v Value) asFloat() (float64, bool) {
	switch v.Kind {
	case KindF64:
		return v.F64, true
	case KindI64:
		return float64(v.I64), true
	default:
		return 0, false
	}
}

func (v Value) truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindF64:
		return v.F64 != 0
	case KindI64:
		return v.I64 != 0
	case KindString:
		return len(v.Str) > 0
	case KindSet:
		return v.Set != nil && v.Set.Size() > 0
	default:
		return false
	}
}

// Context holds the register file, the current node's typed object and
// the current hierarchy node (spec.md §4.G). Field access operators read
// Object only; no operator reads Node. Register 0 is not filled by the
// evaluator or by the command layer's argument binding, which starts at
// register 1, so it reads as the zero Value unless a caller sets it.
type Context struct {
	Registers [16]Value
	Object    *object.Object
	Node      *hierarchy.Node
}

// token kinds recognized at compile time.
type tokKind int

const (
	tLiteral tokKind = iota
	tRegister
	tField
	tOp
)

type tok struct {
	kind tokKind
	lit  Value
	reg  int
	path string
	op   string
}

var binaryOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, "%": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"&&": true, "||": true, "in": true,
}

var unaryOps = map[string]bool{"!": true, "len": true, "neg": true}

// Expr is a compiled expression: a flat token sequence ready to be run
// against a Context.
type Expr struct {
	toks []tok
	src  string
}

// Compile tokenizes and validates expr, returning a nil Expr on syntax
// error (spec.md §4.G: "compilation returns a null expression on syntax
// error").
func Compile(expr string) (*Expr, error) {
	fields := strings.Fields(expr)
	toks := make([]tok, 0, len(fields))
	for _, f := range fields {
		t, err := parseToken(f)
		if err != nil {
			return nil, selvaerr.New(selvaerr.RPNCompile, err.Error())
		}
		toks = append(toks, t)
	}
	if len(toks) == 0 {
		return nil, selvaerr.New(selvaerr.RPNCompile, "rpn: empty expression")
	}
	return &Expr{toks: toks, src: expr}, nil
}

// String returns the original source text the expression was compiled
// from, used by callers (the find-index cache's ICB key, the index.*
// admin commands) that need a stable printable/comparable form rather
// than re-deriving it from the token slice.
func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

func parseToken(f string) (tok, error) {
	switch {
	case binaryOps[f] || unaryOps[f]:
		return tok{kind: tOp, op: f}, nil
	case strings.HasPrefix(f, "$"):
		n, err := strconv.Atoi(f[1:])
		if err != nil || n < 0 || n >= 16 {
			return tok{}, selvaerr.New(selvaerr.RPNCompile, "rpn: bad register reference "+f)
		}
		return tok{kind: tRegister, reg: n}, nil
	case strings.HasPrefix(f, "#"):
		return tok{kind: tField, path: f[1:]}, nil
	case strings.HasPrefix(f, "\"") && strings.HasSuffix(f, "\"") && len(f) >= 2:
		return tok{kind: tLiteral, lit: StrVal([]byte(f[1 : len(f)-1]))}, nil
	default:
		if i, err := strconv.ParseInt(f, 10, 64); err == nil {
			return tok{kind: tLiteral, lit: I64Val(i)}, nil
		}
		if fl, err := strconv.ParseFloat(f, 64); err == nil {
			return tok{kind: tLiteral, lit: F64Val(fl)}, nil
		}
		if f == "true" || f == "false" {
			return tok{kind: tLiteral, lit: BoolVal(f == "true")}, nil
		}
		return tok{}, selvaerr.New(selvaerr.RPNCompile, "rpn: unrecognized token "+f)
	}
}

// Eval runs the compiled expression against ctx, returning the single
// value left on the stack. Evaluation errors (stack underflow, type
// mismatch) are reported as selvaerr.RPNRuntime, which a filter caller
// treats as "did not match" (spec.md §4.G).
func Eval(e *Expr, ctx *Context) (Value, error) {
	if e == nil {
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: nil expression")
	}
	var stack []Value
	pop := func() (Value, error) {
		if len(stack) == 0 {
			return Value{}, selvaerr.New(selvaerr.RPNRuntime, "rpn: stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	for _, t := range e.toks {
		switch t.kind {
		case tLiteral:
			stack = append(stack, t.lit)
		case tRegister:
			stack = append(stack, ctx.Registers[t.reg])
		case tField:
			stack = append(stack, fieldValue(ctx, t.path))
		case tOp:
			if unaryOps[t.op] {
				a, err := pop()
				if err != nil {
					return Null(), err
				}
				v, err := applyUnary(t.op, a)
				if err != nil {
					return Null(), err
				}
				stack = append(stack, v)
				continue
			}
			b, err := pop()
			if err != nil {
				return Null(), err
			}
			a, err := pop()
			if err != nil {
				return Null(), err
			}
			v, err := applyBinary(t.op, a, b)
			if err != nil {
				return Null(), err
			}
			stack = append(stack, v)
		}
	}
	if len(stack) != 1 {
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: expression did not reduce to a single value")
	}
	return stack[0], nil
}

// EvalBool runs e and requires the result to be boolean-ish (spec.md
// §4.G rpn_bool). Any evaluation error is reported back so a filter
// caller can treat it as non-matching.
func EvalBool(e *Expr, ctx *Context) (bool, error) {
	v, err := Eval(e, ctx)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}

// EvalSet runs e and requires the result to be a set (spec.md §4.G
// rpn_selvaset).
func EvalSet(e *Expr, ctx *Context) (*selvaset.Set, error) {
	v, err := Eval(e, ctx)
	if err != nil {
		return nil, err
	}
	if v.Kind != KindSet {
		return nil, selvaerr.New(selvaerr.RPNRuntime, "rpn: expression did not produce a set")
	}
	return v.Set, nil
}

func fieldValue(ctx *Context, path string) Value {
	if ctx == nil || ctx.Object == nil {
		return Null()
	}
	v, err := ctx.Object.Get(path)
	if err != nil {
		return Null()
	}
	switch v.Kind {
	case object.KindI64:
		return I64Val(v.I64)
	case object.KindF64:
		return F64Val(v.F64)
	case object.KindString:
		return StrVal(v.Str.ToStr())
	case object.KindSet:
		return SetVal(v.Set)
	default:
		return Null()
	}
}

func applyUnary(op string, a Value) (Value, error) {
	switch op {
	case "!":
		return BoolVal(!a.truthy()), nil
	case "neg":
		if f, ok := a.asFloat(); ok {
			if a.Kind == KindI64 {
				return I64Val(-a.I64), nil
			}
			return F64Val(-f), nil
		}
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: neg on non-numeric")
	case "len":
		switch a.Kind {
		case KindString:
			return I64Val(int64(len(a.Str))), nil
		case KindSet:
			if a.Set == nil {
				return I64Val(0), nil
			}
			return I64Val(int64(a.Set.Size())), nil
		default:
			return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: len on unsupported type")
		}
	}
	return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: unknown unary operator "+op)
}

func applyBinary(op string, a, b Value) (Value, error) {
	switch op {
	case "&&":
		return BoolVal(a.truthy() && b.truthy()), nil
	case "||":
		return BoolVal(a.truthy() || b.truthy()), nil
	case "in":
		return evalSetMembership(a, b)
	case "==", "!=", "<", "<=", ">", ">=":
		return compare(op, a, b)
	case "+", "-", "*", "/", "%":
		return arith(op, a, b)
	}
	return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: unknown binary operator "+op)
}

func evalSetMembership(a, b Value) (Value, error) {
	if b.Kind != KindSet || b.Set == nil {
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: 'in' requires a set operand")
	}
	switch a.Kind {
	case KindI64:
		return BoolVal(b.Set.HasInt64(a.I64)), nil
	case KindF64:
		return BoolVal(b.Set.HasDouble(a.F64)), nil
	case KindString:
		found := false
		b.Set.ForeachString(func(s *str.String) bool {
			if string(s.ToStr()) == string(a.Str) {
				found = true
				return false
			}
			return true
		})
		return BoolVal(found), nil
	}
	return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: unsupported 'in' operand type")
}

func arith(op string, a, b Value) (Value, error) {
	af, aok := a.asFloat()
	bf, bok := b.asFloat()
	if !aok || !bok {
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: arithmetic on non-numeric operand")
	}
	if a.Kind == KindI64 && b.Kind == KindI64 {
		switch op {
		case "+":
			return I64Val(a.I64 + b.I64), nil
		case "-":
			return I64Val(a.I64 - b.I64), nil
		case "*":
			return I64Val(a.I64 * b.I64), nil
		case "/":
			if b.I64 == 0 {
				return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: division by zero")
			}
			return I64Val(a.I64 / b.I64), nil
		case "%":
			if b.I64 == 0 {
				return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: division by zero")
			}
			return I64Val(a.I64 % b.I64), nil
		}
	}
	switch op {
	case "+":
		return F64Val(af + bf), nil
	case "-":
		return F64Val(af - bf), nil
	case "*":
		return F64Val(af * bf), nil
	case "/":
		if bf == 0 {
			return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: division by zero")
		}
		return F64Val(af / bf), nil
	case "%":
		return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: modulo requires integer operands")
	}
	return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: unknown arithmetic operator "+op)
}

func compare(op string, a, b Value) (Value, error) {
	var cmp int
	switch {
	case a.Kind == KindString && b.Kind == KindString:
		switch {
		case string(a.Str) < string(b.Str):
			cmp = -1
		case string(a.Str) > string(b.Str):
			cmp = 1
		}
	default:
		af, aok := a.asFloat()
		bf, bok := b.asFloat()
		if !aok || !bok {
			return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: comparison on non-comparable operands")
		}
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		}
	}
	switch op {
	case "==":
		return BoolVal(cmp == 0), nil
	case "!=":
		return BoolVal(cmp != 0), nil
	case "<":
		return BoolVal(cmp < 0), nil
	case "<=":
		return BoolVal(cmp <= 0), nil
	case ">":
		return BoolVal(cmp > 0), nil
	case ">=":
		return BoolVal(cmp >= 0), nil
	}
	return Null(), selvaerr.New(selvaerr.RPNRuntime, "rpn: unknown comparison operator "+op)
}

package expr

import (
	"context"
	"fmt"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/types"
)

// Env resolves a root identifier (a step name, "context", "metadata", or
// an in-scope loop variable such as $index) to its current value. The
// Flow Executor and Dependency Resolver each supply their own
// implementation; pkg/expr has no knowledge of flows or steps.
type Env interface {
	Lookup(name string) (types.Value, error)
}

// MapEnv is a simple Env backed by a Go map, used by callers that have
// already assembled the full set of resolvable roots (e.g. tests, or a
// loop body's per-iteration scope).
type MapEnv map[string]types.Value

func (e MapEnv) Lookup(name string) (types.Value, error) {
	v, ok := e[name]
	if !ok {
		return types.Null, errs.New(errs.KindUnknownReference, fmt.Sprintf("unknown reference %q", name)).With("name", name)
	}
	return v, nil
}

// Evaluate walks node against env, returning its value. ctx is checked at
// every recursive step so that an expression-evaluation timeout
// (the policies' timeout.expressionEval, spec §4.D) can abort a
// pathologically nested expression without relying on cooperative
// arithmetic loops (the grammar has none).
func Evaluate(ctx context.Context, node Node, env Env) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return types.Null, errs.Wrap(errs.KindTimeout, "expression evaluation deadline exceeded", err)
	}
	switch n := node.(type) {
	case *LiteralNode:
		return literalValue(n.Value), nil

	case *IdentNode:
		return env.Lookup(n.Name)

	case *PropertyNode:
		target, err := Evaluate(ctx, n.Target, env)
		if err != nil {
			return types.Null, err
		}
		return evalProperty(target, n.Name)

	case *IndexNode:
		target, err := Evaluate(ctx, n.Target, env)
		if err != nil {
			return types.Null, err
		}
		idx, err := Evaluate(ctx, n.Index, env)
		if err != nil {
			return types.Null, err
		}
		return evalIndex(target, idx)

	case *UnaryNode:
		return evalUnary(ctx, n, env)

	case *BinaryNode:
		return evalBinary(ctx, n, env)

	case *InNode:
		return evalIn(ctx, n, env)

	case *ListNode:
		items := make([]types.Value, len(n.Items))
		for i, item := range n.Items {
			v, err := Evaluate(ctx, item, env)
			if err != nil {
				return types.Null, err
			}
			items[i] = v
		}
		return types.NewList(items), nil

	case *MapNode:
		om := types.NewOrderedMap()
		for _, entry := range n.Entries {
			v, err := Evaluate(ctx, entry.Value, env)
			if err != nil {
				return types.Null, err
			}
			om.Set(entry.Key, v)
		}
		return types.NewMap(om), nil
	}
	return types.Null, errs.Newf(errs.KindExpression, "unhandled node type %T", node)
}

func literalValue(v interface{}) types.Value {
	switch val := v.(type) {
	case nil:
		return types.Null
	case bool:
		return types.NewBool(val)
	case int64:
		return types.NewInt(val)
	case float64:
		return types.NewDouble(val)
	case string:
		return types.NewString(val)
	default:
		return types.Null
	}
}

func evalProperty(target types.Value, name string) (types.Value, error) {
	if target.Type() != types.TypeMap {
		return types.Null, errs.Newf(errs.KindPropertyAccess, "cannot access property %q on %s value", name, target.Type()).With("property", name)
	}
	v, ok := target.AsMap().Get(name)
	if !ok {
		return types.Null, errs.Newf(errs.KindPropertyAccess, "property %q not found", name).With("property", name)
	}
	return v, nil
}

func evalIndex(target, idx types.Value) (types.Value, error) {
	switch target.Type() {
	case types.TypeList:
		if idx.Type() != types.TypeInt {
			return types.Null, errs.Newf(errs.KindPropertyAccess, "list index must be an int, got %s", idx.Type())
		}
		list := target.AsList()
		i := idx.AsInt()
		if i < 0 {
			i += int64(len(list))
		}
		if i < 0 || i >= int64(len(list)) {
			return types.Null, errs.Newf(errs.KindPropertyAccess, "list index %d out of range (length %d)", idx.AsInt(), len(list)).With("index", idx.AsInt())
		}
		return list[i], nil
	case types.TypeMap:
		if idx.Type() != types.TypeString {
			return types.Null, errs.Newf(errs.KindPropertyAccess, "map index must be a string, got %s", idx.Type())
		}
		v, ok := target.AsMap().Get(idx.AsString())
		if !ok {
			return types.Null, errs.Newf(errs.KindPropertyAccess, "key %q not found", idx.AsString()).With("key", idx.AsString())
		}
		return v, nil
	default:
		return types.Null, errs.Newf(errs.KindPropertyAccess, "cannot index into %s value", target.Type())
	}
}

func evalUnary(ctx context.Context, n *UnaryNode, env Env) (types.Value, error) {
	v, err := Evaluate(ctx, n.Operand, env)
	if err != nil {
		return types.Null, err
	}
	switch n.Op {
	case TokenMinus:
		num, ok := v.AsNumber()
		if !ok {
			return types.Null, errs.Newf(errs.KindExpression, "unary '-' requires a number, got %s", v.Type())
		}
		if v.Type() == types.TypeInt {
			return types.NewInt(-v.AsInt()), nil
		}
		return types.NewDouble(-num), nil
	case TokenNot:
		return types.NewBool(!v.Truthy()), nil
	}
	return types.Null, errs.Newf(errs.KindExpression, "unsupported unary operator %s", n.Op)
}

func evalBinary(ctx context.Context, n *BinaryNode, env Env) (types.Value, error) {
	// Short-circuit boolean operators.
	if n.Op == TokenAnd {
		left, err := Evaluate(ctx, n.Left, env)
		if err != nil {
			return types.Null, err
		}
		if !left.Truthy() {
			return types.NewBool(false), nil
		}
		right, err := Evaluate(ctx, n.Right, env)
		if err != nil {
			return types.Null, err
		}
		return types.NewBool(right.Truthy()), nil
	}
	if n.Op == TokenOr {
		left, err := Evaluate(ctx, n.Left, env)
		if err != nil {
			return types.Null, err
		}
		if left.Truthy() {
			return types.NewBool(true), nil
		}
		right, err := Evaluate(ctx, n.Right, env)
		if err != nil {
			return types.Null, err
		}
		return types.NewBool(right.Truthy()), nil
	}

	left, err := Evaluate(ctx, n.Left, env)
	if err != nil {
		return types.Null, err
	}
	right, err := Evaluate(ctx, n.Right, env)
	if err != nil {
		return types.Null, err
	}

	switch n.Op {
	case TokenEq:
		return types.NewBool(left.Equal(right)), nil
	case TokenNeq:
		return types.NewBool(!left.Equal(right)), nil
	case TokenLt, TokenGt, TokenLte, TokenGte:
		return compareOrdered(n.Op, left, right)
	case TokenPlus:
		return evalPlus(left, right)
	case TokenMinus, TokenStar, TokenSlash, TokenPercent:
		return evalArith(n.Op, left, right)
	}
	return types.Null, errs.Newf(errs.KindExpression, "unsupported binary operator %s", n.Op)
}

func compareOrdered(op TokenType, left, right types.Value) (types.Value, error) {
	if left.Type() == types.TypeString && right.Type() == types.TypeString {
		a, b := left.AsString(), right.AsString()
		switch op {
		case TokenLt:
			return types.NewBool(a < b), nil
		case TokenGt:
			return types.NewBool(a > b), nil
		case TokenLte:
			return types.NewBool(a <= b), nil
		case TokenGte:
			return types.NewBool(a >= b), nil
		}
	}
	a, aok := left.AsNumber()
	b, bok := right.AsNumber()
	if !aok || !bok {
		return types.Null, errs.Newf(errs.KindExpression, "cannot compare %s and %s", left.Type(), right.Type())
	}
	switch op {
	case TokenLt:
		return types.NewBool(a < b), nil
	case TokenGt:
		return types.NewBool(a > b), nil
	case TokenLte:
		return types.NewBool(a <= b), nil
	case TokenGte:
		return types.NewBool(a >= b), nil
	}
	return types.Null, errs.Newf(errs.KindExpression, "unsupported comparison operator %s", op)
}

func evalPlus(left, right types.Value) (types.Value, error) {
	if left.Type() == types.TypeString || right.Type() == types.TypeString {
		if left.Type() == types.TypeString && right.Type() == types.TypeString {
			return types.NewString(left.AsString() + right.AsString()), nil
		}
		return types.Null, errs.Newf(errs.KindExpression, "cannot add %s and %s", left.Type(), right.Type())
	}
	if left.Type() == types.TypeList && right.Type() == types.TypeList {
		return types.NewList(append(append([]types.Value{}, left.AsList()...), right.AsList()...)), nil
	}
	return evalArith(TokenPlus, left, right)
}

func evalArith(op TokenType, left, right types.Value) (types.Value, error) {
	a, aok := left.AsNumber()
	b, bok := right.AsNumber()
	if !aok || !bok {
		return types.Null, errs.Newf(errs.KindExpression, "arithmetic requires numbers, got %s and %s", left.Type(), right.Type())
	}
	bothInt := left.Type() == types.TypeInt && right.Type() == types.TypeInt
	switch op {
	case TokenPlus:
		if bothInt {
			return types.NewInt(left.AsInt() + right.AsInt()), nil
		}
		return types.NewDouble(a + b), nil
	case TokenMinus:
		if bothInt {
			return types.NewInt(left.AsInt() - right.AsInt()), nil
		}
		return types.NewDouble(a - b), nil
	case TokenStar:
		if bothInt {
			return types.NewInt(left.AsInt() * right.AsInt()), nil
		}
		return types.NewDouble(a * b), nil
	case TokenSlash:
		if b == 0 {
			return types.Null, errs.New(errs.KindExpression, "division by zero")
		}
		if bothInt && right.AsInt() != 0 && left.AsInt()%right.AsInt() == 0 {
			return types.NewInt(left.AsInt() / right.AsInt()), nil
		}
		return types.NewDouble(a / b), nil
	case TokenPercent:
		if bothInt {
			if right.AsInt() == 0 {
				return types.Null, errs.New(errs.KindExpression, "division by zero")
			}
			return types.NewInt(left.AsInt() % right.AsInt()), nil
		}
		return types.Null, errs.New(errs.KindExpression, "'%' requires integer operands")
	}
	return types.Null, errs.Newf(errs.KindExpression, "unsupported arithmetic operator %s", op)
}

func evalIn(ctx context.Context, n *InNode, env Env) (types.Value, error) {
	needle, err := Evaluate(ctx, n.Needle, env)
	if err != nil {
		return types.Null, err
	}
	haystack, err := Evaluate(ctx, n.Haystack, env)
	if err != nil {
		return types.Null, err
	}
	var found bool
	switch haystack.Type() {
	case types.TypeList:
		for _, item := range haystack.AsList() {
			if item.Equal(needle) {
				found = true
				break
			}
		}
	case types.TypeMap:
		if needle.Type() != types.TypeString {
			return types.Null, errs.Newf(errs.KindExpression, "'in' on a map requires a string key, got %s", needle.Type())
		}
		_, found = haystack.AsMap().Get(needle.AsString())
	case types.TypeString:
		if needle.Type() != types.TypeString {
			return types.Null, errs.Newf(errs.KindExpression, "'in' on a string requires a string needle, got %s", needle.Type())
		}
		found = containsSubstring(haystack.AsString(), needle.AsString())
	default:
		return types.Null, errs.Newf(errs.KindExpression, "'in' requires a list, map, or string, got %s", haystack.Type())
	}
	if n.Negated {
		found = !found
	}
	return types.NewBool(found), nil
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// EvaluateTemplate resolves a parsed StringInterpolation against env,
// implementing §4.A's substitution rule: a whole-string "${...}" keeps
// the expression's native type, otherwise all segments render to text
// and concatenate (non-primitives as canonical JSON, via Value.String).
func EvaluateTemplate(ctx context.Context, tmpl *StringInterpolation, env Env) (types.Value, error) {
	if tmpl.WholeExpr != nil {
		return Evaluate(ctx, tmpl.WholeExpr, env)
	}
	if len(tmpl.Segments) == 1 && tmpl.Segments[0].Expr == nil {
		return types.NewString(tmpl.Segments[0].Literal), nil
	}
	var out string
	for _, seg := range tmpl.Segments {
		if seg.Expr == nil {
			out += seg.Literal
			continue
		}
		v, err := Evaluate(ctx, seg.Expr, env)
		if err != nil {
			return types.Null, err
		}
		out += v.String()
	}
	return types.NewString(out), nil
}

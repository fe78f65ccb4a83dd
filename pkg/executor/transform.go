package executor

import (
	"context"
	"sort"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/expr"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// executeTransform resolves transform.input (a Value|Expr) and applies
// its map/filter/reduce/sort/group pipeline in order. Each element-wise
// op binds "item" and "$index" in the expression scope passed to Using;
// reduce additionally binds "acc" to the running accumulator; sort binds
// the comparator pair "a"/"b" instead of "item".
func executeTransform(ctx context.Context, step *ast.Step, scope *ref.Scope) (StepResult, error) {
	input, err := ref.Resolve(ctx, step.Transform.Input, scope)
	if err != nil {
		return StepResult{}, err
	}

	current := input
	for _, op := range step.Transform.Ops {
		next, err := applyOp(ctx, step.Name, op, current, scope)
		if err != nil {
			return StepResult{}, err
		}
		current = next
	}
	return StepResult{Status: StatusSucceeded, Result: current}, nil
}

func applyOp(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	switch op.Kind {
	case ast.OpMap:
		return applyMap(ctx, stepName, op, input, scope)
	case ast.OpFilter:
		return applyFilter(ctx, stepName, op, input, scope)
	case ast.OpReduce:
		return applyReduce(ctx, stepName, op, input, scope)
	case ast.OpSort:
		return applySort(ctx, stepName, op, input, scope)
	case ast.OpGroup:
		return applyGroup(ctx, stepName, op, input, scope)
	default:
		return types.Null, errs.Newf(errs.KindValidation, "unknown transform op %q", op.Kind).With("step", stepName)
	}
}

func requireList(stepName, op string, v types.Value) ([]types.Value, error) {
	if v.Type() != types.TypeList {
		return nil, errs.Newf(errs.KindExpression, "transform.%s requires a list input, got %s", op, v.Type()).With("step", stepName)
	}
	return v.AsList(), nil
}

func parsedUsing(using string) (interface{ Eval(context.Context, *ref.Scope) (types.Value, error) }, error) {
	node, err := expr.ParseExprField(using)
	if err != nil {
		return nil, errs.Wrap(errs.KindExpression, "invalid transform.using expression", err).With("source", using)
	}
	return usingExpr{node}, nil
}

type usingExpr struct{ node expr.Node }

func (u usingExpr) Eval(ctx context.Context, scope *ref.Scope) (types.Value, error) {
	return expr.Evaluate(ctx, u.node, scope)
}

func applyMap(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	items, err := requireList(stepName, "map", input)
	if err != nil {
		return types.Null, err
	}
	using, err := parsedUsing(op.Using)
	if err != nil {
		return types.Null, err
	}
	out := make([]types.Value, len(items))
	for i, item := range items {
		iterScope := scope.Child().Set("item", item).Set("$index", types.NewInt(int64(i)))
		v, err := using.Eval(ctx, iterScope)
		if err != nil {
			return types.Null, err
		}
		out[i] = v
	}
	return types.NewList(out), nil
}

func applyFilter(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	items, err := requireList(stepName, "filter", input)
	if err != nil {
		return types.Null, err
	}
	using, err := parsedUsing(op.Using)
	if err != nil {
		return types.Null, err
	}
	var out []types.Value
	for i, item := range items {
		iterScope := scope.Child().Set("item", item).Set("$index", types.NewInt(int64(i)))
		v, err := using.Eval(ctx, iterScope)
		if err != nil {
			return types.Null, err
		}
		if v.Truthy() {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []types.Value{}
	}
	return types.NewList(out), nil
}

func applyReduce(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	items, err := requireList(stepName, "reduce", input)
	if err != nil {
		return types.Null, err
	}
	using, err := parsedUsing(op.Using)
	if err != nil {
		return types.Null, err
	}
	acc := types.Null
	if op.HasInitial {
		acc, err = ref.Resolve(ctx, op.Initial, scope)
		if err != nil {
			return types.Null, err
		}
	} else if len(items) > 0 {
		acc = items[0]
		items = items[1:]
	}
	for i, item := range items {
		iterScope := scope.Child().Set("acc", acc).Set("item", item).Set("$index", types.NewInt(int64(i)))
		v, err := using.Eval(ctx, iterScope)
		if err != nil {
			return types.Null, err
		}
		acc = v
	}
	return acc, nil
}

// applySort implements the "sort" op as a two-argument comparator (spec
// §4.E): "using" is evaluated once per comparison with scope vars "a"
// and "b" bound to the two elements under comparison, and must return a
// number (negative → a before b, positive → a after b, zero → tied).
func applySort(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	items, err := requireList(stepName, "sort", input)
	if err != nil {
		return types.Null, err
	}
	using, err := parsedUsing(op.Using)
	if err != nil {
		return types.Null, err
	}
	out := append([]types.Value(nil), items...)
	var sortErr error
	sort.SliceStable(out, func(i, j int) bool {
		if sortErr != nil {
			return false
		}
		cmpScope := scope.Child().Set("a", out[i]).Set("b", out[j])
		v, err := using.Eval(ctx, cmpScope)
		if err != nil {
			sortErr = err
			return false
		}
		n, ok := v.AsNumber()
		if !ok {
			sortErr = errs.Newf(errs.KindExpression, "transform.sort comparator must return a number, got %s", v.Type()).With("step", stepName)
			return false
		}
		return n < 0
	})
	if sortErr != nil {
		return types.Null, sortErr
	}
	return types.NewList(out), nil
}

func applyGroup(ctx context.Context, stepName string, op ast.Op, input types.Value, scope *ref.Scope) (types.Value, error) {
	items, err := requireList(stepName, "group", input)
	if err != nil {
		return types.Null, err
	}
	using, err := parsedUsing(op.Using)
	if err != nil {
		return types.Null, err
	}
	order := []string{}
	groups := map[string][]types.Value{}
	for i, item := range items {
		iterScope := scope.Child().Set("item", item).Set("$index", types.NewInt(int64(i)))
		key, err := using.Eval(ctx, iterScope)
		if err != nil {
			return types.Null, err
		}
		if key.Type() != types.TypeString {
			return types.Null, errs.Newf(errs.KindExpression, "transform.group key must be a string, got %s", key.Type()).With("step", stepName)
		}
		k := key.AsString()
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], item)
	}
	om := types.NewOrderedMap()
	for _, k := range order {
		om.Set(k, types.NewList(groups[k]))
	}
	return types.NewMap(om), nil
}

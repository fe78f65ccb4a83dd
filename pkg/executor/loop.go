package executor

import (
	"context"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// executeLoop iterates the loop's nested step (or steps) over the
// collection produced by loop.over. Each iteration binds "item" (and
// loop.as, when distinct) to the current element and "$index" to its
// position; loop.condition, if present, is re-checked before every
// iteration and a falsy result skips just that one iteration —
// incrementing skippedCount — rather than ending the loop. The loop's
// own result is {value, iterationCount, skippedCount}, where value is
// the list of per-iteration results (the last nested step executed in
// each iteration) in input order, so a loop step's output can itself
// feed a downstream transform via "${loop.result.value}".
func executeLoop(ctx context.Context, step *ast.Step, scope *ref.Scope, handler Handler) (StepResult, error) {
	body := step.Loop
	over, err := ref.ResolveExpr(ctx, body.Over, scope)
	if err != nil {
		return StepResult{}, err
	}
	if over.Type() != types.TypeList {
		return StepResult{}, errs.Newf(errs.KindExpression, "loop.over must evaluate to a list, got %s", over.Type()).With("step", step.Name)
	}
	items := over.AsList()

	maxIter := len(items)
	if body.MaxIterations != nil && *body.MaxIterations < maxIter {
		maxIter = *body.MaxIterations
	}

	results := make([]types.Value, 0, maxIter)
	ran := 0
	skipped := 0
	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return StepResult{}, errs.Wrap(errs.KindTimeout, "loop canceled mid-iteration", err).With("step", step.Name).With("iteration", i)
		}
		iterScope := scope.Child()
		iterScope.Set("item", items[i])
		if body.As != "" {
			iterScope.Set(body.As, items[i])
		}
		iterScope.Set("$index", types.NewInt(int64(i)))

		if body.Condition != "" {
			cond, err := ref.ResolveExpr(ctx, body.Condition, iterScope)
			if err != nil {
				return StepResult{}, err
			}
			if !cond.Truthy() {
				skipped++
				continue
			}
		}

		last := types.Null
		endWorkflow := false
		if body.Step != nil {
			res, err := Execute(ctx, body.Step, iterScope, handler)
			if err != nil {
				return StepResult{}, err
			}
			last = res.Result
			endWorkflow = endWorkflow || res.EndWorkflow
		}
		for _, nested := range body.Steps {
			res, err := Execute(ctx, nested, iterScope, handler)
			if err != nil {
				return StepResult{}, err
			}
			last = res.Result
			if nested.Name != "" {
				iterScope.Set(nested.Name, res.Result)
			}
			endWorkflow = endWorkflow || res.EndWorkflow
		}
		results = append(results, last)
		ran++

		if endWorkflow {
			return StepResult{Status: StatusSucceeded, Result: loopResult(results, ran, skipped), Iterations: ran, EndWorkflow: true}, nil
		}
	}

	return StepResult{Status: StatusSucceeded, Result: loopResult(results, ran, skipped), Iterations: ran}, nil
}

// loopResult builds the {value, iterationCount, skippedCount} object
// spec §4.E and §8's empty-loop boundary case require.
func loopResult(values []types.Value, iterationCount, skippedCount int) types.Value {
	om := types.NewOrderedMap()
	om.Set("value", types.NewList(values))
	om.Set("iterationCount", types.NewInt(int64(iterationCount)))
	om.Set("skippedCount", types.NewInt(int64(skippedCount)))
	return types.NewMap(om)
}

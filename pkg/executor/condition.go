package executor

import (
	"context"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// executeCondition evaluates "if" and runs "then" or "else" accordingly,
// recording both metadata.branchTaken and metadata.conditionValue (spec
// §4.E) on the result regardless of which branch ran.
func executeCondition(ctx context.Context, step *ast.Step, scope *ref.Scope, handler Handler) (StepResult, error) {
	cond, err := ref.ResolveExpr(ctx, step.Condition.If, scope)
	if err != nil {
		return StepResult{}, err
	}
	if cond.Truthy() {
		if step.Condition.Then == nil {
			return StepResult{Status: StatusSucceeded, Result: types.Null, BranchTaken: "then", ConditionValue: cond}, nil
		}
		inner, err := Execute(ctx, step.Condition.Then, scope, handler)
		if err != nil {
			return StepResult{}, err
		}
		inner.BranchTaken = "then"
		inner.ConditionValue = cond
		return inner, nil
	}
	if step.Condition.Else == nil {
		return StepResult{Status: StatusSucceeded, Result: types.Null, BranchTaken: "else", ConditionValue: cond}, nil
	}
	inner, err := Execute(ctx, step.Condition.Else, scope, handler)
	if err != nil {
		return StepResult{}, err
	}
	inner.BranchTaken = "else"
	inner.ConditionValue = cond
	return inner, nil
}

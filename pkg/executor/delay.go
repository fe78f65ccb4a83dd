package executor

import (
	"context"
	"time"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// executeDelay waits the configured duration, honoring cancellation, then
// runs the nested step (if any); a delay with no nested step is a pure
// pause with a null result.
func executeDelay(ctx context.Context, step *ast.Step, scope *ref.Scope, handler Handler) (StepResult, error) {
	timer := time.NewTimer(time.Duration(step.Delay.DurationMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StepResult{}, errs.Wrap(errs.KindTimeout, "delay canceled before elapsing", ctx.Err()).With("step", step.Name)
	case <-timer.C:
	}

	if step.Delay.Step == nil {
		return StepResult{Status: StatusSucceeded, Result: types.Null}, nil
	}
	return Execute(ctx, step.Delay.Step, scope, handler)
}

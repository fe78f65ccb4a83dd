// Package executor implements the six step executors (spec §4.E):
// request, transform, condition, loop, stop, and delay. Every executor
// implements the same contract — execute(step, scope, cancellation) ->
// StepResult — grounded on the teacher's pkg/runtime dispatch table
// (runtime/engine.go), generalized from GCW's assign/call/switch/for/
// try/parallel/raise vocabulary to this engine's six body shapes.
package executor

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// Status is the terminal outcome of a single step execution attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// StepResult is what every executor returns. Not all fields apply to
// every body type: BranchTaken/ConditionValue are condition-only,
// Iterations is loop-only, EndWorkflow is stop-only.
type StepResult struct {
	Status         Status
	Result         types.Value
	BranchTaken    string
	ConditionValue types.Value
	Iterations     int
	EndWorkflow    bool
}

// Handler issues the outbound call a request step names. The engine
// ships one default implementation (internal/handler/httprpc, a
// JSON-RPC-over-HTTP client); callers may substitute their own.
type Handler interface {
	Call(ctx context.Context, method string, params types.Value) (types.Value, error)
}

// Execute dispatches step to the executor matching its body type. scope
// carries every root the step's expressions may read (prior step
// results, context, metadata, and any loop variables currently bound).
// ctx carries both the step's timeout deadline and upstream cancellation
// (spec §4.F: "typed cancellation causes" are attached to ctx by the
// Flow Executor before Execute is called, via context.Cause).
func Execute(ctx context.Context, step *ast.Step, scope *ref.Scope, handler Handler) (StepResult, error) {
	if err := ctx.Err(); err != nil {
		return StepResult{}, errs.Wrap(errs.KindTimeout, "step canceled before execution", err).With("step", step.Name)
	}
	switch step.BodyType() {
	case "request":
		return executeRequest(ctx, step, scope, handler)
	case "transform":
		return executeTransform(ctx, step, scope)
	case "condition":
		return executeCondition(ctx, step, scope, handler)
	case "loop":
		return executeLoop(ctx, step, scope, handler)
	case "stop":
		return executeStop(step)
	case "delay":
		return executeDelay(ctx, step, scope, handler)
	default:
		return StepResult{}, errs.Newf(errs.KindValidation, "step %q has no body", step.Name).With("step", step.Name)
	}
}

func executeRequest(ctx context.Context, step *ast.Step, scope *ref.Scope, handler Handler) (StepResult, error) {
	if handler == nil {
		return StepResult{}, errs.New(errs.KindExecution, "no request handler configured").With("step", step.Name)
	}
	if err := validateMethodName(step.Request.Method); err != nil {
		return StepResult{}, err.With("step", step.Name)
	}
	params, err := ref.Resolve(ctx, step.Request.Params, scope)
	if err != nil {
		return StepResult{}, err
	}
	result, err := handler.Call(ctx, step.Request.Method, params)
	if err != nil {
		return StepResult{}, wrapHandlerError(step.Request.Method, err)
	}
	return StepResult{Status: StatusSucceeded, Result: result}, nil
}

// validateMethodName enforces spec §4.E's "namespace.method" shape: a
// non-empty string with exactly one dot separating two non-empty
// identifier-like segments.
func validateMethodName(method string) *errs.FlowError {
	parts := strings.Split(method, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return errs.Newf(errs.KindValidation, "request.method %q must be a namespaced \"namespace.method\" string", method).With("method", method)
	}
	for _, part := range parts {
		for i, r := range part {
			if unicode.IsLetter(r) || r == '_' {
				continue
			}
			if i > 0 && unicode.IsDigit(r) {
				continue
			}
			return errs.Newf(errs.KindValidation, "request.method %q must be a namespaced \"namespace.method\" string", method).With("method", method)
		}
	}
	return nil
}

func wrapHandlerError(method string, err error) error {
	if _, ok := errs.KindOf(err); ok {
		return err
	}
	return errs.Wrap(errs.KindJsonRpcRequest, fmt.Sprintf("request to %q failed", method), err).With("method", method)
}

func executeStop(step *ast.Step) (StepResult, error) {
	return StepResult{Status: StatusSucceeded, Result: types.Null, EndWorkflow: step.Stop.EndWorkflow}, nil
}

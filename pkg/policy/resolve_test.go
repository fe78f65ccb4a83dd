package policy

import (
	"testing"

	"github.com/flowkit/flowengine/pkg/ast"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestResolveUsesHardcodedDefaultsWithNoPolicySources(t *testing.T) {
	flow := &ast.Flow{}
	step := &ast.Step{Name: "s", Request: &ast.RequestBody{Method: "a.b"}}

	r := Resolve(flow, step)
	if r.TimeoutMS != defaultTimeoutMS {
		t.Fatalf("TimeoutMS = %d, want %d", r.TimeoutMS, defaultTimeoutMS)
	}
	if r.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("MaxAttempts = %d, want %d", r.MaxAttempts, defaultMaxAttempts)
	}
	if r.OnFailure != defaultOnFailure {
		t.Fatalf("OnFailure = %q, want %q", r.OnFailure, defaultOnFailure)
	}
}

func TestResolveStepOverrideWinsOverEverything(t *testing.T) {
	flow := &ast.Flow{
		Policies: &ast.PolicySet{
			Global: &ast.Policy{Timeout: &ast.TimeoutPolicy{TimeoutMS: int64Ptr(9_000)}},
		},
	}
	step := &ast.Step{
		Name:    "s",
		Request: &ast.RequestBody{Method: "a.b"},
		Policies: &ast.Policy{
			Timeout: &ast.TimeoutPolicy{TimeoutMS: int64Ptr(500)},
		},
	}

	r := Resolve(flow, step)
	if r.TimeoutMS != 500 {
		t.Fatalf("TimeoutMS = %d, want 500 (step override)", r.TimeoutMS)
	}
}

func TestResolveBuiltinDefaultAppliesBelowFlowPolicy(t *testing.T) {
	defer SetBuiltinDefault(nil)
	SetBuiltinDefault(&ast.Policy{
		Timeout:     &ast.TimeoutPolicy{TimeoutMS: int64Ptr(15_000)},
		RetryPolicy: &ast.RetryPolicy{MaxAttempts: intPtr(3)},
	})

	flow := &ast.Flow{
		Policies: &ast.PolicySet{
			Global: &ast.Policy{RetryPolicy: &ast.RetryPolicy{MaxAttempts: intPtr(5)}},
		},
	}
	step := &ast.Step{Name: "s", Request: &ast.RequestBody{Method: "a.b"}}

	r := Resolve(flow, step)
	if r.TimeoutMS != 15_000 {
		t.Fatalf("TimeoutMS = %d, want 15000 from builtin default", r.TimeoutMS)
	}
	if r.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5 (flow global beats builtin default)", r.MaxAttempts)
	}
}

func TestResolveBuiltinDefaultIgnoredWhenNil(t *testing.T) {
	SetBuiltinDefault(&ast.Policy{Timeout: &ast.TimeoutPolicy{TimeoutMS: int64Ptr(1)}})
	SetBuiltinDefault(nil)

	flow := &ast.Flow{}
	step := &ast.Step{Name: "s", Request: &ast.RequestBody{Method: "a.b"}}

	r := Resolve(flow, step)
	if r.TimeoutMS != defaultTimeoutMS {
		t.Fatalf("TimeoutMS = %d, want package default %d after clearing builtin default", r.TimeoutMS, defaultTimeoutMS)
	}
}

func TestResolveStepTypePolicyBeatsStepDefaultPolicy(t *testing.T) {
	flow := &ast.Flow{
		Policies: &ast.PolicySet{
			Step: &ast.StepTypePolicies{
				Default: &ast.Policy{Execution: &ast.ExecutionPolicy{OnFailure: ast.OnFailureAbortFlow}},
				Request: &ast.Policy{Execution: &ast.ExecutionPolicy{OnFailure: ast.OnFailureContinue}},
			},
		},
	}
	step := &ast.Step{Name: "s", Request: &ast.RequestBody{Method: "a.b"}}

	r := Resolve(flow, step)
	if r.OnFailure != ast.OnFailureContinue {
		t.Fatalf("OnFailure = %q, want continue (step-type policy over step-default)", r.OnFailure)
	}
}

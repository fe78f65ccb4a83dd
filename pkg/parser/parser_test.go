package parser

import (
	"strings"
	"testing"
)

func TestParseMinimalFlow(t *testing.T) {
	src := []byte(`
name: order-fulfillment
description: Validate, charge, and ship an order
context:
  currency: USD
steps:
  - name: validate
    request: { method: orders.validate, params: { id: "${context.orderId}" } }
  - name: charge
    request: { method: payments.charge, params: { orderId: "${validate.result.id}" } }
    policies:
      timeout: { timeout: 5000 }
  - name: ship
    condition:
      if: "${charge.result.approved}"
      then:
        name: ship-request
        request: { method: shipping.create, params: { orderId: "${validate.result.id}" } }
`)
	flow, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if flow.Name != "order-fulfillment" {
		t.Fatalf("name = %q", flow.Name)
	}
	if len(flow.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(flow.Steps))
	}
	if flow.Steps[1].Policies == nil || flow.Steps[1].Policies.Timeout == nil || *flow.Steps[1].Policies.Timeout.TimeoutMS != 5000 {
		t.Fatalf("charge step timeout policy not parsed: %+v", flow.Steps[1].Policies)
	}
	ship := flow.Steps[2]
	if ship.Condition == nil || ship.Condition.Then == nil || ship.Condition.Then.Name != "ship-request" {
		t.Fatalf("condition.then not parsed: %+v", ship.Condition)
	}
	if got := flow.Context["currency"]; got != "USD" {
		t.Fatalf("context.currency = %v", got)
	}
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`steps: [{name: a, stop: {}}]`))
	if err == nil || !strings.Contains(err.Error(), "must have a 'name'") {
		t.Fatalf("expected missing-name error, got %v", err)
	}
}

func TestParseRejectsZeroBodies(t *testing.T) {
	_, err := Parse([]byte(`
name: f
steps:
  - name: a
`))
	if err == nil || !strings.Contains(err.Error(), "got none") {
		t.Fatalf("expected zero-body error, got %v", err)
	}
}

func TestParseRejectsMultipleBodies(t *testing.T) {
	_, err := Parse([]byte(`
name: f
steps:
  - name: a
    stop: {}
    delay: { durationMs: 10 }
`))
	if err == nil || !strings.Contains(err.Error(), "got [stop delay]") {
		t.Fatalf("expected multiple-body error, got %v", err)
	}
}

func TestParseRejectsAggregateStep(t *testing.T) {
	_, err := Parse([]byte(`
name: f
steps:
  - name: a
    aggregate: { of: b }
`))
	if err == nil || !strings.Contains(err.Error(), "'aggregate' step body is not supported") {
		t.Fatalf("expected aggregate rejection, got %v", err)
	}
}

func TestParseRejectsDuplicateStepNames(t *testing.T) {
	_, err := Parse([]byte(`
name: f
steps:
  - name: a
    stop: {}
  - name: a
    stop: {}
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate step name") {
		t.Fatalf("expected duplicate-name error, got %v", err)
	}
}

func TestParseLoopAndTransform(t *testing.T) {
	src := []byte(`
name: f
steps:
  - name: items
    transform:
      input: "${context.raw}"
      ops:
        - kind: filter
          using: "${item.active}"
  - name: process
    loop:
      over: "${items.result}"
      as: entry
      maxIterations: 10
      step:
        name: noop
        stop: {}
`)
	flow, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	items := flow.Steps[0]
	if items.Transform == nil || len(items.Transform.Ops) != 1 || items.Transform.Ops[0].Kind != "filter" {
		t.Fatalf("transform not parsed: %+v", items.Transform)
	}
	loopStep := flow.Steps[1]
	if loopStep.Loop == nil || loopStep.Loop.As != "entry" || loopStep.Loop.MaxIterations == nil || *loopStep.Loop.MaxIterations != 10 {
		t.Fatalf("loop not parsed: %+v", loopStep.Loop)
	}
	if loopStep.Loop.Step == nil || loopStep.Loop.Step.Name != "noop" {
		t.Fatalf("loop.step not parsed: %+v", loopStep.Loop.Step)
	}
}

func TestParsePolicySetPrecedenceLevels(t *testing.T) {
	src := []byte(`
name: f
policies:
  global:
    timeout: { timeout: 30000 }
    execution: { maxConcurrency: 4, onFailure: continue }
  step:
    default:
      retryPolicy: { maxAttempts: 2 }
    request:
      retryPolicy: { maxAttempts: 5, backoff: { initial: 200, multiplier: 1.5, max: 2000, strategy: linear } }
steps:
  - name: a
    stop: {}
`)
	flow, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g := flow.Policies.Global
	if g.Timeout == nil || *g.Timeout.TimeoutMS != 30000 {
		t.Fatalf("global.timeout = %+v", g.Timeout)
	}
	if g.Execution == nil || *g.Execution.MaxConcurrency != 4 || g.Execution.OnFailure != "continue" {
		t.Fatalf("global.execution = %+v", g.Execution)
	}
	reqPolicy := flow.Policies.Step.ByType("request")
	if reqPolicy == nil || reqPolicy.RetryPolicy == nil || *reqPolicy.RetryPolicy.MaxAttempts != 5 {
		t.Fatalf("step.request.retryPolicy = %+v", reqPolicy)
	}
	if reqPolicy.RetryPolicy.Backoff.Strategy != "linear" {
		t.Fatalf("backoff.strategy = %v", reqPolicy.RetryPolicy.Backoff.Strategy)
	}
}

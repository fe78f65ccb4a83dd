package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/executor"
	"github.com/flowkit/flowengine/pkg/parser"
	"github.com/flowkit/flowengine/pkg/types"
)

// stubHandler answers every "rpc.discover" call with an error (so
// discovery stays disabled and never rejects a test method) and every
// other call with whatever fn returns. gate, if set, blocks the named
// method until the test closes its channel, so tests can control
// interleaving deterministically.
type stubHandler struct {
	mu      sync.Mutex
	calls   []string
	fn      func(method string, params types.Value) (types.Value, error)
	gate    map[string]chan struct{}
	entered map[string]chan struct{}
}

func newStubHandler(fn func(method string, params types.Value) (types.Value, error)) *stubHandler {
	return &stubHandler{fn: fn, gate: make(map[string]chan struct{}), entered: make(map[string]chan struct{})}
}

// addGate makes method block until the test closes the returned gate
// channel or the call's context is canceled. A second channel, obtained
// with waitEntered, closes the instant the call starts waiting, so the test can
// synchronize on "the handler is now blocked" instead of polling.
func (h *stubHandler) addGate(method string) (gate chan struct{}) {
	gate = make(chan struct{})
	h.mu.Lock()
	h.gate[method] = gate
	h.entered[method] = make(chan struct{})
	h.mu.Unlock()
	return gate
}

func (h *stubHandler) Call(ctx context.Context, method string, params types.Value) (types.Value, error) {
	if method == "rpc.discover" {
		return types.Null, errors.New("discovery not supported")
	}
	h.mu.Lock()
	h.calls = append(h.calls, method)
	gate := h.gate[method]
	entered := h.entered[method]
	h.mu.Unlock()
	if gate != nil {
		close(entered)
		select {
		case <-gate:
		case <-ctx.Done():
			return types.Value{}, context.Cause(ctx)
		}
	}
	if h.fn != nil {
		return h.fn(method, params)
	}
	return types.NewString("ok"), nil
}

func (h *stubHandler) waitEntered(method string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entered[method]
}

func (h *stubHandler) callCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.calls {
		if m == method {
			n++
		}
	}
	return n
}

func buildExecutor(t *testing.T, src string, h executor.Handler) *Executor {
	t.Helper()
	f, err := parser.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parser.Parse: %v", err)
	}
	ex, err := New(f, h, nil)
	if err != nil {
		t.Fatalf("flow.New: %v", err)
	}
	return ex
}

func TestExecuteLinearSuccess(t *testing.T) {
	src := `
name: order
steps:
  - name: validate
    request: { method: orders.validate, params: { id: "${context.orderId}" } }
  - name: charge
    request: { method: payments.charge, params: { orderId: "${validate}" } }
context:
  orderId: "ord-1"
`
	h := newStubHandler(nil)
	ex := buildExecutor(t, src, h)

	res, err := ex.Execute(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if res.StepStatus["validate"] != executor.StatusSucceeded || res.StepStatus["charge"] != executor.StatusSucceeded {
		t.Fatalf("step status = %+v", res.StepStatus)
	}
	if h.callCount("orders.validate") != 1 || h.callCount("payments.charge") != 1 {
		t.Fatalf("unexpected call counts: %+v", h.calls)
	}
}

func TestUpstreamFailureSkipsDependentsWithReason(t *testing.T) {
	src := `
name: order
steps:
  - name: validate
    request: { method: orders.validate, params: {} }
  - name: charge
    request: { method: payments.charge, params: { orderId: "${validate}" } }
`
	h := newStubHandler(func(method string, params types.Value) (types.Value, error) {
		if method == "orders.validate" {
			return types.Value{}, errs.New(errs.KindValidation, "boom")
		}
		return types.NewString("ok"), nil
	})
	ex := buildExecutor(t, src, h)

	res, err := ex.Execute(context.Background(), "run-1")
	if err == nil {
		t.Fatalf("Execute: want error")
	}
	if res.State != RunFailed {
		t.Fatalf("state = %q, want failed", res.State)
	}
	if res.StepStatus["charge"] != executor.StatusSkipped {
		t.Fatalf("charge status = %q, want skipped", res.StepStatus["charge"])
	}
	if res.SkipReason["charge"] != "upstream-failure" {
		t.Fatalf("charge skip reason = %q, want upstream-failure", res.SkipReason["charge"])
	}
	if h.callCount("payments.charge") != 0 {
		t.Fatalf("charge should never have been called")
	}
	var execErr *errs.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err type = %T, want *errs.ExecutionError", err)
	}
}

func TestStopEndsWorkflowAndSkipsRemaining(t *testing.T) {
	src := `
name: order
steps:
  - name: halt
    stop: { endWorkflow: true }
  - name: never
    request: { method: shipping.create, params: {} }
`
	h := newStubHandler(nil)
	ex := buildExecutor(t, src, h)

	res, err := ex.Execute(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if res.StepStatus["never"] != executor.StatusSkipped {
		t.Fatalf("never status = %q, want skipped", res.StepStatus["never"])
	}
	if res.SkipReason["never"] != "stop" {
		t.Fatalf("never skip reason = %q, want stop", res.SkipReason["never"])
	}
	if h.callCount("shipping.create") != 0 {
		t.Fatalf("never should not have been called")
	}
}

func TestStopInsideLoopPropagatesEndWorkflow(t *testing.T) {
	src := `
name: order
steps:
  - name: scan
    loop:
      over: "${context.items}"
      as: item
      steps:
        - name: check
          condition:
            if: "${item}"
            then:
              name: halt-now
              stop: { endWorkflow: true }
            else:
              name: keep-going
              request: { method: audit.log, params: { item: "${item}" } }
  - name: never
    request: { method: shipping.create, params: {} }
context:
  items: [false, true, false]
`
	h := newStubHandler(nil)
	ex := buildExecutor(t, src, h)

	res, err := ex.Execute(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.StepStatus["scan"] != executor.StatusSucceeded {
		t.Fatalf("scan status = %q", res.StepStatus["scan"])
	}
	if res.StepStatus["never"] != executor.StatusSkipped {
		t.Fatalf("never status = %q, want skipped", res.StepStatus["never"])
	}
	if res.SkipReason["never"] != "stop" {
		t.Fatalf("never skip reason = %q, want stop", res.SkipReason["never"])
	}
}

func TestPauseReturnsPauseErrorAndSkipsRemaining(t *testing.T) {
	src := `
name: order
steps:
  - name: first
    request: { method: orders.validate, params: {} }
  - name: second
    request: { method: payments.charge, params: { id: "${first}" } }
`
	h := newStubHandler(nil)
	gate := h.addGate("orders.validate")

	ex := buildExecutor(t, src, h)

	var mu sync.Mutex
	var live *Run
	ex.OnRunStart = func(runID string, r *Run) {
		mu.Lock()
		live = r
		mu.Unlock()
	}

	resCh := make(chan *Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := ex.Execute(context.Background(), "run-1")
		resCh <- res
		errCh <- err
	}()

	select {
	case <-h.waitEntered("orders.validate"):
	case <-time.After(2 * time.Second):
		t.Fatalf("handler was never called")
	}

	mu.Lock()
	r := live
	mu.Unlock()
	r.Pause()
	close(gate)

	res := <-resCh
	err := <-errCh

	if err == nil {
		t.Fatalf("Execute: want PauseError")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.KindPause {
		t.Fatalf("err kind = %v, want PauseError", kind)
	}
	if res.State != RunPaused {
		t.Fatalf("state = %q, want paused", res.State)
	}
	if res.StepStatus["second"] != executor.StatusSkipped {
		t.Fatalf("second status = %q, want skipped", res.StepStatus["second"])
	}
	if res.SkipReason["second"] != "pause" {
		t.Fatalf("second skip reason = %q, want pause", res.SkipReason["second"])
	}
}

func TestResumeSkipsAlreadySucceededSteps(t *testing.T) {
	src := `
name: order
steps:
  - name: validate
    request: { method: orders.validate, params: {} }
  - name: charge
    request: { method: payments.charge, params: { id: "${validate}" } }
`
	h := newStubHandler(nil)
	ex := buildExecutor(t, src, h)

	prior := &Result{
		RunID:       "run-1",
		StepResults: map[string]types.Value{"validate": types.NewString("already-done")},
		StepStatus:  map[string]executor.Status{"validate": executor.StatusSucceeded},
		SkipReason:  map[string]string{},
	}

	sub, unsub := ex.Bus.Subscribe()
	defer unsub()

	res, err := ex.Resume(context.Background(), "run-1", prior)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if h.callCount("orders.validate") != 0 {
		t.Fatalf("validate should not be re-invoked, called %d times", h.callCount("orders.validate"))
	}
	if h.callCount("payments.charge") != 1 {
		t.Fatalf("charge should be invoked once, called %d times", h.callCount("payments.charge"))
	}

	var sawAlreadyExecuted bool
	drain := true
	for drain {
		select {
		case ev := <-sub:
			if ev.StepName == "validate" && ev.Reason == "already executed" {
				sawAlreadyExecuted = true
			}
		default:
			drain = false
		}
	}
	if !sawAlreadyExecuted {
		t.Fatalf("expected a STEP_SKIP(already executed) event for validate")
	}
}

func TestRetryReexecutesOnlyFailedAndDownstream(t *testing.T) {
	src := `
name: order
steps:
  - name: validate
    request: { method: orders.validate, params: {} }
  - name: charge
    request: { method: payments.charge, params: { id: "${validate}" } }
`
	h := newStubHandler(nil)
	ex := buildExecutor(t, src, h)

	prior := &Result{
		RunID:       "run-1",
		StepResults: map[string]types.Value{"validate": types.NewString("v")},
		StepStatus:  map[string]executor.Status{"validate": executor.StatusSucceeded, "charge": executor.StatusFailed},
		SkipReason:  map[string]string{},
	}

	res, err := ex.Retry(context.Background(), "run-1", prior)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.State != RunSucceeded {
		t.Fatalf("state = %q, want succeeded", res.State)
	}
	if h.callCount("orders.validate") != 0 {
		t.Fatalf("validate should not be re-invoked on retry")
	}
	if h.callCount("payments.charge") != 1 {
		t.Fatalf("charge should be re-invoked once on retry")
	}
}

// Package flow implements the Flow Executor (spec §4.F): the scheduler
// that walks a flow's dependency graph, runs steps with bounded
// concurrency once their dependencies are satisfied, retries failed
// steps per their resolved policy, and supports pausing, resuming, and
// resuming-from a given step. Grounded on the teacher's pkg/runtime
// engine.go dispatch-and-schedule loop, generalized from its single-pass
// statement interpreter to a dependency-driven, concurrent scheduler.
package flow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/deps"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/events"
	"github.com/flowkit/flowengine/pkg/executor"
	"github.com/flowkit/flowengine/pkg/policy"
	"github.com/flowkit/flowengine/pkg/ref"
	"github.com/flowkit/flowengine/pkg/types"
)

// Cancellation causes (spec §4.F). Timeout is attached to a step's own
// context; manual, stop, pause, and upstream-failure (an abort-flow
// failure) are attached to the run's root context. Stop-caused cancellation returns normally;
// pause-caused surfaces as PauseError; manual surfaces as the plain
// canceled-run StateError.
var (
	ErrTimeoutCause         = errors.New("timeout")
	ErrManualCancel         = errors.New("manual")
	ErrStopCancel           = errors.New("stop")
	ErrUpstreamFailureCause = errors.New("upstream-failure")
	ErrPauseCause           = errors.New("pause")
)

// RunState is the execution-wide status (distinct from per-step status).
type RunState string

const (
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// Executor holds a flow's resolved dependency graph and is reused across
// every run of that flow.
type Executor struct {
	Flow    *ast.Flow
	Graph   *deps.Graph
	Order   []string
	Handler executor.Handler
	Bus     *events.Bus

	// OnRunStart, if set, is called with the live *Run the instant it is
	// constructed, before any step executes. Execute/Retry/ResumeFrom
	// block until the run finishes, so a caller that wants to
	// Pause/Resume/Cancel a run concurrently (e.g. the HTTP API,
	// running Execute in a goroutine) registers the handle here.
	OnRunStart func(runID string, r *Run)

	disc discovery
}

// New validates flow's dependency graph and prepares an Executor. The
// graph is built once and reused by every Run.
func New(flow *ast.Flow, handler executor.Handler, bus *events.Bus) (*Executor, error) {
	g, err := deps.Build(flow)
	if err != nil {
		return nil, err
	}
	order, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = events.NewBus(events.DefaultVerbosity())
	}
	return &Executor{Flow: flow, Graph: g, Order: order, Handler: handler, Bus: bus}, nil
}

// Run is one execution instance of a flow.
type Run struct {
	ex    *Executor
	runID string

	mu         sync.Mutex
	status     map[string]executor.Status
	results    map[string]types.Value
	stepErrs   map[string]error
	skipReason map[string]string

	contextVal types.Value

	ctx    context.Context
	cancel context.CancelCauseFunc

	endWorkflow bool
	abort       bool
}

// Result is a Run's terminal snapshot, suitable for persisting to the
// Run Store or returning from the HTTP API.
type Result struct {
	RunID       string
	State       RunState
	Context     types.Value
	StepResults map[string]types.Value
	StepStatus  map[string]executor.Status
	SkipReason  map[string]string
	Err         error
	LastFailed  string
}

// Execute runs every step of the flow from a clean slate.
func (ex *Executor) Execute(ctx context.Context, runID string) (*Result, error) {
	return ex.run(ctx, runID, nil, nil, ex.Order)
}

// Resume continues a paused run: steps already marked succeeded in
// prior are treated as done (each emits a STEP_SKIP with reason
// "already executed" instead of re-invoking its executor) and every
// other step is scheduled exactly as in a fresh Execute (spec §4.F).
func (ex *Executor) Resume(ctx context.Context, runID string, prior *Result) (*Result, error) {
	var targets []string
	for _, name := range ex.Order {
		if prior.StepStatus[name] != executor.StatusSucceeded {
			targets = append(targets, name)
		}
	}
	for name, st := range prior.StepStatus {
		if st == executor.StatusSucceeded {
			ex.Bus.Publish(events.Event{Kind: events.StepSkip, FlowName: ex.Flow.Name, RunID: runID, StepName: name, Reason: "already executed"})
		}
	}
	return ex.run(ctx, runID, prior.StepResults, prior.StepStatus, targets)
}

// Retry re-executes only the steps that previously failed or were skipped
// (and their transitive dependents), reusing every other step's persisted
// result.
func (ex *Executor) Retry(ctx context.Context, runID string, prior *Result) (*Result, error) {
	targets := ex.downstreamClosure(failedOrSkipped(prior))
	return ex.run(ctx, runID, prior.StepResults, prior.StepStatus, targets)
}

// ResumeFrom re-executes stepName and everything downstream of it,
// reusing persisted results for every step strictly upstream.
func (ex *Executor) ResumeFrom(ctx context.Context, runID string, prior *Result, stepName string) (*Result, error) {
	if _, ok := ex.Graph.Steps[stepName]; !ok {
		return nil, errs.Newf(errs.KindValidation, "unknown step %q", stepName).With("step", stepName)
	}
	targets := ex.downstreamClosure([]string{stepName})
	return ex.run(ctx, runID, prior.StepResults, prior.StepStatus, targets)
}

func failedOrSkipped(prior *Result) []string {
	var names []string
	for name, st := range prior.StepStatus {
		if st == executor.StatusFailed || st == executor.StatusSkipped {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// downstreamClosure returns seeds plus every step transitively dependent
// on any of them, in no particular order.
func (ex *Executor) downstreamClosure(seeds []string) []string {
	dependents := make(map[string][]string)
	for name, set := range ex.Graph.DependsOn {
		for dep := range set {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, seeds...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[n] {
			continue
		}
		visited[n] = true
		stack = append(stack, dependents[n]...)
	}
	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (ex *Executor) run(parent context.Context, runID string, seedResults map[string]types.Value, seedStatus map[string]executor.Status, targets []string) (*Result, error) {
	ctx, cancel := context.WithCancelCause(parent)
	r := &Run{
		ex:         ex,
		runID:      runID,
		status:     make(map[string]executor.Status),
		results:    make(map[string]types.Value),
		stepErrs:   make(map[string]error),
		skipReason: make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
	}

	if ex.OnRunStart != nil {
		ex.OnRunStart(runID, r)
	}

	for name, v := range seedResults {
		r.results[name] = v
	}
	for name, st := range seedStatus {
		if st == executor.StatusSucceeded {
			r.status[name] = st
		}
	}

	contextVal, err := literalContext(ex.Flow.Context)
	if err != nil {
		cancel(nil)
		return nil, err
	}
	r.contextVal = contextVal

	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	indegree := make(map[string]int)
	dependents := make(map[string][]string)
	for _, name := range targets {
		count := 0
		for dep := range ex.Graph.DependsOn[name] {
			if targetSet[dep] {
				count++
				dependents[dep] = append(dependents[dep], name)
			}
		}
		indegree[name] = count
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	if hasRequestStep(ex.Flow.Steps) {
		ex.disc.ensure(ctx, ex.Handler)
	}

	ex.Bus.Publish(events.Event{Kind: events.FlowStart, FlowName: ex.Flow.Name, RunID: runID})

	numWorkers := ex.globalConcurrency()
	if numWorkers <= 0 || numWorkers > len(targets) {
		numWorkers = len(targets)
	}
	if numWorkers < 1 {
		numWorkers = 1
	}

	readyCh := make(chan string, len(targets)+1)
	completions := make(chan string, len(targets)+1)

	var workers sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for name := range readyCh {
				r.mu.Lock()
				_, preSkipped := r.status[name]
				r.mu.Unlock()
				switch {
				case preSkipped:
					// A dependency's failure already resolved this step's
					// fate via skipDependents before the scheduler got to
					// it (onFailure=continue still skips everything
					// downstream of the failure; it only avoids aborting
					// the rest of the flow).
				case r.isHalted():
					reason := reasonForCause(r.ctx)
					r.mu.Lock()
					r.status[name] = executor.StatusSkipped
					r.skipReason[name] = reason
					r.mu.Unlock()
					r.ex.Bus.Publish(events.Event{Kind: events.StepSkip, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: name, Reason: reason})
				default:
					r.runStep(name)
				}
				completions <- name
			}
		}()
	}

	pending := len(targets)
	for _, name := range targets {
		if indegree[name] == 0 {
			readyCh <- name
		}
	}
	for pending > 0 {
		name := <-completions
		pending--
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				readyCh <- dep
			}
		}
	}
	close(readyCh)
	workers.Wait()

	ex.finalize(r, contextVal)
	return r.toResult(), r.finalErr()
}

func (r *Run) isHalted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.abort || r.ctx.Err() != nil
}

func (r *Run) finalErr() error {
	if errors.Is(context.Cause(r.ctx), ErrPauseCause) {
		return errs.Wrap(errs.KindPause, "run paused", context.Cause(r.ctx))
	}
	failures := map[string]error{}
	r.mu.Lock()
	for name, err := range r.stepErrs {
		failures[name] = err
	}
	r.mu.Unlock()
	if len(failures) == 0 {
		return nil
	}
	return &errs.ExecutionError{Failures: failures}
}

func (r *Run) runStep(name string) {
	step := r.ex.Graph.Steps[name]
	pol := policy.Resolve(r.ex.Flow, step)

	scope := r.buildScope(step)
	stepCtx, stepCancel := context.WithTimeoutCause(r.ctx, time.Duration(pol.TimeoutMS)*time.Millisecond, ErrTimeoutCause)
	defer stepCancel()
	stepCtx = ref.WithExpressionTimeout(stepCtx, pol.ExpressionEvalMS)

	correlationID := events.NewCorrelationID()
	r.ex.Bus.Publish(events.Event{Kind: events.StepStart, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: name, CorrelationID: correlationID})

	var result executor.StepResult
	var err error
	if step.Request != nil {
		err = r.ex.disc.validateMethod(step.Request.Method)
	}
	if err == nil {
		result, err = r.executeWithRetry(stepCtx, step, scope, pol, correlationID)
	}

	r.mu.Lock()
	if err != nil {
		r.status[name] = executor.StatusFailed
		r.stepErrs[name] = err
	} else {
		r.status[name] = result.Status
		r.results[name] = result.Result
		if result.EndWorkflow {
			r.endWorkflow = true
		}
	}
	r.mu.Unlock()

	if err != nil {
		r.ex.Bus.Publish(events.Event{Kind: events.StepError, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: name, CorrelationID: correlationID, Err: err.Error()})
		r.handleFailure(name, pol, err)
		return
	}
	r.ex.Bus.Publish(events.Event{Kind: events.StepComplete, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: name, CorrelationID: correlationID, Result: result.Result.ToGo()})
	r.ex.Bus.Publish(events.Event{Kind: events.DependencyResolved, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: name})

	if result.EndWorkflow {
		r.mu.Lock()
		r.abort = true
		r.mu.Unlock()
		r.cancel(ErrStopCancel)
	}
}

func (r *Run) handleFailure(name string, pol policy.Resolved, err error) {
	if pol.OnFailure == ast.OnFailureAbortFlow {
		r.mu.Lock()
		r.abort = true
		r.mu.Unlock()
		r.cancel(ErrUpstreamFailureCause)
	}
	r.skipDependents(name)
}

func (r *Run) skipDependents(failed string) {
	// A dependent is only skipped "upstream-failure" when failed itself
	// failed on its own terms. If the run's root context already carries
	// a cancellation cause (pause, stop, manual), that cause is the real
	// reason nothing downstream ever ran, even though failed's own error
	// surfaced first.
	reason := "upstream-failure"
	if cause := context.Cause(r.ctx); cause != nil {
		reason = reasonForCause(r.ctx)
	}

	dependents := make(map[string][]string)
	for n, set := range r.ex.Graph.DependsOn {
		for dep := range set {
			dependents[dep] = append(dependents[dep], n)
		}
	}
	var skip func(string)
	skip = func(n string) {
		for _, dep := range dependents[n] {
			r.mu.Lock()
			_, already := r.status[dep]
			if !already {
				r.status[dep] = executor.StatusSkipped
				r.skipReason[dep] = reason
			}
			r.mu.Unlock()
			if !already {
				r.ex.Bus.Publish(events.Event{Kind: events.StepSkip, FlowName: r.ex.Flow.Name, RunID: r.runID, StepName: dep, Reason: reason})
				skip(dep)
			}
		}
	}
	skip(failed)
}

// executeWithRetry runs step, retrying through cenkalti/backoff under the
// resolved policy's attempt count and backoff curve. Only errors whose
// Kind appears in the policy's retryableErrors are retried; anything
// else is wrapped in backoff.Permanent so the first attempt is final.
func (r *Run) executeWithRetry(ctx context.Context, step *ast.Step, scope *ref.Scope, pol policy.Resolved, correlationID string) (executor.StepResult, error) {
	var bo backoff.BackOff
	switch pol.BackoffStrategy {
	case ast.BackoffLinear:
		bo = &linearBackoff{initial: time.Duration(pol.BackoffInitial) * time.Millisecond, max: time.Duration(pol.BackoffMax) * time.Millisecond}
	default:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Duration(pol.BackoffInitial) * time.Millisecond
		eb.Multiplier = pol.BackoffMultiply
		eb.MaxInterval = time.Duration(pol.BackoffMax) * time.Millisecond
		bo = eb
	}

	retryableKinds := kindsFromNames(pol.RetryableErrors)
	var attempts []error

	operation := func() (executor.StepResult, error) {
		if err := ctx.Err(); err != nil {
			return executor.StepResult{}, backoff.Permanent(classifyCancel(ctx, err))
		}
		result, err := executor.Execute(ctx, step, scope, r.ex.Handler)
		if err == nil {
			return result, nil
		}
		attempts = append(attempts, err)
		if !errs.IsRetryable(err, retryableKinds) {
			return executor.StepResult{}, backoff.Permanent(err)
		}
		return executor.StepResult{}, err
	}

	maxTries := pol.MaxAttempts
	if maxTries < 1 {
		maxTries = 1
	}
	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err != nil {
		if len(attempts) > 1 {
			return executor.StepResult{}, &errs.MaxRetriesExceededError{Step: step.Name, Attempts: attempts}
		}
		if len(attempts) == 1 {
			return executor.StepResult{}, attempts[0]
		}
		return executor.StepResult{}, err
	}
	return result, nil
}

// reasonForCause maps a run's cancellation cause to the STEP_SKIP reason
// used for every step the scheduler never got to start (spec §4.G).
func reasonForCause(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrManualCancel):
		return "manual"
	case errors.Is(cause, ErrStopCancel):
		return "stop"
	case errors.Is(cause, ErrUpstreamFailureCause):
		return "upstream-failure"
	case errors.Is(cause, ErrPauseCause):
		return "pause"
	default:
		return "upstream-failure"
	}
}

func classifyCancel(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrTimeoutCause):
		return errs.Wrap(errs.KindTimeout, "step deadline exceeded", err)
	case errors.Is(cause, ErrManualCancel):
		return errs.Wrap(errs.KindState, "run canceled manually", err)
	case errors.Is(cause, ErrStopCancel):
		return errs.Wrap(errs.KindState, "run stopped", err)
	case errors.Is(cause, ErrUpstreamFailureCause):
		return errs.Wrap(errs.KindDependency, "upstream step failed", err)
	case errors.Is(cause, ErrPauseCause):
		return errs.Wrap(errs.KindPause, "run paused", err)
	default:
		return errs.Wrap(errs.KindTimeout, "canceled", err)
	}
}

func kindsFromNames(names []string) []errs.Kind {
	out := make([]errs.Kind, 0, len(names))
	for _, n := range names {
		out = append(out, nameToKind(n))
	}
	return out
}

func nameToKind(name string) errs.Kind {
	switch name {
	case "network":
		return errs.KindNetwork
	case "timeout":
		return errs.KindTimeout
	case "operation-timeout":
		return errs.KindOperationTimeout
	default:
		return errs.Kind(name)
	}
}

func (r *Run) buildScope(step *ast.Step) *ref.Scope {
	s := ref.NewScope()
	r.mu.Lock()
	for name, v := range r.results {
		s.Set(name, v)
	}
	r.mu.Unlock()
	s.Set("context", r.contextVal)
	s.Set("metadata", types.FromJSON(map[string]interface{}(step.Metadata)))
	return s
}

func (ex *Executor) finalize(r *Run, _ types.Value) {
	r.mu.Lock()
	var newlySkipped []string
	for _, name := range ex.Order {
		if _, ok := r.status[name]; !ok && r.endWorkflow {
			r.status[name] = executor.StatusSkipped
			r.skipReason[name] = "stop"
			newlySkipped = append(newlySkipped, name)
		}
	}
	r.mu.Unlock()
	for _, name := range newlySkipped {
		ex.Bus.Publish(events.Event{Kind: events.StepSkip, FlowName: ex.Flow.Name, RunID: r.runID, StepName: name, Reason: "stop"})
	}
}

func (r *Run) toResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := make(map[string]executor.Status, len(r.status))
	for k, v := range r.status {
		status[k] = v
	}
	results := make(map[string]types.Value, len(r.results))
	for k, v := range r.results {
		results[k] = v
	}
	skip := make(map[string]string, len(r.skipReason))
	for k, v := range r.skipReason {
		skip[k] = v
	}

	state := RunSucceeded
	lastFailed := ""
	if len(r.stepErrs) > 0 {
		state = RunFailed
		names := make([]string, 0, len(r.stepErrs))
		for n := range r.stepErrs {
			names = append(names, n)
		}
		sort.Strings(names)
		lastFailed = names[len(names)-1]
	}

	ex := r.ex
	var finalErr error
	switch {
	case errors.Is(context.Cause(r.ctx), ErrPauseCause):
		// Pause surfaces as a single PauseError (spec §4.F/§7), not an
		// aggregate of whatever in-flight steps failed while winding down.
		state = RunPaused
		finalErr = errs.Wrap(errs.KindPause, "run paused", context.Cause(r.ctx))
		ex.Bus.Publish(events.Event{Kind: events.FlowError, FlowName: ex.Flow.Name, RunID: r.runID, Err: finalErr.Error()})
	case len(r.stepErrs) > 0:
		failures := make(map[string]error, len(r.stepErrs))
		for k, v := range r.stepErrs {
			failures[k] = v
		}
		finalErr = &errs.ExecutionError{Failures: failures}
		ex.Bus.Publish(events.Event{Kind: events.FlowError, FlowName: ex.Flow.Name, RunID: r.runID, Err: finalErr.Error()})
	default:
		ex.Bus.Publish(events.Event{Kind: events.FlowComplete, FlowName: ex.Flow.Name, RunID: r.runID})
	}
	ex.Bus.Publish(events.Event{Kind: events.FlowFinish, FlowName: ex.Flow.Name, RunID: r.runID})

	return &Result{
		RunID:       r.runID,
		State:       state,
		Context:     r.contextVal,
		StepResults: results,
		StepStatus:  status,
		SkipReason:  skip,
		Err:         finalErr,
		LastFailed:  lastFailed,
	}
}

// Pause cancels the run with the pause cause (spec §4.F/§6): no
// not-yet-started step is admitted, in-flight steps are awaited, and
// Execute/Retry/ResumeFrom/Resume returns a PauseError once it drains.
// A no-op if the run is already finished or already canceled.
func (r *Run) Pause() {
	r.mu.Lock()
	alreadyDone := r.ctx.Err() != nil
	if !alreadyDone {
		r.abort = true
	}
	r.mu.Unlock()
	if !alreadyDone {
		r.cancel(ErrPauseCause)
	}
}

// Cancel aborts the run immediately: in-flight steps' contexts are
// canceled with the manual cause.
func (r *Run) Cancel() {
	r.mu.Lock()
	r.abort = true
	r.mu.Unlock()
	r.cancel(ErrManualCancel)
}

func (ex *Executor) globalConcurrency() int {
	if ex.Flow.Policies == nil || ex.Flow.Policies.Global == nil || ex.Flow.Policies.Global.Execution == nil ||
		ex.Flow.Policies.Global.Execution.MaxConcurrency == nil {
		return 0
	}
	return *ex.Flow.Policies.Global.Execution.MaxConcurrency
}

// linearBackoff implements backoff.BackOff with a constant step size,
// for policies configured with strategy=linear (spec §4.D).
type linearBackoff struct {
	initial time.Duration
	max     time.Duration
	count   int
}

func (l *linearBackoff) NextBackOff() time.Duration {
	l.count++
	d := l.initial * time.Duration(l.count)
	if d > l.max {
		d = l.max
	}
	return d
}

func (l *linearBackoff) Reset() { l.count = 0 }

func literalContext(raw map[string]interface{}) (types.Value, error) {
	if raw == nil {
		return types.NewMap(types.NewOrderedMap()), nil
	}
	v := types.FromJSON(map[string]interface{}(raw))
	return v, nil
}

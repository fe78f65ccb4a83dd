// Package policy implements the Policy Resolver (spec §4.D): merging a
// step's timeout, retry, and execution configuration from its
// precedence chain of sources down to the engine's built-in defaults,
// field by field rather than struct by struct.
package policy

import (
	"github.com/flowkit/flowengine/pkg/ast"
)

// Resolved is the fully merged, non-nil policy a step actually executes
// under.
type Resolved struct {
	TimeoutMS        int64
	ExpressionEvalMS int64

	MaxAttempts     int
	BackoffInitial  int64
	BackoffMultiply float64
	BackoffMax      int64
	BackoffStrategy ast.BackoffStrategy
	RetryableErrors []string

	MaxConcurrency int
	OnFailure      ast.OnFailure
}

// Built-in defaults (spec §4.D).
const (
	defaultTimeoutMS         int64 = 30_000
	defaultExpressionEvalMS  int64 = 100
	defaultMaxAttempts             = 1
	defaultBackoffInitialMS  int64 = 1_000
	defaultBackoffMultiplier       = 2.0
	defaultBackoffMaxMS      int64 = 5_000
	defaultMaxConcurrency           = 0 // 0 means unbounded
)

var defaultBackoffStrategy = ast.BackoffExponential

var defaultRetryableErrors = []string{"network", "timeout", "operation-timeout"}

var defaultOnFailure = ast.OnFailureContinue

// builtinDefault is an optional policy layer below every flow-authored
// source and above the package's hardcoded constants above (spec §4.D,
// §4.L): a CLI or server deployment can supply one from a config file so
// every flow it runs inherits shop-wide timeout/retry defaults without
// each flow author repeating them. Nil (the zero value) means only the
// hardcoded constants apply, which is the behavior before SetBuiltinDefault
// is ever called.
var builtinDefault *ast.Policy

// SetBuiltinDefault installs p as the lowest-precedence policy layer,
// below flow.policies.global, for every subsequent Resolve call. Passing
// nil restores the plain hardcoded defaults.
func SetBuiltinDefault(p *ast.Policy) {
	builtinDefault = p
}

// Resolve walks the precedence chain — step override, flow per-step-type
// policy, flow step-default policy, flow global policy, built-in default
// — picking the first non-nil value for each field independently.
func Resolve(flow *ast.Flow, step *ast.Step) Resolved {
	bodyType := step.BodyType()

	var stepTypePolicy, stepDefaultPolicy, globalPolicy *ast.Policy
	if flow.Policies != nil {
		globalPolicy = flow.Policies.Global
		if flow.Policies.Step != nil {
			stepTypePolicy = flow.Policies.Step.ByType(bodyType)
			stepDefaultPolicy = flow.Policies.Step.Default
		}
	}
	chain := []*ast.Policy{step.Policies, stepTypePolicy, stepDefaultPolicy, globalPolicy, builtinDefault}

	r := Resolved{
		TimeoutMS:        defaultTimeoutMS,
		ExpressionEvalMS: defaultExpressionEvalMS,
		MaxAttempts:      defaultMaxAttempts,
		BackoffInitial:   defaultBackoffInitialMS,
		BackoffMultiply:  defaultBackoffMultiplier,
		BackoffMax:       defaultBackoffMaxMS,
		BackoffStrategy:  defaultBackoffStrategy,
		RetryableErrors:  defaultRetryableErrors,
		MaxConcurrency:   defaultMaxConcurrency,
		OnFailure:        defaultOnFailure,
	}

	if v, ok := firstTimeoutMS(chain); ok {
		r.TimeoutMS = v
	}
	if v, ok := firstExprEvalMS(chain); ok {
		r.ExpressionEvalMS = v
	}
	if v, ok := firstMaxAttempts(chain); ok {
		r.MaxAttempts = v
	}
	if v, ok := firstBackoffInitial(chain); ok {
		r.BackoffInitial = v
	}
	if v, ok := firstBackoffMultiply(chain); ok {
		r.BackoffMultiply = v
	}
	if v, ok := firstBackoffMax(chain); ok {
		r.BackoffMax = v
	}
	if v, ok := firstBackoffStrategy(chain); ok {
		r.BackoffStrategy = v
	}
	if v, ok := firstRetryableErrors(chain); ok {
		r.RetryableErrors = v
	}
	if v, ok := firstMaxConcurrency(chain); ok {
		r.MaxConcurrency = v
	}
	if v, ok := firstOnFailure(chain); ok {
		r.OnFailure = v
	}
	return r
}

func firstTimeoutMS(chain []*ast.Policy) (int64, bool) {
	for _, p := range chain {
		if p != nil && p.Timeout != nil && p.Timeout.TimeoutMS != nil {
			return *p.Timeout.TimeoutMS, true
		}
	}
	return 0, false
}

func firstExprEvalMS(chain []*ast.Policy) (int64, bool) {
	for _, p := range chain {
		if p != nil && p.Timeout != nil && p.Timeout.ExpressionEvalMS != nil {
			return *p.Timeout.ExpressionEvalMS, true
		}
	}
	return 0, false
}

func firstMaxAttempts(chain []*ast.Policy) (int, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.MaxAttempts != nil {
			return *p.RetryPolicy.MaxAttempts, true
		}
	}
	return 0, false
}

func firstBackoffInitial(chain []*ast.Policy) (int64, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.Backoff != nil && p.RetryPolicy.Backoff.InitialMS != nil {
			return *p.RetryPolicy.Backoff.InitialMS, true
		}
	}
	return 0, false
}

func firstBackoffMultiply(chain []*ast.Policy) (float64, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.Backoff != nil && p.RetryPolicy.Backoff.Multiplier != nil {
			return *p.RetryPolicy.Backoff.Multiplier, true
		}
	}
	return 0, false
}

func firstBackoffMax(chain []*ast.Policy) (int64, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.Backoff != nil && p.RetryPolicy.Backoff.MaxDelayMS != nil {
			return *p.RetryPolicy.Backoff.MaxDelayMS, true
		}
	}
	return 0, false
}

func firstBackoffStrategy(chain []*ast.Policy) (ast.BackoffStrategy, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.Backoff != nil && p.RetryPolicy.Backoff.Strategy != "" {
			return p.RetryPolicy.Backoff.Strategy, true
		}
	}
	return "", false
}

func firstRetryableErrors(chain []*ast.Policy) ([]string, bool) {
	for _, p := range chain {
		if p != nil && p.RetryPolicy != nil && p.RetryPolicy.RetryableErrors != nil {
			return p.RetryPolicy.RetryableErrors, true
		}
	}
	return nil, false
}

func firstMaxConcurrency(chain []*ast.Policy) (int, bool) {
	for _, p := range chain {
		if p != nil && p.Execution != nil && p.Execution.MaxConcurrency != nil {
			return *p.Execution.MaxConcurrency, true
		}
	}
	return 0, false
}

func firstOnFailure(chain []*ast.Policy) (ast.OnFailure, bool) {
	for _, p := range chain {
		if p != nil && p.Execution != nil && p.Execution.OnFailure != "" {
			return p.Execution.OnFailure, true
		}
	}
	return "", false
}

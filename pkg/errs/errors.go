// Package errs implements the flow engine's error taxonomy (spec §7): a
// single kinded error type carrying a structured context and a cause
// chain, grounded on the teacher's WorkflowError/tag pattern
// (pkg/types/errors.go in the GCW emulator) generalized from ad hoc string
// tags to a closed Kind enum.
package errs

import (
	"fmt"
	"strings"
)

// Kind identifies one of the error taxonomy's members (spec §7).
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindDependency       Kind = "DependencyError"
	KindUnknownReference Kind = "UnknownReferenceError"
	KindPropertyAccess   Kind = "PropertyAccessError"
	KindPathSyntax       Kind = "PathSyntaxError"
	KindCircularRef      Kind = "CircularReferenceError"
	KindInvalidReference Kind = "InvalidReferenceError"
	KindExpression       Kind = "ExpressionError"
	KindTimeout          Kind = "TimeoutError"
	KindNetwork          Kind = "NetworkError"
	KindJsonRpcRequest   Kind = "JsonRpcRequestError"
	KindExecution        Kind = "ExecutionError"
	KindMaxRetries       Kind = "MaxRetriesExceededError"
	KindState            Kind = "StateError"
	KindPause            Kind = "PauseError"
	// KindOperationTimeout distinguishes a handler-reported operation
	// timeout (a domain-level timeout surfaced by the handler itself)
	// from an engine-enforced deadline (KindTimeout). Both are
	// retryable by default per spec §4.D's retryableErrors default set.
	KindOperationTimeout Kind = "OperationTimeoutError"
)

// DefaultRetryableKinds is the built-in retryableErrors default (§4.D).
var DefaultRetryableKinds = []Kind{KindNetwork, KindTimeout, KindOperationTimeout}

// FlowError is the engine's single structured error type.
type FlowError struct {
	Kind    Kind
	Message string
	Context map[string]interface{}
	Cause   error
}

// New creates a FlowError with no context.
func New(kind Kind, message string) *FlowError {
	return &FlowError{Kind: kind, Message: message}
}

// Newf creates a FlowError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *FlowError {
	return &FlowError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a FlowError that chains an underlying cause.
func Wrap(kind Kind, message string, cause error) *FlowError {
	return &FlowError{Kind: kind, Message: message, Cause: cause}
}

// With attaches a context field and returns the same error for chaining:
//
//	errs.New(errs.KindTimeout, "deadline exceeded").With("step", name)
func (e *FlowError) With(key string, value interface{}) *FlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	return e.Format(false)
}

// Unwrap exposes the cause chain to errors.Is/errors.As.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Format renders kind, message, and selected context fields, optionally
// including the cause chain's messages as a poor-man's stack.
func (e *FlowError) Format(withStack bool) string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		b.WriteString(" [")
		first := true
		for _, k := range sortedKeys(e.Context) {
			if !first {
				b.WriteString(", ")
			}
			first = false
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString("]")
	}
	if withStack && e.Cause != nil {
		b.WriteString("\ncaused by: ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// KindOf extracts the Kind of err if it is (or wraps) a *FlowError.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if fe, ok := err.(*FlowError); ok {
			return fe.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}

// IsRetryable reports whether err's kind appears in the given retryable
// set.
func IsRetryable(err error, retryable []Kind) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	for _, k := range retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// ExecutionError aggregates one or more failed steps from a single run
// (spec §4.F / §7: "Multiple concurrent step failures under
// onFailure=continue are aggregated into a single ExecutionError").
type ExecutionError struct {
	Failures map[string]error // step name -> failure
}

func (e *ExecutionError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j-1] > names[j]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	var b strings.Builder
	b.WriteString(string(KindExecution))
	b.WriteString(": ")
	fmt.Fprintf(&b, "%d step(s) failed: ", len(names))
	for i, n := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %v", n, e.Failures[n])
	}
	return b.String()
}

// MaxRetriesExceededError preserves the full chain of attempt errors.
type MaxRetriesExceededError struct {
	Step     string
	Attempts []error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: step %q exhausted %d attempt(s), last error: %v",
		KindMaxRetries, e.Step, len(e.Attempts), e.lastError())
}

func (e *MaxRetriesExceededError) lastError() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.lastError()
}

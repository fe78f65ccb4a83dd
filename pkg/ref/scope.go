// Package ref implements the Reference Resolver (spec §4.A): resolving
// "${...}" paths and embedded templates against the set of roots a step
// may legally read — completed step results, the flow's static context,
// the step's own metadata, and, inside a loop body, the loop's scoped
// variables (including $index).
package ref

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/expr"
	"github.com/flowkit/flowengine/pkg/types"
)

type exprTimeoutKey struct{}

// WithExpressionTimeout attaches the resolved expressionEval budget
// (spec §4.D policies.*.timeout.expressionEval) to ctx. Resolve and
// ResolveExpr each derive a fresh bounded sub-context from it so that a
// single pathological expression cannot consume the step's entire
// timeout budget.
func WithExpressionTimeout(ctx context.Context, ms int64) context.Context {
	return context.WithValue(ctx, exprTimeoutKey{}, ms)
}

func boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ms, ok := ctx.Value(exprTimeoutKey{}).(int64)
	if !ok || ms <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// Scope is an expr.Env backed by an explicit set of named roots. The
// Flow Executor builds one per step invocation: step results accumulated
// so far, "context", "metadata" for the current step, and any loop
// variables currently in scope.
type Scope struct {
	roots map[string]types.Value
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{roots: make(map[string]types.Value)}
}

// Set binds a root name to a value, overwriting any previous binding.
func (s *Scope) Set(name string, value types.Value) *Scope {
	s.roots[name] = value
	return s
}

// Child copies the scope (used to add loop-local bindings without
// mutating the parent scope shared by sibling iterations).
func (s *Scope) Child() *Scope {
	c := NewScope()
	for k, v := range s.roots {
		c.roots[k] = v
	}
	return c
}

// Lookup implements expr.Env. An unknown root produces an
// UnknownReferenceError listing the roots that were actually available,
// per spec §4.A/§7.
func (s *Scope) Lookup(name string) (types.Value, error) {
	v, ok := s.roots[name]
	if !ok {
		return types.Null, errs.Newf(errs.KindUnknownReference, "unknown reference %q", name).
			With("name", name).
			With("available", availableRoots(s.roots))
	}
	return v, nil
}

func availableRoots(roots map[string]types.Value) string {
	names := make([]string, 0, len(roots))
	for k := range roots {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

var _ expr.Env = (*Scope)(nil)

// Resolve resolves a raw decoded value (request.params / transform.input
// shape: Value|Expr) against the scope, substituting every "${...}"
// reference. Syntax errors from the underlying parse are re-kinded as
// PathSyntaxError per spec §7.
func Resolve(ctx context.Context, raw interface{}, scope *Scope) (types.Value, error) {
	bctx, cancel := boundedContext(ctx)
	defer cancel()
	v, err := expr.ResolveValue(bctx, raw, scope)
	if err != nil {
		return types.Null, classify(timeoutOr(bctx, err))
	}
	return v, nil
}

// ResolveExpr resolves an Expr field (always a bare expression, §3:
// condition.if, transform.using, loop.over/condition) against the scope.
func ResolveExpr(ctx context.Context, src string, scope *Scope) (types.Value, error) {
	node, err := expr.ParseExprField(src)
	if err != nil {
		return types.Null, errs.Wrap(errs.KindPathSyntax, "invalid expression syntax", err).With("source", src)
	}
	bctx, cancel := boundedContext(ctx)
	defer cancel()
	v, err := expr.Evaluate(bctx, node, scope)
	if err != nil {
		return types.Null, classify(timeoutOr(bctx, err))
	}
	return v, nil
}

// timeoutOr re-kinds err as a TimeoutError when the expression's own
// bounded sub-context (not the caller's ctx) is what expired, so an
// expressionEval budget violation surfaces distinctly from an unrelated
// upstream cancellation.
func timeoutOr(bctx context.Context, err error) error {
	if bctx.Err() == context.DeadlineExceeded {
		if _, ok := errs.KindOf(err); !ok {
			return errs.Wrap(errs.KindTimeout, "expression evaluation exceeded its budget", err)
		}
	}
	return err
}

// classify re-kinds an error surfaced from pkg/expr as InvalidReferenceError
// when it doesn't already carry one of the taxonomy's specific kinds, so
// that every failure exiting pkg/ref is a *errs.FlowError.
func classify(err error) error {
	if _, ok := errs.KindOf(err); ok {
		return err
	}
	return errs.Wrap(errs.KindInvalidReference, "reference resolution failed", err)
}

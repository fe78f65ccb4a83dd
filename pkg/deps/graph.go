// Package deps implements the Dependency Resolver (spec §4.C): it
// inspects every expression-bearing field of a flow's steps, extracts
// the step names (and "context"/"metadata") each step reads, and builds
// the DAG the Flow Executor schedules against.
package deps

import (
	"fmt"
	"sort"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"github.com/flowkit/flowengine/pkg/expr"
)

const (
	rootContext  = "context"
	rootMetadata = "metadata"
	rootIndex    = "$index"
)

// Graph is the resolved dependency graph over a flow's top-level steps.
// Nested steps (condition branches, loop bodies, delayed steps) are not
// separate graph nodes: they execute inline as part of their enclosing
// top-level step, so their references are folded into that step's edge
// set.
type Graph struct {
	Flow      *ast.Flow
	Steps     map[string]*ast.Step
	Order     []string // declaration order, used for deterministic tie-breaking
	DependsOn map[string]map[string]bool
}

// Build constructs the dependency graph for flow, validating that every
// referenced step name actually exists.
func Build(flow *ast.Flow) (*Graph, error) {
	g := &Graph{
		Flow:      flow,
		Steps:     make(map[string]*ast.Step),
		DependsOn: make(map[string]map[string]bool),
	}
	for _, s := range flow.Steps {
		if _, dup := g.Steps[s.Name]; dup {
			return nil, errs.Newf(errs.KindValidation, "duplicate step name %q", s.Name).With("step", s.Name)
		}
		g.Steps[s.Name] = s
		g.Order = append(g.Order, s.Name)
	}

	for _, name := range g.Order {
		step := g.Steps[name]
		refs := make(map[string]bool)
		if err := collectStepRefs(step, map[string]bool{}, refs); err != nil {
			return nil, errs.Wrap(errs.KindDependency, fmt.Sprintf("step %q", name), err).With("step", name)
		}
		deps := make(map[string]bool)
		for ref := range refs {
			if ref == rootContext || ref == rootMetadata {
				continue
			}
			if ref == name {
				return nil, errs.Newf(errs.KindDependency, "step %q references itself", name).With("step", name)
			}
			if _, ok := g.Steps[ref]; !ok {
				return nil, errs.Newf(errs.KindDependency, "step %q depends on unknown step %q", name, ref).
					With("step", name).With("reference", ref)
			}
			deps[ref] = true
		}
		g.DependsOn[name] = deps
	}
	return g, nil
}

func collectStepRefs(step *ast.Step, bound map[string]bool, refs map[string]bool) error {
	if step == nil {
		return nil
	}
	switch {
	case step.Request != nil:
		valueRefs, err := expr.ExtractValueReferences(step.Request.Params)
		if err != nil {
			return err
		}
		mergeUnbound(valueRefs, bound, refs)

	case step.Transform != nil:
		inputRefs, err := expr.ExtractValueReferences(step.Transform.Input)
		if err != nil {
			return err
		}
		mergeUnbound(inputRefs, bound, refs)
		for _, op := range step.Transform.Ops {
			if op.Using != "" {
				exprRefs, err := extractExprRefs(op.Using)
				if err != nil {
					return err
				}
				mergeUnbound(exprRefs, opScope(op.Kind, bound), refs)
			}
			if op.HasInitial {
				initRefs, err := expr.ExtractValueReferences(op.Initial)
				if err != nil {
					return err
				}
				mergeUnbound(initRefs, bound, refs)
			}
		}

	case step.Condition != nil:
		ifRefs, err := extractExprRefs(step.Condition.If)
		if err != nil {
			return err
		}
		mergeUnbound(ifRefs, bound, refs)
		if err := collectStepRefs(step.Condition.Then, bound, refs); err != nil {
			return err
		}
		if err := collectStepRefs(step.Condition.Else, bound, refs); err != nil {
			return err
		}

	case step.Loop != nil:
		overRefs, err := extractExprRefs(step.Loop.Over)
		if err != nil {
			return err
		}
		// loop.over is evaluated in the enclosing scope, before any
		// iteration's variables are bound.
		mergeUnbound(overRefs, bound, refs)

		inner := make(map[string]bool, len(bound)+2)
		for k := range bound {
			inner[k] = true
		}
		if step.Loop.As != "" {
			inner[step.Loop.As] = true
		}
		inner["item"] = true
		inner[rootIndex] = true

		if step.Loop.Condition != "" {
			condRefs, err := extractExprRefs(step.Loop.Condition)
			if err != nil {
				return err
			}
			mergeUnbound(condRefs, inner, refs)
		}
		if err := collectStepRefs(step.Loop.Step, inner, refs); err != nil {
			return err
		}
		for _, s := range step.Loop.Steps {
			if err := collectStepRefs(s, inner, refs); err != nil {
				return err
			}
		}

	case step.Delay != nil:
		if err := collectStepRefs(step.Delay.Step, bound, refs); err != nil {
			return err
		}

	case step.Stop != nil:
		// no expression-bearing fields
	}
	return nil
}

// opScope returns bound extended with the scope variables an operation's
// "using" expression sees (spec §4.E): map/filter/reduce bind "item"
// (reduce also binds "acc"), sort binds "a"/"b" instead of "item", and
// "$index" is treated as bound for every op here (the sort comparator's
// run-time scope holds only "a" and "b").
func opScope(kind ast.OpKind, bound map[string]bool) map[string]bool {
	scope := make(map[string]bool, len(bound)+3)
	for k := range bound {
		scope[k] = true
	}
	scope[rootIndex] = true
	switch kind {
	case ast.OpSort:
		scope["a"] = true
		scope["b"] = true
	case ast.OpReduce:
		scope["acc"] = true
		scope["item"] = true
	default:
		scope["item"] = true
	}
	return scope
}

func extractExprRefs(src string) (map[string]bool, error) {
	node, err := expr.ParseExprField(src)
	if err != nil {
		return nil, errs.Wrap(errs.KindPathSyntax, "invalid expression syntax", err).With("source", src)
	}
	return expr.ExtractReferences(node), nil
}

func mergeUnbound(src, bound, dst map[string]bool) {
	for name := range src {
		if bound[name] {
			continue
		}
		dst[name] = true
	}
}

// TopoSort returns the steps in a deterministic dependency-respecting
// order: among steps that are simultaneously ready, the one declared
// earliest in the flow's step list runs first. Returns a
// CircularReferenceError (spec §7) with the offending cycle if the
// graph has one.
func (g *Graph) TopoSort() ([]string, error) {
	indegree := make(map[string]int, len(g.Order))
	dependents := make(map[string][]string, len(g.Order))
	for name, deps := range g.DependsOn {
		indegree[name] = len(deps)
		for dep := range deps {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	for _, deps := range dependents {
		sort.Strings(deps)
	}

	position := make(map[string]int, len(g.Order))
	for i, name := range g.Order {
		position[name] = i
	}

	var ready []string
	for _, name := range g.Order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.Order) {
		cycle := findCycle(g)
		return nil, errs.Newf(errs.KindCircularRef, "circular dependency among steps: %v", cycle).With("cycle", cycle)
	}
	return order, nil
}

// findCycle returns one cycle's step names, for error reporting.
func findCycle(g *Graph) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Order))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		path = append(path, name)
		deps := make([]string, 0, len(g.DependsOn[name]))
		for dep := range g.DependsOn[name] {
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case gray:
				for i, n := range path {
					if n == dep {
						cycle = append(append([]string{}, path[i:]...), dep)
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return false
	}

	for _, name := range g.Order {
		if color[name] == white {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

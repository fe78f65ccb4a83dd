// Package parser decodes Flow YAML/JSON definitions into the in-memory
// ast.Flow, the way the teacher's pkg/parser decodes GCW workflow YAML
// into ast.Workflow: a two-pass walk over a generic yaml.Node tree
// rather than a direct yaml.Unmarshal into typed structs, so that
// "${...}" scalars and nested maps round-trip into raw interface{}
// untouched for later resolution by pkg/expr/pkg/ref.
package parser

import (
	"fmt"

	"github.com/flowkit/flowengine/pkg/ast"
	"github.com/flowkit/flowengine/pkg/errs"
	"gopkg.in/yaml.v3"
)

// MaxSourceSize bounds the accepted definition size (128 KB, matching
// the teacher's parser.MaxSourceSize).
const MaxSourceSize = 128 * 1024

// locErr builds a KindValidation error tagged with the failing
// location (a step name, a flow name, or both).
func locErr(loc, format string, args ...interface{}) *errs.FlowError {
	e := errs.Newf(errs.KindValidation, format, args...)
	if loc != "" {
		e = e.With("location", loc)
	}
	return e
}

// Parse decodes a single Flow definition from YAML (or JSON, a YAML
// subset) bytes.
func Parse(source []byte) (*ast.Flow, error) {
	if len(source) > MaxSourceSize {
		return nil, locErr("", "flow source size %d exceeds maximum %d bytes", len(source), MaxSourceSize)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid YAML", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, locErr("", "empty flow definition")
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, locErr("", "flow definition must be a mapping")
	}

	return parseFlow(root)
}

func parseFlow(node *yaml.Node) (*ast.Flow, error) {
	flow := &ast.Flow{}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]

		switch key {
		case "name":
			flow.Name = val.Value
		case "description":
			flow.Description = val.Value
		case "context":
			ctx, err := mapToInterface(val, "flow context")
			if err != nil {
				return nil, err
			}
			flow.Context = ctx
		case "policies":
			policies, err := parsePolicySet(val, "flow policies")
			if err != nil {
				return nil, err
			}
			flow.Policies = policies
		case "steps":
			steps, err := parseSteps(val, flow.Name)
			if err != nil {
				return nil, err
			}
			flow.Steps = steps
		default:
			return nil, locErr("", "unknown top-level key %q", key)
		}
	}

	if flow.Name == "" {
		return nil, locErr("", "flow must have a 'name'")
	}
	if len(flow.Steps) == 0 {
		return nil, locErr(flow.Name, "flow must have at least one step")
	}

	seen := make(map[string]bool, len(flow.Steps))
	for _, s := range flow.Steps {
		if seen[s.Name] {
			return nil, locErr(flow.Name, "duplicate step name %q", s.Name)
		}
		seen[s.Name] = true
	}

	return flow, nil
}

func parseSteps(node *yaml.Node, flowName string) ([]*ast.Step, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, locErr(flowName, "'steps' must be a sequence")
	}
	steps := make([]*ast.Step, 0, len(node.Content))
	for _, item := range node.Content {
		step, err := parseStep(item, flowName)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// parseStep parses one step mapping. A step body must set exactly one
// of request/transform/condition/loop/stop/delay; zero or more than
// one is rejected here, before any dependency-graph analysis runs.
func parseStep(node *yaml.Node, flowName string) (*ast.Step, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(flowName, "each step must be a mapping")
	}

	step := &ast.Step{}
	var bodies []string

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		loc := fmt.Sprintf("step %q in %s", step.Name, flowName)

		switch key {
		case "name":
			step.Name = val.Value
		case "metadata":
			md, err := mapToInterface(val, loc)
			if err != nil {
				return nil, err
			}
			step.Metadata = md
		case "policies":
			policy, err := parsePolicy(val, loc)
			if err != nil {
				return nil, err
			}
			step.Policies = policy
		case "aggregate":
			return nil, locErr(loc, "'aggregate' step body is not supported")
		case "request":
			body, err := parseRequest(val, loc)
			if err != nil {
				return nil, err
			}
			step.Request = body
			bodies = append(bodies, key)
		case "transform":
			body, err := parseTransform(val, loc)
			if err != nil {
				return nil, err
			}
			step.Transform = body
			bodies = append(bodies, key)
		case "condition":
			body, err := parseCondition(val, loc)
			if err != nil {
				return nil, err
			}
			step.Condition = body
			bodies = append(bodies, key)
		case "loop":
			body, err := parseLoop(val, loc)
			if err != nil {
				return nil, err
			}
			step.Loop = body
			bodies = append(bodies, key)
		case "stop":
			body, err := parseStop(val, loc)
			if err != nil {
				return nil, err
			}
			step.Stop = body
			bodies = append(bodies, key)
		case "delay":
			body, err := parseDelay(val, loc)
			if err != nil {
				return nil, err
			}
			step.Delay = body
			bodies = append(bodies, key)
		default:
			return nil, locErr(loc, "unknown step key %q", key)
		}
	}

	if step.Name == "" {
		return nil, locErr(flowName, "step must have a 'name'")
	}
	loc := fmt.Sprintf("step %q in %s", step.Name, flowName)
	if len(bodies) == 0 {
		return nil, locErr(loc, "step must have exactly one body (request/transform/condition/loop/stop/delay), got none")
	}
	if len(bodies) > 1 {
		return nil, locErr(loc, "step must have exactly one body, got %v", bodies)
	}

	return step, nil
}

func parseRequest(node *yaml.Node, loc string) (*ast.RequestBody, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'request' must be a mapping")
	}
	body := &ast.RequestBody{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "method":
			body.Method = val.Value
		case "params":
			body.Params = nodeToInterface(val)
		default:
			return nil, locErr(loc, "unknown 'request' key %q", key)
		}
	}
	if body.Method == "" {
		return nil, locErr(loc, "'request' must have a 'method'")
	}
	return body, nil
}

func parseTransform(node *yaml.Node, loc string) (*ast.TransformBody, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'transform' must be a mapping")
	}
	body := &ast.TransformBody{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "input":
			body.Input = nodeToInterface(val)
		case "ops":
			ops, err := parseOps(val, loc)
			if err != nil {
				return nil, err
			}
			body.Ops = ops
		default:
			return nil, locErr(loc, "unknown 'transform' key %q", key)
		}
	}
	if len(body.Ops) == 0 {
		return nil, locErr(loc, "'transform' must have at least one op")
	}
	return body, nil
}

func parseOps(node *yaml.Node, loc string) ([]ast.Op, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, locErr(loc, "'transform.ops' must be a sequence")
	}
	ops := make([]ast.Op, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.MappingNode {
			return nil, locErr(loc, "each transform op must be a mapping")
		}
		op := ast.Op{}
		for i := 0; i+1 < len(item.Content); i += 2 {
			key := item.Content[i].Value
			val := item.Content[i+1]
			switch key {
			case "kind":
				op.Kind = ast.OpKind(val.Value)
			case "using":
				op.Using = val.Value
			case "initial":
				op.Initial = nodeToInterface(val)
				op.HasInitial = true
			default:
				return nil, locErr(loc, "unknown transform op key %q", key)
			}
		}
		switch op.Kind {
		case ast.OpMap, ast.OpFilter, ast.OpReduce, ast.OpSort, ast.OpGroup:
		default:
			return nil, locErr(loc, "unknown transform op kind %q", op.Kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func parseCondition(node *yaml.Node, loc string) (*ast.ConditionBody, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'condition' must be a mapping")
	}
	body := &ast.ConditionBody{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "if":
			body.If = val.Value
		case "then":
			nested, err := parseStep(val, loc)
			if err != nil {
				return nil, err
			}
			body.Then = nested
		case "else":
			nested, err := parseStep(val, loc)
			if err != nil {
				return nil, err
			}
			body.Else = nested
		default:
			return nil, locErr(loc, "unknown 'condition' key %q", key)
		}
	}
	if body.If == "" {
		return nil, locErr(loc, "'condition' must have an 'if' expression")
	}
	return body, nil
}

func parseLoop(node *yaml.Node, loc string) (*ast.LoopBody, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'loop' must be a mapping")
	}
	body := &ast.LoopBody{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "over":
			body.Over = val.Value
		case "as":
			body.As = val.Value
		case "maxIterations":
			n := 0
			if _, err := fmt.Sscanf(val.Value, "%d", &n); err != nil {
				return nil, locErr(loc, "'loop.maxIterations' must be an integer")
			}
			body.MaxIterations = &n
		case "condition":
			body.Condition = val.Value
		case "step":
			nested, err := parseStep(val, loc)
			if err != nil {
				return nil, err
			}
			body.Step = nested
		case "steps":
			nested, err := parseSteps(val, loc)
			if err != nil {
				return nil, err
			}
			body.Steps = nested
		default:
			return nil, locErr(loc, "unknown 'loop' key %q", key)
		}
	}
	if body.Over == "" {
		return nil, locErr(loc, "'loop' must have an 'over' expression")
	}
	if body.Step == nil && len(body.Steps) == 0 {
		return nil, locErr(loc, "'loop' must have a 'step' or 'steps'")
	}
	return body, nil
}

func parseStop(node *yaml.Node, loc string) (*ast.StopBody, error) {
	body := &ast.StopBody{}
	if node.Kind == yaml.ScalarNode && node.Value == "" {
		return body, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'stop' must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "endWorkflow":
			body.EndWorkflow = val.Value == "true"
		default:
			return nil, locErr(loc, "unknown 'stop' key %q", key)
		}
	}
	return body, nil
}

func parseDelay(node *yaml.Node, loc string) (*ast.DelayBody, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'delay' must be a mapping")
	}
	body := &ast.DelayBody{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "durationMs":
			n := int64(0)
			if _, err := fmt.Sscanf(val.Value, "%d", &n); err != nil {
				return nil, locErr(loc, "'delay.durationMs' must be an integer")
			}
			body.DurationMS = n
		case "step":
			nested, err := parseStep(val, loc)
			if err != nil {
				return nil, err
			}
			body.Step = nested
		default:
			return nil, locErr(loc, "unknown 'delay' key %q", key)
		}
	}
	return body, nil
}

// nodeToInterface converts a yaml.Node subtree into a raw
// interface{} so that "${...}" scalars survive as plain strings for
// pkg/expr/pkg/ref to resolve later.
func nodeToInterface(node *yaml.Node) interface{} {
	switch node.Kind {
	case yaml.ScalarNode:
		return scalarToInterface(node)
	case yaml.SequenceNode:
		out := make([]interface{}, len(node.Content))
		for i, item := range node.Content {
			out[i] = nodeToInterface(item)
		}
		return out
	case yaml.MappingNode:
		out := make(map[string]interface{}, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			out[node.Content[i].Value] = nodeToInterface(node.Content[i+1])
		}
		return out
	case yaml.AliasNode:
		return nodeToInterface(node.Alias)
	default:
		return nil
	}
}

func mapToInterface(node *yaml.Node, loc string) (map[string]interface{}, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "must be a mapping")
	}
	out, _ := nodeToInterface(node).(map[string]interface{})
	return out, nil
}

func scalarToInterface(node *yaml.Node) interface{} {
	switch node.Tag {
	case "!!null":
		return nil
	case "!!bool":
		return node.Value == "true"
	case "!!int":
		var n int64
		if _, err := fmt.Sscanf(node.Value, "%d", &n); err == nil {
			return n
		}
		return node.Value
	case "!!float":
		var f float64
		if _, err := fmt.Sscanf(node.Value, "%g", &f); err == nil {
			return f
		}
		return node.Value
	default:
		return node.Value
	}
}

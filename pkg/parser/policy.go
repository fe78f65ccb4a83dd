package parser

import (
	"fmt"

	"github.com/flowkit/flowengine/pkg/ast"
	"gopkg.in/yaml.v3"
)

func parsePolicySet(node *yaml.Node, loc string) (*ast.PolicySet, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'policies' must be a mapping")
	}
	set := &ast.PolicySet{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "global":
			p, err := parsePolicy(val, loc+".global")
			if err != nil {
				return nil, err
			}
			set.Global = p
		case "step":
			st, err := parseStepTypePolicies(val, loc+".step")
			if err != nil {
				return nil, err
			}
			set.Step = st
		default:
			return nil, locErr(loc, "unknown 'policies' key %q", key)
		}
	}
	return set, nil
}

func parseStepTypePolicies(node *yaml.Node, loc string) (*ast.StepTypePolicies, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "must be a mapping")
	}
	st := &ast.StepTypePolicies{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		p, err := parsePolicy(val, loc+"."+key)
		if err != nil {
			return nil, err
		}
		switch key {
		case "default":
			st.Default = p
		case "request":
			st.Request = p
		case "transform":
			st.Transform = p
		case "condition":
			st.Condition = p
		case "loop":
			st.Loop = p
		case "stop":
			st.Stop = p
		case "delay":
			st.Delay = p
		default:
			return nil, locErr(loc, "unknown step policy type %q", key)
		}
	}
	return st, nil
}

func parsePolicy(node *yaml.Node, loc string) (*ast.Policy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "must be a mapping")
	}
	p := &ast.Policy{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "timeout":
			t, err := parseTimeoutPolicy(val, loc)
			if err != nil {
				return nil, err
			}
			p.Timeout = t
		case "retryPolicy":
			r, err := parseRetryPolicy(val, loc)
			if err != nil {
				return nil, err
			}
			p.RetryPolicy = r
		case "execution":
			e, err := parseExecutionPolicy(val, loc)
			if err != nil {
				return nil, err
			}
			p.Execution = e
		default:
			return nil, locErr(loc, "unknown policy key %q", key)
		}
	}
	return p, nil
}

// MaxTimeoutMS bounds any configured timeout.timeout/expressionEval
// value (spec §3 invariant 5: "Timeouts are >= 1 ms and <= a fixed
// maximum"). One hour is generous enough for any real step while still
// catching unit mistakes (a value meant as seconds entered as ms).
const MaxTimeoutMS int64 = 3_600_000

func parseTimeoutPolicy(node *yaml.Node, loc string) (*ast.TimeoutPolicy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'timeout' must be a mapping")
	}
	t := &ast.TimeoutPolicy{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		n, err := scanInt64(val.Value)
		if err != nil {
			return nil, locErr(loc, "'timeout.%s' must be an integer", key)
		}
		if n < 1 || n > MaxTimeoutMS {
			return nil, locErr(loc, "'timeout.%s' must be between 1 and %d ms, got %d", key, MaxTimeoutMS, n)
		}
		switch key {
		case "timeout":
			t.TimeoutMS = &n
		case "expressionEval":
			t.ExpressionEvalMS = &n
		default:
			return nil, locErr(loc, "unknown 'timeout' key %q", key)
		}
	}
	return t, nil
}

func parseRetryPolicy(node *yaml.Node, loc string) (*ast.RetryPolicy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'retryPolicy' must be a mapping")
	}
	r := &ast.RetryPolicy{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "maxAttempts":
			n, err := scanInt64(val.Value)
			if err != nil {
				return nil, locErr(loc, "'retryPolicy.maxAttempts' must be an integer")
			}
			m := int(n)
			r.MaxAttempts = &m
		case "backoff":
			b, err := parseBackoff(val, loc)
			if err != nil {
				return nil, err
			}
			r.Backoff = b
		case "retryableErrors":
			if val.Kind != yaml.SequenceNode {
				return nil, locErr(loc, "'retryPolicy.retryableErrors' must be a sequence")
			}
			names := make([]string, len(val.Content))
			for i, item := range val.Content {
				names[i] = item.Value
			}
			r.RetryableErrors = names
		default:
			return nil, locErr(loc, "unknown 'retryPolicy' key %q", key)
		}
	}
	return r, nil
}

func parseBackoff(node *yaml.Node, loc string) (*ast.Backoff, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'backoff' must be a mapping")
	}
	b := &ast.Backoff{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "initial":
			n, err := scanInt64(val.Value)
			if err != nil {
				return nil, locErr(loc, "'backoff.initial' must be an integer")
			}
			b.InitialMS = &n
		case "multiplier":
			var f float64
			if _, err := fmt.Sscanf(val.Value, "%g", &f); err != nil {
				return nil, locErr(loc, "'backoff.multiplier' must be a number")
			}
			b.Multiplier = &f
		case "max":
			n, err := scanInt64(val.Value)
			if err != nil {
				return nil, locErr(loc, "'backoff.max' must be an integer")
			}
			b.MaxDelayMS = &n
		case "strategy":
			switch ast.BackoffStrategy(val.Value) {
			case ast.BackoffLinear, ast.BackoffExponential:
				b.Strategy = ast.BackoffStrategy(val.Value)
			default:
				return nil, locErr(loc, "unknown 'backoff.strategy' %q", val.Value)
			}
		default:
			return nil, locErr(loc, "unknown 'backoff' key %q", key)
		}
	}
	return b, nil
}

func parseExecutionPolicy(node *yaml.Node, loc string) (*ast.ExecutionPolicy, error) {
	if node.Kind != yaml.MappingNode {
		return nil, locErr(loc, "'execution' must be a mapping")
	}
	e := &ast.ExecutionPolicy{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch key {
		case "maxConcurrency":
			n, err := scanInt64(val.Value)
			if err != nil {
				return nil, locErr(loc, "'execution.maxConcurrency' must be an integer")
			}
			m := int(n)
			e.MaxConcurrency = &m
		case "onFailure":
			switch ast.OnFailure(val.Value) {
			case ast.OnFailureContinue, ast.OnFailureAbortFlow:
				e.OnFailure = ast.OnFailure(val.Value)
			default:
				return nil, locErr(loc, "unknown 'execution.onFailure' %q", val.Value)
			}
		default:
			return nil, locErr(loc, "unknown 'execution' key %q", key)
		}
	}
	return e, nil
}

func scanInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

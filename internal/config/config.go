// Package config loads flowctl's optional policies.toml file (spec
// §4.L), grounded on nevindra-oasis's internal/config/config.go
// defaults-then-TOML-then-env loading shape.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/flowkit/flowengine/pkg/ast"
)

// PolicyConfig is the shape of policies.toml: a single flat policy
// layer installed below every flow-authored policy source (spec §4.D's
// "built-in default", made configurable per deployment).
type PolicyConfig struct {
	TimeoutMS        *int64   `toml:"timeout_ms"`
	ExpressionEvalMS *int64   `toml:"expression_eval_ms"`
	MaxAttempts      *int     `toml:"max_attempts"`
	BackoffInitialMS *int64   `toml:"backoff_initial_ms"`
	BackoffMax       *int64   `toml:"backoff_max_ms"`
	BackoffMult      *float64 `toml:"backoff_multiplier"`
	BackoffStrategy  string   `toml:"backoff_strategy"`
	RetryableErrors  []string `toml:"retryable_errors"`
	MaxConcurrency   *int     `toml:"max_concurrency"`
	OnFailure        string   `toml:"on_failure"`
}

// LoadPolicy reads path as TOML and converts it to an *ast.Policy. An
// empty path is a no-op (returns nil, nil): flowctl runs on the
// package's hardcoded defaults alone. A missing or unreadable file is
// an error, since the caller explicitly named it with --policies.
func LoadPolicy(path string) (*ast.Policy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg PolicyConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return cfg.toPolicy(), nil
}

func (c PolicyConfig) toPolicy() *ast.Policy {
	p := &ast.Policy{}
	if c.TimeoutMS != nil || c.ExpressionEvalMS != nil {
		p.Timeout = &ast.TimeoutPolicy{TimeoutMS: c.TimeoutMS, ExpressionEvalMS: c.ExpressionEvalMS}
	}
	if c.MaxAttempts != nil || c.BackoffInitialMS != nil || c.BackoffMax != nil || c.BackoffMult != nil || c.BackoffStrategy != "" || c.RetryableErrors != nil {
		p.RetryPolicy = &ast.RetryPolicy{MaxAttempts: c.MaxAttempts, RetryableErrors: c.RetryableErrors}
		if c.BackoffInitialMS != nil || c.BackoffMax != nil || c.BackoffMult != nil || c.BackoffStrategy != "" {
			p.RetryPolicy.Backoff = &ast.Backoff{
				InitialMS:  c.BackoffInitialMS,
				Multiplier: c.BackoffMult,
				MaxDelayMS: c.BackoffMax,
				Strategy:   ast.BackoffStrategy(c.BackoffStrategy),
			}
		}
	}
	if c.MaxConcurrency != nil || c.OnFailure != "" {
		p.Execution = &ast.ExecutionPolicy{MaxConcurrency: c.MaxConcurrency, OnFailure: ast.OnFailure(c.OnFailure)}
	}
	return p
}

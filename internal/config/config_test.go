package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPolicyEmptyPathIsNoop(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p != nil {
		t.Fatalf("policy = %+v, want nil", p)
	}
}

func TestLoadPolicyMissingFileErrors(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatalf("LoadPolicy: want error for missing file")
	}
}

func TestLoadPolicyParsesFullShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.toml")
	writeFile(t, path, `
timeout_ms = 20000
expression_eval_ms = 250
max_attempts = 4
backoff_initial_ms = 500
backoff_max_ms = 10000
backoff_multiplier = 1.5
backoff_strategy = "linear"
retryable_errors = ["network", "timeout"]
max_concurrency = 8
on_failure = "abort-flow"
`)

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p == nil {
		t.Fatalf("policy = nil")
	}
	if p.Timeout == nil || *p.Timeout.TimeoutMS != 20000 || *p.Timeout.ExpressionEvalMS != 250 {
		t.Fatalf("timeout = %+v", p.Timeout)
	}
	if p.RetryPolicy == nil || *p.RetryPolicy.MaxAttempts != 4 || len(p.RetryPolicy.RetryableErrors) != 2 {
		t.Fatalf("retry policy = %+v", p.RetryPolicy)
	}
	if p.RetryPolicy.Backoff == nil || *p.RetryPolicy.Backoff.InitialMS != 500 || *p.RetryPolicy.Backoff.MaxDelayMS != 10000 {
		t.Fatalf("backoff = %+v", p.RetryPolicy.Backoff)
	}
	if *p.RetryPolicy.Backoff.Multiplier != 1.5 || string(p.RetryPolicy.Backoff.Strategy) != "linear" {
		t.Fatalf("backoff strategy/multiplier = %+v", p.RetryPolicy.Backoff)
	}
	if p.Execution == nil || *p.Execution.MaxConcurrency != 8 || string(p.Execution.OnFailure) != "abort-flow" {
		t.Fatalf("execution = %+v", p.Execution)
	}
}

func TestLoadPolicyPartialFieldsLeaveOthersNil(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.toml")
	writeFile(t, path, `timeout_ms = 5000`)

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Timeout == nil || *p.Timeout.TimeoutMS != 5000 {
		t.Fatalf("timeout = %+v", p.Timeout)
	}
	if p.RetryPolicy != nil {
		t.Fatalf("retry policy = %+v, want nil", p.RetryPolicy)
	}
	if p.Execution != nil {
		t.Fatalf("execution = %+v, want nil", p.Execution)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
}

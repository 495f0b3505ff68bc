package alerts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleValidate(t *testing.T) {
	good := Rule{Code: "r", Severity: "high", Window: time.Hour, Expr: ExprRefusalRate, Threshold: 0.5, Condition: ">"}
	assert.NoError(t, good.Validate())

	cases := map[string]Rule{
		"missing code":      {Severity: "high", Window: time.Hour, Expr: ExprRefusalRate, Condition: ">"},
		"invalid severity":  {Code: "r", Severity: "urgent", Window: time.Hour, Expr: ExprRefusalRate, Condition: ">"},
		"unknown expr":      {Code: "r", Severity: "high", Window: time.Hour, Expr: "cpu_load", Condition: ">"},
		"invalid condition": {Code: "r", Severity: "high", Window: time.Hour, Expr: ExprRefusalRate, Condition: "=="},
		"zero window":       {Code: "r", Severity: "high", Expr: ExprRefusalRate, Condition: ">"},
	}
	for name, r := range cases {
		assert.Error(t, r.Validate(), name)
	}
}

func TestRuleExceeds(t *testing.T) {
	r := Rule{Threshold: 10}

	r.Condition = ">"
	assert.True(t, r.exceeds(10.1))
	assert.False(t, r.exceeds(10))

	r.Condition = ">="
	assert.True(t, r.exceeds(10))
	assert.False(t, r.exceeds(9.9))

	r.Condition = "<"
	assert.True(t, r.exceeds(9.9))
	assert.False(t, r.exceeds(10))

	r.Condition = "<="
	assert.True(t, r.exceeds(10))
	assert.False(t, r.exceeds(10.1))
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - code: high_refusal_rate
    severity: high
    window: 1h
    expr: refusal_rate
    threshold: 0.5
    condition: ">"
    unit: ratio
  - code: slow_turns
    severity: medium
    window: 30m
    expr: p95_latency_ms
    threshold: 8000
    condition: ">"
    unit: ms
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, time.Hour, rules[0].Window)
	assert.Equal(t, 30*time.Minute, rules[1].Window)
	assert.Equal(t, ExprP95LatencyMS, rules[1].Expr)
}

func TestLoadRulesRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	badWindow := filepath.Join(dir, "window.yaml")
	require.NoError(t, os.WriteFile(badWindow, []byte(`
rules:
  - code: r
    severity: high
    window: soon
    expr: refusal_rate
    condition: ">"
`), 0o600))
	_, err := LoadRules(badWindow)
	assert.Error(t, err)

	badYAML := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(badYAML, []byte("rules: ["), 0o600))
	_, err = LoadRules(badYAML)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultRulesAreValid(t *testing.T) {
	require.NotEmpty(t, DefaultRules)
	for _, r := range DefaultRules {
		assert.NoError(t, r.Validate(), r.Code)
	}
}

func TestDedupKeyStableAndTruncated(t *testing.T) {
	k1 := dedupKey("t1", "s1", "high_refusal_rate")
	k2 := dedupKey("t1", "s1", "high_refusal_rate")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)

	// Any scope component change produces a different key.
	assert.NotEqual(t, k1, dedupKey("t2", "s1", "high_refusal_rate"))
	assert.NotEqual(t, k1, dedupKey("t1", "s2", "high_refusal_rate"))
	assert.NotEqual(t, k1, dedupKey("t1", "s1", "slow_turns"))
}

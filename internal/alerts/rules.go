// Package alerts evaluates declarative health rules against the trace
// ledger, with dedup, silencing, and webhook fanout.
package alerts

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is one declarative alert rule.
type Rule struct {
	Code      string
	Severity  string
	Window    time.Duration
	Expr      string
	Threshold float64
	Condition string // ">", "<", ">=", "<="
	Unit      string
}

// ruleYAML is the on-disk shape. Windows are Go duration strings.
type ruleYAML struct {
	Code      string  `yaml:"code"`
	Severity  string  `yaml:"severity"`
	Window    string  `yaml:"window"`
	Expr      string  `yaml:"expr"`
	Threshold float64 `yaml:"threshold"`
	Condition string  `yaml:"condition"`
	Unit      string  `yaml:"unit"`
}

// Metric expressions the evaluator can compute.
const (
	ExprRefusalRate     = "refusal_rate"
	ExprFailureRate     = "failure_rate"
	ExprAvgLatencyMS    = "avg_latency_ms"
	ExprP95LatencyMS    = "p95_latency_ms"
	ExprToolErrorRate   = "tool_error_rate"
	ExprOverdueFeedback = "overdue_feedback_count"
	ExprEmbeddingCost   = "embedding_cost_usd"
)

var validExprs = map[string]bool{
	ExprRefusalRate:     true,
	ExprFailureRate:     true,
	ExprAvgLatencyMS:    true,
	ExprP95LatencyMS:    true,
	ExprToolErrorRate:   true,
	ExprOverdueFeedback: true,
	ExprEmbeddingCost:   true,
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// Validate checks one rule.
func (r Rule) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("alerts: rule missing code")
	}
	if !validSeverities[r.Severity] {
		return fmt.Errorf("alerts: rule %q has invalid severity %q", r.Code, r.Severity)
	}
	if !validExprs[r.Expr] {
		return fmt.Errorf("alerts: rule %q has unknown expr %q", r.Code, r.Expr)
	}
	switch r.Condition {
	case ">", "<", ">=", "<=":
	default:
		return fmt.Errorf("alerts: rule %q has invalid condition %q", r.Code, r.Condition)
	}
	if r.Window <= 0 {
		return fmt.Errorf("alerts: rule %q has non-positive window", r.Code)
	}
	return nil
}

// exceeds compares a value against the rule threshold.
func (r Rule) exceeds(value float64) bool {
	switch r.Condition {
	case ">":
		return value > r.Threshold
	case "<":
		return value < r.Threshold
	case ">=":
		return value >= r.Threshold
	case "<=":
		return value <= r.Threshold
	}
	return false
}

// LoadRules reads and validates a YAML rule file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alerts: read rules: %w", err)
	}
	var doc struct {
		Rules []ruleYAML `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("alerts: parse rules: %w", err)
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for _, ry := range doc.Rules {
		window, err := time.ParseDuration(ry.Window)
		if err != nil {
			return nil, fmt.Errorf("alerts: rule %q window: %w", ry.Code, err)
		}
		r := Rule{
			Code:      ry.Code,
			Severity:  ry.Severity,
			Window:    window,
			Expr:      ry.Expr,
			Threshold: ry.Threshold,
			Condition: ry.Condition,
			Unit:      ry.Unit,
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// DefaultRules cover the platform's core health signals when no rule file is
// configured.
var DefaultRules = []Rule{
	{Code: "high_refusal_rate", Severity: "high", Window: time.Hour, Expr: ExprRefusalRate, Threshold: 0.5, Condition: ">", Unit: "ratio"},
	{Code: "high_failure_rate", Severity: "critical", Window: 30 * time.Minute, Expr: ExprFailureRate, Threshold: 0.2, Condition: ">", Unit: "ratio"},
	{Code: "slow_turns", Severity: "medium", Window: time.Hour, Expr: ExprP95LatencyMS, Threshold: 8000, Condition: ">", Unit: "ms"},
	{Code: "tool_errors", Severity: "high", Window: time.Hour, Expr: ExprToolErrorRate, Threshold: 0.3, Condition: ">", Unit: "ratio"},
	{Code: "overdue_feedback", Severity: "medium", Window: 24 * time.Hour, Expr: ExprOverdueFeedback, Threshold: 10, Condition: ">=", Unit: "count"},
}

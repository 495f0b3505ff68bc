package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics are the turn pipeline's instruments. A nil receiver is a
// no-op, so callers never need to guard on metrics being configured.
type PipelineMetrics struct {
	turns        metric.Int64Counter
	gateModes    metric.Int64Counter
	turnLatency  metric.Float64Histogram
	llmTokens    metric.Int64Counter
	toolCalls    metric.Int64Counter
	toolFailures metric.Int64Counter
}

// NewPipelineMetrics registers the pipeline's instruments on the global meter.
func NewPipelineMetrics() (*PipelineMetrics, error) {
	m := Meter("loreline/orchestrator")

	turns, err := m.Int64Counter("loreline.turns",
		metric.WithDescription("Chat turns processed"))
	if err != nil {
		return nil, err
	}
	gateModes, err := m.Int64Counter("loreline.gate.decisions",
		metric.WithDescription("Evidence gate decisions by mode"))
	if err != nil {
		return nil, err
	}
	turnLatency, err := m.Float64Histogram("loreline.turn.latency",
		metric.WithDescription("End-to-end turn latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	llmTokens, err := m.Int64Counter("loreline.llm.tokens",
		metric.WithDescription("LLM tokens consumed"))
	if err != nil {
		return nil, err
	}
	toolCalls, err := m.Int64Counter("loreline.tool.calls",
		metric.WithDescription("Tool invocations"))
	if err != nil {
		return nil, err
	}
	toolFailures, err := m.Int64Counter("loreline.tool.failures",
		metric.WithDescription("Tool invocations that did not return ok"))
	if err != nil {
		return nil, err
	}

	return &PipelineMetrics{
		turns:        turns,
		gateModes:    gateModes,
		turnLatency:  turnLatency,
		llmTokens:    llmTokens,
		toolCalls:    toolCalls,
		toolFailures: toolFailures,
	}, nil
}

// RecordTurn counts one finished turn with its outcome and latency.
func (p *PipelineMetrics) RecordTurn(ctx context.Context, tenantID, status string, latency time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("status", status),
	)
	p.turns.Add(ctx, 1, attrs)
	p.turnLatency.Record(ctx, float64(latency.Milliseconds()), attrs)
}

// RecordGateDecision counts one evidence gate outcome.
func (p *PipelineMetrics) RecordGateDecision(ctx context.Context, tenantID, mode string) {
	if p == nil {
		return
	}
	p.gateModes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("mode", mode),
	))
}

// RecordTokens counts LLM token spend for one turn.
func (p *PipelineMetrics) RecordTokens(ctx context.Context, tenantID string, prompt, completion int) {
	if p == nil {
		return
	}
	p.llmTokens.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("kind", "prompt"),
	))
	p.llmTokens.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("kind", "completion"),
	))
}

// RecordToolCall counts one tool invocation and, when status is not ok, a
// failure.
func (p *PipelineMetrics) RecordToolCall(ctx context.Context, tool, status string) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	p.toolCalls.Add(ctx, 1, attrs)
	if status != "ok" {
		p.toolFailures.Add(ctx, 1, attrs)
	}
}

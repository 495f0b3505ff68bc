package tools

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/telemetry"
)

func testClient(t *testing.T) (*Client, *Registry) {
	t.Helper()
	metrics, err := telemetry.NewPipelineMetrics()
	require.NoError(t, err)
	reg := NewRegistry()
	return NewClient(reg, metrics, slog.New(slog.DiscardHandler)), reg
}

func callReq(name string, input map[string]any) model.ToolCallRequest {
	return model.ToolCallRequest{
		ToolName: name,
		Input:    input,
		Context:  model.ToolContext{TenantID: "t1", SiteID: "s1", TraceID: "trace-1"},
	}
}

func TestCallUnknownTool(t *testing.T) {
	client, _ := testClient(t)

	resp := client.Call(context.Background(), callReq("nope", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, string(model.KindNotFound), resp.ErrorType)
	assert.Equal(t, "error", resp.Audit.Status)
}

func TestCallSchemaViolation(t *testing.T) {
	client, reg := testClient(t)
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{
			Name: "echo",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"message"},
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
			},
		},
		Handler: func(_ context.Context, _ model.ToolContext, input map[string]any) (map[string]any, error) {
			return input, nil
		},
	}))

	resp := client.Call(context.Background(), callReq("echo", map[string]any{"wrong": 1}))
	assert.False(t, resp.Success)
	assert.Equal(t, string(model.KindValidation), resp.ErrorType)

	resp = client.Call(context.Background(), callReq("echo", map[string]any{"message": "hi"}))
	assert.True(t, resp.Success)
	assert.Equal(t, "hi", resp.Output["message"])
	assert.Equal(t, "ok", resp.Audit.Status)
	assert.NotEmpty(t, resp.Audit.RequestPayloadHash)
}

func TestCallTerminalErrorDoesNotRetry(t *testing.T) {
	client, reg := testClient(t)
	calls := 0
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "flaky"},
		Resilience: Resilience{MaxRetries: 3},
		Handler: func(_ context.Context, _ model.ToolContext, _ map[string]any) (map[string]any, error) {
			calls++
			return nil, model.E(model.KindValidation, "bad input")
		},
	}))

	resp := client.Call(context.Background(), callReq("flaky", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, 1, calls, "validation errors are not retryable")
	assert.Equal(t, 1, resp.Audit.Attempt)
}

func TestCallBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client, reg := testClient(t)
	calls := 0
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "down"},
		Resilience: Resilience{MaxRetries: 1, BreakerThreshold: 2},
		Handler: func(_ context.Context, _ model.ToolContext, _ map[string]any) (map[string]any, error) {
			calls++
			return nil, model.E(model.KindInternal, "boom")
		},
	}))

	for i := 0; i < 2; i++ {
		resp := client.Call(context.Background(), callReq("down", nil))
		assert.False(t, resp.Success)
		assert.Equal(t, "error", resp.Audit.Status)
	}

	// Open breaker: a dependency error without invoking the handler.
	resp := client.Call(context.Background(), callReq("down", nil))
	assert.False(t, resp.Success)
	assert.Equal(t, "circuit_open", resp.Audit.Status)
	assert.Equal(t, string(model.KindDependency), resp.ErrorType)
	assert.Equal(t, 2, calls, "open breaker must not reach the handler")
}

func TestCallBreakerIsScopedPerTenant(t *testing.T) {
	client, reg := testClient(t)
	require.NoError(t, reg.Register(&Tool{
		Descriptor: model.ToolDescriptor{Name: "down"},
		Resilience: Resilience{MaxRetries: 1, BreakerThreshold: 1},
		Handler: func(_ context.Context, _ model.ToolContext, _ map[string]any) (map[string]any, error) {
			return nil, model.E(model.KindInternal, "boom")
		},
	}))

	// Trip the breaker for tenant t1.
	_ = client.Call(context.Background(), callReq("down", nil))
	resp := client.Call(context.Background(), callReq("down", nil))
	require.Equal(t, "circuit_open", resp.Audit.Status)

	// Another tenant starts with a closed breaker.
	other := callReq("down", nil)
	other.Context.TenantID = "t2"
	resp = client.Call(context.Background(), other)
	assert.Equal(t, "error", resp.Audit.Status)
}

func TestPayloadHashDeterministic(t *testing.T) {
	a := payloadHash(map[string]any{"b": 2, "a": 1})
	b := payloadHash(map[string]any{"a": 1, "b": 2})
	assert.Equal(t, a, b, "canonical JSON sorts map keys")
	assert.NotEqual(t, a, payloadHash(map[string]any{"a": 2, "b": 2}))
}

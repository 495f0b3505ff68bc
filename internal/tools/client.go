package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/telemetry"
)

// Defaults applied when a tool registers without an explicit budget.
const (
	defaultToolTimeout      = 5 * time.Second
	defaultToolRetries      = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	retryBaseDelay          = 200 * time.Millisecond
)

// Client executes tool calls with the per-tool budget: timeout, bounded
// retries with jittered backoff, and a circuit breaker per
// (tool, tenant, site) so one noisy tenant cannot open the breaker for all.
type Client struct {
	registry *Registry
	metrics  *telemetry.PipelineMetrics
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds the call client.
func NewClient(registry *Registry, metrics *telemetry.PipelineMetrics, logger *slog.Logger) *Client {
	return &Client{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Call runs one tool call end to end. The response is always shaped the
// same; failures are reported in the envelope, never as a Go error.
func (c *Client) Call(ctx context.Context, req model.ToolCallRequest) model.ToolCallResponse {
	start := time.Now()
	audit := model.ToolCallAudit{
		TraceID:            req.Context.TraceID,
		ToolName:           req.ToolName,
		RequestPayloadHash: payloadHash(req.Input),
	}

	tool, ok := c.registry.Get(req.ToolName)
	if !ok {
		return c.finish(ctx, req, audit, start, nil, model.Ef(model.KindNotFound, "tools: unknown tool %q", req.ToolName))
	}
	if err := tool.ValidateInput(req.Input); err != nil {
		return c.finish(ctx, req, audit, start, nil, err)
	}

	output, err := c.execute(ctx, tool, req, &audit)
	return c.finish(ctx, req, audit, start, output, err)
}

// execute runs the handler through the breaker with retries. The attempt
// count lands in the audit block.
func (c *Client) execute(ctx context.Context, tool *Tool, req model.ToolCallRequest, audit *model.ToolCallAudit) (map[string]any, error) {
	res := tool.Resilience
	timeout := res.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	maxRetries := res.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultToolRetries
	}

	breaker := c.breaker(tool, req.Context.Scope())
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		audit.Attempt = attempt

		out, err := breaker.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return tool.Handler(callCtx, req.Context, req.Input)
		})
		if err == nil {
			if out == nil {
				return nil, nil
			}
			return out.(map[string]any), nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Callers see an ordinary dependency failure; the open breaker
			// stays visible in the audit status.
			return nil, model.WrapErr(model.KindDependency, "tools: circuit open", err)
		}
		if !model.Retryable(err) || attempt == maxRetries {
			break
		}
		c.logger.Warn("tools: retrying call",
			"tool", req.ToolName, "attempt", attempt, "error", err)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, model.WrapErr(model.KindTimeout, "tools: call budget exhausted", ctx.Err())
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return nil, lastErr
}

// breaker returns the circuit breaker for one (tool, tenant, site) triple,
// creating it on first use.
func (c *Client) breaker(tool *Tool, scope model.Scope) *gobreaker.CircuitBreaker {
	key := tool.Descriptor.Name + "|" + scope.TenantID + "|" + scope.SiteID

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}

	threshold := tool.Resilience.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	cooldown := tool.Resilience.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("tools: breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[key] = cb
	return cb
}

// finish stamps the audit block and shapes the response envelope.
func (c *Client) finish(ctx context.Context, req model.ToolCallRequest, audit model.ToolCallAudit, start time.Time, output map[string]any, err error) model.ToolCallResponse {
	audit.LatencyMS = time.Since(start).Milliseconds()

	if err != nil {
		audit.Status = statusFor(err)
		c.metrics.RecordToolCall(ctx, req.ToolName, audit.Status)
		c.logger.Warn("tools: call failed",
			"tool", req.ToolName,
			"tenant_id", req.Context.TenantID,
			"site_id", req.Context.SiteID,
			"trace_id", req.Context.TraceID,
			"status", audit.Status,
			"error", err)
		return model.ToolCallResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorType: string(model.KindOf(err)),
			Audit:     audit,
		}
	}

	audit.Status = "ok"
	c.metrics.RecordToolCall(ctx, req.ToolName, audit.Status)
	return model.ToolCallResponse{
		Success: true,
		Output:  output,
		Audit:   audit,
	}
}

func statusFor(err error) string {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "circuit_open"
	}
	if model.KindOf(err) == model.KindTimeout {
		return "timeout"
	}
	return "error"
}

// payloadHash hashes the canonical JSON form of the input. Map keys sort
// deterministically under encoding/json so identical payloads hash equal.
func payloadHash(input map[string]any) string {
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

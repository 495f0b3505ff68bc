package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
)

// Retrying decorates a Provider with a per-call timeout and bounded retries
// on retryable failures (network, 5xx, rate limit). Auth, validation, and
// content-filter errors surface immediately.
type Retrying struct {
	inner      Provider
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// WithRetries wraps a provider.
func WithRetries(inner Provider, timeout time.Duration, maxRetries int, logger *slog.Logger) *Retrying {
	return &Retrying{
		inner:      inner,
		timeout:    timeout,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		logger:     logger,
	}
}

// Name identifies the underlying provider.
func (r *Retrying) Name() string { return r.inner.Name() }

// Complete calls the wrapped provider with backoff. The deadline covers all
// attempts together so a slow provider cannot stretch the turn budget.
func (r *Retrying) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	delay := r.baseDelay
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		resp, err := r.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !model.Retryable(err) || attempt == r.maxRetries {
			break
		}
		r.logger.Warn("llm: retrying after failure",
			"provider", r.inner.Name(), "attempt", attempt+1, "error", err)

		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return Response{}, model.WrapErr(model.KindTimeout, "llm: retry budget exhausted", ctx.Err())
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return Response{}, lastErr
}

// Package llm abstracts the chat completion provider behind a small
// interface. The OpenAI adapter also serves OpenAI-compatible endpoints
// (Qwen, Baidu, Ollama) through a base URL override.
package llm

import (
	"context"

	"github.com/loreline-ai/loreline/internal/model"
)

// Request is one chat completion call.
type Request struct {
	System      string
	History     []Message
	User        string
	Temperature float32
	MaxTokens   int
}

// Message is one prior turn handed to the provider as conversation history.
type Message struct {
	Role    model.MessageRole
	Content string
}

// Response is the provider's answer with token accounting.
type Response struct {
	Text  string
	Usage model.TokenUsage
}

// Provider generates chat completions. Implementations classify failures
// with model.Kind so callers can decide on retries.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Name() string
}

// Noop returns a canned answer. Used in development and tests.
type Noop struct{}

// Complete echoes a fixed response.
func (Noop) Complete(_ context.Context, req Request) (Response, error) {
	return Response{
		Text: "I hear you. Let me think on that.",
		Usage: model.TokenUsage{
			Prompt:     estimateTokens(req.System) + estimateTokens(req.User),
			Completion: 8,
			Total:      estimateTokens(req.System) + estimateTokens(req.User) + 8,
		},
	}, nil
}

// Name identifies the provider in traces.
func (Noop) Name() string { return "noop" }

// estimateTokens approximates token count at four chars per token. Good
// enough for accounting when the provider omits usage.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

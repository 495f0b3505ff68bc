package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loreline-ai/loreline/internal/model"
)

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty uses api.openai.com; set for qwen/baidu/ollama gateways
	Model       string
	Temperature float32
	MaxTokens   int
	Provider    string // reported name, e.g. "openai", "qwen"
}

// OpenAI implements Provider via the Chat Completions API.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI builds the adapter. The same code path serves every
// OpenAI-compatible provider through BaseURL.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.Provider
	if name == "" {
		name = "openai"
	}
	cfg.Provider = name
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Name identifies the provider in traces.
func (o *OpenAI) Name() string { return o.cfg.Provider }

// Complete performs one chat completion. Errors are classified so the retry
// wrapper can distinguish transient failures from terminal ones.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = o.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = o.cfg.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.User,
	})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, model.E(model.KindDependency, "llm: provider returned no choices")
	}

	return Response{
		Text: strings.TrimSpace(resp.Choices[0].Message.Content),
		Usage: model.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}, nil
}

// classify maps provider failures onto the error taxonomy. Network errors,
// 5xx and 429 are retryable; auth, content filter and other 4xx are not.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return model.WrapErr(model.KindRateLimit, "llm: rate limited", err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return model.WrapErr(model.KindAuth, "llm: authentication failed", err)
		case apiErr.HTTPStatusCode >= 500:
			return model.WrapErr(model.KindDependency, "llm: provider error", err)
		case strings.Contains(strings.ToLower(apiErr.Message), "content"):
			return model.WrapErr(model.KindContentFilter, "llm: content filtered", err)
		default:
			return model.WrapErr(model.KindValidation, "llm: bad request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.WrapErr(model.KindTimeout, "llm: call timed out", err)
	}
	return model.WrapErr(model.KindDependency, "llm: call failed", err)
}

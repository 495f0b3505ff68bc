package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/llm"
	"github.com/loreline-ai/loreline/internal/model"
)

const classifyPrompt = `You label visitor questions for a museum guide character.
Reply with exactly one word from: fact_seeking, context_preference, sensitive, greeting, unknown.`

// LLM classifies with a language model, caching results and falling back to
// the rule classifier on any provider failure. Classification must never
// block a turn on a flaky provider.
type LLM struct {
	provider llm.Provider
	fallback Classifier
	cache    *cache.Cache
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLLM builds the LLM classifier.
func NewLLM(provider llm.Provider, c *cache.Cache, timeout time.Duration, logger *slog.Logger) *LLM {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &LLM{
		provider: provider,
		fallback: Rule{},
		cache:    c,
		timeout:  timeout,
		logger:   logger,
	}
}

func (l *LLM) Name() string { return "llm" }

// Classify asks the provider for a label. The cache key covers the query and
// the persona summary since the same words can read differently per persona.
func (l *LLM) Classify(ctx context.Context, scope model.Scope, query, personaSummary string) (model.Intent, error) {
	key := classifyHash(query, personaSummary)
	if cached, err := l.cache.GetIntent(ctx, scope, key); err == nil {
		return cached, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.provider.Complete(callCtx, llm.Request{
		System:      classifyPrompt,
		User:        "Persona: " + personaSummary + "\nQuestion: " + query,
		Temperature: 0,
		MaxTokens:   8,
	})
	if err != nil {
		l.logger.Warn("intent: llm classify failed, using rules", "error", err)
		return l.fallback.Classify(ctx, scope, query, personaSummary)
	}

	it, ok := parseIntent(resp.Text)
	if !ok {
		l.logger.Warn("intent: unparseable llm label, using rules", "label", resp.Text)
		return l.fallback.Classify(ctx, scope, query, personaSummary)
	}

	if err := l.cache.SetIntent(ctx, scope, key, it); err != nil {
		l.logger.Warn("intent: cache write failed", "error", err)
	}
	return it, nil
}

func classifyHash(query, personaSummary string) string {
	h := sha256.Sum256([]byte(query + "\n" + personaSummary))
	return hex.EncodeToString(h[:])
}

func parseIntent(text string) (model.Intent, bool) {
	label := strings.ToLower(strings.TrimSpace(text))
	label = strings.Trim(label, `."'`)
	switch model.Intent(label) {
	case model.IntentFactSeeking, model.IntentContextPreference,
		model.IntentSensitive, model.IntentGreeting, model.IntentUnknown:
		return model.Intent(label), true
	}
	return model.IntentUnknown, false
}

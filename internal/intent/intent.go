// Package intent classifies user queries ahead of the evidence gate.
package intent

import (
	"context"
	"strings"

	"github.com/loreline-ai/loreline/internal/model"
)

// Classifier labels a query with an intent. personaSummary gives the LLM
// variant persona context; the rule variant ignores it.
type Classifier interface {
	Classify(ctx context.Context, scope model.Scope, query, personaSummary string) (model.Intent, error)
	Name() string
}

// Keyword lists for the rule classifier. Matching is case-insensitive over
// whole tokens for single words and substring for phrases.
var (
	greetingMarkers = []string{
		"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
		"greetings", "howdy", "nice to meet",
	}
	sensitiveMarkers = []string{
		"politics", "political", "election", "vote for", "gambling", "bet",
		"drugs", "narcotics", "suicide", "self-harm", "violence", "weapon",
		"religion", "religious dispute", "terror",
	}
	factMarkers = []string{
		"when", "where", "who", "what year", "which dynasty", "how old",
		"history", "historical", "built", "founded", "origin", "date",
		"why did", "how many",
	}
	preferenceMarkers = []string{
		"recommend", "suggest", "prefer", "favorite", "favourite", "i like",
		"i love", "best place", "worth visiting", "should i",
	}
)

// Rule is the keyword classifier. It is the floor the LLM classifier falls
// back to, so it must never fail.
type Rule struct{}

func (Rule) Name() string { return "rule" }

// Classify matches curated keyword lists in priority order: sensitive wins
// over everything, greeting over fact and preference.
func (Rule) Classify(_ context.Context, _ model.Scope, query, _ string) (model.Intent, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return model.IntentUnknown, nil
	}

	if matchesAny(q, sensitiveMarkers) {
		return model.IntentSensitive, nil
	}
	if matchesAny(q, greetingMarkers) {
		return model.IntentGreeting, nil
	}
	if matchesAny(q, factMarkers) {
		return model.IntentFactSeeking, nil
	}
	if matchesAny(q, preferenceMarkers) {
		return model.IntentContextPreference, nil
	}
	return model.IntentUnknown, nil
}

// matchesAny reports whether any marker occurs in q. Single-word markers must
// match a whole token so "hi" does not fire inside "historical".
func matchesAny(q string, markers []string) bool {
	var tokens []string
	for _, m := range markers {
		if strings.ContainsRune(m, ' ') || strings.ContainsRune(m, '-') {
			if strings.Contains(q, m) {
				return true
			}
			continue
		}
		if tokens == nil {
			tokens = tokenize(q)
		}
		for _, t := range tokens {
			if t == m {
				return true
			}
		}
	}
	return false
}

func tokenize(q string) []string {
	return strings.FieldsFunc(q, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			return false
		}
		return true
	})
}

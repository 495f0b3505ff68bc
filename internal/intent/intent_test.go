package intent_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/intent"
	"github.com/loreline-ai/loreline/internal/model"
)

func TestRuleClassify(t *testing.T) {
	tests := []struct {
		query string
		want  model.Intent
	}{
		{"Hello there!", model.IntentGreeting},
		{"good morning, guide", model.IntentGreeting},
		{"When was the temple built?", model.IntentFactSeeking},
		{"how many rooms does the palace have", model.IntentFactSeeking},
		{"Can you recommend a quiet spot?", model.IntentContextPreference},
		{"what do you think about politics", model.IntentSensitive},
		{"should I vote for the mayor", model.IntentSensitive},
		{"the weather is nice", model.IntentUnknown},
		{"", model.IntentUnknown},
		{"   ", model.IntentUnknown},
	}

	for _, tc := range tests {
		got, err := intent.Rule{}.Classify(context.Background(), model.Scope{}, tc.query, "")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "query %q", tc.query)
	}
}

func TestRuleClassifyPriorityOrder(t *testing.T) {
	// Sensitive wins even when greeting and fact markers are present.
	got, err := intent.Rule{}.Classify(context.Background(), model.Scope{},
		"hello, when did the gambling den open", "")
	require.NoError(t, err)
	assert.Equal(t, model.IntentSensitive, got)

	// Greeting wins over fact.
	got, err = intent.Rule{}.Classify(context.Background(), model.Scope{},
		"hello, what year is it", "")
	require.NoError(t, err)
	assert.Equal(t, model.IntentGreeting, got)
}

func TestRuleClassifyWholeTokenMatch(t *testing.T) {
	// "hi" must not fire inside "historical"; "history" is a fact marker.
	got, err := intent.Rule{}.Classify(context.Background(), model.Scope{},
		"tell me the historical significance", "")
	require.NoError(t, err)
	assert.Equal(t, model.IntentFactSeeking, got)
}

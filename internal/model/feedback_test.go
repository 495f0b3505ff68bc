package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loreline-ai/loreline/internal/model"
)

func TestCanTransitionFeedback(t *testing.T) {
	legal := []struct{ from, to model.FeedbackStatus }{
		{model.FeedbackPending, model.FeedbackReviewing},
		{model.FeedbackReviewing, model.FeedbackAccepted},
		{model.FeedbackReviewing, model.FeedbackRejected},
		{model.FeedbackAccepted, model.FeedbackResolved},
		{model.FeedbackRejected, model.FeedbackResolved},
		{model.FeedbackRejected, model.FeedbackArchived},
		{model.FeedbackResolved, model.FeedbackArchived},
	}
	for _, tc := range legal {
		assert.True(t, model.CanTransitionFeedback(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to model.FeedbackStatus }{
		{model.FeedbackPending, model.FeedbackAccepted},
		{model.FeedbackPending, model.FeedbackResolved},
		{model.FeedbackAccepted, model.FeedbackRejected},
		{model.FeedbackResolved, model.FeedbackReviewing},
		{model.FeedbackArchived, model.FeedbackPending},
		{model.FeedbackReviewing, model.FeedbackPending},
	}
	for _, tc := range illegal {
		assert.False(t, model.CanTransitionFeedback(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFeedbackTerminal(t *testing.T) {
	assert.True(t, model.FeedbackTerminal(model.FeedbackResolved))
	assert.True(t, model.FeedbackTerminal(model.FeedbackArchived))
	assert.False(t, model.FeedbackTerminal(model.FeedbackPending))
	assert.False(t, model.FeedbackTerminal(model.FeedbackReviewing))
	assert.False(t, model.FeedbackTerminal(model.FeedbackAccepted))
}

func TestAlertSilenceMatches(t *testing.T) {
	now := time.Now().UTC()
	code := "high_refusal_rate"
	severity := "high"
	site := "site-1"

	s := model.AlertSilence{
		StartsAt: now.Add(-time.Hour),
		EndsAt:   now.Add(time.Hour),
		Matcher: model.SilenceMatcher{
			AlertCode: &code,
			Severity:  &severity,
			SiteID:    &site,
		},
	}

	assert.True(t, s.Matches("high_refusal_rate", "high", "site-1", now))
	assert.False(t, s.Matches("slow_turns", "high", "site-1", now))
	assert.False(t, s.Matches("high_refusal_rate", "medium", "site-1", now))
	assert.False(t, s.Matches("high_refusal_rate", "high", "site-2", now))

	// Outside the window nothing matches.
	assert.False(t, s.Matches("high_refusal_rate", "high", "site-1", now.Add(2*time.Hour)))
	assert.False(t, s.Matches("high_refusal_rate", "high", "site-1", now.Add(-2*time.Hour)))
}

func TestAlertSilenceNilMatcherMatchesEverything(t *testing.T) {
	now := time.Now().UTC()
	s := model.AlertSilence{
		StartsAt: now.Add(-time.Minute),
		EndsAt:   now.Add(time.Minute),
	}
	assert.True(t, s.Matches("anything", "low", "any-site", now))
}

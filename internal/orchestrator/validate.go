package orchestrator

import (
	"strings"

	"github.com/loreline-ai/loreline/internal/model"
)

// sensitiveOutputMarkers catch responses that slipped past the intent gate.
// Same families as the intent classifier's sensitive list, applied to output.
var sensitiveOutputMarkers = []string{
	"vote for", "you should gamble", "place a bet", "buy drugs",
	"kill yourself", "harm yourself", "make a weapon",
}

// anachronismMarkers are modern-world terms a historical persona must not
// produce.
var anachronismMarkers = []string{
	"smartphone", "internet", "wifi", "computer", "television", "airplane",
	"electricity", "instagram", "google", "email", "car engine",
}

// violation names the guardrail a response tripped, empty when clean.
func violation(text string, profile model.NPCProfile) string {
	lower := strings.ToLower(text)

	for _, m := range sensitiveOutputMarkers {
		if strings.Contains(lower, m) {
			return "sensitive keyword: " + m
		}
	}
	for _, topic := range profile.ForbiddenTopics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t != "" && strings.Contains(lower, t) {
			return "forbidden topic: " + topic
		}
	}
	if profile.TimeAwareness == model.TimeAwarenessHistorical {
		for _, m := range anachronismMarkers {
			if strings.Contains(lower, m) {
				return "anachronism: " + m
			}
		}
	}
	return ""
}

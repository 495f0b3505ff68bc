package feedback

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestMatcherMatches(t *testing.T) {
	npcID := "guide"
	f := model.Feedback{
		TenantID: "t1",
		SiteID:   "museum",
		NPCID:    &npcID,
		Severity: model.SeverityHigh,
		Type:     "factual_error",
	}

	assert.True(t, Matcher{}.matches(f), "empty matcher matches everything")
	assert.True(t, Matcher{Severities: []model.FeedbackSeverity{model.SeverityHigh, model.SeverityCritical}}.matches(f))
	assert.False(t, Matcher{Severities: []model.FeedbackSeverity{model.SeverityLow}}.matches(f))
	assert.True(t, Matcher{Types: []string{"factual_error"}}.matches(f))
	assert.False(t, Matcher{Types: []string{"tone"}}.matches(f))
	assert.True(t, Matcher{SiteID: "museum"}.matches(f))
	assert.False(t, Matcher{SiteID: "park"}.matches(f))
	assert.True(t, Matcher{NPCID: "guide"}.matches(f))
	assert.False(t, Matcher{NPCID: "curator"}.matches(f))
	assert.False(t, Matcher{NPCID: "guide"}.matches(model.Feedback{SiteID: "museum"}),
		"npc matcher requires the ticket to name an npc")
}

func TestSortRulesPriorityThenName(t *testing.T) {
	rules := []RoutingRule{
		{Name: "b", Priority: 2},
		{Name: "z", Priority: 1},
		{Name: "a", Priority: 2},
	}
	SortRules(rules)

	assert.Equal(t, "z", rules[0].Name)
	assert.Equal(t, "a", rules[1].Name)
	assert.Equal(t, "b", rules[2].Name)
}

func writeRules(t *testing.T, rules []RoutingRule) string {
	t.Helper()
	raw, err := json.Marshal(rules)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "routing.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoadRulesOrdersByPriority(t *testing.T) {
	path := writeRules(t, []RoutingRule{
		{Name: "catch-all", Priority: 100, Group: "content-ops", SLAHours: 72},
		{Name: "critical", Priority: 1, Group: "oncall", SLAHours: 4,
			Match: Matcher{Severities: []model.FeedbackSeverity{model.SeverityCritical}}},
	})

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "critical", rules[0].Name)
}

func TestLoadRulesBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routing.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadRules(path)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestRouteFirstMatchWins(t *testing.T) {
	path := writeRules(t, []RoutingRule{
		{Name: "critical", Priority: 1, Group: "oncall", SLAHours: 4, Assignee: "duty-officer",
			Match: Matcher{Severities: []model.FeedbackSeverity{model.SeverityCritical}}},
		{Name: "factual", Priority: 10, Group: "curators", SLAHours: 24,
			Match: Matcher{Types: []string{"factual_error"}}},
		{Name: "east-wing", Priority: 20, Group: "east-wing-ops", SLAHours: 48,
			Match: Matcher{SiteID: "east-wing"}},
	})

	svc := New(nil, Config{
		RulesPath:    path,
		DefaultGroup: "content-ops",
		DefaultSLA:   72 * time.Hour,
	}, discard())

	group, sla, assignee := svc.route(model.Feedback{Severity: model.SeverityCritical, Type: "factual_error"})
	assert.Equal(t, "oncall", group)
	assert.Equal(t, 4*time.Hour, sla)
	assert.Equal(t, "duty-officer", assignee)

	group, sla, assignee = svc.route(model.Feedback{Severity: model.SeverityLow, Type: "factual_error"})
	assert.Equal(t, "curators", group)
	assert.Equal(t, 24*time.Hour, sla)
	assert.Empty(t, assignee, "rules without an assignee leave the ticket unassigned")

	group, sla, _ = svc.route(model.Feedback{SiteID: "east-wing", Severity: model.SeverityLow, Type: "tone"})
	assert.Equal(t, "east-wing-ops", group)
	assert.Equal(t, 48*time.Hour, sla)

	// No rule matches: defaults apply.
	group, sla, assignee = svc.route(model.Feedback{Severity: model.SeverityLow, Type: "tone"})
	assert.Equal(t, "content-ops", group)
	assert.Equal(t, 72*time.Hour, sla)
	assert.Empty(t, assignee)
}

func TestRouteBrokenReloadKeepsPreviousRules(t *testing.T) {
	path := writeRules(t, []RoutingRule{
		{Name: "all", Priority: 1, Group: "oncall", SLAHours: 8},
	})

	svc := New(nil, Config{RulesPath: path, ReloadTTL: time.Nanosecond}, discard())

	group, _, _ := svc.route(model.Feedback{Severity: model.SeverityLow, Type: "tone"})
	require.Equal(t, "oncall", group)

	// Corrupt the file; the next reload keeps the previous rule set.
	require.NoError(t, os.WriteFile(path, []byte("broken"), 0o600))
	time.Sleep(2 * time.Nanosecond)

	group, _, _ = svc.route(model.Feedback{Severity: model.SeverityLow, Type: "tone"})
	assert.Equal(t, "oncall", group)
}

package policy_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/policy"
)

func cite(confidence float32, verified bool) model.Citation {
	return model.Citation{
		EvidenceID: uuid.New(),
		Title:      "evidence",
		Confidence: confidence,
		Verified:   verified,
	}
}

func testPolicy() model.GatePolicy {
	return model.GatePolicy{
		Version: "v3",
		Content: model.PolicyContent{
			IntentRules: []model.IntentRule{
				{ID: "fact", Intent: model.IntentFactSeeking, MinEvidenceCount: 2, MinConfidence: 0.6, RequireVerified: true},
				{ID: "greeting", Intent: model.IntentGreeting, MinEvidenceCount: 0},
			},
			DefaultRule: model.IntentRule{ID: "default", MinEvidenceCount: 1, MinConfidence: 0.4},
		},
	}
}

func TestEvaluateSensitiveRefuses(t *testing.T) {
	decision, surviving := policy.Evaluate(testPolicy(), true, policy.GateInput{
		Intent:    model.IntentSensitive,
		Query:     "tell me about politics",
		Citations: []model.Citation{cite(0.9, true)},
	})

	assert.Equal(t, model.ModeRefuse, decision.Mode)
	assert.Equal(t, "v3", decision.PolicyVersion)
	assert.Nil(t, surviving)
}

func TestEvaluateInsufficientEvidenceDowngrades(t *testing.T) {
	decision, surviving := policy.Evaluate(testPolicy(), true, policy.GateInput{
		Intent:    model.IntentFactSeeking,
		Query:     "what is the entrance fee",
		Citations: []model.Citation{cite(0.9, true)}, // rule needs 2
	})

	assert.Equal(t, model.ModeConservative, decision.Mode)
	assert.Equal(t, "insufficient evidence", decision.Reason)
	assert.Equal(t, 2, decision.NeedEvidence)
	assert.Equal(t, 1, decision.HaveEvidence)
	assert.Nil(t, surviving)
}

func TestEvaluateDropsLowConfidenceCitations(t *testing.T) {
	high := cite(0.8, true)
	decision, surviving := policy.Evaluate(testPolicy(), true, policy.GateInput{
		Intent:    model.IntentFactSeeking,
		Query:     "what is the entrance fee",
		Citations: []model.Citation{high, cite(0.9, false), cite(0.2, true)},
	})

	assert.Equal(t, model.ModeNormal, decision.Mode)
	require.Len(t, surviving, 2)
	for _, c := range surviving {
		assert.GreaterOrEqual(t, c.Confidence, float32(0.6))
	}
}

func TestEvaluateHistoryQueryNeedsVerifiedCitation(t *testing.T) {
	in := policy.GateInput{
		Intent:    model.IntentFactSeeking,
		Query:     "when was the temple founded",
		Citations: []model.Citation{cite(0.9, false), cite(0.8, false)},
	}

	decision, surviving := policy.Evaluate(testPolicy(), true, in)
	assert.Equal(t, model.ModeConservative, decision.Mode)
	assert.Equal(t, "history query without verified citation", decision.Reason)
	assert.Nil(t, surviving)

	// One verified citation lifts the downgrade.
	in.Citations[0].Verified = true
	decision, surviving = policy.Evaluate(testPolicy(), true, in)
	assert.Equal(t, model.ModeNormal, decision.Mode)
	assert.Len(t, surviving, 2)
}

func TestEvaluateBuiltinPolicyWhenNoneActive(t *testing.T) {
	decision, _ := policy.Evaluate(model.GatePolicy{}, false, policy.GateInput{
		Intent:    model.IntentGreeting,
		Query:     "hello there",
		Citations: nil,
	})

	assert.Equal(t, model.ModeNormal, decision.Mode)
	assert.Equal(t, "builtin", decision.PolicyVersion)
}

func TestEvaluatePerNPCOverrideWinsOverPerSite(t *testing.T) {
	three := 3
	zero := 0
	p := testPolicy()
	p.Content.Overrides = model.PolicyOverrides{
		PerSite: map[string]model.RuleOverride{
			"site-1": {MinEvidenceCount: &three},
		},
		PerNPC: map[string]model.RuleOverride{
			"guide": {MinEvidenceCount: &zero},
		},
	}

	in := policy.GateInput{
		Scope:     model.Scope{TenantID: "t1", SiteID: "site-1"},
		NPCID:     "guide",
		Intent:    model.IntentFactSeeking,
		Query:     "what is the entrance fee",
		Citations: nil,
	}

	decision, _ := policy.Evaluate(p, true, in)
	assert.Equal(t, model.ModeNormal, decision.Mode)
	assert.Equal(t, 0, decision.NeedEvidence)

	// Without the per-npc override the site override applies.
	in.NPCID = "other"
	decision, _ = policy.Evaluate(p, true, in)
	assert.Equal(t, model.ModeConservative, decision.Mode)
	assert.Equal(t, 3, decision.NeedEvidence)
}

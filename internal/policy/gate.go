package policy

import (
	"strings"

	"github.com/loreline-ai/loreline/internal/model"
)

// DefaultRules is the built-in policy used when a scope has never activated
// one. Conservative for facts, permissive for small talk.
var DefaultRules = model.PolicyContent{
	IntentRules: []model.IntentRule{
		{ID: "builtin-fact", Intent: model.IntentFactSeeking, MinEvidenceCount: 1, MinConfidence: 0.5},
		{ID: "builtin-context", Intent: model.IntentContextPreference, MinEvidenceCount: 0, MinConfidence: 0.3},
		{ID: "builtin-greeting", Intent: model.IntentGreeting, MinEvidenceCount: 0},
	},
	DefaultRule: model.IntentRule{ID: "builtin-default", MinEvidenceCount: 1, MinConfidence: 0.4},
}

// GateInput is everything the gate needs for one turn.
type GateInput struct {
	Scope     model.Scope
	NPCID     string
	Intent    model.Intent
	Query     string
	Citations []model.Citation
}

// historyMarkers flag queries about past events, which tighten verification
// requirements when the matched rule demands it.
var historyMarkers = []string{
	"history", "historical", "founded", "origin", "ancient", "century",
	"war", "dynasty", "built", "when was", "how old",
}

func historyRelated(query string) bool {
	q := strings.ToLower(query)
	for _, m := range historyMarkers {
		if strings.Contains(q, m) {
			return true
		}
	}
	return false
}

// Evaluate runs the evidence gate for one turn.
//
// Rule lookup order: per-npc override, per-site override, intent match,
// default rule. Outcome:
//   - sensitive intent refuses outright
//   - too little qualifying evidence, or a history query without a verified
//     citation when the rule demands one, downgrades to CONSERVATIVE
//   - otherwise NORMAL
//
// Surviving citations (confidence at or above the rule threshold) are
// returned; the prompt must never include citations the gate dropped.
func Evaluate(p model.GatePolicy, hasPolicy bool, in GateInput) (model.GateDecision, []model.Citation) {
	content := p.Content
	version := p.Version
	if !hasPolicy {
		content = DefaultRules
		version = "builtin"
	}

	rule := resolveRule(content, in)

	if in.Intent == model.IntentSensitive {
		return model.GateDecision{
			Mode:          model.ModeRefuse,
			AppliedRuleID: rule.ID,
			PolicyVersion: version,
			Reason:        "sensitive intent",
			NeedEvidence:  rule.MinEvidenceCount,
		}, nil
	}

	var surviving []model.Citation
	hasVerified := false
	for _, c := range in.Citations {
		if c.Confidence >= rule.MinConfidence {
			surviving = append(surviving, c)
			if c.Verified {
				hasVerified = true
			}
		}
	}

	needVerified := rule.RequireVerified && historyRelated(in.Query)
	decision := model.GateDecision{
		AppliedRuleID: rule.ID,
		PolicyVersion: version,
		NeedEvidence:  rule.MinEvidenceCount,
		HaveEvidence:  len(surviving),
	}

	switch {
	case len(surviving) < rule.MinEvidenceCount:
		decision.Mode = model.ModeConservative
		decision.Reason = "insufficient evidence"
		return decision, nil
	case needVerified && !hasVerified:
		decision.Mode = model.ModeConservative
		decision.Reason = "history query without verified citation"
		return decision, nil
	default:
		decision.Mode = model.ModeNormal
		decision.Reason = "evidence threshold met"
		return decision, surviving
	}
}

// resolveRule picks the intent rule and folds in scope overrides, most
// specific last so per-npc wins over per-site.
func resolveRule(content model.PolicyContent, in GateInput) model.IntentRule {
	rule := content.DefaultRule
	for _, r := range content.IntentRules {
		if r.Intent == in.Intent {
			rule = r
			break
		}
	}
	if o, ok := content.Overrides.PerSite[in.Scope.SiteID]; ok {
		rule = o.Apply(rule)
	}
	if o, ok := content.Overrides.PerNPC[in.NPCID]; ok {
		rule = o.Apply(rule)
	}
	return rule
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Intent is the classified purpose of a user query.
type Intent string

const (
	IntentFactSeeking       Intent = "fact_seeking"
	IntentContextPreference Intent = "context_preference"
	IntentSensitive         Intent = "sensitive"
	IntentGreeting          Intent = "greeting"
	IntentUnknown           Intent = "unknown"
)

// PolicyMode is the evidence-gate outcome for one turn.
type PolicyMode string

const (
	ModeNormal       PolicyMode = "NORMAL"
	ModeConservative PolicyMode = "CONSERVATIVE"
	ModeRefuse       PolicyMode = "REFUSE"
)

// GatePolicy is a versioned evidence-gate policy. At most one active version
// exists per (tenant, site), enforced by a unique partial index.
type GatePolicy struct {
	ID        uuid.UUID     `json:"id"`
	TenantID  string        `json:"tenant_id"`
	SiteID    string        `json:"site_id"`
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	IsActive  bool          `json:"is_active"`
	Content   PolicyContent `json:"content"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// PolicyContent is the rule body stored as JSONB.
type PolicyContent struct {
	IntentRules []IntentRule    `json:"intent_rules"`
	DefaultRule IntentRule      `json:"default_rule"`
	Overrides   PolicyOverrides `json:"overrides,omitempty"`
}

// IntentRule is the evidence requirement for one intent. A rule match
// short-circuits; if nothing matches, DefaultRule applies.
type IntentRule struct {
	ID                string   `json:"id"`
	Intent            Intent   `json:"intent"`
	MinEvidenceCount  int      `json:"min_evidence_count"`
	MinConfidence     float32  `json:"min_confidence"`
	RequireVerified   bool     `json:"require_verified"`
	AllowedSoftClaims []string `json:"allowed_soft_claims,omitempty"`
}

// RuleOverride is a partial rule applied on top of the matched intent rule.
// Nil fields inherit from the base rule.
type RuleOverride struct {
	MinEvidenceCount *int     `json:"min_evidence_count,omitempty"`
	MinConfidence    *float32 `json:"min_confidence,omitempty"`
	RequireVerified  *bool    `json:"require_verified,omitempty"`
}

// PolicyOverrides narrows rules for specific sites or NPCs.
// Lookup order at evaluation time: per-npc → per-site → intent → default.
type PolicyOverrides struct {
	PerSite map[string]RuleOverride `json:"per_site,omitempty"`
	PerNPC  map[string]RuleOverride `json:"per_npc,omitempty"`
}

// Apply folds an override into a copy of the base rule.
func (o RuleOverride) Apply(base IntentRule) IntentRule {
	out := base
	if o.MinEvidenceCount != nil {
		out.MinEvidenceCount = *o.MinEvidenceCount
	}
	if o.MinConfidence != nil {
		out.MinConfidence = *o.MinConfidence
	}
	if o.RequireVerified != nil {
		out.RequireVerified = *o.RequireVerified
	}
	return out
}

// GateDecision is what the evidence gate records into the trace.
type GateDecision struct {
	Mode          PolicyMode `json:"mode"`
	AppliedRuleID string     `json:"applied_rule_id"`
	PolicyVersion string     `json:"policy_version"`
	Reason        string     `json:"reason"`
	NeedEvidence  int        `json:"need_evidence"`
	HaveEvidence  int        `json:"have_evidence"`
}

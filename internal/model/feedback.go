package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackStatus is the ticket state. Transitions are forward-only:
// pending → reviewing → accepted|rejected → resolved → archived.
type FeedbackStatus string

const (
	FeedbackPending   FeedbackStatus = "pending"
	FeedbackReviewing FeedbackStatus = "reviewing"
	FeedbackAccepted  FeedbackStatus = "accepted"
	FeedbackRejected  FeedbackStatus = "rejected"
	FeedbackResolved  FeedbackStatus = "resolved"
	FeedbackArchived  FeedbackStatus = "archived"
)

// FeedbackSeverity orders tickets for routing and SLA selection.
type FeedbackSeverity string

const (
	SeverityLow      FeedbackSeverity = "low"
	SeverityMedium   FeedbackSeverity = "medium"
	SeverityHigh     FeedbackSeverity = "high"
	SeverityCritical FeedbackSeverity = "critical"
)

var feedbackTransitions = map[FeedbackStatus][]FeedbackStatus{
	FeedbackPending:   {FeedbackReviewing},
	FeedbackReviewing: {FeedbackAccepted, FeedbackRejected},
	FeedbackAccepted:  {FeedbackResolved},
	FeedbackRejected:  {FeedbackResolved, FeedbackArchived},
	FeedbackResolved:  {FeedbackArchived},
	FeedbackArchived:  {},
}

// CanTransitionFeedback reports whether from → to is a legal move.
func CanTransitionFeedback(from, to FeedbackStatus) bool {
	for _, s := range feedbackTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FeedbackTerminal reports whether a status is out of the SLA clock.
func FeedbackTerminal(s FeedbackStatus) bool {
	return s == FeedbackResolved || s == FeedbackArchived
}

// Feedback is a correction ticket raised against a turn. Lifecycle timestamps
// are monotonic; resolution must bind at least one of the resolved_by ids.
type Feedback struct {
	ID                  uuid.UUID        `json:"id"`
	TenantID            string           `json:"tenant_id"`
	SiteID              string           `json:"site_id"`
	TraceID             *string          `json:"trace_id,omitempty"`
	NPCID               *string          `json:"npc_id,omitempty"`
	Severity            FeedbackSeverity `json:"severity"`
	Type                string           `json:"type"` // "factual_error", "tone", "missing_citation", ...
	Content             string           `json:"content"`
	Status              FeedbackStatus   `json:"status"`
	Assignee            *string          `json:"assignee,omitempty"`
	Group               string           `json:"group"`
	SLADueAt            time.Time        `json:"sla_due_at"`
	OverdueFlag         bool             `json:"overdue_flag"`
	TriagedAt           *time.Time       `json:"triaged_at,omitempty"`
	InProgressAt        *time.Time       `json:"in_progress_at,omitempty"`
	ClosedAt            *time.Time       `json:"closed_at,omitempty"`
	ResolvedByContentID *uuid.UUID       `json:"resolved_by_content_id,omitempty"`
	ResolvedByEvidence  *uuid.UUID       `json:"resolved_by_evidence_id,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// AlertStatus is the state of an alert event row.
type AlertStatus string

const (
	AlertFiring   AlertStatus = "firing"
	AlertResolved AlertStatus = "resolved"
)

// AlertEvent is one deduplicated alert occurrence. At most one firing row
// exists per dedup_key.
type AlertEvent struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      string         `json:"tenant_id"`
	SiteID        string         `json:"site_id"`
	DedupKey      string         `json:"dedup_key"`
	AlertCode     string         `json:"alert_code"`
	Severity      string         `json:"severity"`
	Status        AlertStatus    `json:"status"`
	CurrentValue  float64        `json:"current_value"`
	Threshold     float64        `json:"threshold"`
	FirstSeenAt   time.Time      `json:"first_seen_at"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	WebhookSent   bool           `json:"webhook_sent"`
	WebhookSentAt *time.Time     `json:"webhook_sent_at,omitempty"`
}

// SilenceMatcher selects which alerts a silence suppresses. Nil fields match
// everything.
type SilenceMatcher struct {
	AlertCode *string `json:"alert_code,omitempty"`
	Severity  *string `json:"severity,omitempty"`
	SiteID    *string `json:"site_id,omitempty"`
}

// AlertSilence suppresses notifications for matching alerts inside a window.
type AlertSilence struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Matcher   SilenceMatcher `json:"matcher"`
	StartsAt  time.Time      `json:"starts_at"`
	EndsAt    time.Time      `json:"ends_at"`
	CreatedBy string         `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
}

// Matches reports whether the silence applies to the given alert at time t.
func (s AlertSilence) Matches(code, severity, siteID string, t time.Time) bool {
	if t.Before(s.StartsAt) || t.After(s.EndsAt) {
		return false
	}
	if s.Matcher.AlertCode != nil && *s.Matcher.AlertCode != code {
		return false
	}
	if s.Matcher.Severity != nil && *s.Matcher.Severity != severity {
		return false
	}
	if s.Matcher.SiteID != nil && *s.Matcher.SiteID != siteID {
		return false
	}
	return true
}

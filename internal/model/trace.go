package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the final state of a turn's ledger row.
type TraceStatus string

const (
	TraceCompleted TraceStatus = "completed"
	TraceFailed    TraceStatus = "failed"
	TraceTimeout   TraceStatus = "timeout"
)

// ToolCallRecord is one tool invocation inside a turn, as persisted in the
// trace ledger's tool_calls array.
type ToolCallRecord struct {
	Tool      string `json:"tool"`
	Status    string `json:"status"` // "ok", "error", "timeout", "circuit_open"
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// TokenUsage is the LLM accounting for one turn.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// TraceRecord is the immutable per-turn ledger row. Append-only after
// CompletedAt is set; corrections reference the original by trace_id in
// metadata rather than mutating the row.
type TraceRecord struct {
	ID                uuid.UUID        `json:"-"`
	TraceID           string           `json:"trace_id"`
	TenantID          string           `json:"tenant_id"`
	SiteID            string           `json:"site_id"`
	SessionID         string           `json:"session_id"`
	UserID            *string          `json:"user_id,omitempty"`
	NPCID             *string          `json:"npc_id,omitempty"`
	RequestType       string           `json:"request_type"`
	RequestInput      string           `json:"request_input"`
	ToolCalls         []ToolCallRecord `json:"tool_calls,omitempty"`
	EvidenceIDs       []uuid.UUID      `json:"evidence_ids,omitempty"`
	EvidenceChain     []Citation       `json:"evidence_chain,omitempty"`
	Intent            Intent           `json:"intent,omitempty"`
	PolicyMode        PolicyMode       `json:"policy_mode"`
	PolicyReason      string           `json:"policy_reason,omitempty"`
	AppliedRuleID     string           `json:"applied_rule_id,omitempty"`
	PolicyVersion     string           `json:"policy_version,omitempty"`
	ResponseOutput    string           `json:"response_output"`
	LatencyMS         int64            `json:"latency_ms"`
	Tokens            TokenUsage       `json:"tokens"`
	Cost              float64          `json:"cost"`
	GuardrailPassed   bool             `json:"guardrail_passed"`
	ReleaseID         *uuid.UUID       `json:"release_id,omitempty"`
	ExperimentID      *uuid.UUID       `json:"experiment_id,omitempty"`
	ExperimentVariant *string          `json:"experiment_variant,omitempty"`
	StrategySnapshot  map[string]any   `json:"strategy_snapshot,omitempty"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	Status            TraceStatus      `json:"status"`
}

// AdminAuditEntry is one control-plane action in the append-only admin log.
type AdminAuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   string         `json:"tenant_id"`
	SiteID     string         `json:"site_id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"` // e.g. "release.activate", "feedback.triage"
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// MessageRole is the speaker of one conversation message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Conversation groups the messages of one session with one NPC.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SiteID    string    `json:"site_id"`
	SessionID string    `json:"session_id"`
	NPCID     string    `json:"npc_id"`
	UserID    *string   `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one utterance. Messages within a session are ordered by
// created_at monotonically; the pipeline serialises writes per session.
type Message struct {
	ID             uuid.UUID   `json:"id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	EvidenceIDs    []uuid.UUID `json:"evidence_ids,omitempty"`
	TraceID        *string     `json:"trace_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// EmbeddingUsageStatus classifies one embedding provider call.
type EmbeddingUsageStatus string

const (
	EmbeddingSuccess     EmbeddingUsageStatus = "success"
	EmbeddingFailed      EmbeddingUsageStatus = "failed"
	EmbeddingRateLimited EmbeddingUsageStatus = "rate_limited"
	EmbeddingDedupHit    EmbeddingUsageStatus = "dedup_hit"
)

// EmbeddingUsage is the per-call audit row for the embedding pipeline.
type EmbeddingUsage struct {
	ID              uuid.UUID            `json:"id"`
	TenantID        string               `json:"tenant_id"`
	SiteID          string               `json:"site_id"`
	ObjectType      string               `json:"object_type"` // "evidence", "query"
	ObjectID        string               `json:"object_id"`
	Provider        string               `json:"provider"`
	Model           string               `json:"model"`
	EmbeddingDim    int                  `json:"embedding_dim"`
	InputChars      int                  `json:"input_chars"`
	EstimatedTokens int                  `json:"estimated_tokens"`
	CostEstimate    float64              `json:"cost_estimate"`
	LatencyMS       int64                `json:"latency_ms"`
	Status          EmbeddingUsageStatus `json:"status"`
	ContentHash     string               `json:"content_hash"`
	CreatedAt       time.Time            `json:"created_at"`
}

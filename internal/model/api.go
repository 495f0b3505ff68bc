package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ChatRequest is the body for POST /chat. Tenant and site come from headers.
type ChatRequest struct {
	NPCID     string         `json:"npc_id"`
	Message   string         `json:"message"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ChatResponse is one grounded, policy-compliant answer.
type ChatResponse struct {
	TraceID           string     `json:"trace_id"`
	SessionID         string     `json:"session_id"`
	PolicyMode        PolicyMode `json:"policy_mode"`
	AnswerText        string     `json:"answer_text"`
	Citations         []Citation `json:"citations"`
	FollowupQuestions []string   `json:"followup_questions,omitempty"`
	LatencyMS         int64      `json:"latency_ms"`
}

// ToolContext carries scope and correlation ids on every tool call.
type ToolContext struct {
	TenantID  string `json:"tenant_id"`
	SiteID    string `json:"site_id"`
	TraceID   string `json:"trace_id"`
	SpanID    string `json:"span_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	NPCID     string `json:"npc_id,omitempty"`
}

// Scope returns the tenant/site pair of the call.
func (c ToolContext) Scope() Scope {
	return Scope{TenantID: c.TenantID, SiteID: c.SiteID}
}

// ToolListRequest is the body for POST /tools/list.
type ToolListRequest struct {
	Category       string `json:"category,omitempty"`
	AICallableOnly bool   `json:"ai_callable_only,omitempty"`
}

// ToolDescriptor is one registry entry as returned by tools/list.
type ToolDescriptor struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description"`
	Category     string         `json:"category"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	RequiresAuth bool           `json:"requires_auth"`
	AICallable   bool           `json:"ai_callable"`
}

// ToolListResponse is the reply to tools/list.
type ToolListResponse struct {
	Tools []ToolDescriptor `json:"tools"`
}

// ToolCallRequest is the body for POST /tools/call.
type ToolCallRequest struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
	Context  ToolContext    `json:"context"`
}

// ToolCallAudit is the audit block attached to every tools/call reply.
type ToolCallAudit struct {
	TraceID            string `json:"trace_id"`
	ToolName           string `json:"tool_name"`
	Status             string `json:"status"`
	LatencyMS          int64  `json:"latency_ms"`
	RequestPayloadHash string `json:"request_payload_hash"`
	Attempt            int    `json:"attempt"`
}

// ToolCallResponse is the reply to tools/call.
type ToolCallResponse struct {
	Success   bool           `json:"success"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Audit     ToolCallAudit  `json:"audit"`
}

// CreateReleaseRequest is the body for POST /releases.
type CreateReleaseRequest struct {
	Name    string         `json:"name"`
	Payload ReleasePayload `json:"payload"`
}

// RuntimeConfig is the active bundle resolved for one (tenant, site, npc).
type RuntimeConfig struct {
	ReleaseID         *uuid.UUID        `json:"release_id,omitempty"`
	PolicyVersion     string            `json:"policy_version"`
	PromptVersion     *int              `json:"prompt_version,omitempty"`
	ExperimentID      *uuid.UUID        `json:"experiment_id,omitempty"`
	RetrievalDefaults RetrievalDefaults `json:"retrieval_defaults"`
}

// CreateExperimentRequest is the body for POST /experiments.
type CreateExperimentRequest struct {
	Name   string           `json:"name"`
	Config ExperimentConfig `json:"config"`
}

// CreateFeedbackRequest is the body for POST /feedback.
type CreateFeedbackRequest struct {
	TraceID  string           `json:"trace_id,omitempty"`
	NPCID    string           `json:"npc_id,omitempty"`
	Severity FeedbackSeverity `json:"severity"`
	Type     string           `json:"type"`
	Content  string           `json:"content"`
}

// ResolveFeedbackRequest is the body for POST /feedback/{id}/resolve.
type ResolveFeedbackRequest struct {
	ContentID  *uuid.UUID `json:"resolved_by_content_id,omitempty"`
	EvidenceID *uuid.UUID `json:"resolved_by_evidence_id,omitempty"`
	Note       string     `json:"note,omitempty"`
}

// CreateSilenceRequest is the body for POST /alerts/silences.
type CreateSilenceRequest struct {
	Matcher  SilenceMatcher `json:"matcher"`
	StartsAt time.Time      `json:"starts_at"`
	EndsAt   time.Time      `json:"ends_at"`
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Redis    string `json:"redis"`
	Qdrant   string `json:"qdrant,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}

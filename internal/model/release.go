package model

import (
	"time"

	"github.com/google/uuid"
)

// ReleaseStatus is the lifecycle of a release bundle.
// draft → active → archived; archived is terminal.
type ReleaseStatus string

const (
	ReleaseDraft    ReleaseStatus = "draft"
	ReleaseActive   ReleaseStatus = "active"
	ReleaseArchived ReleaseStatus = "archived"
)

// RetrievalStrategy selects the evidence retrieval provider.
type RetrievalStrategy string

const (
	StrategyTrgm     RetrievalStrategy = "trgm"
	StrategyQdrant   RetrievalStrategy = "qdrant"
	StrategyPgvector RetrievalStrategy = "pgvector"
	StrategyHybrid   RetrievalStrategy = "hybrid"
)

// RetrievalDefaults are the retrieval dials pinned by a release.
type RetrievalDefaults struct {
	Strategy     RetrievalStrategy `json:"strategy"`
	TopK         int               `json:"top_k"`
	MinScore     float32           `json:"min_score"`
	TrgmWeight   float32           `json:"trgm_weight"`
	QdrantWeight float32           `json:"qdrant_weight"`
}

// ReleasePayload is the immutable bundle a release pins at runtime.
type ReleasePayload struct {
	PolicyVersion     string            `json:"policy_version"`
	PromptsActiveMap  map[string]int    `json:"prompts_active_map"` // npc_id → prompt version
	ExperimentID      *uuid.UUID        `json:"experiment_id,omitempty"`
	RetrievalDefaults RetrievalDefaults `json:"retrieval_defaults"`
}

// Release is an activatable bundle. At most one active release exists per
// (tenant, site); activation archives the previous active atomically.
type Release struct {
	ID          uuid.UUID      `json:"id"`
	TenantID    string         `json:"tenant_id"`
	SiteID      string         `json:"site_id"`
	Name        string         `json:"name"`
	Status      ReleaseStatus  `json:"status"`
	Payload     ReleasePayload `json:"payload"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
}

// ReleaseHistory records every activate/rollback with its operator.
type ReleaseHistory struct {
	ID                uuid.UUID  `json:"id"`
	TenantID          string     `json:"tenant_id"`
	SiteID            string     `json:"site_id"`
	Action            string     `json:"action"` // "activate" or "rollback"
	ReleaseID         uuid.UUID  `json:"release_id"`
	PreviousReleaseID *uuid.UUID `json:"previous_release_id,omitempty"`
	Operator          string     `json:"operator"`
	CreatedAt         time.Time  `json:"created_at"`
}

// ExperimentStatus is the lifecycle of an experiment.
type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentActive    ExperimentStatus = "active"
	ExperimentPaused    ExperimentStatus = "paused"
	ExperimentCompleted ExperimentStatus = "completed"
)

// SubjectType chooses the bucketing key for an experiment.
type SubjectType string

const (
	SubjectUserID    SubjectType = "user_id"
	SubjectSessionID SubjectType = "session_id"
)

// StrategyOverrides are the per-variant dials folded into the turn's
// retrieval defaults and LLM parameters.
type StrategyOverrides struct {
	Strategy    *RetrievalStrategy `json:"strategy,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	MinScore    *float32           `json:"min_score,omitempty"`
	Temperature *float32           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
}

// Variant is one experiment arm. Weights across variants sum to 100.
type Variant struct {
	Name              string            `json:"name"`
	Weight            int               `json:"weight"`
	StrategyOverrides StrategyOverrides `json:"strategy_overrides,omitempty"`
}

// ExperimentConfig is the experiment body stored as JSONB.
type ExperimentConfig struct {
	Variants    []Variant   `json:"variants"`
	SubjectType SubjectType `json:"subject_type"`
}

// Experiment is an A/B test owned by one (tenant, site).
type Experiment struct {
	ID        uuid.UUID        `json:"id"`
	TenantID  string           `json:"tenant_id"`
	SiteID    string           `json:"site_id"`
	Name      string           `json:"name"`
	Status    ExperimentStatus `json:"status"`
	Config    ExperimentConfig `json:"config"`
	CreatedAt time.Time        `json:"created_at"`
}

// Validate checks variant weights and subject type.
func (c ExperimentConfig) Validate() error {
	if len(c.Variants) == 0 {
		return E(KindValidation, "experiment requires at least one variant")
	}
	sum := 0
	for i, v := range c.Variants {
		if v.Name == "" {
			return Ef(KindValidation, "variant[%d] missing name", i)
		}
		if v.Weight < 0 {
			return Ef(KindValidation, "variant %q has negative weight", v.Name)
		}
		sum += v.Weight
	}
	if sum != 100 {
		return Ef(KindValidation, "variant weights must sum to 100, got %d", sum)
	}
	switch c.SubjectType {
	case SubjectUserID, SubjectSessionID:
	default:
		return Ef(KindValidation, "invalid subject_type: %q", c.SubjectType)
	}
	return nil
}

// Assignment binds a subject to a variant. Unique on (experiment_id,
// subject_key); stable for the life of the assignment regardless of later
// weight changes.
type Assignment struct {
	ID           uuid.UUID `json:"id"`
	ExperimentID uuid.UUID `json:"experiment_id"`
	SubjectKey   string    `json:"subject_key"`
	Variant      string    `json:"variant"`
	BucketHash   int       `json:"bucket_hash"` // 0..99
	CreatedAt    time.Time `json:"created_at"`
}

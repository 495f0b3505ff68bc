// Package release owns the release bundle lifecycle, the experiment plane,
// and runtime config resolution for the turn pipeline.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Service is the release and experiment control plane.
type Service struct {
	db       *storage.DB
	cache    *cache.Cache
	policies *policy.Loader
	logger   *slog.Logger

	// Defaults used when no release is active for a scope.
	fallbackRetrieval model.RetrievalDefaults

	group singleflight.Group
}

// New builds the service. fallbackRetrieval seeds runtime config for scopes
// without an active release.
func New(db *storage.DB, c *cache.Cache, policies *policy.Loader, fallbackRetrieval model.RetrievalDefaults, logger *slog.Logger) *Service {
	return &Service{
		db:                db,
		cache:             c,
		policies:          policies,
		fallbackRetrieval: fallbackRetrieval,
		logger:            logger,
	}
}

// Create validates the payload and stores a draft release. All offences are
// collected into one structured validation error rather than failing on the
// first.
func (s *Service) Create(ctx context.Context, scope model.Scope, req model.CreateReleaseRequest, operator string) (model.Release, error) {
	if req.Name == "" {
		return model.Release{}, model.ValidationError("release name is required",
			model.FieldError{Field: "name", Message: "must not be empty"})
	}

	fields, err := s.validatePayload(ctx, scope, req.Payload)
	if err != nil {
		return model.Release{}, err
	}
	if len(fields) > 0 {
		return model.Release{}, model.ValidationError("release payload is invalid", fields...)
	}

	rel, err := s.db.CreateRelease(ctx, model.Release{
		TenantID:  scope.TenantID,
		SiteID:    scope.SiteID,
		Name:      req.Name,
		Payload:   req.Payload,
		CreatedBy: operator,
	})
	if err != nil {
		return model.Release{}, err
	}
	s.audit(ctx, scope, operator, "release.create", rel.ID.String(), nil)
	return rel, nil
}

// Activate flips the target release to active, archiving the previous active
// in the same transaction, then drops the cached runtime config so the next
// turn sees the new bundle.
func (s *Service) Activate(ctx context.Context, scope model.Scope, id uuid.UUID, operator string) (model.Release, error) {
	rel, err := s.db.ActivateRelease(ctx, scope, id, operator, "activate")
	if err != nil {
		return model.Release{}, err
	}
	s.invalidate(ctx, scope)
	s.audit(ctx, scope, operator, "release.activate", rel.ID.String(), nil)
	return rel, nil
}

// Rollback re-activates the release named by id. The target's payload is
// re-validated first so a rollback cannot resurrect a bundle whose policy,
// prompts, or experiment have since gone away.
func (s *Service) Rollback(ctx context.Context, scope model.Scope, id uuid.UUID, operator string) (model.Release, error) {
	target, err := s.db.GetRelease(ctx, scope, id)
	if err != nil {
		return model.Release{}, err
	}

	fields, err := s.validatePayload(ctx, scope, target.Payload)
	if err != nil {
		return model.Release{}, err
	}
	if len(fields) > 0 {
		return model.Release{}, model.ValidationError("rollback target is no longer valid", fields...)
	}

	details := map[string]any{}
	if current, err := s.db.GetActiveRelease(ctx, scope); err == nil {
		details["rolled_back_from"] = current.ID.String()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Release{}, err
	}

	rel, err := s.db.ActivateRelease(ctx, scope, target.ID, operator, "rollback")
	if err != nil {
		return model.Release{}, err
	}
	s.invalidate(ctx, scope)
	s.audit(ctx, scope, operator, "release.rollback", rel.ID.String(), details)
	return rel, nil
}

// validatePayload checks every reference in a release payload against the
// current state of the scope. Offences accumulate into one field list.
func (s *Service) validatePayload(ctx context.Context, scope model.Scope, p model.ReleasePayload) ([]model.FieldError, error) {
	var fields []model.FieldError

	if p.PolicyVersion == "" {
		fields = append(fields, model.FieldError{Field: "payload.policy_version", Message: "must not be empty"})
	} else if _, err := s.db.GetPolicyVersion(ctx, scope, p.PolicyVersion); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fields = append(fields, model.FieldError{
				Field:   "payload.policy_version",
				Message: fmt.Sprintf("policy version %q does not exist", p.PolicyVersion),
			})
		} else {
			return nil, fmt.Errorf("release: check policy version: %w", err)
		}
	}

	for npcID, version := range p.PromptsActiveMap {
		if _, err := s.db.GetPromptVersion(ctx, scope, npcID, version); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fields = append(fields, model.FieldError{
					Field:   "payload.prompts_active_map." + npcID,
					Message: fmt.Sprintf("prompt version %d does not exist", version),
				})
				continue
			}
			return nil, fmt.Errorf("release: check prompt version: %w", err)
		}
	}

	if p.ExperimentID != nil {
		exp, err := s.db.GetExperiment(ctx, scope, *p.ExperimentID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			fields = append(fields, model.FieldError{
				Field:   "payload.experiment_id",
				Message: fmt.Sprintf("experiment %s does not exist", *p.ExperimentID),
			})
		case err != nil:
			return nil, fmt.Errorf("release: check experiment: %w", err)
		case exp.Status == model.ExperimentCompleted:
			fields = append(fields, model.FieldError{
				Field:   "payload.experiment_id",
				Message: fmt.Sprintf("experiment %s is completed", *p.ExperimentID),
			})
		}
	}

	fields = append(fields, validateRetrievalDefaults(p.RetrievalDefaults)...)
	return fields, nil
}

// RuntimeConfig resolves the active bundle for one (tenant, site, npc).
// Cache misses are collapsed through singleflight; a scope without an active
// release falls back to the active policy with default retrieval dials.
func (s *Service) RuntimeConfig(ctx context.Context, scope model.Scope, npcID string) (model.RuntimeConfig, error) {
	if rc, err := s.cache.GetRuntimeConfig(ctx, scope, npcID); err == nil {
		return rc, nil
	}

	key := scope.TenantID + "|" + scope.SiteID + "|" + npcID
	v, err, _ := s.group.Do(key, func() (any, error) {
		rc, err := s.resolveRuntimeConfig(ctx, scope, npcID)
		if err != nil {
			return model.RuntimeConfig{}, err
		}
		if err := s.cache.SetRuntimeConfig(ctx, scope, npcID, rc); err != nil {
			s.logger.Warn("release: runtime config cache write failed", "error", err)
		}
		return rc, nil
	})
	if err != nil {
		return model.RuntimeConfig{}, err
	}
	return v.(model.RuntimeConfig), nil
}

func (s *Service) resolveRuntimeConfig(ctx context.Context, scope model.Scope, npcID string) (model.RuntimeConfig, error) {
	rel, err := s.db.GetActiveRelease(ctx, scope)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return model.RuntimeConfig{}, err
		}
		// No release: serve the active policy with default dials.
		rc := model.RuntimeConfig{RetrievalDefaults: s.fallbackRetrieval}
		if pol, _, err := s.policies.Active(ctx, scope); err == nil {
			rc.PolicyVersion = pol.Version
		}
		return rc, nil
	}

	rc := model.RuntimeConfig{
		ReleaseID:         &rel.ID,
		PolicyVersion:     rel.Payload.PolicyVersion,
		ExperimentID:      rel.Payload.ExperimentID,
		RetrievalDefaults: rel.Payload.RetrievalDefaults,
	}
	if v, ok := rel.Payload.PromptsActiveMap[npcID]; ok {
		rc.PromptVersion = &v
	}
	return rc, nil
}

// invalidate drops every cached view derived from the active release.
func (s *Service) invalidate(ctx context.Context, scope model.Scope) {
	if err := s.cache.InvalidateRuntimeConfig(ctx, scope); err != nil {
		s.logger.Warn("release: runtime config invalidation failed", "error", err)
	}
	s.policies.Invalidate(scope)
}

func (s *Service) audit(ctx context.Context, scope model.Scope, actor, action, target string, details map[string]any) {
	targetType := "release"
	if strings.HasPrefix(action, "experiment.") {
		targetType = "experiment"
	}
	err := s.db.InsertAdminAudit(ctx, model.AdminAuditEntry{
		TenantID:   scope.TenantID,
		SiteID:     scope.SiteID,
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   target,
		Payload:    details,
	})
	if err != nil {
		s.logger.Warn("release: audit write failed", "action", action, "error", err)
	}
}

func validateRetrievalDefaults(d model.RetrievalDefaults) []model.FieldError {
	var fields []model.FieldError
	switch d.Strategy {
	case model.StrategyTrgm, model.StrategyQdrant, model.StrategyPgvector, model.StrategyHybrid:
	default:
		fields = append(fields, model.FieldError{
			Field:   "payload.retrieval_defaults.strategy",
			Message: fmt.Sprintf("unknown strategy %q", d.Strategy),
		})
	}
	if d.TopK < 1 || d.TopK > 50 {
		fields = append(fields, model.FieldError{
			Field:   "payload.retrieval_defaults.top_k",
			Message: "must be between 1 and 50",
		})
	}
	if d.MinScore < 0 || d.MinScore > 1 {
		fields = append(fields, model.FieldError{
			Field:   "payload.retrieval_defaults.min_score",
			Message: "must be between 0 and 1",
		})
	}
	if d.Strategy == model.StrategyHybrid && d.TrgmWeight+d.QdrantWeight <= 0 {
		fields = append(fields, model.FieldError{
			Field:   "payload.retrieval_defaults.trgm_weight",
			Message: "hybrid weights must sum to a positive value",
		})
	}
	if d.TrgmWeight < 0 || d.QdrantWeight < 0 {
		fields = append(fields, model.FieldError{
			Field:   "payload.retrieval_defaults.qdrant_weight",
			Message: "weights must not be negative",
		})
	}
	return fields
}

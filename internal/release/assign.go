package release

import (
	"context"
	"errors"
	"hash/crc32"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Bucket maps a subject into one of 100 deterministic buckets. The hash
// covers the experiment ID so the same subject lands in independent buckets
// across experiments.
func Bucket(experimentID, subjectKey string) int {
	return int(crc32.ChecksumIEEE([]byte(experimentID+":"+subjectKey)) % 100)
}

// PickVariant walks variants by cumulative weight. Weights sum to 100 per
// config validation, so the walk always terminates inside the list.
func PickVariant(variants []model.Variant, bucket int) model.Variant {
	cum := 0
	for _, v := range variants {
		cum += v.Weight
		if bucket < cum {
			return v
		}
	}
	return variants[len(variants)-1]
}

// SubjectKey selects the bucketing key per the experiment's subject type,
// falling back to the session when no user is known.
func SubjectKey(cfg model.ExperimentConfig, sessionID, userID string) string {
	if cfg.SubjectType == model.SubjectUserID && userID != "" {
		return userID
	}
	return sessionID
}

// Assign returns the subject's variant, creating the assignment on first
// contact. Concurrent first contacts race benignly: the unique key keeps one
// row and the loser re-reads it.
func (s *Service) Assign(ctx context.Context, exp model.Experiment, subjectKey string) (model.Assignment, error) {
	if existing, err := s.db.GetAssignment(ctx, exp.ID, subjectKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Assignment{}, err
	}

	bucket := Bucket(exp.ID.String(), subjectKey)
	variant := PickVariant(exp.Config.Variants, bucket)

	return s.db.InsertAssignment(ctx, model.Assignment{
		ExperimentID: exp.ID,
		SubjectKey:   subjectKey,
		Variant:      variant.Name,
		BucketHash:   bucket,
	})
}

// ActiveExperiment loads the experiment pinned by a runtime config when it is
// currently active. Paused, draft, and completed experiments assign nothing.
func (s *Service) ActiveExperiment(ctx context.Context, scope model.Scope, rc model.RuntimeConfig) (model.Experiment, bool, error) {
	if rc.ExperimentID == nil {
		return model.Experiment{}, false, nil
	}
	exp, err := s.db.GetExperiment(ctx, scope, *rc.ExperimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Experiment{}, false, nil
		}
		return model.Experiment{}, false, err
	}
	if exp.Status != model.ExperimentActive {
		return model.Experiment{}, false, nil
	}
	return exp, true, nil
}

// ApplyOverrides folds a variant's dials into the turn's retrieval defaults.
func ApplyOverrides(base model.RetrievalDefaults, o model.StrategyOverrides) model.RetrievalDefaults {
	if o.Strategy != nil {
		base.Strategy = *o.Strategy
	}
	if o.TopK != nil {
		base.TopK = *o.TopK
	}
	if o.MinScore != nil {
		base.MinScore = *o.MinScore
	}
	return base
}

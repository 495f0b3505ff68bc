package release

import (
	"context"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// experimentTransitions is the legal lifecycle graph.
var experimentTransitions = map[model.ExperimentStatus][]model.ExperimentStatus{
	model.ExperimentDraft:     {model.ExperimentActive},
	model.ExperimentActive:    {model.ExperimentPaused, model.ExperimentCompleted},
	model.ExperimentPaused:    {model.ExperimentActive, model.ExperimentCompleted},
	model.ExperimentCompleted: {},
}

// CreateExperiment validates the config and stores a draft experiment.
func (s *Service) CreateExperiment(ctx context.Context, scope model.Scope, req model.CreateExperimentRequest, operator string) (model.Experiment, error) {
	if req.Name == "" {
		return model.Experiment{}, model.ValidationError("experiment name is required",
			model.FieldError{Field: "name", Message: "must not be empty"})
	}
	if err := req.Config.Validate(); err != nil {
		return model.Experiment{}, err
	}

	exp, err := s.db.CreateExperiment(ctx, model.Experiment{
		TenantID: scope.TenantID,
		SiteID:   scope.SiteID,
		Name:     req.Name,
		Status:   model.ExperimentDraft,
		Config:   req.Config,
	})
	if err != nil {
		return model.Experiment{}, err
	}
	s.audit(ctx, scope, operator, "experiment.create", exp.ID.String(), nil)
	return exp, nil
}

// TransitionExperiment moves an experiment along its lifecycle. Assignments
// already made survive pauses and completion; only new assignment stops.
func (s *Service) TransitionExperiment(ctx context.Context, scope model.Scope, id uuid.UUID, to model.ExperimentStatus, operator string) (model.Experiment, error) {
	exp, err := s.db.GetExperiment(ctx, scope, id)
	if err != nil {
		return model.Experiment{}, err
	}

	legal := false
	for _, next := range experimentTransitions[exp.Status] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return model.Experiment{}, model.Ef(model.KindConflict,
			"experiment: illegal transition %s -> %s", exp.Status, to)
	}

	if err := s.db.SetExperimentStatus(ctx, scope, id, to); err != nil {
		return model.Experiment{}, err
	}
	exp.Status = to
	s.audit(ctx, scope, operator, "experiment."+string(to), exp.ID.String(), nil)
	return exp, nil
}

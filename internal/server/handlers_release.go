package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/release"
)

// HandleListReleases lists release bundles newest-first.
func (h *Handlers) HandleListReleases(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	releases, total, err := h.db.ListReleases(r.Context(), scope, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeList(w, r, releases, total, limit, offset)
}

// HandleCreateRelease stores a new draft release. Every reference in the
// payload is validated before the row is written.
func (h *Handlers) HandleCreateRelease(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.CreateReleaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.releases.Create(r.Context(), scope, req, actor(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetRelease returns one release.
func (h *Handlers) HandleGetRelease(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rel, err := h.db.GetRelease(r.Context(), scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// HandleGetActiveRelease returns the active release for a scope.
func (h *Handlers) HandleGetActiveRelease(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	rel, err := h.db.GetActiveRelease(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// HandleActivateRelease atomically activates a release, archiving the
// previous active one.
func (h *Handlers) HandleActivateRelease(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rel, err := h.releases.Activate(r.Context(), scope, id, actor(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// HandleRollbackRelease re-activates the named release after re-validating
// its payload.
func (h *Handlers) HandleRollbackRelease(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rel, err := h.releases.Rollback(r.Context(), scope, id, actor(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rel)
}

// HandleReleaseHistory lists activate/rollback events newest-first.
func (h *Handlers) HandleReleaseHistory(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	history, err := h.db.ListReleaseHistory(r.Context(), scope, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"history": history})
}

// HandleRuntimeConfig returns the resolved runtime bundle for a scope and
// optional NPC.
func (h *Handlers) HandleRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	rc, err := h.releases.RuntimeConfig(r.Context(), scope, r.URL.Query().Get("npc"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rc)
}

// HandleListExperiments lists experiments for a scope.
func (h *Handlers) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	exps, err := h.db.ListExperiments(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"experiments": exps})
}

// HandleCreateExperiment stores a new draft experiment.
func (h *Handlers) HandleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.CreateExperimentRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.releases.CreateExperiment(r.Context(), scope, req, actor(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetExperiment returns one experiment with its variant counts.
func (h *Handlers) HandleGetExperiment(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	exp, err := h.db.GetExperiment(r.Context(), scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	counts, err := h.db.VariantCounts(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"experiment":     exp,
		"variant_counts": counts,
	})
}

// HandleTransitionExperiment moves an experiment along its lifecycle.
func (h *Handlers) HandleTransitionExperiment(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		To model.ExperimentStatus `json:"to"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	exp, err := h.releases.TransitionExperiment(r.Context(), scope, id, req.To, actor(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, exp)
}

// HandleAssignExperiment resolves (or creates) the variant assignment for a
// subject. Deterministic and idempotent for a given subject key.
func (h *Handlers) HandleAssignExperiment(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	expID, err := uuid.Parse(q.Get("experiment_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "experiment_id is required")
		return
	}

	exp, err := h.db.GetExperiment(r.Context(), scope, expID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if exp.Status != model.ExperimentActive {
		writeErr(w, r, model.Ef(model.KindConflict, "experiment %q is not active", exp.Name))
		return
	}

	subjectKey := release.SubjectKey(exp.Config, q.Get("session_id"), q.Get("user_id"))
	if subjectKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"session_id or user_id is required")
		return
	}

	assignment, err := h.releases.Assign(r.Context(), exp, subjectKey)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, assignment)
}

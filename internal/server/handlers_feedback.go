package server

import (
	"net/http"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// HandleCreateFeedback submits a correction ticket.
func (h *Handlers) HandleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.CreateFeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.feedback.Create(r.Context(), scope, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListFeedback lists tickets with optional filters.
func (h *Handlers) HandleListFeedback(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset := pagination(r)
	filter := storage.FeedbackFilter{
		Status:   model.FeedbackStatus(q.Get("status")),
		Severity: model.FeedbackSeverity(q.Get("severity")),
		Group:    q.Get("group"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := q.Get("overdue"); v != "" {
		overdue := v == "true"
		filter.Overdue = &overdue
	}

	tickets, total, err := h.db.ListFeedback(r.Context(), scope, filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeList(w, r, tickets, total, limit, offset)
}

// HandleGetFeedback returns one ticket.
func (h *Handlers) HandleGetFeedback(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	f, err := h.db.GetFeedback(r.Context(), scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// HandleTransitionFeedback moves a ticket along its lifecycle.
func (h *Handlers) HandleTransitionFeedback(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		To       model.FeedbackStatus `json:"to"`
		Assignee *string              `json:"assignee,omitempty"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.feedback.Transition(r.Context(), scope, id, req.To, req.Assignee)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "feedback.triage", "feedback", id.String(),
		map[string]any{"to": req.To})
	writeJSON(w, r, http.StatusOK, f)
}

// HandleResolveFeedback closes a ticket, binding the correcting content or
// evidence.
func (h *Handlers) HandleResolveFeedback(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req model.ResolveFeedbackRequest
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.feedback.Resolve(r.Context(), scope, id, req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "feedback.resolve", "feedback", id.String(), nil)
	writeJSON(w, r, http.StatusOK, f)
}

// HandleEvaluateAlerts runs one alert sweep on demand.
func (h *Handlers) HandleEvaluateAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependency, "alert evaluator is disabled")
		return
	}
	res, err := h.alerts.Evaluate(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleListAlerts lists alert events for a scope.
func (h *Handlers) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	events, err := h.db.ListAlerts(r.Context(), scope,
		model.AlertStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"alerts": events})
}

// HandleListSilences lists currently active silences for a tenant.
func (h *Handlers) HandleListSilences(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	silences, err := h.db.ListActiveSilences(r.Context(), scope.TenantID, time.Now().UTC())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"silences": silences})
}

// HandleCreateSilence stores a notification silence window.
func (h *Handlers) HandleCreateSilence(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.CreateSilenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.EndsAt.After(req.StartsAt) {
		writeErr(w, r, model.ValidationError("silence window is invalid",
			model.FieldError{Field: "ends_at", Message: "must be after starts_at"}))
		return
	}

	created, err := h.db.CreateSilence(r.Context(), model.AlertSilence{
		TenantID:  scope.TenantID,
		Matcher:   req.Matcher,
		StartsAt:  req.StartsAt,
		EndsAt:    req.EndsAt,
		CreatedBy: actor(r),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "silence.create", "alert_silence", created.ID.String(), nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleDeleteSilence removes a silence.
func (h *Handlers) HandleDeleteSilence(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteSilence(r.Context(), scope.TenantID, id); err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "silence.delete", "alert_silence", id.String(), nil)
	writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

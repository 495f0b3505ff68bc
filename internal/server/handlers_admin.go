package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// audit appends a control-plane action to the admin audit log. Audit failures
// are logged, not surfaced; the action itself already succeeded.
func (h *Handlers) audit(ctx context.Context, scope model.Scope, r *http.Request, action, targetType, targetID string, payload map[string]any) {
	entry := model.AdminAuditEntry{
		TenantID:   scope.TenantID,
		SiteID:     scope.SiteID,
		Actor:      actor(r),
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Payload:    payload,
	}
	if err := h.db.InsertAdminAudit(ctx, entry); err != nil {
		h.logger.Error("admin audit write failed", "action", action, "error", err)
	}
}

// HandleListNPCs lists the NPC ids known to a scope.
func (h *Handlers) HandleListNPCs(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	npcs, err := h.db.ListNPCs(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"npcs": npcs})
}

// HandleGetProfile returns the active profile for one NPC.
func (h *Handlers) HandleGetProfile(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.db.GetActiveProfile(r.Context(), scope, r.PathValue("npc_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleListProfileVersions lists all profile versions for one NPC.
func (h *Handlers) HandleListProfileVersions(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	versions, err := h.db.ListProfileVersions(r.Context(), scope, r.PathValue("npc_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"versions": versions})
}

// HandleCreateProfileVersion appends a new profile version (inactive until
// activated).
func (h *Handlers) HandleCreateProfileVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var p model.NPCProfile
	if !h.decode(w, r, &p) {
		return
	}
	p.TenantID = scope.TenantID
	p.SiteID = scope.SiteID
	p.NPCID = r.PathValue("npc_id")
	if p.Persona == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "persona is required")
		return
	}

	created, err := h.db.CreateProfileVersion(r.Context(), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "profile.create", "npc_profile", created.ID.String(),
		map[string]any{"npc_id": created.NPCID, "version": created.Version})
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleActivateProfileVersion switches the active profile version.
func (h *Handlers) HandleActivateProfileVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	npcID := r.PathValue("npc_id")
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version")
		return
	}

	if err := h.db.ActivateProfileVersion(r.Context(), scope, npcID, version); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.cache.Delete(r.Context(), h.cache.ProfileKey(scope, npcID)); err != nil {
		h.logger.Warn("profile cache invalidation failed", "npc_id", npcID, "error", err)
	}
	h.audit(r.Context(), scope, r, "profile.activate", "npc_profile", npcID,
		map[string]any{"version": version})
	writeJSON(w, r, http.StatusOK, map[string]any{"npc_id": npcID, "version": version, "active": true})
}

// HandleGetPrompt returns the active prompt for one NPC.
func (h *Handlers) HandleGetPrompt(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.db.GetActivePrompt(r.Context(), scope, r.PathValue("npc_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleCreatePromptVersion appends a new prompt version.
func (h *Handlers) HandleCreatePromptVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var p model.NPCPrompt
	if !h.decode(w, r, &p) {
		return
	}
	p.TenantID = scope.TenantID
	p.SiteID = scope.SiteID
	p.NPCID = r.PathValue("npc_id")
	if p.Content == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "content is required")
		return
	}

	created, err := h.db.CreatePromptVersion(r.Context(), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "prompt.create", "npc_prompt", created.ID.String(),
		map[string]any{"npc_id": created.NPCID, "version": created.Version})
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleActivatePromptVersion switches the active prompt version.
func (h *Handlers) HandleActivatePromptVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	npcID := r.PathValue("npc_id")
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid version")
		return
	}

	if err := h.db.ActivatePromptVersion(r.Context(), scope, npcID, version); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.cache.Delete(r.Context(), h.cache.PromptKey(scope, npcID)); err != nil {
		h.logger.Warn("prompt cache invalidation failed", "npc_id", npcID, "error", err)
	}
	h.audit(r.Context(), scope, r, "prompt.activate", "npc_prompt", npcID,
		map[string]any{"version": version})
	writeJSON(w, r, http.StatusOK, map[string]any{"npc_id": npcID, "version": version, "active": true})
}

// HandleListPolicies lists policy versions for a scope.
func (h *Handlers) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	versions, err := h.db.ListPolicyVersions(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"versions": versions})
}

// HandleGetActivePolicy returns the currently active policy.
func (h *Handlers) HandleGetActivePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	p, err := h.db.GetActivePolicy(r.Context(), scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleCreatePolicy stores a new policy version (inactive until activated).
func (h *Handlers) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var p model.GatePolicy
	if !h.decode(w, r, &p) {
		return
	}
	p.TenantID = scope.TenantID
	p.SiteID = scope.SiteID
	p.CreatedBy = actor(r)

	var fields []model.FieldError
	if p.Name == "" {
		fields = append(fields, model.FieldError{Field: "name", Message: "must not be empty"})
	}
	if p.Version == "" {
		fields = append(fields, model.FieldError{Field: "version", Message: "must not be empty"})
	}
	if len(p.Content.IntentRules) == 0 && p.Content.DefaultRule.ID == "" {
		fields = append(fields, model.FieldError{Field: "content", Message: "must define intent rules or a default rule"})
	}
	if len(fields) > 0 {
		writeErr(w, r, model.ValidationError("policy is invalid", fields...))
		return
	}

	created, err := h.db.CreatePolicyVersion(r.Context(), p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "policy.create", "policy", created.Version, nil)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleActivatePolicy switches the active policy version and drops the
// loader snapshot so the next turn sees it.
func (h *Handlers) HandleActivatePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	version := r.PathValue("version")
	if err := h.db.ActivatePolicyVersion(r.Context(), scope, version); err != nil {
		writeErr(w, r, err)
		return
	}
	h.policies.Invalidate(scope)
	h.audit(r.Context(), scope, r, "policy.activate", "policy", version, nil)
	writeJSON(w, r, http.StatusOK, map[string]any{"version": version, "active": true})
}

// HandleCreateEvidence stores a new evidence unit and enqueues it for vector
// indexing.
func (h *Handlers) HandleCreateEvidence(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var e model.Evidence
	if !h.decode(w, r, &e) {
		return
	}
	e.TenantID = scope.TenantID
	e.SiteID = scope.SiteID

	var fields []model.FieldError
	if e.Title == "" {
		fields = append(fields, model.FieldError{Field: "title", Message: "must not be empty"})
	}
	if e.Excerpt == "" {
		fields = append(fields, model.FieldError{Field: "excerpt", Message: "must not be empty"})
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		fields = append(fields, model.FieldError{Field: "confidence", Message: "must be between 0 and 1"})
	}
	if len(fields) > 0 {
		writeErr(w, r, model.ValidationError("evidence is invalid", fields...))
		return
	}

	created, err := h.db.CreateEvidence(r.Context(), e)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetEvidence returns one evidence unit.
func (h *Handlers) HandleGetEvidence(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	e, err := h.db.GetEvidence(r.Context(), scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, e)
}

// HandleVerifyEvidence flips the verification flag on an evidence unit.
func (h *Handlers) HandleVerifyEvidence(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Verified bool `json:"verified"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.db.SetEvidenceVerified(r.Context(), scope, id, req.Verified); err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "evidence.verify", "evidence", id.String(),
		map[string]any{"verified": req.Verified})
	writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "verified": req.Verified})
}

// HandleListContent lists editorial content, optionally by status.
func (h *Handlers) HandleListContent(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)
	items, total, err := h.db.ListContent(r.Context(), scope,
		model.ContentStatus(r.URL.Query().Get("status")), limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeList(w, r, items, total, limit, offset)
}

// HandleSearchContent runs full-text content search.
func (h *Handlers) HandleSearchContent(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query parameter q is required")
		return
	}
	limit, _ := pagination(r)
	items, err := h.db.SearchContent(r.Context(), scope, q, r.URL.Query().Get("type"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"results": items, "count": len(items)})
}

// HandleTransitionContent moves a content item along the editorial lifecycle.
func (h *Handlers) HandleTransitionContent(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		To model.ContentStatus `json:"to"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	current, err := h.db.GetContent(r.Context(), scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !model.CanTransitionContent(current.Status, req.To) {
		writeErr(w, r, model.Ef(model.KindConflict,
			"illegal content transition %s -> %s", current.Status, req.To))
		return
	}
	updated, err := h.db.TransitionContent(r.Context(), scope, id, current.Status, req.To)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	h.audit(r.Context(), scope, r, "content.transition", "content", id.String(),
		map[string]any{"from": current.Status, "to": req.To})
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleListTraces queries the trace ledger.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, offset := pagination(r)
	filter := storage.TraceFilter{
		SessionID:  q.Get("session_id"),
		NPCID:      q.Get("npc_id"),
		PolicyMode: model.PolicyMode(q.Get("policy_mode")),
		Status:     model.TraceStatus(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "from must be RFC3339")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "to must be RFC3339")
			return
		}
		filter.To = &t
	}

	traces, total, err := h.db.ListTraces(r.Context(), scope, filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeList(w, r, traces, total, limit, offset)
}

// HandleGetTrace returns one full trace record by trace id.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	tr, err := h.db.GetTraceByTraceID(r.Context(), scope, r.PathValue("trace_id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleListAudit returns recent control-plane audit entries.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, _ := pagination(r)
	entries, err := h.db.ListAdminAudit(r.Context(), scope, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

// pagination parses limit/offset query parameters with sane bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/alerts"
	"github.com/loreline-ai/loreline/internal/auth"
	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/feedback"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/orchestrator"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/release"
	"github.com/loreline-ai/loreline/internal/search"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/tools"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// HandlersDeps holds everything the handlers need. Searcher and Alerts are
// nil-safe.
type HandlersDeps struct {
	DB           *storage.DB
	Cache        *cache.Cache
	Searcher     search.Searcher
	Orchestrator *orchestrator.Orchestrator
	Registry     *tools.Registry
	ToolClient   *tools.Client
	Releases     *release.Service
	Feedback     *feedback.Service
	Alerts       *alerts.Evaluator
	Policies     *policy.Loader
	JWTMgr       *auth.Manager
	InternalKey  string
	Logger       *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers implements all HTTP endpoints.
type Handlers struct {
	db           *storage.DB
	cache        *cache.Cache
	searcher     search.Searcher
	orchestrator *orchestrator.Orchestrator
	registry     *tools.Registry
	toolClient   *tools.Client
	releases     *release.Service
	feedback     *feedback.Service
	alerts       *alerts.Evaluator
	policies     *policy.Loader
	jwtMgr       *auth.Manager
	internalKey  string
	logger       *slog.Logger

	version      string
	maxBodyBytes int64
	startedAt    time.Time
}

// NewHandlers builds the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handlers{
		db:           deps.DB,
		cache:        deps.Cache,
		searcher:     deps.Searcher,
		orchestrator: deps.Orchestrator,
		registry:     deps.Registry,
		toolClient:   deps.ToolClient,
		releases:     deps.Releases,
		feedback:     deps.Feedback,
		alerts:       deps.Alerts,
		policies:     deps.Policies,
		jwtMgr:       deps.JWTMgr,
		internalKey:  deps.InternalKey,
		logger:       deps.Logger,
		version:      deps.Version,
		maxBodyBytes: maxBody,
		startedAt:    time.Now(),
	}
}

// scope extracts the tenant/site pair from headers. Admin tokens pinned to a
// tenant may not act on another.
func (h *Handlers) scope(w http.ResponseWriter, r *http.Request) (model.Scope, bool) {
	scope := model.Scope{
		TenantID: r.Header.Get("X-Tenant-ID"),
		SiteID:   r.Header.Get("X-Site-ID"),
	}
	if scope.TenantID == "" || scope.SiteID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"X-Tenant-ID and X-Site-ID headers are required")
		return model.Scope{}, false
	}
	if claims := ClaimsFromContext(r.Context()); claims != nil &&
		claims.TenantID != "" && claims.TenantID != scope.TenantID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden,
			"token is not valid for this tenant")
		return model.Scope{}, false
	}
	return scope, true
}

// actor returns who performs a control-plane action, for the audit log.
func actor(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.Actor
	}
	return "internal"
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSON(r, target); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// HandleAuthToken mints an admin JWT. Guarded by the internal shared key so
// only trusted backends can mint.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if !auth.VerifyInternalKey(h.internalKey, r.Header.Get("X-Internal-API-Key")) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid internal api key")
		return
	}

	var req struct {
		Actor    string    `json:"actor"`
		TenantID string    `json:"tenant_id"`
		Role     auth.Role `json:"role"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Actor == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "actor is required")
		return
	}
	switch req.Role {
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be admin, operator, or viewer")
		return
	}

	token, exp, err := h.jwtMgr.IssueToken(req.Actor, req.TenantID, req.Role)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": exp,
	})
}

// HandleChat runs one orchestrated turn.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.ChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.orchestrator.Chat(r.Context(), scope, req, r.Header.Get("X-Trace-ID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.Header().Set("X-Trace-ID", resp.TraceID)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleToolsList returns the registered tool descriptors.
func (h *Handlers) HandleToolsList(w http.ResponseWriter, r *http.Request) {
	var req model.ToolListRequest
	if !h.decode(w, r, &req) {
		return
	}
	writeJSON(w, r, http.StatusOK, model.ToolListResponse{
		Tools: h.registry.List(req.Category, req.AICallableOnly),
	})
}

// HandleToolsCall runs one tool call. Scope comes from headers, overriding
// anything in the body context.
func (h *Handlers) HandleToolsCall(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req model.ToolCallRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ToolName == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_name is required")
		return
	}
	req.Context.TenantID = scope.TenantID
	req.Context.SiteID = scope.SiteID
	if req.Context.TraceID == "" {
		req.Context.TraceID = r.Header.Get("X-Trace-ID")
	}
	if req.Context.TraceID == "" {
		req.Context.TraceID = uuid.NewString()
	}

	resp := h.toolClient.Call(r.Context(), req)
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleHealth reports dependency status.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Postgres: "ok",
		Redis:    "ok",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	if err := h.db.Ping(ctx); err != nil {
		resp.Postgres = err.Error()
		resp.Status = "degraded"
	}
	if err := h.cache.Ping(ctx); err != nil {
		resp.Redis = err.Error()
		resp.Status = "degraded"
	}
	if h.searcher != nil {
		resp.Qdrant = "ok"
		if err := h.searcher.Healthy(ctx); err != nil {
			resp.Qdrant = err.Error()
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleReady reports whether the process can serve traffic.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependency, "postgres unreachable")
		return
	}
	if err := h.cache.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeDependency, "redis unreachable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleLive reports that the process is up.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

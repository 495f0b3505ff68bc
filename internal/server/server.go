package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loreline-ai/loreline/internal/auth"
)

// Server is the Loreline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// ServerConfig holds the handler dependencies plus HTTP settings. MCPServer
// is optional.
type ServerConfig struct {
	Handlers HandlersDeps

	JWTMgr      *auth.Manager
	InternalKey string
	MCPServer   *mcpserver.MCPServer

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// New creates the HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	cfg.Handlers.JWTMgr = cfg.JWTMgr
	cfg.Handlers.InternalKey = cfg.InternalKey
	h := NewHandlers(cfg.Handlers)

	mux := http.NewServeMux()

	// Token mint (internal-key guarded, no JWT).
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Runtime plane (internal key).
	mux.HandleFunc("POST /chat", h.HandleChat)
	mux.HandleFunc("POST /tools/list", h.HandleToolsList)
	mux.HandleFunc("POST /tools/call", h.HandleToolsCall)

	// NPC assets.
	mux.HandleFunc("GET /npcs", h.HandleListNPCs)
	mux.HandleFunc("GET /npcs/{npc_id}/profile", h.HandleGetProfile)
	mux.HandleFunc("GET /npcs/{npc_id}/profile/versions", h.HandleListProfileVersions)
	mux.Handle("POST /npcs/{npc_id}/profile", requireWrite(http.HandlerFunc(h.HandleCreateProfileVersion)))
	mux.Handle("POST /npcs/{npc_id}/profile/versions/{version}/activate", requireWrite(http.HandlerFunc(h.HandleActivateProfileVersion)))
	mux.HandleFunc("GET /npcs/{npc_id}/prompt", h.HandleGetPrompt)
	mux.Handle("POST /npcs/{npc_id}/prompt", requireWrite(http.HandlerFunc(h.HandleCreatePromptVersion)))
	mux.Handle("POST /npcs/{npc_id}/prompt/versions/{version}/activate", requireWrite(http.HandlerFunc(h.HandleActivatePromptVersion)))

	// Evidence-gate policies.
	mux.HandleFunc("GET /policies", h.HandleListPolicies)
	mux.HandleFunc("GET /policies/active", h.HandleGetActivePolicy)
	mux.Handle("POST /policies", requireWrite(http.HandlerFunc(h.HandleCreatePolicy)))
	mux.Handle("POST /policies/{version}/activate", requireWrite(http.HandlerFunc(h.HandleActivatePolicy)))

	// Evidence.
	mux.Handle("POST /evidence", requireWrite(http.HandlerFunc(h.HandleCreateEvidence)))
	mux.HandleFunc("GET /evidence/{id}", h.HandleGetEvidence)
	mux.Handle("POST /evidence/{id}/verify", requireWrite(http.HandlerFunc(h.HandleVerifyEvidence)))

	// Editorial content.
	mux.HandleFunc("GET /content", h.HandleListContent)
	mux.HandleFunc("GET /content/search", h.HandleSearchContent)
	mux.Handle("POST /content/{id}/transition", requireWrite(http.HandlerFunc(h.HandleTransitionContent)))

	// Release plane.
	mux.HandleFunc("GET /releases", h.HandleListReleases)
	mux.Handle("POST /releases", requireWrite(http.HandlerFunc(h.HandleCreateRelease)))
	mux.HandleFunc("GET /releases/active", h.HandleGetActiveRelease)
	mux.HandleFunc("GET /releases/history", h.HandleReleaseHistory)
	mux.HandleFunc("GET /releases/{id}", h.HandleGetRelease)
	mux.Handle("POST /releases/{id}/activate", requireWrite(http.HandlerFunc(h.HandleActivateRelease)))
	mux.Handle("POST /releases/{id}/rollback", requireWrite(http.HandlerFunc(h.HandleRollbackRelease)))
	mux.HandleFunc("GET /runtime/config", h.HandleRuntimeConfig)

	// Experiment plane.
	mux.HandleFunc("GET /experiments", h.HandleListExperiments)
	mux.Handle("POST /experiments", requireWrite(http.HandlerFunc(h.HandleCreateExperiment)))
	mux.HandleFunc("GET /experiments/assign", h.HandleAssignExperiment)
	mux.HandleFunc("GET /experiments/{id}", h.HandleGetExperiment)
	mux.Handle("POST /experiments/{id}/transition", requireWrite(http.HandlerFunc(h.HandleTransitionExperiment)))

	// Feedback workflow.
	mux.HandleFunc("POST /feedback", h.HandleCreateFeedback)
	mux.HandleFunc("GET /feedback", h.HandleListFeedback)
	mux.HandleFunc("GET /feedback/{id}", h.HandleGetFeedback)
	mux.Handle("POST /feedback/{id}/transition", requireWrite(http.HandlerFunc(h.HandleTransitionFeedback)))
	mux.Handle("POST /feedback/{id}/resolve", requireWrite(http.HandlerFunc(h.HandleResolveFeedback)))

	// Alerts.
	mux.Handle("POST /alerts/evaluate", requireWrite(http.HandlerFunc(h.HandleEvaluateAlerts)))
	mux.HandleFunc("GET /alerts", h.HandleListAlerts)
	mux.HandleFunc("GET /alerts/silences", h.HandleListSilences)
	mux.Handle("POST /alerts/silences", requireWrite(http.HandlerFunc(h.HandleCreateSilence)))
	mux.Handle("DELETE /alerts/silences/{id}", requireWrite(http.HandlerFunc(h.HandleDeleteSilence)))

	// Trace ledger.
	mux.HandleFunc("GET /traces", h.HandleListTraces)
	mux.HandleFunc("GET /traces/{trace_id}", h.HandleGetTrace)
	mux.HandleFunc("GET /audit", h.HandleListAudit)

	// MCP StreamableHTTP transport (internal key, same as the tool plane).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health probes (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /livez", h.HandleLive)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.InternalKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

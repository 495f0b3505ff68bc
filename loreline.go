// Package loreline is the public API for embedding the Loreline NPC
// orchestration server.
//
// Consumers construct the server with New() and run it with Run():
//
//	app, err := loreline.New(
//	    loreline.WithVersion(version),
//	    loreline.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: loreline (root) imports
// internal/*, but internal/* never imports loreline (root).
package loreline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/loreline-ai/loreline/internal/alerts"
	"github.com/loreline-ai/loreline/internal/auth"
	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/config"
	"github.com/loreline-ai/loreline/internal/embedding"
	"github.com/loreline-ai/loreline/internal/feedback"
	"github.com/loreline-ai/loreline/internal/intent"
	"github.com/loreline-ai/loreline/internal/llm"
	"github.com/loreline-ai/loreline/internal/mcp"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/orchestrator"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/release"
	"github.com/loreline-ai/loreline/internal/retrieval"
	"github.com/loreline-ai/loreline/internal/search"
	"github.com/loreline-ai/loreline/internal/server"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/telemetry"
	"github.com/loreline-ai/loreline/internal/tools"
	"github.com/loreline-ai/loreline/migrations"
)

// embeddingCostPerMTokens is the estimated USD price per million embedding
// tokens used for the per-tenant cost ledger. text-embedding-3-small pricing.
const embeddingCostPerMTokens = 0.02

// App is the Loreline server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	cache        *cache.Cache
	srv          *server.Server
	outbox       *search.OutboxWorker // nil when Qdrant is not configured
	qdrantIndex  *search.QdrantIndex  // nil when Qdrant is not configured
	feedback     *feedback.Service
	alertsEval   *alerts.Evaluator
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Loreline server. It connects to Postgres and Redis,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(cfg.LogLevel),
		}))
	}

	logger.Info("loreline starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), storage.PoolConfig{
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.PoolMaxConns,
		MinConns:        cfg.PoolMinConns,
		MaxConnLifetime: cfg.PoolMaxConnLife,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	c, err := cache.New(context.Background(), cfg.RedisURL, cfg.CachePrefix, cache.TTLs{
		Profile:       cfg.ProfileCacheTTL,
		Prompt:        cfg.PromptCacheTTL,
		SiteMap:       cfg.SiteMapCacheTTL,
		Evidence:      cfg.EvidenceCacheTTL,
		RuntimeConfig: cfg.RuntimeConfigCacheTTL,
		Intent:        cfg.IntentCacheTTL,
	}, logger)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("cache: %w", err)
	}

	// Embedding pipeline. The provider may be noop; retrieval then degrades
	// to trigram-only and the outbox marks evidence synced without vectors.
	embedder := newEmbeddingProvider(cfg, logger)
	embedSvc := embedding.NewService(embedder, db, embeddingCostPerMTokens, logger)

	// Qdrant index and outbox worker (optional, disabled if QDRANT_URL is empty).
	var searcher search.Searcher
	var qdrantIndex *search.QdrantIndex
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			_ = c.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(context.Background()); err != nil {
			_ = qdrantIndex.Close()
			_ = c.Close()
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		searcher = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db, qdrantIndex, embedSvc, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	retriever := retrieval.New(db, searcher, embedSvc, logger)

	// Control-plane services.
	policies := policy.NewLoader(db, cfg.PolicyCacheTTL, logger)
	releases := release.New(db, c, policies, model.RetrievalDefaults{
		Strategy:     model.RetrievalStrategy(cfg.RetrievalStrategy),
		TopK:         cfg.RetrievalTopK,
		MinScore:     float32(cfg.RetrievalMinScore),
		TrgmWeight:   float32(cfg.RetrievalTrgmWeight),
		QdrantWeight: float32(cfg.RetrievalQdrantWeight),
	}, logger)

	// LLM provider and intent classifier.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		_ = c.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("llm: %w", err)
	}
	var classifier intent.Classifier = intent.Rule{}
	if _, isNoop := provider.(llm.Noop); !isNoop {
		classifier = intent.NewLLM(provider, c, cfg.LLMTimeout, logger)
	} else {
		logger.Info("intent classifier: rule-based (no LLM provider)")
	}

	metrics, err := telemetry.NewPipelineMetrics()
	if err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		_ = c.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}

	// Tool registry and call client.
	registry := tools.NewRegistry()
	builtins := &tools.Builtins{
		DB:        db,
		Cache:     c,
		Retriever: retriever,
		RetrievalDefaults: retrieval.Params{
			Strategy:     cfg.RetrievalStrategy,
			TopK:         cfg.RetrievalTopK,
			MinScore:     float32(cfg.RetrievalMinScore),
			TrgmWeight:   float32(cfg.RetrievalTrgmWeight),
			QdrantWeight: float32(cfg.RetrievalQdrantWeight),
		},
		Logger: logger,
	}
	if err := builtins.Register(registry); err != nil {
		if qdrantIndex != nil {
			_ = qdrantIndex.Close()
		}
		_ = c.Close()
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	toolClient := tools.NewClient(registry, metrics, logger)

	orch := orchestrator.New(db, c, cache.SessionCaps{
		MaxMessages: cfg.SessionMaxMessages,
		MaxChars:    cfg.SessionMaxChars,
		TTL:         cfg.SessionTTL,
	}, policies, releases, classifier, toolClient, provider, orchestrator.LLMParams{
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
	}, metrics, logger)

	feedbackSvc := feedback.New(db, feedback.Config{
		RulesPath:    cfg.RoutingRulesPath,
		ReloadTTL:    cfg.RoutingReloadTTL,
		DefaultGroup: cfg.DefaultGroup,
		DefaultSLA:   time.Duration(cfg.DefaultSLAHours) * time.Hour,
	}, logger)

	alertsEval := alerts.New(db, alerts.Config{
		RulesPath:  cfg.AlertRulesPath,
		WebhookURL: cfg.AlertWebhookURL,
	}, logger)

	mcpSrv := mcp.New(registry, toolClient, db, logger)

	jwtMgr := auth.NewManager(cfg.JWTSecretKey, cfg.JWTExpiration)

	srv := server.New(server.ServerConfig{
		Handlers: server.HandlersDeps{
			DB:                  db,
			Cache:               c,
			Searcher:            searcher,
			Orchestrator:        orch,
			Registry:            registry,
			ToolClient:          toolClient,
			Releases:            releases,
			Feedback:            feedbackSvc,
			Alerts:              alertsEval,
			Policies:            policies,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		},
		JWTMgr:       jwtMgr,
		InternalKey:  cfg.InternalAPIKey,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		cache:        c,
		srv:          srv,
		outbox:       outboxWorker,
		qdrantIndex:  qdrantIndex,
		feedback:     feedbackSvc,
		alertsEval:   alertsEval,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	go a.feedback.RunOverdueScan(ctx, a.cfg.OverdueScanPeriod)
	go a.alertsEval.Run(ctx, a.cfg.AlertInterval)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain remaining outbox entries to Qdrant.
// It then closes the Redis client, the database pool, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("loreline shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownOutboxTimeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.cache.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("loreline stopped")
	return nil
}

// newEmbeddingProvider selects the embedding backend from configuration.
// Provider selection: "openai", "ollama", or "noop" (default).
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.LLMAPIKey == "" {
			logger.Error("LLM_API_KEY required when LORELINE_EMBEDDING_PROVIDER=openai")
			return embedding.Noop{Dims: dims}
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		p, err := embedding.NewOpenAI(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("openai embedding init failed", "error", err)
			return embedding.Noop{Dims: dims}
		}
		return p
	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllama(cfg.OllamaURL, cfg.OllamaModel, dims)
	default:
		logger.Info("embedding provider: noop (vector retrieval disabled)")
		return embedding.Noop{Dims: dims}
	}
}

// newLLMProvider selects the chat completion backend. Every non-noop provider
// speaks the OpenAI-compatible API through BaseURL.
func newLLMProvider(cfg config.Config, logger *slog.Logger) (llm.Provider, error) {
	if cfg.LLMProvider == "noop" || (cfg.LLMAPIKey == "" && cfg.LLMBaseURL == "") {
		logger.Warn("llm provider: noop (turns answer with a canned fallback)")
		return llm.Noop{}, nil
	}
	logger.Info("llm provider: "+cfg.LLMProvider, "model", cfg.LLMModel)
	return llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		Temperature: cfg.LLMTemperature,
		MaxTokens:   cfg.LLMMaxTokens,
		Provider:    cfg.LLMProvider,
	})
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

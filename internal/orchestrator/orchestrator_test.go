package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/intent"
	"github.com/loreline-ai/loreline/internal/llm"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/release"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/telemetry"
	"github.com/loreline-ai/loreline/internal/tools"
	"github.com/loreline-ai/loreline/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "loreline",
			"POSTGRES_PASSWORD": "loreline",
			"POSTGRES_DB":       "loreline",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	dsn := fmt.Sprintf("postgres://loreline:loreline@%s:%s/loreline?sslmode=disable", host, port.Port())

	bootstrapConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap connection: %v\n", err)
		os.Exit(1)
	}
	for _, ext := range []string{"vector", "pg_trgm"} {
		if _, err := bootstrapConn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+ext); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create %s extension: %v\n", ext, err)
			os.Exit(1)
		}
	}
	_ = bootstrapConn.Close(ctx)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.New(ctx, storage.PoolConfig{DSN: dsn}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func testOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.DiscardHandler)

	c := cache.NewWithClient(rdb, "test", cache.TTLs{}, logger)
	policies := policy.NewLoader(testDB, time.Minute, logger)
	releases := release.New(testDB, c, policies, model.RetrievalDefaults{
		Strategy: model.StrategyTrgm, TopK: 5,
	}, logger)

	metrics, err := telemetry.NewPipelineMetrics()
	require.NoError(t, err)
	toolClient := tools.NewClient(tools.NewRegistry(), metrics, logger)

	return New(
		testDB, c,
		cache.SessionCaps{MaxMessages: 10, MaxChars: 4000, TTL: time.Hour},
		policies, releases,
		intent.Rule{}, toolClient, llm.Noop{},
		LLMParams{Temperature: 0.7, MaxTokens: 512},
		metrics, logger,
	)
}

func seedNPC(t *testing.T, scope model.Scope, npcID string) {
	t.Helper()
	ctx := context.Background()

	profile, err := testDB.CreateProfileVersion(ctx, model.NPCProfile{
		TenantID: scope.TenantID, SiteID: scope.SiteID, NPCID: npcID,
		Persona:           "A witty court historian.",
		GreetingTemplates: []string{"Well met, traveler."},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.ActivateProfileVersion(ctx, scope, npcID, profile.Version))

	prompt, err := testDB.CreatePromptVersion(ctx, model.NPCPrompt{
		TenantID: scope.TenantID, SiteID: scope.SiteID, NPCID: npcID,
		Content: "You are a palace guide.",
	})
	require.NoError(t, err)
	require.NoError(t, testDB.ActivatePromptVersion(ctx, scope, npcID, prompt.Version))
}

func TestChatGreetingTurn(t *testing.T) {
	ctx := context.Background()
	scope := model.Scope{TenantID: "t-" + uuid.New().String()[:8], SiteID: "main"}
	seedNPC(t, scope, "guide")
	o := testOrchestrator(t)

	traceID := uuid.NewString()
	resp, err := o.Chat(ctx, scope, model.ChatRequest{
		NPCID:     "guide",
		SessionID: "sess-1",
		Message:   "Hello there!",
	}, traceID)
	require.NoError(t, err)

	assert.Equal(t, "Well met, traveler.", resp.AnswerText)
	assert.Equal(t, model.ModeNormal, resp.PolicyMode)
	assert.Equal(t, "sess-1", resp.SessionID)

	tr, err := testDB.GetTraceByTraceID(ctx, scope, traceID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentGreeting, tr.Intent)
	assert.Equal(t, model.TraceCompleted, tr.Status)

	// Retrying the same trace id replays the stored answer.
	again, err := o.Chat(ctx, scope, model.ChatRequest{
		NPCID:     "guide",
		SessionID: "sess-1",
		Message:   "Hello there!",
	}, traceID)
	require.NoError(t, err)
	assert.Equal(t, resp.AnswerText, again.AnswerText)
}

func TestChatUnknownNPC(t *testing.T) {
	ctx := context.Background()
	scope := model.Scope{TenantID: "t-" + uuid.New().String()[:8], SiteID: "main"}
	o := testOrchestrator(t)

	_, err := o.Chat(ctx, scope, model.ChatRequest{
		NPCID:   "nobody",
		Message: "Hello!",
	}, uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

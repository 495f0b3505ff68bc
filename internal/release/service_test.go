package release_test

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
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/release"
	"github.com/loreline-ai/loreline/internal/storage"
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

func testService(t *testing.T) *release.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := slog.New(slog.DiscardHandler)
	c := cache.NewWithClient(rdb, "test", cache.TTLs{}, logger)
	policies := policy.NewLoader(testDB, time.Minute, logger)
	return release.New(testDB, c, policies, model.RetrievalDefaults{
		Strategy: model.StrategyTrgm, TopK: 5,
	}, logger)
}

func freshScope() model.Scope {
	return model.Scope{TenantID: "t-" + uuid.New().String()[:8], SiteID: "main"}
}

func validPayload(policyVersion string) model.ReleasePayload {
	return model.ReleasePayload{
		PolicyVersion:     policyVersion,
		RetrievalDefaults: model.RetrievalDefaults{Strategy: model.StrategyTrgm, TopK: 5, MinScore: 0.2},
	}
}

func TestRollbackByID(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()
	svc := testService(t)

	_, err := testDB.CreatePolicyVersion(ctx, model.GatePolicy{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Version: "p1", CreatedBy: "ops",
	})
	require.NoError(t, err)

	exp, err := testDB.CreateExperiment(ctx, model.Experiment{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Name: "greeting-ab",
		Config: model.ExperimentConfig{
			SubjectType: model.SubjectSessionID,
			Variants:    []model.Variant{{Name: "control", Weight: 100}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.SetExperimentStatus(ctx, scope, exp.ID, model.ExperimentActive))

	r1, err := svc.Create(ctx, scope, model.CreateReleaseRequest{Name: "v1", Payload: validPayload("p1")}, "ops")
	require.NoError(t, err)

	withExp := validPayload("p1")
	withExp.ExperimentID = &exp.ID
	r2, err := svc.Create(ctx, scope, model.CreateReleaseRequest{Name: "v2", Payload: withExp}, "ops")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, scope, r1.ID, "ops")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, scope, r2.ID, "ops")
	require.NoError(t, err)

	// Rolling back to the named archived release works and logs the action.
	rolled, err := svc.Rollback(ctx, scope, r1.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, r1.ID, rolled.ID)
	assert.Equal(t, model.ReleaseActive, rolled.Status)

	history, err := testDB.ListReleaseHistory(ctx, scope, 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "rollback", history[0].Action)
	assert.Equal(t, r1.ID, history[0].ReleaseID)
	require.NotNil(t, history[0].PreviousReleaseID)
	assert.Equal(t, r2.ID, *history[0].PreviousReleaseID)

	// Rolling back to the release that is already active is a conflict.
	_, err = svc.Rollback(ctx, scope, r1.ID, "ops")
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Unknown target.
	_, err = svc.Rollback(ctx, scope, uuid.New(), "ops")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRollbackRevalidatesTarget(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()
	svc := testService(t)

	_, err := testDB.CreatePolicyVersion(ctx, model.GatePolicy{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Version: "p1", CreatedBy: "ops",
	})
	require.NoError(t, err)

	exp, err := testDB.CreateExperiment(ctx, model.Experiment{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Name: "tone-ab",
		Config: model.ExperimentConfig{
			SubjectType: model.SubjectSessionID,
			Variants:    []model.Variant{{Name: "control", Weight: 100}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, testDB.SetExperimentStatus(ctx, scope, exp.ID, model.ExperimentActive))

	withExp := validPayload("p1")
	withExp.ExperimentID = &exp.ID
	r1, err := svc.Create(ctx, scope, model.CreateReleaseRequest{Name: "v1", Payload: withExp}, "ops")
	require.NoError(t, err)
	r2, err := svc.Create(ctx, scope, model.CreateReleaseRequest{Name: "v2", Payload: validPayload("p1")}, "ops")
	require.NoError(t, err)

	_, err = svc.Activate(ctx, scope, r1.ID, "ops")
	require.NoError(t, err)
	_, err = svc.Activate(ctx, scope, r2.ID, "ops")
	require.NoError(t, err)

	// The target's experiment completed since it was archived: the rollback
	// must be rejected instead of resurrecting a stale bundle.
	require.NoError(t, testDB.SetExperimentStatus(ctx, scope, exp.ID, model.ExperimentCompleted))

	_, err = svc.Rollback(ctx, scope, r1.ID, "ops")
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	var verr *model.Error
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Fields)
	assert.Equal(t, "payload.experiment_id", verr.Fields[0].Field)

	// r2 stays active.
	active, err := testDB.GetActiveRelease(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, active.ID)
}

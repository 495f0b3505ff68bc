package storage_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
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

	// Enable extensions before creating the storage layer so pgvector types
	// get registered on the pool's AfterConnect hook.
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

// freshScope returns a scope no other test touches, so single-active
// invariants do not collide across tests.
func freshScope() model.Scope {
	return model.Scope{TenantID: "t-" + uuid.New().String()[:8], SiteID: "main"}
}

func TestReleaseLifecycle(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	r1, err := testDB.CreateRelease(ctx, model.Release{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Name: "v1", CreatedBy: "ops",
		Payload: model.ReleasePayload{PolicyVersion: "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseDraft, r1.Status)

	r2, err := testDB.CreateRelease(ctx, model.Release{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Name: "v2", CreatedBy: "ops",
		Payload: model.ReleasePayload{PolicyVersion: "p2"},
	})
	require.NoError(t, err)

	_, err = testDB.GetActiveRelease(ctx, scope)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing active yet")

	activated, err := testDB.ActivateRelease(ctx, scope, r1.ID, "ops", "activate")
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseActive, activated.Status)
	assert.NotNil(t, activated.ActivatedAt)

	// Re-activating the active release is a conflict.
	_, err = testDB.ActivateRelease(ctx, scope, r1.ID, "ops", "activate")
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Activating r2 archives r1 in the same transaction.
	_, err = testDB.ActivateRelease(ctx, scope, r2.ID, "ops", "activate")
	require.NoError(t, err)

	active, err := testDB.GetActiveRelease(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, r2.ID, active.ID)

	archived, err := testDB.GetRelease(ctx, scope, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseArchived, archived.Status)
	assert.NotNil(t, archived.ArchivedAt)

	prev, err := testDB.PreviousActivatedRelease(ctx, scope, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, prev.ID)

	history, err := testDB.ListReleaseHistory(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, r2.ID, history[0].ReleaseID)
	require.NotNil(t, history[0].PreviousReleaseID)
	assert.Equal(t, r1.ID, *history[0].PreviousReleaseID)
	assert.Nil(t, history[1].PreviousReleaseID, "first activation has no predecessor")
}

func TestActivateMissingRelease(t *testing.T) {
	ctx := context.Background()
	_, err := testDB.ActivateRelease(ctx, freshScope(), uuid.New(), "ops", "activate")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// Concurrent activations in a scope with no active release yet must still
// serialize: one wins, the other archives the winner, and history records
// both transitions.
func TestActivateReleaseConcurrent(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	ids := make([]uuid.UUID, 2)
	for i := range ids {
		r, err := testDB.CreateRelease(ctx, model.Release{
			TenantID: scope.TenantID, SiteID: scope.SiteID,
			Name: fmt.Sprintf("v%d", i+1), CreatedBy: "ops",
			Payload: model.ReleasePayload{PolicyVersion: "p1"},
		})
		require.NoError(t, err)
		ids[i] = r.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testDB.ActivateRelease(ctx, scope, id, "ops", "activate")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	active, err := testDB.GetActiveRelease(ctx, scope)
	require.NoError(t, err, "exactly one release must remain active")

	var loser uuid.UUID
	for _, id := range ids {
		if id != active.ID {
			loser = id
		}
	}
	archived, err := testDB.GetRelease(ctx, scope, loser)
	require.NoError(t, err)
	assert.Equal(t, model.ReleaseArchived, archived.Status)

	history, err := testDB.ListReleaseHistory(ctx, scope, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].PreviousReleaseID, "second activation archives the first")
	assert.Equal(t, history[1].ReleaseID, *history[0].PreviousReleaseID)
}

func TestAssignmentIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	exp, err := testDB.CreateExperiment(ctx, model.Experiment{
		TenantID: scope.TenantID, SiteID: scope.SiteID, Name: "greeting-tone",
		Config: model.ExperimentConfig{
			SubjectType: model.SubjectUserID,
			Variants: []model.Variant{
				{Name: "control", Weight: 50},
				{Name: "treatment", Weight: 50},
			},
		},
	})
	require.NoError(t, err)

	first, err := testDB.InsertAssignment(ctx, model.Assignment{
		ExperimentID: exp.ID, SubjectKey: "user-1", Variant: "control", BucketHash: 12,
	})
	require.NoError(t, err)
	assert.Equal(t, "control", first.Variant)

	// A concurrent duplicate loses; the existing row wins.
	second, err := testDB.InsertAssignment(ctx, model.Assignment{
		ExperimentID: exp.ID, SubjectKey: "user-1", Variant: "treatment", BucketHash: 77,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "control", second.Variant)
	assert.Equal(t, 12, second.BucketHash)

	counts, err := testDB.VariantCounts(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"control": 1}, counts)
}

func TestPersistTurnIdempotent(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()
	npcID := "guide"
	traceID := "trace-" + uuid.New().String()[:8]

	tr := model.TraceRecord{
		TraceID:         traceID,
		TenantID:        scope.TenantID,
		SiteID:          scope.SiteID,
		SessionID:       "sess-1",
		NPCID:           &npcID,
		RequestType:     "chat",
		RequestInput:    "tell me about the throne hall",
		Intent:          model.IntentFactSeeking,
		PolicyMode:      model.ModeNormal,
		ResponseOutput:  "The throne hall was completed in 1420.",
		LatencyMS:       42,
		Tokens:          model.TokenUsage{Prompt: 100, Completion: 30, Total: 130},
		GuardrailPassed: true,
		StartedAt:       time.Now().UTC(),
		Status:          model.TraceCompleted,
	}
	now := time.Now().UTC()
	userMsg := model.Message{Role: model.RoleUser, Content: tr.RequestInput, TraceID: &traceID, CreatedAt: now}
	assistantMsg := model.Message{Role: model.RoleAssistant, Content: tr.ResponseOutput, TraceID: &traceID, CreatedAt: now.Add(time.Millisecond)}

	require.NoError(t, testDB.PersistTurn(ctx, tr, userMsg, assistantMsg))

	// Retrying the same trace_id is a no-op, not a duplicate.
	require.NoError(t, testDB.PersistTurn(ctx, tr, userMsg, assistantMsg))

	got, err := testDB.GetTraceByTraceID(ctx, scope, traceID)
	require.NoError(t, err)
	assert.Equal(t, model.ModeNormal, got.PolicyMode)
	assert.Equal(t, int64(42), got.LatencyMS)

	msgs, err := testDB.ListSessionMessages(ctx, scope, "sess-1", npcID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
}

func TestFeedbackTransitions(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	f, err := testDB.CreateFeedback(ctx, model.Feedback{
		TenantID: scope.TenantID, SiteID: scope.SiteID,
		Severity: model.SeverityHigh, Type: "factual_error",
		Content: "wrong completion year", Group: "curators",
		SLADueAt: time.Now().UTC().Add(4 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackPending, f.Status)

	// Illegal move rejected before touching the row.
	_, err = testDB.TransitionFeedback(ctx, scope, f.ID, model.FeedbackPending, model.FeedbackResolved, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	assignee := "curator@example.com"
	reviewing, err := testDB.TransitionFeedback(ctx, scope, f.ID, model.FeedbackPending, model.FeedbackReviewing, &assignee)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackReviewing, reviewing.Status)
	assert.NotNil(t, reviewing.TriagedAt)
	require.NotNil(t, reviewing.Assignee)
	assert.Equal(t, assignee, *reviewing.Assignee)

	// A stale retry of the same transition conflicts: the row left pending.
	_, err = testDB.TransitionFeedback(ctx, scope, f.ID, model.FeedbackPending, model.FeedbackReviewing, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)

	accepted, err := testDB.TransitionFeedback(ctx, scope, f.ID, model.FeedbackReviewing, model.FeedbackAccepted, nil)
	require.NoError(t, err)
	assert.NotNil(t, accepted.InProgressAt)

	evidenceID := uuid.New()
	resolved, err := testDB.ResolveFeedback(ctx, scope, f.ID, nil, &evidenceID)
	require.NoError(t, err)
	assert.Equal(t, model.FeedbackResolved, resolved.Status)
	assert.NotNil(t, resolved.ClosedAt)
	require.NotNil(t, resolved.ResolvedByEvidence)
	assert.Equal(t, evidenceID, *resolved.ResolvedByEvidence)

	// Resolving twice conflicts.
	_, err = testDB.ResolveFeedback(ctx, scope, f.ID, nil, &evidenceID)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Unknown ticket.
	_, err = testDB.TransitionFeedback(ctx, scope, uuid.New(), model.FeedbackPending, model.FeedbackReviewing, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlagOverdueFeedback(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	overdue, err := testDB.CreateFeedback(ctx, model.Feedback{
		TenantID: scope.TenantID, SiteID: scope.SiteID,
		Severity: model.SeverityCritical, Type: "factual_error",
		Content: "past deadline", Group: "oncall",
		SLADueAt: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	_, err = testDB.CreateFeedback(ctx, model.Feedback{
		TenantID: scope.TenantID, SiteID: scope.SiteID,
		Severity: model.SeverityLow, Type: "tone",
		Content: "still within SLA", Group: "curators",
		SLADueAt: time.Now().UTC().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	flagged, err := testDB.FlagOverdueFeedback(ctx, time.Now().UTC())
	require.NoError(t, err)

	var found bool
	for _, f := range flagged {
		if f.ID == overdue.ID {
			found = true
			assert.True(t, f.OverdueFlag)
		}
	}
	assert.True(t, found, "past-deadline ticket flagged")

	// Second sweep skips already-flagged rows.
	flagged, err = testDB.FlagOverdueFeedback(ctx, time.Now().UTC())
	require.NoError(t, err)
	for _, f := range flagged {
		assert.NotEqual(t, overdue.ID, f.ID)
	}

	n, err := testDB.CountOverdueFeedback(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAlertUpsertDedup(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()
	dedupKey := "dedup-" + uuid.New().String()[:8]

	base := model.AlertEvent{
		TenantID: scope.TenantID, SiteID: scope.SiteID,
		DedupKey: dedupKey, AlertCode: "high_refusal_rate", Severity: "high",
		CurrentValue: 0.6, Threshold: 0.5,
	}

	first, created, err := testDB.UpsertFiringAlert(ctx, base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.AlertFiring, first.Status)

	// Same dedup key while firing: refresh, not a new row.
	base.CurrentValue = 0.8
	second, created, err := testDB.UpsertFiringAlert(ctx, base)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0.8, second.CurrentValue)
	assert.True(t, second.LastSeenAt.After(second.FirstSeenAt) || second.LastSeenAt.Equal(second.FirstSeenAt))

	resolved, err := testDB.ResolveFiringAlert(ctx, dedupKey)
	require.NoError(t, err)
	assert.Equal(t, model.AlertResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = testDB.ResolveFiringAlert(ctx, dedupKey)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing firing after resolve")

	// The condition recurring opens a fresh firing row.
	third, created, err := testDB.UpsertFiringAlert(ctx, base)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)

	firing, err := testDB.ListAlerts(ctx, scope, model.AlertFiring, 10)
	require.NoError(t, err)
	require.Len(t, firing, 1)
	assert.Equal(t, third.ID, firing[0].ID)
}

func TestSilences(t *testing.T) {
	ctx := context.Background()
	tenantID := "t-" + uuid.New().String()[:8]
	now := time.Now().UTC()
	code := "slow_turns"

	active, err := testDB.CreateSilence(ctx, model.AlertSilence{
		TenantID:  tenantID,
		Matcher:   model.SilenceMatcher{AlertCode: &code},
		StartsAt:  now.Add(-time.Hour),
		EndsAt:    now.Add(time.Hour),
		CreatedBy: "ops",
	})
	require.NoError(t, err)

	_, err = testDB.CreateSilence(ctx, model.AlertSilence{
		TenantID:  tenantID,
		StartsAt:  now.Add(-3 * time.Hour),
		EndsAt:    now.Add(-2 * time.Hour),
		CreatedBy: "ops",
	})
	require.NoError(t, err)

	silences, err := testDB.ListActiveSilences(ctx, tenantID, now)
	require.NoError(t, err)
	require.Len(t, silences, 1, "expired window excluded")
	assert.Equal(t, active.ID, silences[0].ID)
	require.NotNil(t, silences[0].Matcher.AlertCode)
	assert.Equal(t, code, *silences[0].Matcher.AlertCode)

	require.NoError(t, testDB.DeleteSilence(ctx, tenantID, active.ID))
	assert.ErrorIs(t, testDB.DeleteSilence(ctx, tenantID, active.ID), storage.ErrNotFound)
}

func TestEvidenceVerifyAndSearch(t *testing.T) {
	ctx := context.Background()
	scope := freshScope()

	e, err := testDB.CreateEvidence(ctx, model.Evidence{
		TenantID: scope.TenantID, SiteID: scope.SiteID,
		SourceType: "curated", SourceRef: "archive/42",
		Title:      "Throne Hall completion",
		Excerpt:    "The throne hall was completed in 1420 under the third dynasty.",
		Confidence: 0.9,
		Domains:    []string{"history"},
	})
	require.NoError(t, err)
	assert.False(t, e.Verified)

	got, err := testDB.GetEvidence(ctx, scope, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Throne Hall completion", got.Title)

	require.NoError(t, testDB.SetEvidenceVerified(ctx, scope, e.ID, true))
	got, err = testDB.GetEvidence(ctx, scope, e.ID)
	require.NoError(t, err)
	assert.True(t, got.Verified)

	hits, err := testDB.SearchEvidenceTrgm(ctx, scope, "throne hall completion", nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, e.ID, hits[0].EvidenceID)
	assert.True(t, hits[0].Verified)
	assert.Greater(t, hits[0].Score, float32(0))

	// Domain filter excludes non-matching evidence.
	hits, err = testDB.SearchEvidenceTrgm(ctx, scope, "throne hall completion", []string{"gastronomy"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestAlertLease(t *testing.T) {
	ctx := context.Background()
	key := "lease-" + uuid.New().String()[:8]

	ran, err := testDB.WithAlertLease(ctx, key, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	// fn errors propagate with ran=true.
	wantErr := errors.New("sweep failed")
	ran, err = testDB.WithAlertLease(ctx, key, func(ctx context.Context) error {
		return wantErr
	})
	assert.True(t, ran)
	assert.ErrorIs(t, err, wantErr)
}

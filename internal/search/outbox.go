package search

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/loreline-ai/loreline/internal/embedding"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/telemetry"
)

// OutboxWorker polls the evidence vector outbox and syncs evidence into the
// Qdrant index and the local pgvector column. Evidence is written to Postgres
// first; the outbox makes the index eventually consistent without coupling
// write latency to the embedding provider.
type OutboxWorker struct {
	db       *storage.DB
	index    *QdrantIndex
	embedder *embedding.Service
	logger   *slog.Logger

	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a new outbox worker. index may be nil when Qdrant is
// not configured; the worker then maintains only the pgvector column.
func NewOutboxWorker(db *storage.DB, index *QdrantIndex, embedder *embedding.Service, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	return &OutboxWorker{
		db:           db,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("vector outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("vector outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *OutboxWorker) processBatch(ctx context.Context) {
	items, err := w.db.ClaimVectorOutbox(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("vector outbox: claim pending", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(items))
	for i, it := range items {
		ids[i] = it.EvidenceID
	}
	evidence, err := w.db.ListEvidenceForIndex(ctx, ids)
	if err != nil {
		w.logger.Error("vector outbox: hydrate evidence", "error", err, "count", len(ids))
		for _, it := range items {
			w.fail(ctx, it, err.Error())
		}
		return
	}
	byID := make(map[uuid.UUID]model.Evidence, len(evidence))
	for _, e := range evidence {
		byID[e.ID] = e
	}

	synced := 0
	for _, it := range items {
		e, ok := byID[it.EvidenceID]
		if !ok {
			// Evidence row gone; drop the orphaned entry.
			w.complete(ctx, it)
			continue
		}
		if w.syncOne(ctx, it, e) {
			synced++
		}
	}
	if synced > 0 {
		w.logger.Info("vector outbox: synced", "count", synced)
	}
}

// syncOne embeds one evidence item and writes it to Qdrant and the local
// pgvector column. Returns true on success.
func (w *OutboxWorker) syncOne(ctx context.Context, it storage.OutboxItem, e model.Evidence) bool {
	scope := model.Scope{TenantID: e.TenantID, SiteID: e.SiteID}
	text := e.Title + "\n" + e.Excerpt

	// Skip the provider call when the stored vector already matches the body.
	knownHash := e.VectorHash
	if e.VectorUpdatedAt == nil {
		knownHash = nil
	}
	vec, contentHash, err := w.embedder.EmbedObject(ctx, scope, "evidence", e.ID.String(), text, knownHash)
	if err != nil {
		w.logger.Error("vector outbox: embed evidence", "evidence_id", e.ID, "error", err)
		w.fail(ctx, it, err.Error())
		return false
	}
	if vec == nil {
		// Dedup hit: the local vector is current. Qdrant upsert is idempotent
		// but requires a vector, so only re-complete the entry.
		w.complete(ctx, it)
		return true
	}

	if err := w.db.SetEvidenceEmbedding(ctx, e.ID, pgvector.NewVector(vec), contentHash); err != nil {
		w.logger.Error("vector outbox: store embedding", "evidence_id", e.ID, "error", err)
		w.fail(ctx, it, err.Error())
		return false
	}

	if w.index != nil {
		point := Point{
			ID:         e.ID,
			TenantID:   e.TenantID,
			SiteID:     e.SiteID,
			Confidence: e.Confidence,
			Verified:   e.Verified,
			Domains:    e.Domains,
			CreatedAt:  e.CreatedAt,
			Embedding:  vec,
		}
		if err := w.index.Upsert(ctx, []Point{point}); err != nil {
			w.logger.Error("vector outbox: qdrant upsert", "evidence_id", e.ID, "error", err)
			w.fail(ctx, it, err.Error())
			return false
		}
	}

	w.complete(ctx, it)
	return true
}

func (w *OutboxWorker) complete(ctx context.Context, it storage.OutboxItem) {
	if err := w.db.CompleteVectorOutbox(ctx, it.EvidenceID); err != nil {
		w.logger.Error("vector outbox: complete entry", "evidence_id", it.EvidenceID, "error", err)
	}
}

func (w *OutboxWorker) fail(ctx context.Context, it storage.OutboxItem, reason string) {
	if err := w.db.FailVectorOutbox(ctx, it.EvidenceID, reason); err != nil {
		w.logger.Error("vector outbox: record failure", "evidence_id", it.EvidenceID, "error", err)
		return
	}
	if it.Attempts+1 >= 10 {
		w.logger.Warn("vector outbox: dead-letter entry",
			"evidence_id", it.EvidenceID,
			"attempts", it.Attempts+1,
		)
	}
}

// registerMetrics registers an observable gauge for outbox depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("loreline/outbox")

	_, _ = meter.Int64ObservableGauge("loreline.outbox.depth",
		metric.WithDescription("Number of pending entries in the evidence vector outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			count, err := w.db.VectorOutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

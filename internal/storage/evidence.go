package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/loreline-ai/loreline/internal/model"
)

const evidenceColumns = `id, tenant_id, site_id, source_type, source_ref, title, excerpt,
	 confidence, verified, tags, domains, vector_updated_at, vector_hash, created_at`

// CreateEvidence inserts an evidence row and enqueues it for vector sync in
// the same transaction.
func (db *DB) CreateEvidence(ctx context.Context, e model.Evidence) (model.Evidence, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO evidence (id, tenant_id, site_id, source_type, source_ref, title, excerpt,
		 confidence, verified, tags, domains, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.TenantID, e.SiteID, e.SourceType, e.SourceRef, e.Title, e.Excerpt,
		e.Confidence, e.Verified, e.Tags, e.Domains, e.CreatedAt,
	)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("storage: create evidence: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO evidence_vector_outbox (evidence_id, content_hash, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (evidence_id) DO UPDATE SET content_hash = EXCLUDED.content_hash, attempts = 0, last_error = NULL`,
		e.ID, e.ContentHash(), e.CreatedAt,
	)
	if err != nil {
		return model.Evidence{}, fmt.Errorf("storage: enqueue vector sync: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Evidence{}, fmt.Errorf("storage: commit evidence: %w", err)
	}
	return e, nil
}

// GetEvidence retrieves one evidence row by id within scope.
func (db *DB) GetEvidence(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Evidence, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+evidenceColumns+` FROM evidence
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id,
	)
	e, err := scanEvidence(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Evidence{}, ErrNotFound
		}
		return model.Evidence{}, fmt.Errorf("storage: get evidence: %w", err)
	}
	return e, nil
}

// GetEvidenceByIDs retrieves evidence rows in bulk, keyed by id.
func (db *DB) GetEvidenceByIDs(ctx context.Context, scope model.Scope, ids []uuid.UUID) (map[uuid.UUID]model.Evidence, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]model.Evidence{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+evidenceColumns+` FROM evidence
		 WHERE tenant_id = $1 AND site_id = $2 AND id = ANY($3)`,
		scope.TenantID, scope.SiteID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get evidence by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Evidence, len(ids))
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// SetEvidenceVerified flips the verification flag. The body stays immutable.
func (db *DB) SetEvidenceVerified(ctx context.Context, scope model.Scope, id uuid.UUID, verified bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evidence SET verified = $4
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id, verified,
	)
	if err != nil {
		return fmt.Errorf("storage: set evidence verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchEvidenceTrgm runs a trigram similarity search over title and excerpt.
// Results come back ordered by similarity desc, then id asc for determinism.
func (db *DB) SearchEvidenceTrgm(ctx context.Context, scope model.Scope, query string, domains []string, limit int) ([]model.Citation, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{scope.TenantID, scope.SiteID, query}
	domainClause := ""
	if len(domains) > 0 {
		domainClause = " AND domains && $4"
		args = append(args, domains)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, title, excerpt, confidence, verified,
		 GREATEST(similarity(title, $3), similarity(excerpt, $3)) AS score
		 FROM evidence
		 WHERE tenant_id = $1 AND site_id = $2%s
		   AND (title %% $3 OR excerpt %% $3)
		 ORDER BY score DESC, id ASC
		 LIMIT %d`, domainClause, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: trgm search: %w", err)
	}
	defer rows.Close()

	return scanCitations(rows)
}

// SearchEvidencePgvector runs a cosine similarity search over the local
// evidence embedding column. Fallback path when Qdrant is unavailable.
func (db *DB) SearchEvidencePgvector(ctx context.Context, scope model.Scope, embedding pgvector.Vector, domains []string, limit int) ([]model.Citation, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{scope.TenantID, scope.SiteID, embedding}
	domainClause := ""
	if len(domains) > 0 {
		domainClause = " AND domains && $4"
		args = append(args, domains)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, title, excerpt, confidence, verified,
		 1 - (embedding <=> $3) AS score
		 FROM evidence
		 WHERE tenant_id = $1 AND site_id = $2%s AND embedding IS NOT NULL
		 ORDER BY score DESC, id ASC
		 LIMIT %d`, domainClause, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: pgvector search: %w", err)
	}
	defer rows.Close()

	return scanCitations(rows)
}

// SetEvidenceEmbedding stores the local embedding copy and stamps the vector
// bookkeeping columns.
func (db *DB) SetEvidenceEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector, contentHash string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE evidence SET embedding = $2, vector_hash = $3, vector_updated_at = now()
		 WHERE id = $1`,
		id, embedding, contentHash,
	)
	if err != nil {
		return fmt.Errorf("storage: set evidence embedding: %w", err)
	}
	return nil
}

// OutboxItem is one pending vector sync job.
type OutboxItem struct {
	EvidenceID  uuid.UUID
	ContentHash string
	Attempts    int
}

// ClaimVectorOutbox claims up to limit pending sync jobs. The claim stamps
// claimed_at inside a single statement with SKIP LOCKED, so concurrent
// workers never double-process. Stale claims older than two minutes are
// reclaimed.
func (db *DB) ClaimVectorOutbox(ctx context.Context, limit int) ([]OutboxItem, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE evidence_vector_outbox SET claimed_at = now()
		 WHERE evidence_id IN (
		   SELECT evidence_id FROM evidence_vector_outbox
		   WHERE attempts < 10
		     AND (claimed_at IS NULL OR claimed_at < now() - interval '2 minutes')
		   ORDER BY created_at ASC
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING evidence_id, content_hash, attempts`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: claim vector outbox: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		var it OutboxItem
		if err := rows.Scan(&it.EvidenceID, &it.ContentHash, &it.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan outbox item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// ListEvidenceForIndex hydrates evidence rows across all scopes for vector
// sync. Only the outbox worker calls this; serving paths stay scoped.
func (db *DB) ListEvidenceForIndex(ctx context.Context, ids []uuid.UUID) ([]model.Evidence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+evidenceColumns+` FROM evidence WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence for index: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VectorOutboxDepth counts pending sync jobs that have not dead-lettered.
func (db *DB) VectorOutboxDepth(ctx context.Context) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM evidence_vector_outbox WHERE attempts < 10`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: vector outbox depth: %w", err)
	}
	return count, nil
}

// CompleteVectorOutbox removes a synced job.
func (db *DB) CompleteVectorOutbox(ctx context.Context, evidenceID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM evidence_vector_outbox WHERE evidence_id = $1`, evidenceID,
	)
	if err != nil {
		return fmt.Errorf("storage: complete vector outbox: %w", err)
	}
	return nil
}

// FailVectorOutbox records a failed sync attempt.
func (db *DB) FailVectorOutbox(ctx context.Context, evidenceID uuid.UUID, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE evidence_vector_outbox SET attempts = attempts + 1, last_error = $2, claimed_at = NULL
		 WHERE evidence_id = $1`,
		evidenceID, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail vector outbox: %w", err)
	}
	return nil
}

func scanEvidence(row pgx.Row) (model.Evidence, error) {
	var e model.Evidence
	err := row.Scan(
		&e.ID, &e.TenantID, &e.SiteID, &e.SourceType, &e.SourceRef, &e.Title, &e.Excerpt,
		&e.Confidence, &e.Verified, &e.Tags, &e.Domains, &e.VectorUpdatedAt, &e.VectorHash, &e.CreatedAt,
	)
	return e, err
}

func scanCitations(rows pgx.Rows) ([]model.Citation, error) {
	var out []model.Citation
	for rows.Next() {
		var c model.Citation
		if err := rows.Scan(&c.EvidenceID, &c.Title, &c.Excerpt, &c.Confidence, &c.Verified, &c.Score); err != nil {
			return nil, fmt.Errorf("storage: scan citation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

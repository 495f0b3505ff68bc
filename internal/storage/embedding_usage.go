package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// InsertEmbeddingUsage appends one embedding provider call to the usage audit.
func (db *DB) InsertEmbeddingUsage(ctx context.Context, u model.EmbeddingUsage) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO embedding_usage (id, tenant_id, site_id, object_type, object_id, provider, model,
		 embedding_dim, input_chars, estimated_tokens, cost_estimate, latency_ms, status, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		u.ID, u.TenantID, u.SiteID, u.ObjectType, u.ObjectID, u.Provider, u.Model,
		u.EmbeddingDim, u.InputChars, u.EstimatedTokens, u.CostEstimate, u.LatencyMS, u.Status, u.ContentHash, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert embedding usage: %w", err)
	}
	return nil
}

// EmbeddingCostSince sums estimated embedding spend for a tenant in a window.
func (db *DB) EmbeddingCostSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_estimate), 0) FROM embedding_usage
		 WHERE tenant_id = $1 AND created_at >= $2 AND status = 'success'`,
		tenantID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: embedding cost: %w", err)
	}
	return total, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreline-ai/loreline/internal/model"
)

const releaseColumns = `id, tenant_id, site_id, name, status, payload, created_by,
	 created_at, activated_at, archived_at`

// CreateRelease inserts a release in draft status.
func (db *DB) CreateRelease(ctx context.Context, r model.Release) (model.Release, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()
	r.Status = model.ReleaseDraft

	_, err := db.pool.Exec(ctx,
		`INSERT INTO releases (id, tenant_id, site_id, name, status, payload, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.TenantID, r.SiteID, r.Name, r.Status, r.Payload, r.CreatedBy, r.CreatedAt,
	)
	if err != nil {
		return model.Release{}, fmt.Errorf("storage: create release: %w", err)
	}
	return r, nil
}

// GetRelease retrieves one release by id within scope.
func (db *DB) GetRelease(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Release, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id,
	)
	r, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Release{}, ErrNotFound
		}
		return model.Release{}, fmt.Errorf("storage: get release: %w", err)
	}
	return r, nil
}

// GetActiveRelease returns the single active release for a scope, or
// ErrNotFound when none has been activated yet.
func (db *DB) GetActiveRelease(ctx context.Context, scope model.Scope) (model.Release, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE tenant_id = $1 AND site_id = $2 AND status = 'active'`,
		scope.TenantID, scope.SiteID,
	)
	r, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Release{}, ErrNotFound
		}
		return model.Release{}, fmt.Errorf("storage: get active release: %w", err)
	}
	return r, nil
}

// ListReleases returns releases in scope, newest first.
func (db *DB) ListReleases(ctx context.Context, scope model.Scope, limit, offset int) ([]model.Release, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM releases WHERE tenant_id = $1 AND site_id = $2`,
		scope.TenantID, scope.SiteID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count releases: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+releaseColumns+` FROM releases
		 WHERE tenant_id = $1 AND site_id = $2
		 ORDER BY created_at DESC, id ASC LIMIT %d OFFSET %d`, limit, offset,
	), scope.TenantID, scope.SiteID)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list releases: %w", err)
	}
	defer rows.Close()

	var out []model.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan release: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

// ActivateRelease atomically archives the current active release, activates
// the target, and appends a history row. Concurrent activations serialize on
// a per-scope advisory lock; FOR UPDATE alone cannot order them when the
// scope has no active row yet. The unique partial index on
// (tenant_id, site_id) WHERE status = 'active' backstops the invariant.
func (db *DB) ActivateRelease(ctx context.Context, scope model.Scope, id uuid.UUID, operator, action string) (model.Release, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Release{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		scope.TenantID+"/"+scope.SiteID+"/release",
	); err != nil {
		return model.Release{}, fmt.Errorf("storage: release lock: %w", err)
	}

	now := time.Now().UTC()

	// Lock and archive the current active release, if any.
	var prevID *uuid.UUID
	var locked uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM releases
		 WHERE tenant_id = $1 AND site_id = $2 AND status = 'active'
		 FOR UPDATE`,
		scope.TenantID, scope.SiteID,
	).Scan(&locked)
	switch {
	case err == nil:
		if locked == id {
			return model.Release{}, fmt.Errorf("storage: release already active: %w", ErrConflict)
		}
		prevID = &locked
		if _, err := tx.Exec(ctx,
			`UPDATE releases SET status = 'archived', archived_at = $2 WHERE id = $1`,
			locked, now,
		); err != nil {
			return model.Release{}, fmt.Errorf("storage: archive previous release: %w", err)
		}
	case errors.Is(err, pgx.ErrNoRows):
		// First activation in this scope.
	default:
		return model.Release{}, fmt.Errorf("storage: lock active release: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE releases SET status = 'active', activated_at = $4, archived_at = NULL
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3
		 RETURNING `+releaseColumns,
		scope.TenantID, scope.SiteID, id, now,
	)
	r, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Release{}, ErrNotFound
		}
		return model.Release{}, fmt.Errorf("storage: activate release: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO release_history (id, tenant_id, site_id, action, release_id, previous_release_id, operator, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), scope.TenantID, scope.SiteID, action, id, prevID, operator, now,
	); err != nil {
		return model.Release{}, fmt.Errorf("storage: insert release history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Release{}, fmt.Errorf("storage: commit release activation: %w", err)
	}
	return r, nil
}

// PreviousActivatedRelease returns the release to roll back to: the most
// recently archived release that was once active, excluding the current one.
func (db *DB) PreviousActivatedRelease(ctx context.Context, scope model.Scope, currentID uuid.UUID) (model.Release, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+releaseColumns+` FROM releases
		 WHERE tenant_id = $1 AND site_id = $2 AND id <> $3
		   AND status = 'archived' AND activated_at IS NOT NULL
		 ORDER BY archived_at DESC
		 LIMIT 1`,
		scope.TenantID, scope.SiteID, currentID,
	)
	r, err := scanRelease(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Release{}, ErrNotFound
		}
		return model.Release{}, fmt.Errorf("storage: previous release: %w", err)
	}
	return r, nil
}

// ListReleaseHistory returns the activation log for a scope, newest first.
func (db *DB) ListReleaseHistory(ctx context.Context, scope model.Scope, limit int) ([]model.ReleaseHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, tenant_id, site_id, action, release_id, previous_release_id, operator, created_at
		 FROM release_history
		 WHERE tenant_id = $1 AND site_id = $2
		 ORDER BY created_at DESC LIMIT %d`, limit,
	), scope.TenantID, scope.SiteID)
	if err != nil {
		return nil, fmt.Errorf("storage: list release history: %w", err)
	}
	defer rows.Close()

	var out []model.ReleaseHistory
	for rows.Next() {
		var h model.ReleaseHistory
		if err := rows.Scan(
			&h.ID, &h.TenantID, &h.SiteID, &h.Action, &h.ReleaseID, &h.PreviousReleaseID, &h.Operator, &h.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan release history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanRelease(row pgx.Row) (model.Release, error) {
	var r model.Release
	err := row.Scan(
		&r.ID, &r.TenantID, &r.SiteID, &r.Name, &r.Status, &r.Payload, &r.CreatedBy,
		&r.CreatedAt, &r.ActivatedAt, &r.ArchivedAt,
	)
	return r, err
}

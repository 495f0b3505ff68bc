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

const contentColumns = `id, tenant_id, site_id, content_type, title, body, tags,
	 status, credibility_score, created_by, created_at, updated_at`

// CreateContent inserts an editorial item in draft status.
func (db *DB) CreateContent(ctx context.Context, c model.Content) (model.Content, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.ContentDraft
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO content (id, tenant_id, site_id, content_type, title, body, tags,
		 status, credibility_score, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, c.SiteID, c.ContentType, c.Title, c.Body, c.Tags,
		c.Status, c.CredibilityScore, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return model.Content{}, fmt.Errorf("storage: create content: %w", err)
	}
	return c, nil
}

// GetContent retrieves one content item by id within scope.
func (db *DB) GetContent(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Content, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id,
	)
	c, err := scanContent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Content{}, ErrNotFound
		}
		return model.Content{}, fmt.Errorf("storage: get content: %w", err)
	}
	return c, nil
}

// TransitionContent moves a content item through its editorial lifecycle.
// Illegal moves return ErrConflict. The status guard lives in the WHERE
// clause so concurrent transitions cannot race past the state machine.
func (db *DB) TransitionContent(ctx context.Context, scope model.Scope, id uuid.UUID, from, to model.ContentStatus) (model.Content, error) {
	if !model.CanTransitionContent(from, to) {
		return model.Content{}, fmt.Errorf("storage: content transition %s -> %s: %w", from, to, ErrConflict)
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE content SET status = $5, updated_at = now()
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3 AND status = $4
		 RETURNING `+contentColumns,
		scope.TenantID, scope.SiteID, id, from, to,
	)
	c, err := scanContent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row missing or not in the expected source state.
			if _, getErr := db.GetContent(ctx, scope, id); errors.Is(getErr, ErrNotFound) {
				return model.Content{}, ErrNotFound
			}
			return model.Content{}, fmt.Errorf("storage: content not in %s: %w", from, ErrConflict)
		}
		return model.Content{}, fmt.Errorf("storage: transition content: %w", err)
	}
	return c, nil
}

// SearchContent runs a full-text search over published content with a
// trigram fallback for short or non-matching queries.
func (db *DB) SearchContent(ctx context.Context, scope model.Scope, query string, contentType string, limit int) ([]model.Content, error) {
	if limit <= 0 {
		limit = 10
	}
	args := []any{scope.TenantID, scope.SiteID, query}
	typeClause := ""
	if contentType != "" {
		typeClause = " AND content_type = $4"
		args = append(args, contentType)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+contentColumns+`
		 FROM content
		 WHERE tenant_id = $1 AND site_id = $2 AND status = 'published'%s
		   AND (search_tsv @@ websearch_to_tsquery('simple', $3)
		        OR title %%> $3)
		 ORDER BY ts_rank(search_tsv, websearch_to_tsquery('simple', $3)) DESC, id ASC
		 LIMIT %d`, typeClause, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search content: %w", err)
	}
	defer rows.Close()

	var out []model.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListContent returns content in scope filtered by optional status, newest first.
func (db *DB) ListContent(ctx context.Context, scope model.Scope, status model.ContentStatus, limit, offset int) ([]model.Content, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	where := " WHERE tenant_id = $1 AND site_id = $2"
	args := []any{scope.TenantID, scope.SiteID}
	if status != "" {
		where += " AND status = $3"
		args = append(args, status)
	}

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM content"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count content: %w", err)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		"SELECT "+contentColumns+" FROM content%s ORDER BY created_at DESC, id ASC LIMIT %d OFFSET %d",
		where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list content: %w", err)
	}
	defer rows.Close()

	var out []model.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, total, rows.Err()
}

func scanContent(row pgx.Row) (model.Content, error) {
	var c model.Content
	err := row.Scan(
		&c.ID, &c.TenantID, &c.SiteID, &c.ContentType, &c.Title, &c.Body, &c.Tags,
		&c.Status, &c.CredibilityScore, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

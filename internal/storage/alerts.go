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

const alertColumns = `id, tenant_id, site_id, dedup_key, alert_code, severity, status,
	 current_value, threshold, first_seen_at, last_seen_at, resolved_at, context,
	 webhook_sent, webhook_sent_at`

// UpsertFiringAlert records an alert occurrence. A new dedup_key creates a
// firing row; an existing firing row only refreshes last_seen_at and
// current_value, so at most one firing row exists per dedup_key. Returns the
// row and whether it was newly created.
func (db *DB) UpsertFiringAlert(ctx context.Context, a model.AlertEvent) (model.AlertEvent, bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.FirstSeenAt = now
	a.LastSeenAt = now
	a.Status = model.AlertFiring
	if a.Context == nil {
		a.Context = map[string]any{}
	}

	var created bool
	row := db.pool.QueryRow(ctx,
		`INSERT INTO alert_events (id, tenant_id, site_id, dedup_key, alert_code, severity, status,
		 current_value, threshold, first_seen_at, last_seen_at, context, webhook_sent)
		 VALUES ($1, $2, $3, $4, $5, $6, 'firing', $7, $8, $9, $10, $11, false)
		 ON CONFLICT (dedup_key) WHERE status = 'firing'
		 DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at, current_value = EXCLUDED.current_value
		 RETURNING `+alertColumns+`, (xmax = 0)`,
		a.ID, a.TenantID, a.SiteID, a.DedupKey, a.AlertCode, a.Severity,
		a.CurrentValue, a.Threshold, a.FirstSeenAt, a.LastSeenAt, a.Context,
	)
	out, err := scanAlertWith(row, &created)
	if err != nil {
		return model.AlertEvent{}, false, fmt.Errorf("storage: upsert firing alert: %w", err)
	}
	return out, created, nil
}

// ResolveFiringAlert flips the firing row for a dedup_key to resolved.
// Returns ErrNotFound when nothing is firing.
func (db *DB) ResolveFiringAlert(ctx context.Context, dedupKey string) (model.AlertEvent, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE alert_events SET status = 'resolved', resolved_at = now()
		 WHERE dedup_key = $1 AND status = 'firing'
		 RETURNING `+alertColumns,
		dedupKey,
	)
	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AlertEvent{}, ErrNotFound
		}
		return model.AlertEvent{}, fmt.Errorf("storage: resolve alert: %w", err)
	}
	return a, nil
}

// MarkAlertWebhookSent stamps the notification bookkeeping on one event.
func (db *DB) MarkAlertWebhookSent(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE alert_events SET webhook_sent = true, webhook_sent_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark webhook sent: %w", err)
	}
	return nil
}

// ListAlerts returns alert events in scope, optionally only firing ones,
// newest first.
func (db *DB) ListAlerts(ctx context.Context, scope model.Scope, status model.AlertStatus, limit int) ([]model.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	args := []any{scope.TenantID, scope.SiteID}
	statusClause := ""
	if status != "" {
		statusClause = " AND status = $3"
		args = append(args, status)
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT `+alertColumns+` FROM alert_events
		 WHERE tenant_id = $1 AND site_id = $2%s
		 ORDER BY last_seen_at DESC LIMIT %d`, statusClause, limit,
	), args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list alerts: %w", err)
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CreateSilence inserts a silence window.
func (db *DB) CreateSilence(ctx context.Context, s model.AlertSilence) (model.AlertSilence, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO alert_silences (id, tenant_id, matcher, starts_at, ends_at, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TenantID, s.Matcher, s.StartsAt, s.EndsAt, s.CreatedBy, s.CreatedAt,
	)
	if err != nil {
		return model.AlertSilence{}, fmt.Errorf("storage: create silence: %w", err)
	}
	return s, nil
}

// ListActiveSilences returns silences whose window covers now.
func (db *DB) ListActiveSilences(ctx context.Context, tenantID string, now time.Time) ([]model.AlertSilence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, matcher, starts_at, ends_at, created_by, created_at
		 FROM alert_silences
		 WHERE tenant_id = $1 AND starts_at <= $2 AND ends_at >= $2`,
		tenantID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list silences: %w", err)
	}
	defer rows.Close()

	var out []model.AlertSilence
	for rows.Next() {
		var s model.AlertSilence
		if err := rows.Scan(&s.ID, &s.TenantID, &s.Matcher, &s.StartsAt, &s.EndsAt, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan silence: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSilence removes a silence window.
func (db *DB) DeleteSilence(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM alert_silences WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: delete silence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// WithAlertLease runs fn under a transaction-scoped advisory lock so only one
// evaluator instance runs a rule sweep at a time. Returns false without
// calling fn when another instance holds the lease.
func (db *DB) WithAlertLease(ctx context.Context, key string, fn func(ctx context.Context) error) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: begin lease tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var got bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key,
	).Scan(&got); err != nil {
		return false, fmt.Errorf("storage: acquire lease: %w", err)
	}
	if !got {
		return false, nil
	}

	if err := fn(ctx); err != nil {
		return true, err
	}
	if err := tx.Commit(ctx); err != nil {
		return true, fmt.Errorf("storage: commit lease tx: %w", err)
	}
	return true, nil
}

func scanAlert(row pgx.Row) (model.AlertEvent, error) {
	var a model.AlertEvent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.SiteID, &a.DedupKey, &a.AlertCode, &a.Severity, &a.Status,
		&a.CurrentValue, &a.Threshold, &a.FirstSeenAt, &a.LastSeenAt, &a.ResolvedAt, &a.Context,
		&a.WebhookSent, &a.WebhookSentAt,
	)
	return a, err
}

func scanAlertWith(row pgx.Row, created *bool) (model.AlertEvent, error) {
	var a model.AlertEvent
	err := row.Scan(
		&a.ID, &a.TenantID, &a.SiteID, &a.DedupKey, &a.AlertCode, &a.Severity, &a.Status,
		&a.CurrentValue, &a.Threshold, &a.FirstSeenAt, &a.LastSeenAt, &a.ResolvedAt, &a.Context,
		&a.WebhookSent, &a.WebhookSentAt, created,
	)
	return a, err
}

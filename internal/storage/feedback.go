package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreline-ai/loreline/internal/model"
)

const feedbackColumns = `id, tenant_id, site_id, trace_id, npc_id, severity, type, content,
	 status, assignee, "group", sla_due_at, overdue_flag, triaged_at, in_progress_at,
	 closed_at, resolved_by_content_id, resolved_by_evidence_id, created_at, updated_at`

// FeedbackFilter narrows ListFeedback.
type FeedbackFilter struct {
	Status   model.FeedbackStatus
	Severity model.FeedbackSeverity
	Group    string
	Overdue  *bool
	Limit    int
	Offset   int
}

// CreateFeedback inserts a ticket in pending status.
func (db *DB) CreateFeedback(ctx context.Context, f model.Feedback) (model.Feedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Status = model.FeedbackPending

	_, err := db.pool.Exec(ctx,
		`INSERT INTO feedback (id, tenant_id, site_id, trace_id, npc_id, severity, type, content,
		 status, assignee, "group", sla_due_at, overdue_flag, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false, $13, $14)`,
		f.ID, f.TenantID, f.SiteID, f.TraceID, f.NPCID, f.Severity, f.Type, f.Content,
		f.Status, f.Assignee, f.Group, f.SLADueAt, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		return model.Feedback{}, fmt.Errorf("storage: create feedback: %w", err)
	}
	return f, nil
}

// GetFeedback retrieves one ticket by id within scope.
func (db *DB) GetFeedback(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Feedback, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM feedback
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id,
	)
	f, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Feedback{}, ErrNotFound
		}
		return model.Feedback{}, fmt.Errorf("storage: get feedback: %w", err)
	}
	return f, nil
}

// ListFeedback returns tickets matching the filter, newest first.
func (db *DB) ListFeedback(ctx context.Context, scope model.Scope, filter FeedbackFilter) ([]model.Feedback, int, error) {
	conditions := []string{"tenant_id = $1", "site_id = $2"}
	args := []any{scope.TenantID, scope.SiteID}
	idx := 3

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, filter.Status)
		idx++
	}
	if filter.Severity != "" {
		conditions = append(conditions, fmt.Sprintf("severity = $%d", idx))
		args = append(args, filter.Severity)
		idx++
	}
	if filter.Group != "" {
		conditions = append(conditions, fmt.Sprintf(`"group" = $%d`, idx))
		args = append(args, filter.Group)
		idx++
	}
	if filter.Overdue != nil {
		conditions = append(conditions, fmt.Sprintf("overdue_flag = $%d", idx))
		args = append(args, *filter.Overdue)
		idx++
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM feedback"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count feedback: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		"SELECT "+feedbackColumns+" FROM feedback%s ORDER BY created_at DESC, id ASC LIMIT %d OFFSET %d",
		where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// TransitionFeedback moves a ticket from one status to the next. The source
// status sits in the WHERE clause so concurrent transitions cannot skip
// states. Illegal moves return ErrConflict without touching the row.
func (db *DB) TransitionFeedback(ctx context.Context, scope model.Scope, id uuid.UUID, from, to model.FeedbackStatus, assignee *string) (model.Feedback, error) {
	if !model.CanTransitionFeedback(from, to) {
		return model.Feedback{}, fmt.Errorf("storage: feedback transition %s -> %s: %w", from, to, ErrConflict)
	}

	set := []string{"status = $5", "updated_at = now()"}
	args := []any{scope.TenantID, scope.SiteID, id, from, to}
	idx := 6

	switch to {
	case model.FeedbackReviewing:
		set = append(set, "triaged_at = COALESCE(triaged_at, now())")
	case model.FeedbackAccepted:
		set = append(set, "in_progress_at = COALESCE(in_progress_at, now())")
	case model.FeedbackResolved, model.FeedbackArchived:
		set = append(set, "closed_at = COALESCE(closed_at, now())")
	}
	if assignee != nil {
		set = append(set, fmt.Sprintf("assignee = $%d", idx))
		args = append(args, *assignee)
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE feedback SET `+strings.Join(set, ", ")+`
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3 AND status = $4
		 RETURNING `+feedbackColumns,
		args...,
	)
	f, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := db.GetFeedback(ctx, scope, id); errors.Is(getErr, ErrNotFound) {
				return model.Feedback{}, ErrNotFound
			}
			return model.Feedback{}, fmt.Errorf("storage: feedback not in %s: %w", from, ErrConflict)
		}
		return model.Feedback{}, fmt.Errorf("storage: transition feedback: %w", err)
	}
	return f, nil
}

// ResolveFeedback moves an accepted or rejected ticket to resolved and binds
// the correction reference.
func (db *DB) ResolveFeedback(ctx context.Context, scope model.Scope, id uuid.UUID, contentID, evidenceID *uuid.UUID) (model.Feedback, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE feedback SET status = 'resolved', closed_at = COALESCE(closed_at, now()),
		 resolved_by_content_id = $4, resolved_by_evidence_id = $5, updated_at = now()
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3 AND status IN ('accepted', 'rejected')
		 RETURNING `+feedbackColumns,
		scope.TenantID, scope.SiteID, id, contentID, evidenceID,
	)
	f, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, getErr := db.GetFeedback(ctx, scope, id); errors.Is(getErr, ErrNotFound) {
				return model.Feedback{}, ErrNotFound
			}
			return model.Feedback{}, fmt.Errorf("storage: feedback not resolvable: %w", ErrConflict)
		}
		return model.Feedback{}, fmt.Errorf("storage: resolve feedback: %w", err)
	}
	return f, nil
}

// FlagOverdueFeedback marks open tickets past their SLA deadline and returns
// the newly flagged rows. Already-flagged and terminal tickets are skipped.
func (db *DB) FlagOverdueFeedback(ctx context.Context, now time.Time) ([]model.Feedback, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE feedback SET overdue_flag = true, updated_at = now()
		 WHERE sla_due_at < $1 AND NOT overdue_flag
		   AND status NOT IN ('resolved', 'archived')
		 RETURNING `+feedbackColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: flag overdue feedback: %w", err)
	}
	defer rows.Close()

	var out []model.Feedback
	for rows.Next() {
		f, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan overdue feedback: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountOverdueFeedback returns the number of currently overdue open tickets
// in scope. Used by the alert evaluator.
func (db *DB) CountOverdueFeedback(ctx context.Context, scope model.Scope) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM feedback
		 WHERE tenant_id = $1 AND site_id = $2 AND overdue_flag
		   AND status NOT IN ('resolved', 'archived')`,
		scope.TenantID, scope.SiteID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count overdue feedback: %w", err)
	}
	return n, nil
}

func scanFeedback(row pgx.Row) (model.Feedback, error) {
	var f model.Feedback
	err := row.Scan(
		&f.ID, &f.TenantID, &f.SiteID, &f.TraceID, &f.NPCID, &f.Severity, &f.Type, &f.Content,
		&f.Status, &f.Assignee, &f.Group, &f.SLADueAt, &f.OverdueFlag, &f.TriagedAt, &f.InProgressAt,
		&f.ClosedAt, &f.ResolvedByContentID, &f.ResolvedByEvidence, &f.CreatedAt, &f.UpdatedAt,
	)
	return f, err
}

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

const experimentColumns = `id, tenant_id, site_id, name, status, config, created_at`

// CreateExperiment inserts an experiment in draft status.
func (db *DB) CreateExperiment(ctx context.Context, e model.Experiment) (model.Experiment, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	e.Status = model.ExperimentDraft

	_, err := db.pool.Exec(ctx,
		`INSERT INTO experiments (id, tenant_id, site_id, name, status, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.SiteID, e.Name, e.Status, e.Config, e.CreatedAt,
	)
	if err != nil {
		return model.Experiment{}, fmt.Errorf("storage: create experiment: %w", err)
	}
	return e, nil
}

// GetExperiment retrieves one experiment by id within scope.
func (db *DB) GetExperiment(ctx context.Context, scope model.Scope, id uuid.UUID) (model.Experiment, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id,
	)
	e, err := scanExperiment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Experiment{}, ErrNotFound
		}
		return model.Experiment{}, fmt.Errorf("storage: get experiment: %w", err)
	}
	return e, nil
}

// ListExperiments returns experiments in scope, newest first.
func (db *DB) ListExperiments(ctx context.Context, scope model.Scope) ([]model.Experiment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE tenant_id = $1 AND site_id = $2
		 ORDER BY created_at DESC`,
		scope.TenantID, scope.SiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list experiments: %w", err)
	}
	defer rows.Close()

	var out []model.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetExperimentStatus moves an experiment through its lifecycle.
func (db *DB) SetExperimentStatus(ctx context.Context, scope model.Scope, id uuid.UUID, status model.ExperimentStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE experiments SET status = $4
		 WHERE tenant_id = $1 AND site_id = $2 AND id = $3`,
		scope.TenantID, scope.SiteID, id, status,
	)
	if err != nil {
		return fmt.Errorf("storage: set experiment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAssignment returns an existing assignment, or ErrNotFound.
func (db *DB) GetAssignment(ctx context.Context, experimentID uuid.UUID, subjectKey string) (model.Assignment, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, experiment_id, subject_key, variant, bucket_hash, created_at
		 FROM experiment_assignments
		 WHERE experiment_id = $1 AND subject_key = $2`,
		experimentID, subjectKey,
	)
	a, err := scanAssignment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Assignment{}, ErrNotFound
		}
		return model.Assignment{}, fmt.Errorf("storage: get assignment: %w", err)
	}
	return a, nil
}

// InsertAssignment persists a computed assignment idempotently. On a unique
// conflict the existing row wins and is re-read, so concurrent turns for the
// same subject always observe one variant.
func (db *DB) InsertAssignment(ctx context.Context, a model.Assignment) (model.Assignment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now().UTC()

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO experiment_assignments (id, experiment_id, subject_key, variant, bucket_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (experiment_id, subject_key) DO NOTHING`,
		a.ID, a.ExperimentID, a.SubjectKey, a.Variant, a.BucketHash, a.CreatedAt,
	)
	if err != nil {
		return model.Assignment{}, fmt.Errorf("storage: insert assignment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.GetAssignment(ctx, a.ExperimentID, a.SubjectKey)
	}
	return a, nil
}

// VariantCounts returns assignment counts per variant for exposure reporting.
func (db *DB) VariantCounts(ctx context.Context, experimentID uuid.UUID) (map[string]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT variant, COUNT(*) FROM experiment_assignments
		 WHERE experiment_id = $1 GROUP BY variant`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: variant counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var v string
		var n int
		if err := rows.Scan(&v, &n); err != nil {
			return nil, fmt.Errorf("storage: scan variant count: %w", err)
		}
		out[v] = n
	}
	return out, rows.Err()
}

func scanExperiment(row pgx.Row) (model.Experiment, error) {
	var e model.Experiment
	err := row.Scan(&e.ID, &e.TenantID, &e.SiteID, &e.Name, &e.Status, &e.Config, &e.CreatedAt)
	return e, err
}

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var a model.Assignment
	err := row.Scan(&a.ID, &a.ExperimentID, &a.SubjectKey, &a.Variant, &a.BucketHash, &a.CreatedAt)
	return a, err
}

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

const policyColumns = `id, tenant_id, site_id, name, version, is_active, content, created_by, created_at`

// GetActivePolicy returns the single active gate policy for a scope.
func (db *DB) GetActivePolicy(ctx context.Context, scope model.Scope) (model.GatePolicy, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM gate_policies
		 WHERE tenant_id = $1 AND site_id = $2 AND is_active`,
		scope.TenantID, scope.SiteID,
	)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GatePolicy{}, ErrNotFound
		}
		return model.GatePolicy{}, fmt.Errorf("storage: get active policy: %w", err)
	}
	return p, nil
}

// GetPolicyVersion returns one specific policy version.
func (db *DB) GetPolicyVersion(ctx context.Context, scope model.Scope, version string) (model.GatePolicy, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+policyColumns+` FROM gate_policies
		 WHERE tenant_id = $1 AND site_id = $2 AND version = $3`,
		scope.TenantID, scope.SiteID, version,
	)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.GatePolicy{}, ErrNotFound
		}
		return model.GatePolicy{}, fmt.Errorf("storage: get policy version: %w", err)
	}
	return p, nil
}

// ListPolicyVersions returns all policy versions for a scope, newest first.
func (db *DB) ListPolicyVersions(ctx context.Context, scope model.Scope) ([]model.GatePolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM gate_policies
		 WHERE tenant_id = $1 AND site_id = $2
		 ORDER BY created_at DESC`,
		scope.TenantID, scope.SiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list policy versions: %w", err)
	}
	defer rows.Close()

	var out []model.GatePolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePolicyVersion inserts a new inactive policy version. Versions are
// caller-supplied strings and unique per scope.
func (db *DB) CreatePolicyVersion(ctx context.Context, p model.GatePolicy) (model.GatePolicy, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	p.IsActive = false

	_, err := db.pool.Exec(ctx,
		`INSERT INTO gate_policies (id, tenant_id, site_id, name, version, is_active, content, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8)`,
		p.ID, p.TenantID, p.SiteID, p.Name, p.Version, p.Content, p.CreatedBy, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.GatePolicy{}, fmt.Errorf("storage: policy version %q exists: %w", p.Version, ErrConflict)
		}
		return model.GatePolicy{}, fmt.Errorf("storage: create policy version: %w", err)
	}
	return p, nil
}

// ActivatePolicyVersion makes one version active and deactivates the rest.
func (db *DB) ActivatePolicyVersion(ctx context.Context, scope model.Scope, version string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE gate_policies SET is_active = false
		 WHERE tenant_id = $1 AND site_id = $2 AND is_active`,
		scope.TenantID, scope.SiteID,
	); err != nil {
		return fmt.Errorf("storage: deactivate policies: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE gate_policies SET is_active = true
		 WHERE tenant_id = $1 AND site_id = $2 AND version = $3`,
		scope.TenantID, scope.SiteID, version,
	)
	if err != nil {
		return fmt.Errorf("storage: activate policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit policy activation: %w", err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (model.GatePolicy, error) {
	var p model.GatePolicy
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SiteID, &p.Name, &p.Version, &p.IsActive, &p.Content, &p.CreatedBy, &p.CreatedAt,
	)
	return p, err
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// InsertAdminAudit appends one control-plane action to the admin audit log.
func (db *DB) InsertAdminAudit(ctx context.Context, e model.AdminAuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = time.Now().UTC()
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO admin_audit (id, tenant_id, site_id, actor, action, target_type, target_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.TenantID, e.SiteID, e.Actor, e.Action, e.TargetType, e.TargetID, e.Payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert admin audit: %w", err)
	}
	return nil
}

// ListAdminAudit returns control-plane actions in scope, newest first.
func (db *DB) ListAdminAudit(ctx context.Context, scope model.Scope, limit int) ([]model.AdminAuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT id, tenant_id, site_id, actor, action, target_type, target_id, payload, created_at
		 FROM admin_audit
		 WHERE tenant_id = $1 AND site_id = $2
		 ORDER BY created_at DESC LIMIT %d`, limit,
	), scope.TenantID, scope.SiteID)
	if err != nil {
		return nil, fmt.Errorf("storage: list admin audit: %w", err)
	}
	defer rows.Close()

	var out []model.AdminAuditEntry
	for rows.Next() {
		var e model.AdminAuditEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SiteID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan admin audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

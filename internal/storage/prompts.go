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

const promptColumns = `id, tenant_id, site_id, npc_id, version, active, content, meta, policy, created_at`

// GetActivePrompt returns the single active prompt version for an NPC.
func (db *DB) GetActivePrompt(ctx context.Context, scope model.Scope, npcID string) (model.NPCPrompt, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM npc_prompts
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
		scope.TenantID, scope.SiteID, npcID,
	)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NPCPrompt{}, ErrNotFound
		}
		return model.NPCPrompt{}, fmt.Errorf("storage: get active prompt: %w", err)
	}
	return p, nil
}

// GetPromptVersion returns one specific prompt version.
func (db *DB) GetPromptVersion(ctx context.Context, scope model.Scope, npcID string, version int) (model.NPCPrompt, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+promptColumns+` FROM npc_prompts
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND version = $4`,
		scope.TenantID, scope.SiteID, npcID, version,
	)
	p, err := scanPrompt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NPCPrompt{}, ErrNotFound
		}
		return model.NPCPrompt{}, fmt.Errorf("storage: get prompt version: %w", err)
	}
	return p, nil
}

// CreatePromptVersion inserts a new inactive prompt version numbered one past
// the current maximum for the NPC.
func (db *DB) CreatePromptVersion(ctx context.Context, p model.NPCPrompt) (model.NPCPrompt, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	p.Active = false
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}
	if p.Policy == nil {
		p.Policy = map[string]any{}
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO npc_prompts (id, tenant_id, site_id, npc_id, version, active, content, meta, policy, created_at)
		 VALUES ($1, $2, $3, $4,
		   (SELECT COALESCE(MAX(version), 0) + 1 FROM npc_prompts
		    WHERE tenant_id = $2 AND site_id = $3 AND npc_id = $4),
		   false, $5, $6, $7, $8)
		 RETURNING version`,
		p.ID, p.TenantID, p.SiteID, p.NPCID, p.Content, p.Meta, p.Policy, p.CreatedAt,
	).Scan(&p.Version)
	if err != nil {
		return model.NPCPrompt{}, fmt.Errorf("storage: create prompt version: %w", err)
	}
	return p, nil
}

// ActivatePromptVersion makes one version active and deactivates the rest.
func (db *DB) ActivatePromptVersion(ctx context.Context, scope model.Scope, npcID string, version int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE npc_prompts SET active = false
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
		scope.TenantID, scope.SiteID, npcID,
	); err != nil {
		return fmt.Errorf("storage: deactivate prompts: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE npc_prompts SET active = true
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND version = $4`,
		scope.TenantID, scope.SiteID, npcID, version,
	)
	if err != nil {
		return fmt.Errorf("storage: activate prompt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit prompt activation: %w", err)
	}
	return nil
}

func scanPrompt(row pgx.Row) (model.NPCPrompt, error) {
	var p model.NPCPrompt
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SiteID, &p.NPCID, &p.Version, &p.Active,
		&p.Content, &p.Meta, &p.Policy, &p.CreatedAt,
	)
	return p, err
}

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

const profileColumns = `id, tenant_id, site_id, npc_id, version, active, persona,
	 knowledge_domains, forbidden_topics, greeting_templates, fallback_responses,
	 must_cite_sources, time_awareness, created_at, updated_at`

// GetActiveProfile returns the single active profile version for an NPC.
func (db *DB) GetActiveProfile(ctx context.Context, scope model.Scope, npcID string) (model.NPCProfile, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM npc_profiles
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
		scope.TenantID, scope.SiteID, npcID,
	)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NPCProfile{}, ErrNotFound
		}
		return model.NPCProfile{}, fmt.Errorf("storage: get active profile: %w", err)
	}
	return p, nil
}

// GetProfileVersion returns one specific profile version.
func (db *DB) GetProfileVersion(ctx context.Context, scope model.Scope, npcID string, version int) (model.NPCProfile, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM npc_profiles
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND version = $4`,
		scope.TenantID, scope.SiteID, npcID, version,
	)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.NPCProfile{}, ErrNotFound
		}
		return model.NPCProfile{}, fmt.Errorf("storage: get profile version: %w", err)
	}
	return p, nil
}

// ListProfileVersions returns every version of one NPC, newest first.
func (db *DB) ListProfileVersions(ctx context.Context, scope model.Scope, npcID string) ([]model.NPCProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+profileColumns+` FROM npc_profiles
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3
		 ORDER BY version DESC`,
		scope.TenantID, scope.SiteID, npcID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list profile versions: %w", err)
	}
	defer rows.Close()

	var profiles []model.NPCProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// ListNPCs returns the distinct NPC ids that have an active profile in scope.
func (db *DB) ListNPCs(ctx context.Context, scope model.Scope) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT npc_id FROM npc_profiles
		 WHERE tenant_id = $1 AND site_id = $2 AND active
		 ORDER BY npc_id`,
		scope.TenantID, scope.SiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list npcs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan npc id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateProfileVersion inserts a new inactive profile version numbered one
// past the current maximum for the NPC.
func (db *DB) CreateProfileVersion(ctx context.Context, p model.NPCProfile) (model.NPCProfile, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Active = false
	if p.TimeAwareness == "" {
		p.TimeAwareness = model.TimeAwarenessModern
	}

	err := db.pool.QueryRow(ctx,
		`INSERT INTO npc_profiles (id, tenant_id, site_id, npc_id, version, active, persona,
		 knowledge_domains, forbidden_topics, greeting_templates, fallback_responses,
		 must_cite_sources, time_awareness, created_at, updated_at)
		 VALUES ($1, $2, $3, $4,
		   (SELECT COALESCE(MAX(version), 0) + 1 FROM npc_profiles
		    WHERE tenant_id = $2 AND site_id = $3 AND npc_id = $4),
		   false, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING version`,
		p.ID, p.TenantID, p.SiteID, p.NPCID, p.Persona,
		p.KnowledgeDomains, p.ForbiddenTopics, p.GreetingTemplates, p.FallbackResponses,
		p.MustCiteSources, p.TimeAwareness, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.Version)
	if err != nil {
		return model.NPCProfile{}, fmt.Errorf("storage: create profile version: %w", err)
	}
	return p, nil
}

// ActivateProfileVersion makes one version active and deactivates the rest,
// in a single transaction. Returns ErrNotFound when the version does not exist.
func (db *DB) ActivateProfileVersion(ctx context.Context, scope model.Scope, npcID string, version int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE npc_profiles SET active = false, updated_at = now()
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND active`,
		scope.TenantID, scope.SiteID, npcID,
	); err != nil {
		return fmt.Errorf("storage: deactivate profiles: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE npc_profiles SET active = true, updated_at = now()
		 WHERE tenant_id = $1 AND site_id = $2 AND npc_id = $3 AND version = $4`,
		scope.TenantID, scope.SiteID, npcID, version,
	)
	if err != nil {
		return fmt.Errorf("storage: activate profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit profile activation: %w", err)
	}
	return nil
}

func scanProfile(row pgx.Row) (model.NPCProfile, error) {
	var p model.NPCProfile
	err := row.Scan(
		&p.ID, &p.TenantID, &p.SiteID, &p.NPCID, &p.Version, &p.Active, &p.Persona,
		&p.KnowledgeDomains, &p.ForbiddenTopics, &p.GreetingTemplates, &p.FallbackResponses,
		&p.MustCiteSources, &p.TimeAwareness, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

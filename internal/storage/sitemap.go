package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// GetSiteMap loads all POIs and routes for a site.
func (db *DB) GetSiteMap(ctx context.Context, scope model.Scope) (model.SiteMap, error) {
	var sm model.SiteMap

	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, site_id, name, kind, description, x, y, tags, created_at
		 FROM site_pois WHERE tenant_id = $1 AND site_id = $2 ORDER BY name`,
		scope.TenantID, scope.SiteID,
	)
	if err != nil {
		return model.SiteMap{}, fmt.Errorf("storage: load pois: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p model.POI
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SiteID, &p.Name, &p.Kind, &p.Description, &p.X, &p.Y, &p.Tags, &p.CreatedAt); err != nil {
			return model.SiteMap{}, fmt.Errorf("storage: scan poi: %w", err)
		}
		sm.POIs = append(sm.POIs, p)
	}
	if err := rows.Err(); err != nil {
		return model.SiteMap{}, err
	}

	routeRows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, site_id, name, from_poi, to_poi, hint, created_at
		 FROM site_routes WHERE tenant_id = $1 AND site_id = $2 ORDER BY name`,
		scope.TenantID, scope.SiteID,
	)
	if err != nil {
		return model.SiteMap{}, fmt.Errorf("storage: load routes: %w", err)
	}
	defer routeRows.Close()
	for routeRows.Next() {
		var r model.Route
		if err := routeRows.Scan(&r.ID, &r.TenantID, &r.SiteID, &r.Name, &r.FromPOI, &r.ToPOI, &r.Hint, &r.CreatedAt); err != nil {
			return model.SiteMap{}, fmt.Errorf("storage: scan route: %w", err)
		}
		sm.Routes = append(sm.Routes, r)
	}
	return sm, routeRows.Err()
}

// UpsertPOI inserts or replaces one point of interest.
func (db *DB) UpsertPOI(ctx context.Context, p model.POI) (model.POI, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO site_pois (id, tenant_id, site_id, name, kind, description, x, y, tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, kind = EXCLUDED.kind, description = EXCLUDED.description,
		   x = EXCLUDED.x, y = EXCLUDED.y, tags = EXCLUDED.tags`,
		p.ID, p.TenantID, p.SiteID, p.Name, p.Kind, p.Description, p.X, p.Y, p.Tags, p.CreatedAt,
	)
	if err != nil {
		return model.POI{}, fmt.Errorf("storage: upsert poi: %w", err)
	}
	return p, nil
}

// UpsertRoute inserts or replaces one route.
func (db *DB) UpsertRoute(ctx context.Context, r model.Route) (model.Route, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO site_routes (id, tenant_id, site_id, name, from_poi, to_poi, hint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, from_poi = EXCLUDED.from_poi, to_poi = EXCLUDED.to_poi, hint = EXCLUDED.hint`,
		r.ID, r.TenantID, r.SiteID, r.Name, r.FromPOI, r.ToPOI, r.Hint, r.CreatedAt,
	)
	if err != nil {
		return model.Route{}, fmt.Errorf("storage: upsert route: %w", err)
	}
	return r, nil
}

// LogUserEvent appends one gameplay telemetry event.
func (db *DB) LogUserEvent(ctx context.Context, scope model.Scope, userID, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_events (id, tenant_id, site_id, user_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), scope.TenantID, scope.SiteID, userID, eventType, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: log user event: %w", err)
	}
	return nil
}

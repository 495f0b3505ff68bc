package model

import (
	"time"

	"github.com/google/uuid"
)

// POI is one point of interest on a site map.
type POI struct {
	ID          uuid.UUID `json:"id"`
	TenantID    string    `json:"tenant_id"`
	SiteID      string    `json:"site_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"` // "landmark", "shop", "quest", ...
	Description string    `json:"description"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Route is a named path between two POIs.
type Route struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SiteID    string    `json:"site_id"`
	Name      string    `json:"name"`
	FromPOI   uuid.UUID `json:"from_poi"`
	ToPOI     uuid.UUID `json:"to_poi"`
	Hint      string    `json:"hint,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SiteMap is the full navigable layout of one site.
type SiteMap struct {
	POIs   []POI   `json:"pois"`
	Routes []Route `json:"routes"`
}

// Package model defines the entities and API types shared across Loreline.
//
// Every business record is owned by exactly one (tenant, site) pair. Scope is
// threaded through all storage and service calls; there are no cross-tenant
// reads anywhere in the system.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// Scope identifies the tenant/site pair that owns a request or record.
type Scope struct {
	TenantID string `json:"tenant_id"`
	SiteID   string `json:"site_id"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Validate checks that both identifiers are present and well-formed.
func (s Scope) Validate() error {
	if !idPattern.MatchString(s.TenantID) {
		return Ef(KindValidation, "invalid tenant_id: %q", s.TenantID)
	}
	if !idPattern.MatchString(s.SiteID) {
		return Ef(KindValidation, "invalid site_id: %q", s.SiteID)
	}
	return nil
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s", s.TenantID, s.SiteID)
}

// ValidateID checks a short identifier (npc_id, session_id, subject keys).
func ValidateID(name, v string) error {
	if !idPattern.MatchString(v) {
		return Ef(KindValidation, "invalid %s: %q", name, v)
	}
	return nil
}

// Tenant is an identity boundary. Sites belong to exactly one tenant.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Site is a deployment surface within a tenant (e.g. one museum, one park).
type Site struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// TimeAwareness controls how strictly an NPC is pinned to its historical era.
// In "historical" mode the output validator rejects anachronism keywords.
type TimeAwareness string

const (
	TimeAwarenessModern     TimeAwareness = "modern"
	TimeAwarenessHistorical TimeAwareness = "historical"
)

// NPCProfile is a versioned persona. At most one active row exists per
// (tenant, site, npc_id), enforced by a unique partial index.
type NPCProfile struct {
	ID                uuid.UUID     `json:"id"`
	TenantID          string        `json:"tenant_id"`
	SiteID            string        `json:"site_id"`
	NPCID             string        `json:"npc_id"`
	Version           int           `json:"version"`
	Active            bool          `json:"active"`
	Persona           string        `json:"persona"`
	KnowledgeDomains  []string      `json:"knowledge_domains"`
	ForbiddenTopics   []string      `json:"forbidden_topics"`
	GreetingTemplates []string      `json:"greeting_templates"`
	FallbackResponses []string      `json:"fallback_responses"`
	MustCiteSources   bool          `json:"must_cite_sources"`
	TimeAwareness     TimeAwareness `json:"time_awareness"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Fallback returns the first fallback response, or the generic template when
// the profile supplies none. First-index selection keeps turns reproducible.
func (p NPCProfile) Fallback() string {
	if len(p.FallbackResponses) > 0 {
		return p.FallbackResponses[0]
	}
	return GenericFallback
}

// Greeting returns the first greeting template, or a generic one.
func (p NPCProfile) Greeting() string {
	if len(p.GreetingTemplates) > 0 {
		return p.GreetingTemplates[0]
	}
	return GenericGreeting
}

// Canned responses used when a profile does not supply its own templates.
const (
	GenericFallback = "I'm not certain enough to answer that. Could you ask me something else about what I know well?"
	GenericRefusal  = "I'd rather not speak about that topic. Let's talk about something else."
	GenericGreeting = "Hello, traveler. What would you like to know?"
	GenericApology  = "Forgive me, my thoughts escape me just now. Please ask again in a moment."
)

// NPCPrompt is a versioned prompt asset. Same uniqueness invariant as
// NPCProfile: at most one active row per (tenant, site, npc_id).
type NPCPrompt struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  string         `json:"tenant_id"`
	SiteID    string         `json:"site_id"`
	NPCID     string         `json:"npc_id"`
	Version   int            `json:"version"`
	Active    bool           `json:"active"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta,omitempty"`
	Policy    map[string]any `json:"policy,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

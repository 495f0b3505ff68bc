package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Evidence is a content-addressed citable unit. The body (source, title,
// excerpt) is immutable after creation; only verification status and the
// vector bookkeeping columns may change.
type Evidence struct {
	ID              uuid.UUID  `json:"id"`
	TenantID        string     `json:"tenant_id"`
	SiteID          string     `json:"site_id"`
	SourceType      string     `json:"source_type"`
	SourceRef       string     `json:"source_ref"`
	Title           string     `json:"title"`
	Excerpt         string     `json:"excerpt"`
	Confidence      float32    `json:"confidence"`
	Verified        bool       `json:"verified"`
	Tags            []string   `json:"tags,omitempty"`
	Domains         []string   `json:"domains,omitempty"`
	VectorUpdatedAt *time.Time `json:"vector_updated_at,omitempty"`
	VectorHash      *string    `json:"vector_hash,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ContentHash returns the hash of the embeddable body. Used to address the
// vector store and to dedup embedding calls for identical content.
func (e Evidence) ContentHash() string {
	h := sha256.Sum256([]byte(e.Title + "\n" + e.Excerpt))
	return hex.EncodeToString(h[:])
}

// Citation is one ranked retrieval hit handed to the evidence gate and, if it
// survives, into the prompt.
type Citation struct {
	EvidenceID uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	Excerpt    string    `json:"excerpt"`
	Score      float32   `json:"score"`
	Confidence float32   `json:"confidence"`
	Verified   bool      `json:"verified"`
}

// ContentStatus is the editorial lifecycle of a Content item.
type ContentStatus string

const (
	ContentDraft     ContentStatus = "draft"
	ContentReview    ContentStatus = "review"
	ContentPublished ContentStatus = "published"
	ContentOffline   ContentStatus = "offline"
)

// Content is an editorial item with a draft→review→published→offline
// lifecycle. Search runs over title and body full-text columns.
type Content struct {
	ID               uuid.UUID     `json:"id"`
	TenantID         string        `json:"tenant_id"`
	SiteID           string        `json:"site_id"`
	ContentType      string        `json:"content_type"`
	Title            string        `json:"title"`
	Body             string        `json:"body"`
	Tags             []string      `json:"tags,omitempty"`
	Status           ContentStatus `json:"status"`
	CredibilityScore float32       `json:"credibility_score"`
	CreatedBy        string        `json:"created_by"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// contentTransitions is the set of legal editorial lifecycle moves.
var contentTransitions = map[ContentStatus][]ContentStatus{
	ContentDraft:     {ContentReview},
	ContentReview:    {ContentDraft, ContentPublished},
	ContentPublished: {ContentOffline},
	ContentOffline:   {},
}

// CanTransitionContent reports whether from → to is a legal lifecycle move.
func CanTransitionContent(from, to ContentStatus) bool {
	for _, s := range contentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Package search provides the Qdrant-backed vector index for evidence and
// the outbox worker that keeps it in sync with Postgres.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// Result holds an evidence ID and its raw similarity score from the index.
// The caller hydrates full Evidence rows from Postgres (source of truth).
type Result struct {
	EvidenceID uuid.UUID
	Score      float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns evidence IDs matching the query vector inside a scope.
	// domains, when non-empty, restricts hits to matching knowledge domains.
	Search(ctx context.Context, scope model.Scope, embedding []float32, domains []string, limit int) ([]Result, error)

	// Healthy returns nil if the search index is reachable.
	Healthy(ctx context.Context) error
}

// Package retrieval ranks evidence for a turn. It dispatches over the
// configured strategy and hands ranked citations to the evidence gate.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/loreline-ai/loreline/internal/embedding"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/search"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Strategy names accepted in release retrieval defaults.
const (
	StrategyTrgm     = "trgm"
	StrategyQdrant   = "qdrant"
	StrategyPgvector = "pgvector"
	StrategyHybrid   = "hybrid"
)

// Params are the per-turn retrieval knobs, resolved from the active release
// with experiment overrides already applied.
type Params struct {
	Strategy     string
	TopK         int
	MinScore     float32
	TrgmWeight   float32
	QdrantWeight float32
	Domains      []string
}

// Retriever runs evidence retrieval against Postgres and the vector index.
type Retriever struct {
	db       *storage.DB
	index    search.Searcher
	embedder *embedding.Service
	logger   *slog.Logger
}

// New builds a Retriever. index may be nil; vector strategies then fall back
// to the local pgvector column.
func New(db *storage.DB, index search.Searcher, embedder *embedding.Service, logger *slog.Logger) *Retriever {
	return &Retriever{db: db, index: index, embedder: embedder, logger: logger}
}

// Retrieve returns ranked citations for the query. Results are ordered by
// score descending with evidence ID ascending as the tie-break, filtered by
// MinScore, and truncated to TopK.
func (r *Retriever) Retrieve(ctx context.Context, scope model.Scope, query string, p Params) ([]model.Citation, error) {
	if p.TopK <= 0 {
		p.TopK = 5
	}

	var (
		cites []model.Citation
		err   error
	)
	switch p.Strategy {
	case StrategyTrgm, "":
		cites, err = r.db.SearchEvidenceTrgm(ctx, scope, query, p.Domains, p.TopK)
	case StrategyPgvector:
		cites, err = r.vectorLocal(ctx, scope, query, p.Domains, p.TopK)
	case StrategyQdrant:
		cites, err = r.vectorIndex(ctx, scope, query, p.Domains, p.TopK)
	case StrategyHybrid:
		cites, err = r.hybrid(ctx, scope, query, p)
	default:
		return nil, model.Ef(model.KindValidation, "retrieval: unknown strategy %q", p.Strategy)
	}
	if err != nil {
		return nil, err
	}

	out := cites[:0]
	for _, c := range cites {
		if c.Score >= p.MinScore {
			out = append(out, c)
		}
	}
	if len(out) > p.TopK {
		out = out[:p.TopK]
	}
	return out, nil
}

// embedQuery produces the query vector, auditing the call like any other
// embedding. The object ID is the content hash so repeat queries dedup in the
// usage ledger rather than by skipping the call.
func (r *Retriever) embedQuery(ctx context.Context, scope model.Scope, query string) ([]float32, error) {
	vec, _, err := r.embedder.EmbedObject(ctx, scope, "query", embedding.HashText(query), query, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return vec, nil
}

// vectorLocal searches the pgvector column directly.
func (r *Retriever) vectorLocal(ctx context.Context, scope model.Scope, query string, domains []string, limit int) ([]model.Citation, error) {
	vec, err := r.embedQuery(ctx, scope, query)
	if err != nil {
		return nil, err
	}
	return r.db.SearchEvidencePgvector(ctx, scope, pgvector.NewVector(vec), domains, limit)
}

// vectorIndex searches Qdrant and hydrates citations from Postgres. Falls
// back to the local column when no index is configured.
func (r *Retriever) vectorIndex(ctx context.Context, scope model.Scope, query string, domains []string, limit int) ([]model.Citation, error) {
	if r.index == nil {
		return r.vectorLocal(ctx, scope, query, domains, limit)
	}
	vec, err := r.embedQuery(ctx, scope, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.index.Search(ctx, scope, vec, domains, limit)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, scope, hits, limit)
}

// hydrate turns index hits into citations, preserving index scores. Hits
// whose Postgres row disappeared are dropped.
func (r *Retriever) hydrate(ctx context.Context, scope model.Scope, hits []search.Result, limit int) ([]model.Citation, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.EvidenceID
	}
	byID, err := r.db.GetEvidenceByIDs(ctx, scope, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.Citation, 0, len(hits))
	for _, h := range hits {
		e, ok := byID[h.EvidenceID]
		if !ok {
			continue
		}
		out = append(out, model.Citation{
			EvidenceID: e.ID,
			Title:      e.Title,
			Excerpt:    e.Excerpt,
			Score:      h.Score,
			Confidence: e.Confidence,
			Verified:   e.Verified,
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

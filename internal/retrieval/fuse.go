package retrieval

import (
	"bytes"
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
)

// hybrid runs the trigram and vector legs, min-max normalizes each score
// list, and fuses them with the configured weights. Either leg failing fails
// the whole retrieval; partial fusion would silently skew ranking.
func (r *Retriever) hybrid(ctx context.Context, scope model.Scope, query string, p Params) ([]model.Citation, error) {
	// Over-fetch each leg so fusion has candidates beyond the final cut.
	fetch := p.TopK * 3

	trgm, err := r.db.SearchEvidenceTrgm(ctx, scope, query, p.Domains, fetch)
	if err != nil {
		return nil, err
	}
	vec, err := r.vectorIndex(ctx, scope, query, p.Domains, fetch)
	if err != nil {
		return nil, err
	}

	return fuse(trgm, vec, p.TrgmWeight, p.QdrantWeight), nil
}

// fuse merges two ranked citation lists into one, scored by the weighted sum
// of each list's min-max normalized scores. A citation present in only one
// list contributes zero from the other. Ties break on evidence ID ascending.
func fuse(trgm, vec []model.Citation, trgmW, vecW float32) []model.Citation {
	trgmNorm := normalize(trgm)
	vecNorm := normalize(vec)

	merged := make(map[uuid.UUID]model.Citation, len(trgm)+len(vec))
	for _, c := range trgm {
		c.Score = trgmW * trgmNorm[c.EvidenceID]
		merged[c.EvidenceID] = c
	}
	for _, c := range vec {
		if have, ok := merged[c.EvidenceID]; ok {
			have.Score += vecW * vecNorm[c.EvidenceID]
			merged[c.EvidenceID] = have
			continue
		}
		c.Score = vecW * vecNorm[c.EvidenceID]
		merged[c.EvidenceID] = c
	}

	out := make([]model.Citation, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return bytes.Compare(out[i].EvidenceID[:], out[j].EvidenceID[:]) < 0
	})
	return out
}

// normalize maps scores to [0,1] via min-max. A single-item or constant list
// normalizes to 1 so the item still counts at full weight.
func normalize(cites []model.Citation) map[uuid.UUID]float32 {
	out := make(map[uuid.UUID]float32, len(cites))
	if len(cites) == 0 {
		return out
	}
	lo, hi := cites[0].Score, cites[0].Score
	for _, c := range cites[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	span := hi - lo
	for _, c := range cites {
		if span == 0 {
			out[c.EvidenceID] = 1
		} else {
			out[c.EvidenceID] = (c.Score - lo) / span
		}
	}
	return out
}

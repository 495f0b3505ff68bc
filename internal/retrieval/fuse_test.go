package retrieval

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loreline-ai/loreline/internal/model"
)

func c(id byte, score float32) model.Citation {
	var u uuid.UUID
	u[15] = id
	return model.Citation{EvidenceID: u, Score: score}
}

func TestNormalizeMapsToUnitRange(t *testing.T) {
	norm := normalize([]model.Citation{c(1, 10), c(2, 20), c(3, 30)})

	assert.Equal(t, float32(0), norm[c(1, 0).EvidenceID])
	assert.Equal(t, float32(0.5), norm[c(2, 0).EvidenceID])
	assert.Equal(t, float32(1), norm[c(3, 0).EvidenceID])
}

func TestNormalizeConstantListCountsAtFullWeight(t *testing.T) {
	norm := normalize([]model.Citation{c(1, 7), c(2, 7)})
	assert.Equal(t, float32(1), norm[c(1, 0).EvidenceID])
	assert.Equal(t, float32(1), norm[c(2, 0).EvidenceID])

	assert.Empty(t, normalize(nil))
}

func TestFuseWeightsAndMerges(t *testing.T) {
	// Citation 1 appears in both legs at the top; citation 2 only in trigram,
	// citation 3 only in vector.
	trgm := []model.Citation{c(1, 1.0), c(2, 0.0)}
	vec := []model.Citation{c(1, 0.9), c(3, 0.1)}

	out := fuse(trgm, vec, 0.4, 0.6)
	require.Len(t, out, 3)

	// Citation 1 normalizes to 1 in both legs: 0.4*1 + 0.6*1 = 1.0.
	assert.Equal(t, c(1, 0).EvidenceID, out[0].EvidenceID)
	assert.InDelta(t, 1.0, float64(out[0].Score), 1e-6)

	// Single-leg citations contribute zero from the missing leg.
	for _, got := range out[1:] {
		assert.Less(t, got.Score, out[0].Score)
	}
}

func TestFuseTiesBreakOnEvidenceID(t *testing.T) {
	// Two citations with identical fused scores order by ID ascending.
	trgm := []model.Citation{c(2, 5), c(1, 5)}
	out := fuse(trgm, nil, 1.0, 0.0)

	require.Len(t, out, 2)
	assert.Equal(t, c(1, 0).EvidenceID, out[0].EvidenceID)
	assert.Equal(t, c(2, 0).EvidenceID, out[1].EvidenceID)
}

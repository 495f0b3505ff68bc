package release_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/release"
)

func TestBucketDeterministicAndBounded(t *testing.T) {
	for _, key := range []string{"sess-1", "sess-2", "user-42", ""} {
		b := release.Bucket("exp-a", key)
		assert.Equal(t, b, release.Bucket("exp-a", key), "same inputs must bucket identically")
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 100)
	}
}

func TestBucketIndependentAcrossExperiments(t *testing.T) {
	// The hash covers the experiment ID, so at least one subject out of many
	// must land in different buckets across experiments.
	differs := false
	for i := 0; i < 50; i++ {
		key := "subject-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		if release.Bucket("exp-a", key) != release.Bucket("exp-b", key) {
			differs = true
			break
		}
	}
	assert.True(t, differs)
}

func TestPickVariantCumulativeWalk(t *testing.T) {
	variants := []model.Variant{
		{Name: "control", Weight: 50},
		{Name: "candidate", Weight: 30},
		{Name: "wild", Weight: 20},
	}

	assert.Equal(t, "control", release.PickVariant(variants, 0).Name)
	assert.Equal(t, "control", release.PickVariant(variants, 49).Name)
	assert.Equal(t, "candidate", release.PickVariant(variants, 50).Name)
	assert.Equal(t, "candidate", release.PickVariant(variants, 79).Name)
	assert.Equal(t, "wild", release.PickVariant(variants, 80).Name)
	assert.Equal(t, "wild", release.PickVariant(variants, 99).Name)
}

func TestSubjectKeySelection(t *testing.T) {
	byUser := model.ExperimentConfig{SubjectType: model.SubjectUserID}
	bySession := model.ExperimentConfig{SubjectType: model.SubjectSessionID}

	assert.Equal(t, "u1", release.SubjectKey(byUser, "s1", "u1"))
	// No user known falls back to the session.
	assert.Equal(t, "s1", release.SubjectKey(byUser, "s1", ""))
	assert.Equal(t, "s1", release.SubjectKey(bySession, "s1", "u1"))
}

func TestApplyOverrides(t *testing.T) {
	base := model.RetrievalDefaults{
		Strategy: model.StrategyHybrid,
		TopK:     5,
		MinScore: 0.1,
	}

	pgvector := model.StrategyPgvector
	topK := 10
	out := release.ApplyOverrides(base, model.StrategyOverrides{
		Strategy: &pgvector,
		TopK:     &topK,
	})
	assert.Equal(t, model.StrategyPgvector, out.Strategy)
	assert.Equal(t, 10, out.TopK)
	assert.Equal(t, float32(0.1), out.MinScore, "unset override fields inherit")

	// Empty overrides leave the base untouched.
	assert.Equal(t, base, release.ApplyOverrides(base, model.StrategyOverrides{}))
}

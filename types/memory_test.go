package types

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTierOf_Boundaries(t *testing.T) {
	tests := []struct {
		weight float64
		want   Tier
	}{
		{10.0, TierCore},
		{9.0, TierCore},
		{8.999, TierArchive},
		{7.0, TierArchive},
		{6.999, TierLongTerm},
		{4.0, TierLongTerm},
		{3.999, TierShortTerm},
		{0, TierShortTerm},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TierOf(tt.weight), "weight %v", tt.weight)
	}
}

func TestTierOf_MatchesWeightRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		w := rapid.Float64Range(MinWeight, MaxWeight).Draw(rt, "weight")
		tier := TierOf(w)
		lo, hi := tier.WeightRange()
		if w < lo || w >= hi {
			rt.Fatalf("weight %v mapped to %s with range [%v,%v)", w, tier, lo, hi)
		}
	})
}

func TestTier_RankOrdering(t *testing.T) {
	for i := 1; i < len(Tiers); i++ {
		assert.Greater(t, Tiers[i-1].Rank(), Tiers[i].Rank())
	}
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("archive")
	require.NoError(t, err)
	assert.Equal(t, TierArchive, tier)

	_, err = ParseTier("forever")
	assert.True(t, IsErrorCode(err, ErrInvalidInput))
}

func TestClampWeight(t *testing.T) {
	assert.Equal(t, 0.0, ClampWeight(-3))
	assert.Equal(t, 10.0, ClampWeight(42))
	assert.Equal(t, 5.5, ClampWeight(5.5))
	assert.Equal(t, DefaultWeight, ClampWeight(math.NaN()))
}

func TestMemory_CloneIsDeep(t *testing.T) {
	m := Memory{ID: "a", Metadata: map[string]string{"k": "v"}}
	c := m.Clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", m.Metadata["k"])
}

func TestAssociationID_Deterministic(t *testing.T) {
	a := AssociationID("m1", "m2", AssocRelated)
	assert.Equal(t, a, AssociationID("m1", "m2", AssocRelated))
	assert.NotEqual(t, a, AssociationID("m2", "m1", AssocRelated))
	assert.NotEqual(t, a, AssociationID("m1", "m2", AssocCauses))
	assert.Len(t, a, 32)
}

func TestParseAssociationType(t *testing.T) {
	at, err := ParseAssociationType("same_topic")
	require.NoError(t, err)
	assert.Equal(t, AssocSameTopic, at)

	_, err = ParseAssociationType("likes")
	assert.Error(t, err)
}

func TestClampStrength(t *testing.T) {
	assert.Equal(t, 1.0, ClampStrength(1.7))
	assert.Equal(t, 0.0, ClampStrength(-0.2))
	assert.Equal(t, 0.0, ClampStrength(math.NaN()))
}

package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

func TestABVFromGravity(t *testing.T) {
	// (1.052 - 0.998) * 131.25
	assertDecEqual(t, "7.0875", ledger.ABVFromGravity(dec("1.052"), dec("0.998")))
}

func TestEstimatedABVFromGravity(t *testing.T) {
	// Potential against water: (1.052 - 1.000) * 131.25
	assertDecEqual(t, "6.825", ledger.EstimatedABVFromGravity(dec("1.052")))
}

func TestBlendedABV_VolumeWeighted(t *testing.T) {
	// GIVEN: 80 L at 0% (nil ABV) and 20 L at 70%
	// WHEN: Blending
	// THEN: (80*0 + 20*70) / 100 = 14

	abv := dec("70")
	entries := []ledger.CompositionEntry{
		{ID: "c1", VolumeL: dec("80")},
		{ID: "c2", VolumeL: dec("20"), ABV: &abv},
	}
	blend := ledger.BlendedABV(entries)
	require.NotNil(t, blend)
	assertDecEqual(t, "14", *blend)
}

func TestBlendedABV_SkipsDeletedEntries(t *testing.T) {
	// Once the only known-ABV entry is deleted the blend is undefined
	// again, not zero.
	abv := dec("70")
	deleted := time.Now()
	entries := []ledger.CompositionEntry{
		{ID: "c1", VolumeL: dec("80")},
		{ID: "c2", VolumeL: dec("20"), ABV: &abv, DeletedAt: &deleted},
	}
	assert.Nil(t, ledger.BlendedABV(entries))
}

func TestBlendedABV_AllUnknown_Undefined(t *testing.T) {
	// Volume with no known ABV anywhere must not masquerade as 0%.
	entries := []ledger.CompositionEntry{
		{ID: "c1", VolumeL: dec("80")},
		{ID: "c2", VolumeL: dec("20")},
	}
	assert.Nil(t, ledger.BlendedABV(entries))
}

func TestBlendedABV_ZeroVolume_Undefined(t *testing.T) {
	assert.Nil(t, ledger.BlendedABV(nil))
	assert.Nil(t, ledger.BlendedABV([]ledger.CompositionEntry{{ID: "c1", VolumeL: dec("0")}}))
}

func TestRecalculateABV_GravityEstimateOutranksBlendFallback(t *testing.T) {
	// GIVEN: A plain cider batch with an original gravity reading and a
	// composition entry of unknown ABV
	og := dec("1.052")
	b := &ledger.Batch{Product: ledger.ProductCider, OriginalGravity: &og}
	entries := []ledger.CompositionEntry{
		{ID: "c1", VolumeL: dec("400"), Source: ledger.SourceRef{Kind: ledger.SourceBaseFruit, ExternalRef: "PR-1"}},
	}

	// WHEN: Recalculating
	ledger.RecalculateABV(b, entries)

	// THEN: The gravity-derived estimate stands
	require.NotNil(t, b.EstimatedABV)
	assertDecEqual(t, "6.825", *b.EstimatedABV)
}

func TestProofGallons(t *testing.T) {
	// 10 gal at 50% ABV = 10 proof gallons
	assertDecEqual(t, "10", ledger.ProofGallons(dec("37.85411784"), dec("50")))
}

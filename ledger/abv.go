/*
abv.go - Alcohol-by-volume derivation

PURPOSE:

	A batch's ABV comes from one of two places, with explicit precedence:

	1. Gravity measurement. If both original and final gravity were recorded
	   and the product does not involve an external spirit, the lab reading
	   wins: actual = (OG - FG) * 131.25.
	2. Blend calculation. If the composition includes a fortifying source
	   (returned brandy) or the product is a blend (pommeau), ABV is the
	   volume-weighted average over live composition entries, stored as the
	   batch's estimate.

	Recalculation happens ONLY on composition/merge mutation - reads never
	have side effects.

EDGE CASE:

	Zero total volume -> ABV is undefined (nil). Never zero, never NaN.
*/
package ledger

import "github.com/shopspring/decimal"

// gravityFactor is the standard (OG - FG) -> ABV% multiplier.
var gravityFactor = decimal.RequireFromString("131.25")

var waterGravity = decimal.RequireFromString("1.000")

// ABVFromGravity derives measured ABV from original and final gravity.
func ABVFromGravity(original, final decimal.Decimal) decimal.Decimal {
	return original.Sub(final).Mul(gravityFactor)
}

// EstimatedABVFromGravity is the pre-fermentation potential: how much
// alcohol the must would yield if fermented fully dry.
func EstimatedABVFromGravity(original decimal.Decimal) decimal.Decimal {
	return original.Sub(waterGravity).Mul(gravityFactor)
}

// BlendedABV computes the volume-weighted average ABV over live
// composition entries. Entries with nil ABV dilute the blend at 0% in
// the denominator, but a blend is only defined once at least one entry
// carries a known ABV. Zero total volume or all-unknown entries -> nil,
// never a fabricated zero.
func BlendedABV(entries []CompositionEntry) *decimal.Decimal {
	total := decimal.Zero
	weighted := decimal.Zero
	known := false
	for _, e := range LiveEntries(entries) {
		total = total.Add(e.VolumeL)
		if e.ABV != nil {
			weighted = weighted.Add(e.VolumeL.Mul(*e.ABV))
			known = true
		}
	}
	if total.IsZero() || !known {
		return nil
	}
	blend := weighted.DivRound(total, 6)
	return &blend
}

// RecalculateABV applies the precedence rules to a batch after a
// composition, merge, or gravity mutation. It is called by the service
// inside the mutating transaction, never by read paths.
func RecalculateABV(b *Batch, entries []CompositionEntry) {
	if b.Product.IsBlend() || HasFortifyingSource(entries) {
		// Blend overrides any pre-fermentation estimate.
		b.EstimatedABV = BlendedABV(entries)
		return
	}

	if b.OriginalGravity != nil && b.FinalGravity != nil {
		actual := ABVFromGravity(*b.OriginalGravity, *b.FinalGravity)
		b.ActualABV = &actual
		return
	}

	// A gravity-derived estimate outranks the blend fallback.
	if b.OriginalGravity != nil {
		est := EstimatedABVFromGravity(*b.OriginalGravity)
		b.EstimatedABV = &est
		return
	}

	// No measurement: the estimate is the blend, including nil when no
	// live entry carries a known ABV. This clears stale blends after a
	// composition entry is removed.
	b.EstimatedABV = BlendedABV(entries)
}

// ProofGallons computes the regulatory unit for distilled spirits:
// volume (US gal) * ABV * 2 / 100.
func ProofGallons(volumeL, abv decimal.Decimal) decimal.Decimal {
	gallons := LitersToGallons(volumeL)
	return gallons.Mul(abv).Mul(decimal.NewFromInt(2)).DivRound(decimal.NewFromInt(100), 6)
}

/*
Package ledger provides the core volume & provenance engine for a cidery.

PURPOSE:

	This package contains the domain types and algorithms for tracking a
	physical liquid (cider, perry, brandy, pommeau, juice) through production:
	raw inputs flow into batches, batches move between vessels through typed
	operations, and packaged finished goods draw volume out. Every volume
	change is an immutable journal entry, and periodic reconciliation compares
	the ledger's calculated balance against physical counts.

KEY CONCEPTS IN THIS FILE (types.go):
  - Liters/Kilograms: canonical quantities, decimal-backed
  - BatchID/VesselID/EntryID: type-safe identifiers
  - ProductKind: what liquid a batch holds
  - OriginRef: where a batch's first liquid came from

DESIGN PRINCIPLES:
 1. Immutability: Journal entries are never edited, only offset
 2. Precision: decimal.Decimal everywhere volume or ABV moves
 3. Single source of truth: canonical liters drive all arithmetic; the
    as-entered (value, unit) pair is display-only derived data
 4. Auditability: every mutation carries an actor and a reason

SEE ALSO:
  - units.go: unit normalization into canonical liters/kilograms
  - journal.go: the immutable operation journal
  - reconcile.go: period reconciliation against physical counts
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// QUANTITIES - canonical, decimal-backed
// =============================================================================

// Liters is a canonical volume. All ledger arithmetic happens in liters;
// display units are derived on the way out, never stored as truth.
type Liters = decimal.Decimal

// Epsilon tolerances, in liters.
var (
	// VolumeEpsilon absorbs rounding when checking conservation
	// (before - after == moved + lost).
	VolumeEpsilon = decimal.RequireFromString("0.01")

	// DrainEpsilon: a batch at or below this volume counts as empty,
	// releasing its vessel.
	DrainEpsilon = decimal.RequireFromString("0.1")
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// WithinEpsilon reports whether |a-b| <= VolumeEpsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(VolumeEpsilon)
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BatchID string
type VesselID string
type EntryID string
type CompositionID string
type SnapshotID string
type AdjustmentID string

// =============================================================================
// PRODUCT KINDS
// =============================================================================

type ProductKind string

const (
	ProductCider   ProductKind = "cider"
	ProductPerry   ProductKind = "perry"
	ProductBrandy  ProductKind = "brandy"
	ProductPommeau ProductKind = "pommeau"
	ProductJuice   ProductKind = "juice"
	ProductOther   ProductKind = "other"
)

// IsBlend reports whether the product's ABV must always come from the
// composition-weighted average rather than a gravity measurement.
// Pommeau is juice fortified with brandy; gravity readings are meaningless
// for it.
func (p ProductKind) IsBlend() bool {
	return p == ProductPommeau
}

func (p ProductKind) Valid() bool {
	switch p {
	case ProductCider, ProductPerry, ProductBrandy, ProductPommeau, ProductJuice, ProductOther:
		return true
	}
	return false
}

// =============================================================================
// ORIGIN - where a batch's first liquid came from
// =============================================================================

type OriginKind string

const (
	OriginPressRun      OriginKind = "press_run"
	OriginJuicePurchase OriginKind = "juice_purchase"
	OriginDistillery    OriginKind = "distillery_return"
)

// OriginRef points at the external record (press run, purchase order,
// distillery manifest) that produced a batch's initial volume.
type OriginRef struct {
	Kind OriginKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// =============================================================================
// CARBONATION STYLE - product classification consumed by packaging
// =============================================================================

type CarbonationStyle string

const (
	StyleStill     CarbonationStyle = "still"
	StylePetillant CarbonationStyle = "petillant"
	StyleSparkling CarbonationStyle = "sparkling"
)

// StyleForCO2 classifies a carbonation level (volumes of CO2) into the
// style stamped on finished goods.
func StyleForCO2(volumes decimal.Decimal) CarbonationStyle {
	switch {
	case volumes.LessThan(dec(1.0)):
		return StyleStill
	case volumes.LessThan(dec(2.5)):
		return StylePetillant
	default:
		return StyleSparkling
	}
}

/*
batch.go - The liquid identity and its lifecycle state machine

PURPOSE:

	A Batch is the identity of a body of liquid as it ferments, ages, and is
	eventually packaged or discarded. Its current volume is a projection of
	the operation journal - no code path writes CurrentVolumeL except the
	journal application in service.go.

STATE MACHINE:

	fermentation -> {aging, conditioning, completed, discarded}
	aging <-> conditioning
	any non-terminal -> discarded
	completed, discarded are terminal.

VOLUME REPRESENTATION:

	CurrentVolumeL (canonical liters) is the single source of truth. The
	as-entered pair (EnteredValue, EnteredUnit) is kept for display and is
	recomputed from canonical on read, so the two can never drift.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS STATE MACHINE
// =============================================================================

type BatchStatus string

const (
	BatchFermentation BatchStatus = "fermentation"
	BatchAging        BatchStatus = "aging"
	BatchConditioning BatchStatus = "conditioning"
	BatchCompleted    BatchStatus = "completed"
	BatchDiscarded    BatchStatus = "discarded"
)

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchFermentation: {BatchAging, BatchConditioning, BatchCompleted, BatchDiscarded},
	BatchAging:        {BatchConditioning, BatchCompleted, BatchDiscarded},
	BatchConditioning: {BatchAging, BatchCompleted, BatchDiscarded},
	BatchCompleted:    {},
	BatchDiscarded:    {},
}

func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchDiscarded
}

// CanTransition reports whether s -> next is a legal move.
func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, allowed := range batchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// =============================================================================
// BATCH
// =============================================================================

type Batch struct {
	ID      BatchID
	Code    string // human-facing code, embedded in lot codes
	Product ProductKind
	Status  BatchStatus
	Origin  OriginRef

	// VesselID is nil once the batch has been fully packaged out.
	VesselID *VesselID

	InitialVolumeL decimal.Decimal
	CurrentVolumeL decimal.Decimal

	// Display-only echo of what the operator typed at creation.
	EnteredValue decimal.Decimal
	EnteredUnit  Unit

	// ABV fields, percent. Nil means not yet known/derivable.
	EstimatedABV *decimal.Decimal
	ActualABV    *decimal.Decimal

	// Gravity readings, when taken. Both present => ActualABV derivable.
	OriginalGravity *decimal.Decimal
	FinalGravity    *decimal.Decimal

	Carbonation CarbonationStyle

	// Archived hides the batch from working lists. Journal history is kept.
	Archived bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition moves the batch to a new status, enforcing the state machine.
func (b *Batch) Transition(next BatchStatus) error {
	if b.Status == next {
		return nil
	}
	if !b.Status.CanTransition(next) {
		return Validationf("status", "batch %s cannot move %s -> %s", b.ID, b.Status, next)
	}
	b.Status = next
	return nil
}

// Drained reports whether the batch is empty for vessel-release purposes.
func (b *Batch) Drained() bool {
	return b.CurrentVolumeL.LessThanOrEqual(DrainEpsilon)
}

// Active reports whether the batch can still be operated on.
func (b *Batch) Active() bool {
	return !b.Status.Terminal()
}

// CurrentVolumeIn re-derives the display value from canonical liters.
func (b *Batch) CurrentVolumeIn(unit Unit) (decimal.Decimal, error) {
	return FromCanonical(b.CurrentVolumeL, unit, DimensionVolume)
}

// SetGravity records gravity readings and derives ABV per the precedence
// rules in abv.go. Estimated ABV comes from original gravity alone; actual
// ABV needs both readings.
func (b *Batch) SetGravity(original, final *decimal.Decimal) {
	if original != nil {
		b.OriginalGravity = original
		est := EstimatedABVFromGravity(*original)
		b.EstimatedABV = &est
	}
	if final != nil {
		b.FinalGravity = final
	}
	if b.OriginalGravity != nil && b.FinalGravity != nil {
		actual := ABVFromGravity(*b.OriginalGravity, *b.FinalGravity)
		b.ActualABV = &actual
	}
}

// CurrentState is the read surface consumed by callers: volume, abv, status.
type CurrentState struct {
	BatchID   BatchID          `json:"batch_id"`
	Status    BatchStatus      `json:"status"`
	VolumeL   decimal.Decimal  `json:"volume_liters"`
	VolumeGal decimal.Decimal  `json:"volume_gallons"`
	ABV       *decimal.Decimal `json:"abv"`
	VesselID  *VesselID        `json:"vessel_id"`
	Product   ProductKind      `json:"product"`
	Style     CarbonationStyle `json:"carbonation_style"`
}

// State assembles the read-only view. EffectiveABV precedence lives in
// abv.go; this just reports the stored result.
func (b *Batch) State() CurrentState {
	return CurrentState{
		BatchID:   b.ID,
		Status:    b.Status,
		VolumeL:   b.CurrentVolumeL,
		VolumeGal: LitersToGallons(b.CurrentVolumeL),
		ABV:       b.EffectiveABV(),
		VesselID:  b.VesselID,
		Product:   b.Product,
		Style:     b.Carbonation,
	}
}

// EffectiveABV returns the ABV a reader should trust: measured when
// available and the product is not a blend, otherwise the estimate.
func (b *Batch) EffectiveABV() *decimal.Decimal {
	if b.ActualABV != nil && !b.Product.IsBlend() {
		return b.ActualABV
	}
	return b.EstimatedABV
}

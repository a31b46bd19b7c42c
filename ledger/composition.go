/*
composition.go - Per-batch record of contributing sources

PURPOSE:

	Every body of liquid that flows INTO a batch leaves a composition entry:
	pressed base fruit, purchased juice, returned brandy, or another batch's
	volume arriving via merge/transfer. Each entry carries the source's ABV
	and volume at the moment it entered, which is what makes blended-ABV
	calculation and provenance tracing possible later.

TAGGED VARIANT:

	Exactly one source reference is set per entry, dispatched on SourceKind.
	This replaces a row of mutually-exclusive nullable foreign keys with a
	compile-time-checked variant.

SOFT DELETE:

	Entries are soft-deleted (DeletedAt set), and any delete triggers ABV
	recalculation so a stale blend never persists.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SOURCE KINDS
// =============================================================================

type SourceKind string

const (
	SourceBaseFruit     SourceKind = "base_fruit"
	SourceJuicePurchase SourceKind = "juice_purchase"
	SourceBrandy        SourceKind = "brandy"
	SourceBatchTransfer SourceKind = "batch_transfer"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceBaseFruit, SourceJuicePurchase, SourceBrandy, SourceBatchTransfer:
		return true
	}
	return false
}

// Fortifying sources force blend-mode ABV calculation regardless of any
// gravity readings on the batch.
func (k SourceKind) Fortifying() bool {
	return k == SourceBrandy
}

// SourceRef is the tagged variant: Kind selects which reference field is
// meaningful. External kinds point at outside records; batch_transfer
// points at the contributing batch.
type SourceRef struct {
	Kind SourceKind `json:"kind"`

	// PressRunRef / PurchaseRef / DistilleryRef are external identifiers.
	ExternalRef string `json:"external_ref,omitempty"`

	// FromBatch is set only for batch_transfer.
	FromBatch *BatchID `json:"from_batch,omitempty"`
}

// Validate enforces the exactly-one-reference rule.
func (r SourceRef) Validate() error {
	if !r.Kind.Valid() {
		return Validationf("source", "unknown source kind %q", string(r.Kind))
	}
	if r.Kind == SourceBatchTransfer {
		if r.FromBatch == nil {
			return Validationf("source", "batch_transfer source requires from_batch")
		}
		if r.ExternalRef != "" {
			return Validationf("source", "batch_transfer source cannot carry an external ref")
		}
		return nil
	}
	if r.FromBatch != nil {
		return Validationf("source", "%s source cannot reference a batch", r.Kind)
	}
	if r.ExternalRef == "" {
		return Validationf("source", "%s source requires an external ref", r.Kind)
	}
	return nil
}

// =============================================================================
// COMPOSITION ENTRY
// =============================================================================

type CompositionEntry struct {
	ID      CompositionID
	BatchID BatchID
	Source  SourceRef

	// VolumeL is the contributed volume, canonical liters, at entry time.
	VolumeL decimal.Decimal

	// ABV of the source at the time it entered, percent. Nil for sources
	// with unknown alcohol (treated as 0 in the blend).
	ABV *decimal.Decimal

	// FractionOfBatch = VolumeL / batch total at time of entry.
	FractionOfBatch decimal.Decimal

	RecordedAt time.Time
	RecordedBy string

	// DeletedAt soft-deletes the entry. Deleted entries are excluded from
	// the blend and from the inbound-volume invariant.
	DeletedAt *time.Time
}

func (e *CompositionEntry) Deleted() bool { return e.DeletedAt != nil }

// LiveEntries filters out soft-deleted rows.
func LiveEntries(entries []CompositionEntry) []CompositionEntry {
	live := make([]CompositionEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Deleted() {
			live = append(live, e)
		}
	}
	return live
}

// TotalInbound sums live contributed volumes. By invariant this equals the
// batch's cumulative inbound volume.
func TotalInbound(entries []CompositionEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range LiveEntries(entries) {
		total = total.Add(e.VolumeL)
	}
	return total
}

// HasFortifyingSource reports whether any live entry forces blend-mode ABV.
func HasFortifyingSource(entries []CompositionEntry) bool {
	for _, e := range LiveEntries(entries) {
		if e.Source.Kind.Fortifying() {
			return true
		}
	}
	return false
}

/*
journal.go - The append-only operation journal

PURPOSE:

	Every volume-changing event is one immutable Entry: a debit from a source
	batch/vessel and a credit to a destination (or a recorded loss). Batch
	volume is mutated ONLY by applying journal entries - there is no other
	write path. Corrections are new offsetting entries, never edits.

CRITICAL INVARIANTS:
 1. APPEND-ONLY: no update, no delete. Ever.
 2. CONSERVATION: source_before - source_after == moved + lost, within
    0.01 L of rounding tolerance.
 3. ATOMIC: all volume effects of one operation commit together or not
    at all (Store.WithTx).
 4. IDEMPOTENT: same idempotency key = same entry, no duplicates.

TAGGED UNION:

	Operation-specific fields live in a payload variant per kind, dispatched
	exhaustively in operations.go. Adding an operation kind is a compile-time
	checked change, not a new set of nullable columns.
*/
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OPERATION KINDS
// =============================================================================

type OperationKind string

const (
	OpTransfer        OperationKind = "transfer"
	OpMerge           OperationKind = "merge"
	OpRacking         OperationKind = "racking"
	OpFiltering       OperationKind = "filtering"
	OpCarbonation     OperationKind = "carbonation"
	OpDistillationOut OperationKind = "distillation_out"
	OpDistillationIn  OperationKind = "distillation_in"
	OpPackaging       OperationKind = "packaging"
	OpCompositionIn   OperationKind = "composition_in"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OpTransfer, OpMerge, OpRacking, OpFiltering, OpCarbonation,
		OpDistillationOut, OpDistillationIn, OpPackaging, OpCompositionIn:
		return true
	}
	return false
}

// =============================================================================
// ENTRY - one immutable record per state-changing event
// =============================================================================

type Entry struct {
	ID   EntryID
	Kind OperationKind

	// Source side. Nil for inbound-only entries (composition_in,
	// distillation_in into a fresh batch).
	SourceBatch  *BatchID
	SourceVessel *VesselID

	// Destination side. Nil for loss-only or outbound entries.
	DestBatch  *BatchID
	DestVessel *VesselID

	// VolumeMovedL was debited from the source and credited to the
	// destination (or left/entered the ledger for distillation legs).
	// VolumeLostL was debited and credited nowhere.
	VolumeMovedL decimal.Decimal
	VolumeLostL  decimal.Decimal

	// Before/after snapshots of the source batch volume, for audit.
	SourceBeforeL decimal.Decimal
	SourceAfterL  decimal.Decimal

	// ExternalRef links related entries (the two distillation legs share
	// one distillery manifest reference).
	ExternalRef string

	Payload Payload

	RecordedAt     time.Time
	RecordedBy     string
	IdempotencyKey string
}

// CheckConservation verifies the source-side volume identity.
func (e *Entry) CheckConservation() error {
	if e.SourceBatch == nil {
		return nil
	}
	spent := e.VolumeMovedL.Add(e.VolumeLostL)
	delta := e.SourceBeforeL.Sub(e.SourceAfterL)
	if !WithinEpsilon(delta, spent) {
		return Validationf("volume",
			"conservation violated: before=%sL, after=%sL, moved=%sL, lost=%sL",
			e.SourceBeforeL.String(), e.SourceAfterL.String(),
			e.VolumeMovedL.String(), e.VolumeLostL.String())
	}
	return nil
}

// =============================================================================
// PAYLOAD VARIANTS
// =============================================================================

// Payload carries the operation-specific fields of a journal entry.
// Implementations are closed: one per OperationKind.
type Payload interface {
	PayloadKind() OperationKind
}

// TransferPayload: moving part or all of a batch between vessels. A partial
// move may split into a new batch or merge into an existing destination.
type TransferPayload struct {
	// NewBatchCode is set when the moved volume starts a new batch record.
	NewBatchCode string `json:"new_batch_code,omitempty"`
}

func (TransferPayload) PayloadKind() OperationKind { return OpTransfer }

// MergePayload: a source batch's entire remaining volume folded into a
// target batch.
type MergePayload struct {
	SourceABV *decimal.Decimal `json:"source_abv,omitempty"`
}

func (MergePayload) PayloadKind() OperationKind { return OpMerge }

// RackingPayload: clarified liquid moved off sediment. Lees loss is
// expected and first-class, not an anomaly.
type RackingPayload struct {
	LeesNotes string `json:"lees_notes,omitempty"`
}

func (RackingPayload) PayloadKind() OperationKind { return OpRacking }

type FilterGrade string

const (
	FilterCoarse  FilterGrade = "coarse"
	FilterFine    FilterGrade = "fine"
	FilterSterile FilterGrade = "sterile"
)

func (g FilterGrade) Valid() bool {
	return g == FilterCoarse || g == FilterFine || g == FilterSterile
}

type FilteringPayload struct {
	Grade FilterGrade `json:"grade"`
}

func (FilteringPayload) PayloadKind() OperationKind { return OpFiltering }

type CarbonationMethod string

const (
	CarbonationForced  CarbonationMethod = "forced"
	CarbonationNatural CarbonationMethod = "natural"
)

// CarbonationPayload does not move volume materially, but it is journaled
// because it changes the product classification packaging depends on.
type CarbonationPayload struct {
	Method CarbonationMethod `json:"method"`

	// Forced carbonation.
	TargetCO2Volumes *decimal.Decimal `json:"target_co2_volumes,omitempty"`
	FinalCO2Volumes  *decimal.Decimal `json:"final_co2_volumes,omitempty"`
	PressureKPa      *decimal.Decimal `json:"pressure_kpa,omitempty"`

	// Natural carbonation: priming sugar, canonical kilograms.
	PrimingSugarKg *decimal.Decimal `json:"priming_sugar_kg,omitempty"`
}

func (CarbonationPayload) PayloadKind() OperationKind { return OpCarbonation }

type DistillationLeg string

const (
	LegOutbound DistillationLeg = "outbound"
	LegInbound  DistillationLeg = "inbound"
)

// DistillationPayload covers both legs of the round trip. Proof gallons are
// computed on each leg so yield loss across the trip is reportable.
type DistillationPayload struct {
	Leg          DistillationLeg `json:"leg"`
	ABV          decimal.Decimal `json:"abv"`
	ProofGallons decimal.Decimal `json:"proof_gallons"`
}

func (DistillationPayload) PayloadKind() OperationKind {
	return OpDistillationOut // both legs share storage; Entry.Kind disambiguates
}

// PackagingPayload records the terminal draw-down into finished goods.
type PackagingPayload struct {
	LotCode       string          `json:"lot_code"`
	UnitSizeL     decimal.Decimal `json:"unit_size_liters"`
	UnitsProduced int64           `json:"units_produced"`
}

func (PackagingPayload) PayloadKind() OperationKind { return OpPackaging }

// CompositionPayload journals an external source entering a batch.
type CompositionPayload struct {
	Source SourceRef        `json:"source"`
	ABV    *decimal.Decimal `json:"abv,omitempty"`
}

func (CompositionPayload) PayloadKind() OperationKind { return OpCompositionIn }

// =============================================================================
// PAYLOAD SERIALIZATION - for stores that persist entries as rows
// =============================================================================

// MarshalPayload encodes a payload as JSON for storage.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// UnmarshalPayload decodes the payload column back into its variant based
// on the entry kind. The switch is exhaustive over OperationKind.
func UnmarshalPayload(kind OperationKind, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch kind {
	case OpTransfer:
		v := TransferPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpMerge:
		v := MergePayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpRacking:
		v := RackingPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpFiltering:
		v := FilteringPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpCarbonation:
		v := CarbonationPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpDistillationOut, OpDistillationIn:
		v := DistillationPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpPackaging:
		v := PackagingPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	case OpCompositionIn:
		v := CompositionPayload{}
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

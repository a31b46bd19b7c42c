/*
operations.go - Recording the six operation kinds

PURPOSE:

	One typed entry point per operation kind: Transfer, Merge, Rack, Filter,
	Carbonate, DistillOut/DistillIn. Each validates everything before the
	first write, then commits the journal entry and the batch/vessel
	projection updates atomically. A failed validation leaves no trace.

FAILURE SEMANTICS:

	Anything that would drive a volume negative, exceed a vessel's capacity,
	or touch a terminal/missing batch fails with a specific error BEFORE any
	write. Partial application is impossible: all effects of one operation
	ride one Store.WithTx.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSFER
// =============================================================================

type TransferInput struct {
	SourceBatch BatchID
	DestVessel  VesselID

	// Volume to move, as entered. Loss is measured in the same unit.
	Volume decimal.Decimal
	Unit   Unit
	Loss   decimal.Decimal

	// DestBatch merges the moved volume into an existing batch. When nil
	// and the move is partial, the moved volume starts a new batch record
	// (NewBatchCode optional); when nil and the move is total, the batch
	// keeps its identity and changes vessels.
	DestBatch    *BatchID
	NewBatchCode string

	RecordedBy     string
	IdempotencyKey string
}

// Transfer moves volume between vessels, optionally splitting the source
// batch or merging into a destination batch.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (*Entry, error) {
	movedL, lostL, err := normalizeMove(in.Volume, in.Unit, in.Loss)
	if err != nil {
		return nil, err
	}

	var entry Entry
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		source, err := st.GetBatch(ctx, in.SourceBatch)
		if err != nil {
			return err
		}
		if !source.Active() {
			return Validationf("batch", "batch %s is %s and cannot be transferred", source.ID, source.Status)
		}
		sourceVessel := source.VesselID
		destVessel, err := st.GetVessel(ctx, in.DestVessel)
		if err != nil {
			return err
		}

		now := s.now()
		entry = Entry{
			ID:             EntryID(newID()),
			Kind:           OpTransfer,
			SourceBatch:    &source.ID,
			SourceVessel:   sourceVessel,
			DestVessel:     &destVessel.ID,
			VolumeMovedL:   movedL,
			VolumeLostL:    lostL,
			Payload:        TransferPayload{NewBatchCode: in.NewBatchCode},
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		fullMove := movedL.Add(lostL).GreaterThanOrEqual(source.CurrentVolumeL.Sub(DrainEpsilon))

		if err := s.debitSource(ctx, st, source, &entry, VesselAvailable); err != nil {
			return err
		}

		switch {
		case in.DestBatch != nil:
			// Merge the moved volume into an existing batch.
			dest, err := st.GetBatch(ctx, *in.DestBatch)
			if err != nil {
				return err
			}
			if !dest.Active() {
				return Validationf("batch", "destination batch %s is %s", dest.ID, dest.Status)
			}
			if err := creditDestination(ctx, st, dest, destVessel, movedL, now); err != nil {
				return err
			}
			entry.DestBatch = &dest.ID
			if err := s.recordInboundFraction(ctx, st, dest, source, movedL, now, in.RecordedBy); err != nil {
				return err
			}
			if err := st.SaveBatch(ctx, dest); err != nil {
				return err
			}

		case fullMove:
			// Same identity, new vessel.
			if err := creditDestination(ctx, st, source, destVessel, movedL, now); err != nil {
				return err
			}
			entry.DestBatch = &source.ID

		default:
			// Split: moved volume starts a new batch record.
			split := s.newSplitBatch(source, in.NewBatchCode, now)
			if err := creditDestination(ctx, st, split, destVessel, movedL, now); err != nil {
				return err
			}
			entry.DestBatch = &split.ID
			if err := s.recordInboundFraction(ctx, st, split, source, movedL, now, in.RecordedBy); err != nil {
				return err
			}
			if err := st.SaveBatch(ctx, split); err != nil {
				return err
			}
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveBatch(ctx, source)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// newSplitBatch clones the liquid identity for a partial transfer. The new
// record inherits product, gravity readings, and ABV.
func (s *Service) newSplitBatch(source *Batch, code string, now time.Time) *Batch {
	split := &Batch{
		ID:              BatchID(newID()),
		Code:            code,
		Product:         source.Product,
		Status:          source.Status,
		Origin:          source.Origin,
		InitialVolumeL:  decimal.Zero,
		CurrentVolumeL:  decimal.Zero,
		EnteredUnit:     source.EnteredUnit,
		EstimatedABV:    source.EstimatedABV,
		ActualABV:       source.ActualABV,
		OriginalGravity: source.OriginalGravity,
		FinalGravity:    source.FinalGravity,
		Carbonation:     source.Carbonation,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if split.Code == "" {
		split.Code = source.Code + "-S"
	}
	return split
}

// recordInboundFraction appends a batch_transfer composition entry on the
// receiving batch and recomputes its blend.
func (s *Service) recordInboundFraction(ctx context.Context, st Store, dest *Batch, source *Batch, volumeL decimal.Decimal, now time.Time, actor string) error {
	comp := CompositionEntry{
		ID:      CompositionID(newID()),
		BatchID: dest.ID,
		Source: SourceRef{
			Kind:      SourceBatchTransfer,
			FromBatch: &source.ID,
		},
		VolumeL:         volumeL,
		ABV:             source.EffectiveABV(),
		FractionOfBatch: fractionOf(volumeL, dest.CurrentVolumeL),
		RecordedAt:      now,
		RecordedBy:      actor,
	}
	if err := st.AppendComposition(ctx, comp); err != nil {
		return err
	}
	all, err := st.Compositions(ctx, dest.ID)
	if err != nil {
		return err
	}
	RecalculateABV(dest, all)
	return nil
}

func fractionOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.DivRound(whole, 6)
}

// =============================================================================
// MERGE
// =============================================================================

type MergeInput struct {
	SourceBatch BatchID
	TargetBatch BatchID

	// Loss during the merge, as entered (same unit as the batch's liters).
	LossL decimal.Decimal

	RecordedBy     string
	IdempotencyKey string
}

// Merge folds a source batch's entire remaining volume into a target batch.
// The source ends empty and completed; the target gains a composition entry
// for traceability and its ABV is recomputed.
func (s *Service) Merge(ctx context.Context, in MergeInput) (*Entry, error) {
	if in.SourceBatch == in.TargetBatch {
		return nil, Validationf("batch", "cannot merge a batch into itself")
	}
	if in.LossL.IsNegative() {
		return nil, Validationf("loss", "loss cannot be negative, got %s", in.LossL.String())
	}

	var entry Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		source, err := st.GetBatch(ctx, in.SourceBatch)
		if err != nil {
			return err
		}
		target, err := st.GetBatch(ctx, in.TargetBatch)
		if err != nil {
			return err
		}
		if !source.Active() || !target.Active() {
			return Validationf("batch", "merge requires two active batches (source %s, target %s)", source.Status, target.Status)
		}
		if target.VesselID == nil {
			return Validationf("batch", "target batch %s has no vessel", target.ID)
		}
		targetVessel, err := st.GetVessel(ctx, *target.VesselID)
		if err != nil {
			return err
		}

		movedL := source.CurrentVolumeL.Sub(in.LossL)
		if movedL.IsNegative() {
			return Validationf("loss", "loss %sL exceeds source volume %sL", in.LossL.String(), source.CurrentVolumeL.String())
		}

		now := s.now()
		sourceABV := source.EffectiveABV()
		entry = Entry{
			ID:             EntryID(newID()),
			Kind:           OpMerge,
			SourceBatch:    &source.ID,
			SourceVessel:   source.VesselID,
			DestBatch:      &target.ID,
			DestVessel:     &targetVessel.ID,
			VolumeMovedL:   movedL,
			VolumeLostL:    in.LossL,
			Payload:        MergePayload{SourceABV: sourceABV},
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		if err := s.debitSource(ctx, st, source, &entry, VesselAvailable); err != nil {
			return err
		}
		if err := creditDestination(ctx, st, target, targetVessel, movedL, now); err != nil {
			return err
		}
		if err := s.recordInboundFraction(ctx, st, target, source, movedL, now, in.RecordedBy); err != nil {
			return err
		}
		if err := source.Transition(BatchCompleted); err != nil {
			return err
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := st.SaveBatch(ctx, source); err != nil {
			return err
		}
		return st.SaveBatch(ctx, target)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// RACKING AND FILTERING
// =============================================================================

type RackInput struct {
	BatchID BatchID

	// DestVessel nil means racking in place (loss only).
	DestVessel *VesselID

	// LossL is explicit and first-class: lees loss is expected, not an
	// inferred anomaly.
	LossL decimal.Decimal

	Notes          string
	RecordedBy     string
	IdempotencyKey string
}

// Rack moves clarified liquid off sediment within or between vessels.
func (s *Service) Rack(ctx context.Context, in RackInput) (*Entry, error) {
	return s.clarify(ctx, clarifyInput{
		BatchID:        in.BatchID,
		DestVessel:     in.DestVessel,
		LossL:          in.LossL,
		Kind:           OpRacking,
		Payload:        RackingPayload{LeesNotes: in.Notes},
		RecordedBy:     in.RecordedBy,
		IdempotencyKey: in.IdempotencyKey,
	})
}

type FilterInput struct {
	BatchID    BatchID
	DestVessel *VesselID
	LossL      decimal.Decimal
	Grade      FilterGrade

	RecordedBy     string
	IdempotencyKey string
}

// Filter runs a coarse/fine/sterile pass with the same volume bookkeeping
// as racking, tagged by grade.
func (s *Service) Filter(ctx context.Context, in FilterInput) (*Entry, error) {
	if !in.Grade.Valid() {
		return nil, Validationf("grade", "unknown filter grade %q", string(in.Grade))
	}
	return s.clarify(ctx, clarifyInput{
		BatchID:        in.BatchID,
		DestVessel:     in.DestVessel,
		LossL:          in.LossL,
		Kind:           OpFiltering,
		Payload:        FilteringPayload{Grade: in.Grade},
		RecordedBy:     in.RecordedBy,
		IdempotencyKey: in.IdempotencyKey,
	})
}

type clarifyInput struct {
	BatchID        BatchID
	DestVessel     *VesselID
	LossL          decimal.Decimal
	Kind           OperationKind
	Payload        Payload
	RecordedBy     string
	IdempotencyKey string
}

func (s *Service) clarify(ctx context.Context, in clarifyInput) (*Entry, error) {
	if in.LossL.IsNegative() {
		return nil, Validationf("loss", "loss cannot be negative, got %s", in.LossL.String())
	}

	var entry Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		batch, err := st.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s", batch.ID, batch.Status)
		}
		if in.LossL.GreaterThan(batch.CurrentVolumeL) {
			return Validationf("loss", "loss %sL exceeds batch volume %sL", in.LossL.String(), batch.CurrentVolumeL.String())
		}

		now := s.now()
		moving := in.DestVessel != nil && (batch.VesselID == nil || *in.DestVessel != *batch.VesselID)

		movedL := decimal.Zero
		if moving {
			movedL = batch.CurrentVolumeL.Sub(in.LossL)
		}

		entry = Entry{
			ID:             EntryID(newID()),
			Kind:           in.Kind,
			SourceBatch:    &batch.ID,
			SourceVessel:   batch.VesselID,
			VolumeMovedL:   movedL,
			VolumeLostL:    in.LossL,
			Payload:        in.Payload,
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		if moving {
			destVessel, err := st.GetVessel(ctx, *in.DestVessel)
			if err != nil {
				return err
			}
			entry.DestVessel = &destVessel.ID
			entry.DestBatch = &batch.ID
			if err := s.debitSource(ctx, st, batch, &entry, VesselCleaning); err != nil {
				return err
			}
			if err := creditDestination(ctx, st, batch, destVessel, movedL, now); err != nil {
				return err
			}
		} else {
			entry.DestVessel = batch.VesselID
			entry.DestBatch = &batch.ID
			if err := s.debitSource(ctx, st, batch, &entry, VesselAvailable); err != nil {
				return err
			}
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// CARBONATION
// =============================================================================

type CarbonateInput struct {
	BatchID BatchID
	Method  CarbonationMethod

	// Forced.
	TargetCO2Volumes *decimal.Decimal
	FinalCO2Volumes  *decimal.Decimal
	PressureKPa      *decimal.Decimal

	// Natural: priming sugar, as entered (mass dimension).
	PrimingSugar     *decimal.Decimal
	PrimingSugarUnit Unit

	RecordedBy     string
	IdempotencyKey string
}

// Carbonate journals a forced or natural carbonation. Volume is unchanged;
// the entry exists because it flips the product classification packaging
// reads (still/petillant/sparkling).
func (s *Service) Carbonate(ctx context.Context, in CarbonateInput) (*Entry, error) {
	payload := CarbonationPayload{Method: in.Method}

	switch in.Method {
	case CarbonationForced:
		if in.TargetCO2Volumes == nil || in.PressureKPa == nil {
			return nil, Validationf("carbonation", "forced carbonation requires target CO2 volumes and applied pressure")
		}
		payload.TargetCO2Volumes = in.TargetCO2Volumes
		payload.FinalCO2Volumes = in.FinalCO2Volumes
		payload.PressureKPa = in.PressureKPa
	case CarbonationNatural:
		if in.PrimingSugar == nil {
			return nil, Validationf("carbonation", "natural carbonation requires a priming sugar mass")
		}
		kg, err := ToCanonical(*in.PrimingSugar, in.PrimingSugarUnit, DimensionMass)
		if err != nil {
			return nil, err
		}
		payload.PrimingSugarKg = &kg
	default:
		return nil, Validationf("carbonation", "unknown carbonation method %q", string(in.Method))
	}

	var entry Entry
	err := s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		batch, err := st.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s", batch.ID, batch.Status)
		}

		if in.Method == CarbonationForced {
			// Forced carbonation needs a pressure-rated vessel.
			if batch.VesselID == nil {
				return Validationf("carbonation", "batch %s has no vessel", batch.ID)
			}
			vessel, err := st.GetVessel(ctx, *batch.VesselID)
			if err != nil {
				return err
			}
			if vessel.PressureRatedKPa == nil {
				return Validationf("carbonation", "vessel %s is not pressure rated", vessel.ID)
			}
			if in.PressureKPa.GreaterThan(*vessel.PressureRatedKPa) {
				return Validationf("carbonation", "applied pressure %s kPa exceeds vessel rating %s kPa",
					in.PressureKPa.String(), vessel.PressureRatedKPa.String())
			}
		}

		now := s.now()
		entry = Entry{
			ID:             EntryID(newID()),
			Kind:           OpCarbonation,
			SourceBatch:    &batch.ID,
			SourceVessel:   batch.VesselID,
			DestBatch:      &batch.ID,
			DestVessel:     batch.VesselID,
			VolumeMovedL:   decimal.Zero,
			VolumeLostL:    decimal.Zero,
			SourceBeforeL:  batch.CurrentVolumeL,
			SourceAfterL:   batch.CurrentVolumeL,
			Payload:        payload,
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		co2 := in.FinalCO2Volumes
		if co2 == nil {
			co2 = in.TargetCO2Volumes
		}
		if co2 != nil {
			batch.Carbonation = StyleForCO2(*co2)
		} else if in.Method == CarbonationNatural {
			batch.Carbonation = StyleSparkling
		}
		batch.UpdatedAt = now

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// DISTILLATION ROUND TRIP
// =============================================================================

type DistillOutInput struct {
	BatchID BatchID

	// Volume leaving for the distillery, as entered.
	Volume decimal.Decimal
	Unit   Unit

	// ABV of the outbound cider; defaults to the batch's effective ABV.
	ABV *decimal.Decimal

	// ExternalRef is the distillery manifest shared by both legs.
	ExternalRef string

	RecordedBy     string
	IdempotencyKey string
}

// DistillOut records the outbound leg: cider leaves the ledger for an
// external distillery. Proof gallons are computed for yield reporting.
func (s *Service) DistillOut(ctx context.Context, in DistillOutInput) (*Entry, error) {
	if in.ExternalRef == "" {
		return nil, Validationf("external_ref", "distillation legs require a shared external reference")
	}
	movedL, _, err := normalizeMove(in.Volume, in.Unit, decimal.Zero)
	if err != nil {
		return nil, err
	}

	var entry Entry
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		batch, err := st.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s", batch.ID, batch.Status)
		}

		abv := in.ABV
		if abv == nil {
			abv = batch.EffectiveABV()
		}
		if abv == nil {
			return Validationf("abv", "outbound distillation requires a known ABV for batch %s", batch.ID)
		}

		now := s.now()
		entry = Entry{
			ID:           EntryID(newID()),
			Kind:         OpDistillationOut,
			SourceBatch:  &batch.ID,
			SourceVessel: batch.VesselID,
			VolumeMovedL: movedL,
			VolumeLostL:  decimal.Zero,
			ExternalRef:  in.ExternalRef,
			Payload: DistillationPayload{
				Leg:          LegOutbound,
				ABV:          *abv,
				ProofGallons: ProofGallons(movedL, *abv),
			},
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		if err := s.debitSource(ctx, st, batch, &entry, VesselAvailable); err != nil {
			return err
		}
		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

type DistillInInput struct {
	// DestBatch receives the returned spirit - usually a different batch
	// record used for pommeau or brandy.
	DestBatch BatchID

	Volume decimal.Decimal
	Unit   Unit
	ABV    decimal.Decimal

	// ExternalRef must match the outbound leg's reference.
	ExternalRef string

	RecordedBy     string
	IdempotencyKey string
}

// DistillIn records the inbound leg: returned spirit enters the ledger,
// linked to the outbound leg via the shared external reference.
func (s *Service) DistillIn(ctx context.Context, in DistillInInput) (*Entry, error) {
	if in.ExternalRef == "" {
		return nil, Validationf("external_ref", "distillation legs require a shared external reference")
	}
	if in.ABV.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("abv", "returned spirit ABV must be positive, got %s", in.ABV.String())
	}
	movedL, _, err := normalizeMove(in.Volume, in.Unit, decimal.Zero)
	if err != nil {
		return nil, err
	}

	var entry Entry
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		batch, err := st.GetBatch(ctx, in.DestBatch)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s", batch.ID, batch.Status)
		}
		if batch.VesselID == nil {
			return Validationf("batch", "batch %s has no vessel", batch.ID)
		}
		vessel, err := st.GetVessel(ctx, *batch.VesselID)
		if err != nil {
			return err
		}

		now := s.now()
		entry = Entry{
			ID:            EntryID(newID()),
			Kind:          OpDistillationIn,
			DestBatch:     &batch.ID,
			DestVessel:    &vessel.ID,
			VolumeMovedL:  movedL,
			VolumeLostL:   decimal.Zero,
			SourceBeforeL: decimal.Zero,
			SourceAfterL:  decimal.Zero,
			ExternalRef:   in.ExternalRef,
			Payload: DistillationPayload{
				Leg:          LegInbound,
				ABV:          in.ABV,
				ProofGallons: ProofGallons(movedL, in.ABV),
			},
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		if err := creditDestination(ctx, st, batch, vessel, movedL, now); err != nil {
			return err
		}

		// Returned spirit is a fortifying composition source.
		comp := CompositionEntry{
			ID:              CompositionID(newID()),
			BatchID:         batch.ID,
			Source:          SourceRef{Kind: SourceBrandy, ExternalRef: in.ExternalRef},
			VolumeL:         movedL,
			ABV:             &in.ABV,
			FractionOfBatch: fractionOf(movedL, batch.CurrentVolumeL),
			RecordedAt:      now,
			RecordedBy:      in.RecordedBy,
		}
		if err := st.AppendComposition(ctx, comp); err != nil {
			return err
		}
		all, err := st.Compositions(ctx, batch.ID)
		if err != nil {
			return err
		}
		RecalculateABV(batch, all)

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// =============================================================================
// SHARED VALIDATION
// =============================================================================

// normalizeMove converts an as-entered (volume, loss) pair to canonical
// liters, rejecting non-positive moves and negative losses.
func normalizeMove(volume decimal.Decimal, unit Unit, loss decimal.Decimal) (movedL, lostL decimal.Decimal, err error) {
	if volume.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, Validationf("volume", "moved volume must be positive, got %s", volume.String())
	}
	if loss.IsNegative() {
		return decimal.Zero, decimal.Zero, Validationf("loss", "loss cannot be negative, got %s", loss.String())
	}
	movedL, err = ToCanonical(volume, unit, DimensionVolume)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	lostL, err = ToCanonical(loss, unit, DimensionVolume)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return movedL, lostL, nil
}

/*
reconcile.go - Period reconciliation against physical inventory

PURPOSE:

	Builds a period snapshot from the journal so a physical stock count can
	be compared against what the ledger says should be on hand:

	  calculatedClosing = opening + production - taxPaidRemovals - otherLosses
	  variance          = physicalCount - calculatedClosing

	Snapshots are draft until finalized. Finalizing requires every liter of
	variance to be explained by categorized adjustments (within the volume
	epsilon). Finalized snapshots are immutable; a correction is a new
	snapshot superseding the old one, never an edit. The next period's
	opening balance is the finalized physical count, so discrepancies
	surface instead of compounding.

JOURNAL ATTRIBUTION:

	production       inbound external volume (composition and returned spirit)
	taxPaidRemovals  packaged-out volume (unit size x units)
	otherLosses      recorded process losses plus outbound distillation
*/
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type SnapshotStatus string

const (
	SnapshotDraft     SnapshotStatus = "draft"
	SnapshotFinalized SnapshotStatus = "finalized"
)

// AdjustmentReason categorizes explained variance. Every reason is one of
// a fixed vocabulary so period reports aggregate cleanly.
type AdjustmentReason string

const (
	ReasonEvaporation      AdjustmentReason = "evaporation"
	ReasonMeasurementError AdjustmentReason = "measurement_error"
	ReasonSampling         AdjustmentReason = "sampling"
	ReasonSpillage         AdjustmentReason = "spillage"
	ReasonTheft            AdjustmentReason = "theft"
	ReasonSediment         AdjustmentReason = "sediment"
	ReasonCorrectionUp     AdjustmentReason = "correction_up"
	ReasonCorrectionDown   AdjustmentReason = "correction_down"
)

func (r AdjustmentReason) Valid() bool {
	switch r {
	case ReasonEvaporation, ReasonMeasurementError, ReasonSampling,
		ReasonSpillage, ReasonTheft, ReasonSediment,
		ReasonCorrectionUp, ReasonCorrectionDown:
		return true
	}
	return false
}

// Adjustment explains a signed slice of a snapshot's variance.
type Adjustment struct {
	ID         AdjustmentID     `json:"id"`
	SnapshotID SnapshotID       `json:"snapshotId"`
	Reason     AdjustmentReason `json:"reason"`
	VolumeL    decimal.Decimal  `json:"volumeL"`
	Note       string           `json:"note,omitempty"`
	RecordedAt time.Time        `json:"recordedAt"`
	RecordedBy string           `json:"recordedBy"`
}

// ReconciliationSnapshot is one period's accounting of bulk volume.
type ReconciliationSnapshot struct {
	ID          SnapshotID `json:"id"`
	PeriodStart time.Time  `json:"periodStart"`
	PeriodEnd   time.Time  `json:"periodEnd"`

	OpeningL           decimal.Decimal `json:"openingL"`
	ProductionL        decimal.Decimal `json:"productionL"`
	TaxPaidRemovalsL   decimal.Decimal `json:"taxPaidRemovalsL"`
	OtherLossesL       decimal.Decimal `json:"otherLossesL"`
	CalculatedClosingL decimal.Decimal `json:"calculatedClosingL"`
	PhysicalCountL     decimal.Decimal `json:"physicalCountL"`
	VarianceL          decimal.Decimal `json:"varianceL"`

	Status      SnapshotStatus `json:"status"`
	Supersedes  *SnapshotID    `json:"supersedes,omitempty"`
	Adjustments []Adjustment   `json:"adjustments,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	CreatedBy   string     `json:"createdBy"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
	FinalizedBy string     `json:"finalizedBy,omitempty"`
}

// ExplainedL sums the snapshot's adjustments.
func (s *ReconciliationSnapshot) ExplainedL() decimal.Decimal {
	total := decimal.Zero
	for _, a := range s.Adjustments {
		total = total.Add(a.VolumeL)
	}
	return total
}

// UnexplainedL is the variance left after adjustments.
func (s *ReconciliationSnapshot) UnexplainedL() decimal.Decimal {
	return s.VarianceL.Sub(s.ExplainedL())
}

type ReconcileInput struct {
	PeriodStart time.Time
	PeriodEnd   time.Time

	// PhysicalCount is the measured on-hand bulk volume, as entered.
	PhysicalCount decimal.Decimal
	Unit          Unit

	RecordedBy string
}

// RunReconciliation computes a draft snapshot for the period. Re-running
// for the same period with the same count reuses the deterministic
// snapshot identity, so the draft is simply recomputed rather than
// duplicated. A finalized snapshot for the period is never touched; the
// new draft supersedes it.
func (s *Service) RunReconciliation(ctx context.Context, in ReconcileInput) (*ReconciliationSnapshot, error) {
	if !in.PeriodEnd.After(in.PeriodStart) {
		return nil, Validationf("period", "period end must be after period start")
	}
	physicalL, err := ToCanonical(in.PhysicalCount, in.Unit, DimensionVolume)
	if err != nil {
		return nil, err
	}
	if physicalL.IsNegative() {
		return nil, Validationf("physical_count", "physical count cannot be negative, got %sL", physicalL.String())
	}

	var snap *ReconciliationSnapshot
	err = s.store.WithTx(ctx, func(st Store) error {
		opening, err := openingBalance(ctx, st, in.PeriodStart)
		if err != nil {
			return err
		}
		production, removals, losses, err := attributeJournal(ctx, st, in.PeriodStart, in.PeriodEnd)
		if err != nil {
			return err
		}

		calculated := opening.Add(production).Sub(removals).Sub(losses)
		now := s.now()

		snap = &ReconciliationSnapshot{
			ID:                 snapshotID(in.PeriodStart, in.PeriodEnd),
			PeriodStart:        in.PeriodStart,
			PeriodEnd:          in.PeriodEnd,
			OpeningL:           opening,
			ProductionL:        production,
			TaxPaidRemovalsL:   removals,
			OtherLossesL:       losses,
			CalculatedClosingL: calculated,
			PhysicalCountL:     physicalL,
			VarianceL:          physicalL.Sub(calculated),
			Status:             SnapshotDraft,
			CreatedAt:          now,
			CreatedBy:          in.RecordedBy,
		}

		// Walk the supersede chain from the period's deterministic
		// identity. Every finalized snapshot along the chain is left
		// untouched; the rerun lands on the first free or still-draft
		// slot with a derived identity.
		for {
			existing, err := st.GetSnapshot(ctx, snap.ID)
			if IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			if existing.Status != SnapshotFinalized {
				// Recomputing a draft keeps any adjustments already entered.
				snap.Adjustments = existing.Adjustments
				break
			}
			prev := existing.ID
			snap.Supersedes = &prev
			snap.ID = supersedingID(existing.ID)
		}

		return st.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// AddAdjustment attaches a categorized explanation to a draft snapshot.
func (s *Service) AddAdjustment(ctx context.Context, id SnapshotID, reason AdjustmentReason, volumeL decimal.Decimal, note, actor string) (*ReconciliationSnapshot, error) {
	if !reason.Valid() {
		return nil, Validationf("reason", "unknown adjustment reason %q", string(reason))
	}
	if volumeL.IsZero() {
		return nil, Validationf("volume", "adjustment volume cannot be zero")
	}

	var snap *ReconciliationSnapshot
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		snap, err = st.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if snap.Status == SnapshotFinalized {
			return &AuditIntegrityError{Resource: "snapshot", ID: string(id), Attempt: "adjust a finalized snapshot"}
		}
		snap.Adjustments = append(snap.Adjustments, Adjustment{
			ID:         AdjustmentID(newID()),
			SnapshotID: snap.ID,
			Reason:     reason,
			VolumeL:    volumeL,
			Note:       note,
			RecordedAt: s.now(),
			RecordedBy: actor,
		})
		return st.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// FinalizeReconciliation locks a snapshot. Every liter of variance must be
// explained within the volume epsilon; a second finalize attempt is an
// audit integrity violation, not a no-op.
func (s *Service) FinalizeReconciliation(ctx context.Context, id SnapshotID, actor string) (*ReconciliationSnapshot, error) {
	var snap *ReconciliationSnapshot
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		snap, err = st.GetSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if snap.Status == SnapshotFinalized {
			return &AuditIntegrityError{Resource: "snapshot", ID: string(id), Attempt: "finalize an already finalized snapshot"}
		}
		unexplained := snap.UnexplainedL()
		if unexplained.Abs().GreaterThan(VolumeEpsilon) {
			return &ReconciliationVarianceError{
				SnapshotID:   snap.ID,
				VarianceL:    snap.VarianceL,
				AdjustedL:    snap.ExplainedL(),
				UnexplainedL: unexplained,
			}
		}
		now := s.now()
		snap.Status = SnapshotFinalized
		snap.FinalizedAt = &now
		snap.FinalizedBy = actor
		return st.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshot returns one snapshot by ID.
func (s *Service) Snapshot(ctx context.Context, id SnapshotID) (*ReconciliationSnapshot, error) {
	return s.store.GetSnapshot(ctx, id)
}

// Snapshots lists all snapshots, newest period first.
func (s *Service) Snapshots(ctx context.Context) ([]*ReconciliationSnapshot, error) {
	return s.store.ListSnapshots(ctx)
}

// openingBalance resolves the prior finalized period's physical count. A
// first-ever period opens at zero.
func openingBalance(ctx context.Context, st Store, periodStart time.Time) (decimal.Decimal, error) {
	prior, err := st.LatestFinalizedBefore(ctx, periodStart)
	if err != nil {
		if IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return prior.PhysicalCountL, nil
}

// attributeJournal folds the period's entries into the three reconciliation
// buckets.
func attributeJournal(ctx context.Context, st Store, from, to time.Time) (production, removals, losses decimal.Decimal, err error) {
	entries, err := st.EntriesInRange(ctx, from, to)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, err
	}
	production, removals, losses = decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range entries {
		switch e.Kind {
		case OpCompositionIn, OpDistillationIn:
			production = production.Add(e.VolumeMovedL)
		case OpPackaging:
			removals = removals.Add(e.VolumeMovedL)
		case OpDistillationOut:
			losses = losses.Add(e.VolumeMovedL)
		}
		losses = losses.Add(e.VolumeLostL)
	}
	return production, removals, losses, nil
}

// snapshotID derives a stable identity from the period bounds, so reruns
// for one period converge on one snapshot.
func snapshotID(start, end time.Time) SnapshotID {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%d", start.UTC().UnixNano(), end.UTC().UnixNano())))
	return SnapshotID("recon-" + hex.EncodeToString(sum[:8]))
}

// supersedingID derives the replacement identity for a finalized snapshot.
func supersedingID(prev SnapshotID) SnapshotID {
	sum := sha256.Sum256([]byte("supersede|" + string(prev)))
	return SnapshotID("recon-" + hex.EncodeToString(sum[:8]))
}

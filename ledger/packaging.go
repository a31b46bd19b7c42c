/*
packaging.go - Drawing finished units off a bulk batch

PURPOSE:

	A packaging run converts bulk volume into countable finished units and
	assigns each run a lot code for traceability. Loss is derived, never
	entered: loss = volume taken - unit size x units produced. A derived
	negative loss means the operator's numbers are inconsistent and the run
	is rejected with all three figures named.

LOT CODES:

	{batchCode}-{YYMMDD}-P{seq}, seq scoped per batch per calendar day and
	allocated inside the transaction so two concurrent runs can never share
	a code.
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FinishedUnit is one packaging run's output: N units of one size under
// one lot code.
type FinishedUnit struct {
	ID        string           `json:"id"`
	BatchID   BatchID          `json:"batchId"`
	EntryID   EntryID          `json:"entryId"`
	LotCode   string           `json:"lotCode"`
	UnitSizeL decimal.Decimal  `json:"unitSizeL"`
	Units     int64            `json:"units"`
	Style     CarbonationStyle `json:"style"`
	PackedAt  time.Time        `json:"packedAt"`
	PackedBy  string           `json:"packedBy"`
}

type PackagingInput struct {
	BatchID BatchID

	// VolumeTaken is the bulk volume drawn from the vessel, as entered.
	VolumeTaken decimal.Decimal
	Unit        Unit

	// UnitSizeL is the fill size per unit in liters (e.g. 0.75 for a
	// standard bottle).
	UnitSizeL decimal.Decimal
	Units     int64

	RecordedBy     string
	IdempotencyKey string
}

// PackagingResult pairs the journal entry with the finished-unit record it
// produced.
type PackagingResult struct {
	Entry    Entry
	Finished FinishedUnit
	LossL    decimal.Decimal
}

// DrawPackaging runs one packaging draw-down: debit the bulk batch, derive
// the loss, allocate a lot code, and record the finished units. Draining
// the batch completes it and frees its vessel.
func (s *Service) DrawPackaging(ctx context.Context, in PackagingInput) (*PackagingResult, error) {
	if in.Units <= 0 {
		return nil, Validationf("units", "units produced must be positive, got %d", in.Units)
	}
	if in.UnitSizeL.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("unit_size", "unit size must be positive, got %sL", in.UnitSizeL.String())
	}
	takenL, err := ToCanonical(in.VolumeTaken, in.Unit, DimensionVolume)
	if err != nil {
		return nil, err
	}

	packagedL := in.UnitSizeL.Mul(decimal.NewFromInt(in.Units))
	lossL := takenL.Sub(packagedL)
	if lossL.IsNegative() {
		return nil, Validationf("volume",
			"packaged volume %sL (%d x %sL) exceeds volume taken %sL",
			packagedL.String(), in.Units, in.UnitSizeL.String(), takenL.String())
	}

	var result PackagingResult
	err = s.store.WithTx(ctx, func(st Store) error {
		if err := guardIdempotency(ctx, st, in.IdempotencyKey); err != nil {
			return err
		}
		batch, err := st.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s and cannot be packaged", batch.ID, batch.Status)
		}

		now := s.now()
		seq, err := st.NextLotSequence(ctx, batch.Code, now)
		if err != nil {
			return err
		}
		lotCode := FormatLotCode(batch.Code, now, seq)

		entry := Entry{
			ID:           EntryID(newID()),
			Kind:         OpPackaging,
			SourceBatch:  &batch.ID,
			SourceVessel: batch.VesselID,
			VolumeMovedL: packagedL,
			VolumeLostL:  lossL,
			Payload: PackagingPayload{
				LotCode:       lotCode,
				UnitSizeL:     in.UnitSizeL,
				UnitsProduced: in.Units,
			},
			RecordedAt:     now,
			RecordedBy:     in.RecordedBy,
			IdempotencyKey: in.IdempotencyKey,
		}

		if err := s.debitSource(ctx, st, batch, &entry, VesselAvailable); err != nil {
			return err
		}

		// A fully drawn-down batch has nothing left to operate on.
		if batch.Drained() && !batch.Status.Terminal() {
			if err := batch.Transition(BatchCompleted); err != nil {
				return err
			}
		}

		finished := FinishedUnit{
			ID:        newID(),
			BatchID:   batch.ID,
			EntryID:   entry.ID,
			LotCode:   lotCode,
			UnitSizeL: in.UnitSizeL,
			Units:     in.Units,
			Style:     batch.Carbonation,
			PackedAt:  now,
			PackedBy:  in.RecordedBy,
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := st.SaveFinishedUnits(ctx, []FinishedUnit{finished}); err != nil {
			return err
		}
		if err := st.SaveBatch(ctx, batch); err != nil {
			return err
		}

		result = PackagingResult{Entry: entry, Finished: finished, LossL: lossL}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FormatLotCode renders {batchCode}-{YYMMDD}-P{seq}.
func FormatLotCode(batchCode string, at time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-P%d", batchCode, at.Format("060102"), seq)
}

// FinishedRuns lists a batch's packaging output.
func (s *Service) FinishedRuns(ctx context.Context, id BatchID) ([]FinishedUnit, error) {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.store.FinishedUnits(ctx, id)
}

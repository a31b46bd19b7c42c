package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// LOSS DERIVATION
// =============================================================================

func TestDrawPackaging_DerivesLoss(t *testing.T) {
	// GIVEN: A 400 L batch
	// WHEN: 50 L is drawn and 65 bottles of 0.75 L are filled
	// THEN: Loss is derived as 50 - 48.75 = 1.25 L, never entered

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "PKG-25-01", fv.ID, "400", nil)

	result, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
		BatchID:     b.ID,
		VolumeTaken: dec("50"),
		Unit:        ledger.UnitLiters,
		UnitSizeL:   dec("0.75"),
		Units:       65,
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "1.25", result.LossL)
	assertDecEqual(t, "48.75", result.Entry.VolumeMovedL)
	assertDecEqual(t, "1.25", result.Entry.VolumeLostL)
	assert.Equal(t, int64(65), result.Finished.Units)

	got := env.getBatch(t, b.ID)
	assertDecEqual(t, "350", got.CurrentVolumeL)
}

func TestDrawPackaging_NegativeLoss_Rejected(t *testing.T) {
	// GIVEN: The operator claims 60 bottles from only 40 L
	// WHEN: 60 x 0.75 = 45 L exceeds the 40 L taken
	// THEN: The run is rejected before any write

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "PKG-25-02", fv.ID, "400", nil)

	_, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
		BatchID:     b.ID,
		VolumeTaken: dec("40"),
		Unit:        ledger.UnitLiters,
		UnitSizeL:   dec("0.75"),
		Units:       60,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
	assert.Contains(t, err.Error(), "45")
	assert.Contains(t, err.Error(), "40")

	assertDecEqual(t, "400", env.getBatch(t, b.ID).CurrentVolumeL)
}

// =============================================================================
// LOT CODES
// =============================================================================

func TestDrawPackaging_LotCodeSequencePerBatchPerDay(t *testing.T) {
	// GIVEN: Two runs on June 15 and one on June 16
	// WHEN: Lot codes are allocated
	// THEN: P1, P2 on day one; the counter resets to P1 the next day

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "PKG-25-03", fv.ID, "400", nil)

	draw := func() *ledger.PackagingResult {
		r, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
			BatchID:     b.ID,
			VolumeTaken: dec("30"),
			Unit:        ledger.UnitLiters,
			UnitSizeL:   dec("0.75"),
			Units:       40,
			RecordedBy:  "tester",
		})
		require.NoError(t, err)
		return r
	}

	assert.Equal(t, "PKG-25-03-250615-P1", draw().Finished.LotCode)
	assert.Equal(t, "PKG-25-03-250615-P2", draw().Finished.LotCode)

	env.advance(24 * time.Hour)
	assert.Equal(t, "PKG-25-03-250616-P1", draw().Finished.LotCode)
}

func TestFormatLotCode(t *testing.T) {
	at := time.Date(2025, time.October, 3, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, "CB-25-01-251003-P4", ledger.FormatLotCode("CB-25-01", at, 4))
}

// =============================================================================
// DRAIN-COMPLETION CASCADE
// =============================================================================

func TestDrawPackaging_DrainingCompletesBatchAndFreesVessel(t *testing.T) {
	// GIVEN: 50 L left in tank
	// WHEN: 49.95 L is drawn (0.05 L remainder, under the drain epsilon)
	// THEN: The batch completes and the vessel is released

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "PKG-25-04", fv.ID, "50", nil)

	result, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
		BatchID:     b.ID,
		VolumeTaken: dec("49.95"),
		Unit:        ledger.UnitLiters,
		UnitSizeL:   dec("0.75"),
		Units:       66, // 49.5 L packaged, 0.45 L loss
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "0.45", result.LossL)

	got := env.getBatch(t, b.ID)
	assert.Equal(t, ledger.BatchCompleted, got.Status)
	assert.Nil(t, got.VesselID)
	assertDecEqual(t, "0.05", got.CurrentVolumeL)

	vessel := env.getVessel(t, fv.ID)
	assert.Equal(t, ledger.VesselAvailable, vessel.Status)
	assert.Nil(t, vessel.ActiveBatch)

	runs, err := env.svc.FinishedRuns(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(66), runs[0].Units)
}

func TestDrawPackaging_CapturesCarbonationStyle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	brite := env.newRatedVessel(t, "BT1", "500", "300")
	b := env.newBatch(t, "PKG-25-05", brite.ID, "100", nil)

	_, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: decPtr("2.8"),
		PressureKPa:      decPtr("180"),
	})
	require.NoError(t, err)

	result, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
		BatchID:     b.ID,
		VolumeTaken: dec("30"),
		Unit:        ledger.UnitLiters,
		UnitSizeL:   dec("0.75"),
		Units:       40,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StyleSparkling, result.Finished.Style)
}

// =============================================================================
// CONCURRENT DRAW-DOWN
// =============================================================================

func TestDrawPackaging_ConcurrentDraws_ExactlyOneSucceeds(t *testing.T) {
	// GIVEN: 60 L remaining and two concurrent 40 L draws
	// WHEN: Both race through the transactional store
	// THEN: Exactly one commits; the other fails on insufficient volume

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "PKG-25-06", fv.ID, "60", nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.DrawPackaging(ctx, ledger.PackagingInput{
				BatchID:     b.ID,
				VolumeTaken: dec("40"),
				Unit:        ledger.UnitLiters,
				UnitSizeL:   dec("0.75"),
				Units:       52, // 39 L packaged, 1 L loss
				RecordedBy:  "tester",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			failures++
			var insufficient *ledger.InsufficientVolumeError
			assert.True(t, errors.As(err, &insufficient))
		}
	}
	assert.Equal(t, 1, failures)
	assertDecEqual(t, "20", env.getBatch(t, b.ID).CurrentVolumeL)
}

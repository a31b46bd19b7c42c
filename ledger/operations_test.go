package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// TRANSFER
// =============================================================================

func TestTransfer_FullMove_KeepsBatchIdentity(t *testing.T) {
	// GIVEN: A 400 L batch in FV1
	// WHEN: All of it moves to FV2
	// THEN: Same batch, new vessel; FV1 is released

	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	b := env.newBatch(t, "CB-25-20", fv1.ID, "400", nil)

	entry, err := env.svc.Transfer(ctx, ledger.TransferInput{
		SourceBatch: b.ID,
		DestVessel:  fv2.ID,
		Volume:      dec("400"),
		Unit:        ledger.UnitLiters,
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, entry.DestBatch)
	assert.Equal(t, b.ID, *entry.DestBatch)
	assertDecEqual(t, "400", entry.SourceBeforeL)
	assertDecEqual(t, "0", entry.SourceAfterL)

	got := env.getBatch(t, b.ID)
	assertDecEqual(t, "400", got.CurrentVolumeL)
	require.NotNil(t, got.VesselID)
	assert.Equal(t, fv2.ID, *got.VesselID)

	assert.Equal(t, ledger.VesselAvailable, env.getVessel(t, fv1.ID).Status)
	assert.Equal(t, ledger.VesselInUse, env.getVessel(t, fv2.ID).Status)
}

func TestTransfer_PartialMove_SplitsNewBatch(t *testing.T) {
	// GIVEN: A 400 L batch
	// WHEN: 150 L moves to another vessel with 2 L hose loss
	// THEN: The source keeps 248 L and the moved volume is a new batch record

	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	b := env.newBatch(t, "CB-25-21", fv1.ID, "400", decPtr("6.5"))

	entry, err := env.svc.Transfer(ctx, ledger.TransferInput{
		SourceBatch: b.ID,
		DestVessel:  fv2.ID,
		Volume:      dec("150"),
		Unit:        ledger.UnitLiters,
		Loss:        dec("2"),
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, entry.DestBatch)
	require.NotEqual(t, b.ID, *entry.DestBatch)
	assertDecEqual(t, "400", entry.SourceBeforeL)
	assertDecEqual(t, "248", entry.SourceAfterL)

	source := env.getBatch(t, b.ID)
	assertDecEqual(t, "248", source.CurrentVolumeL)

	split := env.getBatch(t, *entry.DestBatch)
	assertDecEqual(t, "150", split.CurrentVolumeL)
	assert.Equal(t, "CB-25-21-S", split.Code)
	assert.Equal(t, source.Product, split.Product)

	// The split's provenance points back at the source batch.
	comps, err := env.svc.Composition(ctx, split.ID)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, ledger.SourceBatchTransfer, comps[0].Source.Kind)
	require.NotNil(t, comps[0].Source.FromBatch)
	assert.Equal(t, b.ID, *comps[0].Source.FromBatch)
}

func TestTransfer_IntoExistingBatch(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	src := env.newBatch(t, "CB-25-22", fv1.ID, "400", decPtr("8"))
	dst := env.newBatch(t, "CB-25-23", fv2.ID, "100", decPtr("6"))

	destID := dst.ID
	_, err := env.svc.Transfer(ctx, ledger.TransferInput{
		SourceBatch: src.ID,
		DestVessel:  fv2.ID,
		Volume:      dec("100"),
		Unit:        ledger.UnitLiters,
		DestBatch:   &destID,
		RecordedBy:  "tester",
	})
	require.NoError(t, err)

	got := env.getBatch(t, dst.ID)
	assertDecEqual(t, "200", got.CurrentVolumeL)
	// Blend: (100 L at 6 + 100 L at 8) / 200
	require.NotNil(t, got.EstimatedABV)
	assertDecEqual(t, "7", *got.EstimatedABV)
}

func TestTransfer_InsufficientVolume_NothingWritten(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	b := env.newBatch(t, "CB-25-24", fv1.ID, "100", nil)

	_, err := env.svc.Transfer(ctx, ledger.TransferInput{
		SourceBatch: b.ID,
		DestVessel:  fv2.ID,
		Volume:      dec("150"),
		Unit:        ledger.UnitLiters,
	})
	require.Error(t, err)
	var insufficient *ledger.InsufficientVolumeError
	require.True(t, errors.As(err, &insufficient))
	assertDecEqual(t, "100", insufficient.AvailableL)

	// The failed operation left no trace.
	assertDecEqual(t, "100", env.getBatch(t, b.ID).CurrentVolumeL)
	entries, err := env.svc.Journal(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1) // only the creation entry
	assert.Equal(t, ledger.VesselAvailable, env.getVessel(t, fv2.ID).Status)
}

// =============================================================================
// MERGE
// =============================================================================

func TestMerge_CompletesSourceAndBlendsTarget(t *testing.T) {
	// GIVEN: 100 L at 8% and 100 L at 6% in separate vessels
	// WHEN: The first is merged into the second with no loss
	// THEN: The target holds 200 L at 7% and the source is completed and vesselless

	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	src := env.newBatch(t, "CB-25-25", fv1.ID, "100", decPtr("8"))
	dst := env.newBatch(t, "CB-25-26", fv2.ID, "100", decPtr("6"))

	entry, err := env.svc.Merge(ctx, ledger.MergeInput{
		SourceBatch: src.ID,
		TargetBatch: dst.ID,
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "100", entry.VolumeMovedL)

	source := env.getBatch(t, src.ID)
	assert.Equal(t, ledger.BatchCompleted, source.Status)
	assert.Nil(t, source.VesselID)
	assertDecEqual(t, "0", source.CurrentVolumeL)
	assert.Equal(t, ledger.VesselAvailable, env.getVessel(t, fv1.ID).Status)

	target := env.getBatch(t, dst.ID)
	assertDecEqual(t, "200", target.CurrentVolumeL)
	require.NotNil(t, target.EstimatedABV)
	assertDecEqual(t, "7", *target.EstimatedABV)
}

func TestMerge_SelfMerge_Rejected(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-27", fv.ID, "100", nil)

	_, err := env.svc.Merge(context.Background(), ledger.MergeInput{
		SourceBatch: b.ID,
		TargetBatch: b.ID,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

// =============================================================================
// RACKING AND FILTERING
// =============================================================================

func TestRack_InPlace_RecordsLeesLossOnly(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-28", fv.ID, "400", nil)

	entry, err := env.svc.Rack(ctx, ledger.RackInput{
		BatchID:    b.ID,
		LossL:      dec("8"),
		Notes:      "first racking",
		RecordedBy: "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "0", entry.VolumeMovedL)
	assertDecEqual(t, "8", entry.VolumeLostL)

	got := env.getBatch(t, b.ID)
	assertDecEqual(t, "392", got.CurrentVolumeL)
	require.NotNil(t, got.VesselID)
	assert.Equal(t, fv.ID, *got.VesselID)
}

func TestRack_ToNewVessel_SendsOldVesselToCleaning(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv1 := env.newVessel(t, "FV1", "500")
	fv2 := env.newVessel(t, "FV2", "500")
	b := env.newBatch(t, "CB-25-29", fv1.ID, "400", nil)

	dest := fv2.ID
	entry, err := env.svc.Rack(ctx, ledger.RackInput{
		BatchID:    b.ID,
		DestVessel: &dest,
		LossL:      dec("8"),
		RecordedBy: "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "392", entry.VolumeMovedL)
	assertDecEqual(t, "8", entry.VolumeLostL)

	got := env.getBatch(t, b.ID)
	assertDecEqual(t, "392", got.CurrentVolumeL)
	require.NotNil(t, got.VesselID)
	assert.Equal(t, fv2.ID, *got.VesselID)

	// Racking implies sediment left behind: the vacated vessel needs cleaning.
	assert.Equal(t, ledger.VesselCleaning, env.getVessel(t, fv1.ID).Status)
}

func TestFilter_UnknownGrade_Rejected(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-30", fv.ID, "400", nil)

	_, err := env.svc.Filter(context.Background(), ledger.FilterInput{
		BatchID: b.ID,
		LossL:   dec("1"),
		Grade:   ledger.FilterGrade("nano"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestClarify_LossExceedingVolume_Rejected(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-31", fv.ID, "10", nil)

	_, err := env.svc.Rack(context.Background(), ledger.RackInput{
		BatchID: b.ID,
		LossL:   dec("11"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

// =============================================================================
// CARBONATION
// =============================================================================

func TestCarbonate_Forced_RequiresRatedVessel(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	unrated := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-32", unrated.ID, "400", nil)

	_, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: decPtr("2.8"),
		PressureKPa:      decPtr("180"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestCarbonate_Forced_PressureAboveRating_Rejected(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	brite := env.newRatedVessel(t, "BT1", "500", "150")
	b := env.newBatch(t, "CB-25-33", brite.ID, "400", nil)

	_, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: decPtr("2.8"),
		PressureKPa:      decPtr("180"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestCarbonate_Forced_UpdatesStyle(t *testing.T) {
	// GIVEN: A still batch in a rated brite tank
	// WHEN: Carbonated to 2.8 volumes of CO2
	// THEN: The batch classifies as sparkling; volume is untouched

	env := newTestEnv()
	ctx := context.Background()
	brite := env.newRatedVessel(t, "BT1", "500", "300")
	b := env.newBatch(t, "CB-25-34", brite.ID, "400", nil)
	assert.Equal(t, ledger.StyleStill, b.Carbonation)

	entry, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: decPtr("2.8"),
		PressureKPa:      decPtr("180"),
		RecordedBy:       "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "0", entry.VolumeMovedL)

	got := env.getBatch(t, b.ID)
	assert.Equal(t, ledger.StyleSparkling, got.Carbonation)
	assertDecEqual(t, "400", got.CurrentVolumeL)
}

func TestCarbonate_Forced_FinalCO2Wins(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	brite := env.newRatedVessel(t, "BT1", "500", "300")
	b := env.newBatch(t, "CB-25-35", brite.ID, "400", nil)

	_, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: decPtr("2.8"),
		FinalCO2Volumes:  decPtr("1.6"),
		PressureKPa:      decPtr("180"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.StylePetillant, env.getBatch(t, b.ID).Carbonation)
}

func TestCarbonate_Natural_ConvertsPrimingSugarToKg(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-36", fv.ID, "400", nil)

	entry, err := env.svc.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          b.ID,
		Method:           ledger.CarbonationNatural,
		PrimingSugar:     decPtr("5"),
		PrimingSugarUnit: ledger.UnitLb,
		RecordedBy:       "tester",
	})
	require.NoError(t, err)

	payload, ok := entry.Payload.(ledger.CarbonationPayload)
	require.True(t, ok)
	require.NotNil(t, payload.PrimingSugarKg)
	// 5 * 0.45359237
	assertDecEqual(t, "2.26796185", *payload.PrimingSugarKg)

	// Bottle conditioning without a measured CO2 reading defaults to sparkling.
	assert.Equal(t, ledger.StyleSparkling, env.getBatch(t, b.ID).Carbonation)
}

// =============================================================================
// DISTILLATION ROUND TRIP
// =============================================================================

func TestDistillOut_ComputesProofGallons(t *testing.T) {
	// GIVEN: A batch at a known 50% ABV (hypothetical, keeps the math exact)
	// WHEN: 10 gallons leave for the distillery
	// THEN: 10 proof gallons are journaled and the volume is debited

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-37", fv.ID, "400", decPtr("50"))

	entry, err := env.svc.DistillOut(ctx, ledger.DistillOutInput{
		BatchID:     b.ID,
		Volume:      dec("10"),
		Unit:        ledger.UnitGallons,
		ExternalRef: "DSP-MANIFEST-7",
		RecordedBy:  "tester",
	})
	require.NoError(t, err)

	payload, ok := entry.Payload.(ledger.DistillationPayload)
	require.True(t, ok)
	assert.Equal(t, ledger.LegOutbound, payload.Leg)
	assertDecEqual(t, "50", payload.ABV)
	assertDecEqual(t, "10", payload.ProofGallons)

	got := env.getBatch(t, b.ID)
	// 400 - 10 gal
	assertDecEqual(t, "362.14588216", got.CurrentVolumeL)
}

func TestDistillOut_WithoutABV_Rejected(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-38", fv.ID, "400", nil)

	_, err := env.svc.DistillOut(context.Background(), ledger.DistillOutInput{
		BatchID:     b.ID,
		Volume:      dec("100"),
		Unit:        ledger.UnitLiters,
		ExternalRef: "DSP-MANIFEST-8",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestDistillIn_FortifiesTheBlend(t *testing.T) {
	// GIVEN: 80 L of juice at unknown ABV destined for pommeau
	// WHEN: 20 L of 70% returned spirit comes back
	// THEN: The batch ABV is the 14% volume-weighted blend

	env := newTestEnv()
	ctx := context.Background()
	tank := env.newVessel(t, "blend tank", "200")
	pommeau, err := env.svc.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:       "PB-25-03",
		Product:    ledger.ProductPommeau,
		Origin:     ledger.OriginRef{Kind: ledger.OriginJuicePurchase, Ref: "PO-55"},
		VesselID:   tank.ID,
		Volume:     dec("80"),
		Unit:       ledger.UnitLiters,
		RecordedBy: "tester",
	})
	require.NoError(t, err)

	entry, err := env.svc.DistillIn(ctx, ledger.DistillInInput{
		DestBatch:   pommeau.ID,
		Volume:      dec("20"),
		Unit:        ledger.UnitLiters,
		ABV:         dec("70"),
		ExternalRef: "DSP-MANIFEST-7",
		RecordedBy:  "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.OpDistillationIn, entry.Kind)

	got := env.getBatch(t, pommeau.ID)
	assertDecEqual(t, "100", got.CurrentVolumeL)
	require.NotNil(t, got.EstimatedABV)
	assertDecEqual(t, "14", *got.EstimatedABV)

	// Gravity readings never override a blend product's ABV.
	got, err = env.svc.RecordGravity(ctx, pommeau.ID, decPtr("1.060"), decPtr("1.020"))
	require.NoError(t, err)
	require.NotNil(t, got.EffectiveABV())
	assertDecEqual(t, "14", *got.EffectiveABV())
}

func TestDistillIn_RequiresSharedManifest(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-39", fv.ID, "100", nil)

	_, err := env.svc.DistillIn(context.Background(), ledger.DistillInInput{
		DestBatch: b.ID,
		Volume:    dec("20"),
		Unit:      ledger.UnitLiters,
		ABV:       dec("62"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestIdempotencyKey_SecondWriteRejected(t *testing.T) {
	// GIVEN: A racking recorded under an idempotency key
	// WHEN: The same request is retried
	// THEN: The retry is rejected and the loss is debited exactly once

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-40", fv.ID, "400", nil)

	in := ledger.RackInput{
		BatchID:        b.ID,
		LossL:          dec("8"),
		RecordedBy:     "tester",
		IdempotencyKey: "rack-cb2540-1",
	}
	_, err := env.svc.Rack(ctx, in)
	require.NoError(t, err)

	_, err = env.svc.Rack(ctx, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrDuplicateIdempotencyKey))

	assertDecEqual(t, "392", env.getBatch(t, b.ID).CurrentVolumeL)
}

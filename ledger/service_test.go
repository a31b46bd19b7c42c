package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwierzbo/cidery-ledger/ledger"
	"github.com/bwierzbo/cidery-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// testEnv wires a service over the in-memory store with a controllable clock.
type testEnv struct {
	svc   *ledger.Service
	store *store.TxMemory
	now   time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store: store.NewTxMemory(),
		now:   time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC),
	}
	env.svc = ledger.NewServiceWithClock(env.store, func() time.Time { return env.now })
	return env
}

func (e *testEnv) advance(d time.Duration) { e.now = e.now.Add(d) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func (e *testEnv) newVessel(t *testing.T, name, capacityL string) *ledger.Vessel {
	t.Helper()
	v, err := e.svc.CreateVessel(context.Background(), ledger.CreateVesselInput{
		Name:     name,
		Capacity: dec(capacityL),
		Unit:     ledger.UnitLiters,
	})
	require.NoError(t, err)
	return v
}

func (e *testEnv) newRatedVessel(t *testing.T, name, capacityL, ratingKPa string) *ledger.Vessel {
	t.Helper()
	v, err := e.svc.CreateVessel(context.Background(), ledger.CreateVesselInput{
		Name:             name,
		Capacity:         dec(capacityL),
		Unit:             ledger.UnitLiters,
		PressureRatedKPa: decPtr(ratingKPa),
	})
	require.NoError(t, err)
	return v
}

func (e *testEnv) newBatch(t *testing.T, code string, vessel ledger.VesselID, volumeL string, abv *decimal.Decimal) *ledger.Batch {
	t.Helper()
	b, err := e.svc.CreateBatch(context.Background(), ledger.CreateBatchInput{
		Code:       code,
		Product:    ledger.ProductCider,
		Origin:     ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-1"},
		VesselID:   vessel,
		Volume:     dec(volumeL),
		Unit:       ledger.UnitLiters,
		ABV:        abv,
		RecordedBy: "tester",
	})
	require.NoError(t, err)
	return b
}

func (e *testEnv) getBatch(t *testing.T, id ledger.BatchID) *ledger.Batch {
	t.Helper()
	b, err := e.svc.Batch(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (e *testEnv) getVessel(t *testing.T, id ledger.VesselID) *ledger.Vessel {
	t.Helper()
	v, err := e.svc.Vessel(context.Background(), id)
	require.NoError(t, err)
	return v
}

func assertDecEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

// =============================================================================
// BATCH CREATION
// =============================================================================

func TestCreateBatch_NormalizesGallonsToLiters(t *testing.T) {
	// GIVEN: An empty 1000 L fermenter
	// WHEN: 250 gallons of pressed juice enter the ledger
	// THEN: The batch holds the canonical liter equivalent and the vessel is occupied

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "1000")

	b, err := env.svc.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:       "CB-25-01",
		Product:    ledger.ProductCider,
		Origin:     ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-42"},
		VesselID:   fv.ID,
		Volume:     dec("250"),
		Unit:       ledger.UnitGallons,
		RecordedBy: "tester",
	})
	require.NoError(t, err)

	// 250 * 3.785411784
	assertDecEqual(t, "946.352946", b.CurrentVolumeL)
	assertDecEqual(t, "946.352946", b.InitialVolumeL)
	assertDecEqual(t, "250", b.EnteredValue)
	assert.Equal(t, ledger.UnitGallons, b.EnteredUnit)
	assert.Equal(t, ledger.BatchFermentation, b.Status)

	got := env.getVessel(t, fv.ID)
	assert.Equal(t, ledger.VesselInUse, got.Status)
	require.NotNil(t, got.ActiveBatch)
	assert.Equal(t, b.ID, *got.ActiveBatch)
}

func TestCreateBatch_JournalsTheInitialVolume(t *testing.T) {
	// GIVEN: A new batch
	// WHEN: Reading its journal
	// THEN: Exactly one composition_in entry covers the initial volume

	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-02", fv.ID, "400", nil)

	entries, err := env.svc.Journal(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.OpCompositionIn, entries[0].Kind)
	assertDecEqual(t, "400", entries[0].VolumeMovedL)
	assertDecEqual(t, "0", entries[0].VolumeLostL)
}

func TestCreateBatch_OccupiedVessel_Rejected(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "FV1", "1000")
	env.newBatch(t, "CB-25-03", fv.ID, "400", nil)

	_, err := env.svc.CreateBatch(context.Background(), ledger.CreateBatchInput{
		Code:     "CB-25-04",
		Product:  ledger.ProductCider,
		Origin:   ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-2"},
		VesselID: fv.ID,
		Volume:   dec("100"),
		Unit:     ledger.UnitLiters,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestCreateBatch_CapacityExceeded(t *testing.T) {
	env := newTestEnv()
	fv := env.newVessel(t, "small", "100")

	_, err := env.svc.CreateBatch(context.Background(), ledger.CreateBatchInput{
		Code:     "CB-25-05",
		Product:  ledger.ProductCider,
		Origin:   ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-3"},
		VesselID: fv.ID,
		Volume:   dec("150"),
		Unit:     ledger.UnitLiters,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrCapacityExceeded))

	var capErr *ledger.CapacityExceededError
	require.True(t, errors.As(err, &capErr))
	assertDecEqual(t, "100", capErr.CapacityL)
	assertDecEqual(t, "150", capErr.WouldHold)
}

// =============================================================================
// COMPOSITION
// =============================================================================

func TestAddComposition_FortifyingSourceForcesBlendABV(t *testing.T) {
	// GIVEN: 80 L of still juice at unknown ABV
	// WHEN: 20 L of 70% brandy is added
	// THEN: The batch ABV is the volume-weighted blend (70*20/100 = 14)

	env := newTestEnv()
	ctx := context.Background()
	tank := env.newVessel(t, "blend tank", "200")
	b := env.newBatch(t, "PB-25-01", tank.ID, "80", nil)

	entry, err := env.svc.AddComposition(ctx, ledger.AddCompositionInput{
		BatchID:    b.ID,
		Source:     ledger.SourceRef{Kind: ledger.SourceBrandy, ExternalRef: "DSP-99"},
		Volume:     dec("20"),
		Unit:       ledger.UnitLiters,
		ABV:        decPtr("70"),
		RecordedBy: "tester",
	})
	require.NoError(t, err)
	assertDecEqual(t, "20", entry.VolumeL)
	assertDecEqual(t, "0.2", entry.FractionOfBatch)

	got := env.getBatch(t, b.ID)
	assertDecEqual(t, "100", got.CurrentVolumeL)
	require.NotNil(t, got.EstimatedABV)
	assertDecEqual(t, "14", *got.EstimatedABV)
}

func TestRemoveComposition_RecalculatesBlendWithoutTouchingVolume(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	tank := env.newVessel(t, "blend tank", "200")
	b := env.newBatch(t, "PB-25-02", tank.ID, "80", nil)

	entry, err := env.svc.AddComposition(ctx, ledger.AddCompositionInput{
		BatchID: b.ID,
		Source:  ledger.SourceRef{Kind: ledger.SourceBrandy, ExternalRef: "DSP-99"},
		Volume:  dec("20"),
		Unit:    ledger.UnitLiters,
		ABV:     decPtr("70"),
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.RemoveComposition(ctx, b.ID, entry.ID))

	got := env.getBatch(t, b.ID)
	// Volume corrections go through the journal; the soft delete leaves it.
	assertDecEqual(t, "100", got.CurrentVolumeL)
	// The stale 14% blend is cleared; no live entry has a known ABV.
	assert.Nil(t, got.EstimatedABV)

	comps, err := env.svc.Composition(ctx, b.ID)
	require.NoError(t, err)
	live := ledger.LiveEntries(comps)
	assert.Len(t, live, 1)
	assert.Len(t, comps, 2)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestSetBatchStatus_LegalAndIllegalTransitions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-06", fv.ID, "400", nil)

	_, err := env.svc.SetBatchStatus(ctx, b.ID, ledger.BatchAging)
	require.NoError(t, err)

	_, err = env.svc.SetBatchStatus(ctx, b.ID, ledger.BatchCompleted)
	require.NoError(t, err)

	// Completed is terminal.
	_, err = env.svc.SetBatchStatus(ctx, b.ID, ledger.BatchAging)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestSetBatchStatus_DiscardReleasesVesselToCleaning(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-07", fv.ID, "400", nil)

	got, err := env.svc.SetBatchStatus(ctx, b.ID, ledger.BatchDiscarded)
	require.NoError(t, err)
	assert.Nil(t, got.VesselID)

	vessel := env.getVessel(t, fv.ID)
	assert.Equal(t, ledger.VesselCleaning, vessel.Status)
	assert.Nil(t, vessel.ActiveBatch)
}

func TestRecordGravity_DerivesABV(t *testing.T) {
	// GIVEN: A fermenting batch
	// WHEN: OG 1.052 is recorded, then FG 0.998
	// THEN: The estimate tracks potential, the measurement wins once both exist

	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-08", fv.ID, "400", nil)

	got, err := env.svc.RecordGravity(ctx, b.ID, decPtr("1.052"), nil)
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedABV)
	// (1.052 - 1.000) * 131.25
	assertDecEqual(t, "6.825", *got.EstimatedABV)
	assert.Nil(t, got.ActualABV)

	got, err = env.svc.RecordGravity(ctx, b.ID, nil, decPtr("0.998"))
	require.NoError(t, err)
	require.NotNil(t, got.ActualABV)
	// (1.052 - 0.998) * 131.25
	assertDecEqual(t, "7.0875", *got.ActualABV)
	require.NotNil(t, got.EffectiveABV())
	assertDecEqual(t, "7.0875", *got.EffectiveABV())
}

func TestArchiveBatch_RequiresTerminalStatus(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	b := env.newBatch(t, "CB-25-09", fv.ID, "400", nil)

	err := env.svc.ArchiveBatch(ctx, b.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))

	_, err = env.svc.SetBatchStatus(ctx, b.ID, ledger.BatchDiscarded)
	require.NoError(t, err)
	require.NoError(t, env.svc.ArchiveBatch(ctx, b.ID))

	// Archived batches drop out of the default listing.
	working, err := env.svc.Batches(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, working)
	all, err := env.svc.Batches(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// =============================================================================
// VESSEL REGISTRY
// =============================================================================

func TestSetVesselStatus_OccupiedVesselCannotChange(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")
	env.newBatch(t, "CB-25-10", fv.ID, "400", nil)

	_, err := env.svc.SetVesselStatus(ctx, fv.ID, ledger.VesselMaintenance)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrValidation))
}

func TestSetVesselStatus_CleaningRoundTrip(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	fv := env.newVessel(t, "FV1", "500")

	v, err := env.svc.SetVesselStatus(ctx, fv.ID, ledger.VesselCleaning)
	require.NoError(t, err)
	assert.Equal(t, ledger.VesselCleaning, v.Status)

	v, err = env.svc.SetVesselStatus(ctx, fv.ID, ledger.VesselAvailable)
	require.NoError(t, err)
	assert.Equal(t, ledger.VesselAvailable, v.Status)

	// in_use is derived from occupancy, never set directly.
	_, err = env.svc.SetVesselStatus(ctx, fv.ID, ledger.VesselInUse)
	require.Error(t, err)
}

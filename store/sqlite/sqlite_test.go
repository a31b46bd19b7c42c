package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwierzbo/cidery-ledger/ledger"
	"github.com/bwierzbo/cidery-ledger/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBatchRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	og := dec("1.052")
	b := &ledger.Batch{
		ID:              "b1",
		Code:            "CB-25-01",
		Product:         ledger.ProductCider,
		Status:          ledger.BatchFermentation,
		Origin:          ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-9"},
		InitialVolumeL:  dec("946.352946"),
		CurrentVolumeL:  dec("946.352946"),
		EnteredValue:    dec("250"),
		EnteredUnit:     ledger.UnitGallons,
		OriginalGravity: &og,
		Carbonation:     ledger.StyleStill,
		CreatedAt:       time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC),
	}
	vid := ledger.VesselID("v1")
	b.VesselID = &vid
	require.NoError(t, st.SaveBatch(ctx, b))

	got, err := st.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "CB-25-01", got.Code)
	assert.Equal(t, ledger.UnitGallons, got.EnteredUnit)
	assert.True(t, got.CurrentVolumeL.Equal(dec("946.352946")))
	require.NotNil(t, got.VesselID)
	assert.Equal(t, vid, *got.VesselID)
	require.NotNil(t, got.OriginalGravity)
	assert.True(t, got.OriginalGravity.Equal(og))
	assert.Nil(t, got.ActualABV)

	// Saving the same ID again updates in place.
	got.Status = ledger.BatchAging
	got.CurrentVolumeL = dec("900")
	require.NoError(t, st.SaveBatch(ctx, got))

	again, err := st.GetBatch(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, ledger.BatchAging, again.Status)
	assert.True(t, again.CurrentVolumeL.Equal(dec("900")))
}

func TestGetBatch_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetBatch(context.Background(), "nope")
	assert.True(t, ledger.IsNotFound(err))
	assert.ErrorIs(t, err, ledger.ErrBatchNotFound)
}

func TestListBatches_ArchivedFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, b := range []*ledger.Batch{
		{ID: "b1", Code: "A", Product: ledger.ProductCider, Status: ledger.BatchFermentation,
			Origin: ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-1"}},
		{ID: "b2", Code: "B", Product: ledger.ProductCider, Status: ledger.BatchCompleted,
			Origin: ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-2"}, Archived: true},
	} {
		require.NoError(t, st.SaveBatch(ctx, b))
	}

	active, err := st.ListBatches(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ledger.BatchID("b1"), active[0].ID)

	all, err := st.ListBatches(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestVesselRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rating := dec("300")
	batchID := ledger.BatchID("b1")
	v := &ledger.Vessel{
		ID:               "v1",
		Name:             "brite tank",
		Status:           ledger.VesselInUse,
		CapacityL:        dec("500"),
		PressureRatedKPa: &rating,
		ActiveBatch:      &batchID,
	}
	require.NoError(t, st.SaveVessel(ctx, v))

	got, err := st.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, ledger.VesselInUse, got.Status)
	require.NotNil(t, got.PressureRatedKPa)
	assert.True(t, got.PressureRatedKPa.Equal(rating))
	require.NotNil(t, got.ActiveBatch)
	assert.Equal(t, batchID, *got.ActiveBatch)

	// Clearing the nullable fields must persist too.
	got.Status = ledger.VesselAvailable
	got.ActiveBatch = nil
	require.NoError(t, st.SaveVessel(ctx, got))

	again, err := st.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, again.ActiveBatch)
}

func TestEntries_ByBatchAndRange(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	b1 := ledger.BatchID("b1")
	b2 := ledger.BatchID("b2")
	v1 := ledger.VesselID("v1")
	base := time.Date(2025, time.June, 15, 10, 0, 0, 0, time.UTC)

	entries := []ledger.Entry{
		{ID: "e1", Kind: ledger.OpCompositionIn, DestBatch: &b1, DestVessel: &v1,
			VolumeMovedL: dec("400"), SourceAfterL: dec("400"),
			Payload: ledger.CompositionPayload{}, RecordedAt: base},
		{ID: "e2", Kind: ledger.OpRacking, SourceBatch: &b1, SourceVessel: &v1,
			DestBatch: &b1, DestVessel: &v1, VolumeLostL: dec("8"),
			SourceBeforeL: dec("400"), SourceAfterL: dec("392"),
			Payload:    ledger.RackingPayload{LeesNotes: "heavy lees"},
			RecordedAt: base.Add(time.Hour), IdempotencyKey: "rack-1"},
		{ID: "e3", Kind: ledger.OpCompositionIn, DestBatch: &b2,
			VolumeMovedL: dec("100"), SourceAfterL: dec("100"),
			Payload: ledger.CompositionPayload{}, RecordedAt: base.Add(2 * time.Hour)},
	}
	for _, e := range entries {
		require.NoError(t, st.AppendEntry(ctx, e))
	}

	forB1, err := st.Entries(ctx, b1)
	require.NoError(t, err)
	require.Len(t, forB1, 2)
	assert.Equal(t, ledger.EntryID("e1"), forB1[0].ID)
	assert.Equal(t, ledger.EntryID("e2"), forB1[1].ID)

	// Payloads come back typed.
	rack, ok := forB1[1].Payload.(ledger.RackingPayload)
	require.True(t, ok)
	assert.Equal(t, "heavy lees", rack.LeesNotes)
	assert.True(t, forB1[1].VolumeLostL.Equal(dec("8")))

	// Range bounds are inclusive on both ends.
	inRange, err := st.EntriesInRange(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, inRange, 2)
	assert.Equal(t, ledger.EntryID("e2"), inRange[0].ID)
	assert.Equal(t, ledger.EntryID("e3"), inRange[1].ID)
}

func TestAppendEntry_DuplicateIdempotencyKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	b1 := ledger.BatchID("b1")

	e := ledger.Entry{
		ID: "e1", Kind: ledger.OpRacking, SourceBatch: &b1,
		SourceBeforeL: dec("100"), SourceAfterL: dec("100"),
		Payload:    ledger.RackingPayload{},
		RecordedAt: time.Now().UTC(), IdempotencyKey: "op-1",
	}
	require.NoError(t, st.AppendEntry(ctx, e))

	exists, err := st.EntryExists(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, exists)

	e.ID = "e2"
	err = st.AppendEntry(ctx, e)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestCompositionRoundTripAndSoftDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	abv := dec("62")
	require.NoError(t, st.AppendComposition(ctx, ledger.CompositionEntry{
		ID: "c1", BatchID: "b1",
		Source:          ledger.SourceRef{Kind: ledger.SourceBaseFruit, ExternalRef: "PR-1"},
		VolumeL:         dec("400"),
		FractionOfBatch: dec("1"),
		RecordedAt:      time.Now().UTC(),
	}))
	require.NoError(t, st.AppendComposition(ctx, ledger.CompositionEntry{
		ID: "c2", BatchID: "b1",
		Source:          ledger.SourceRef{Kind: ledger.SourceBrandy, ExternalRef: "DIST-7"},
		VolumeL:         dec("100"),
		ABV:             &abv,
		FractionOfBatch: dec("0.2"),
		RecordedAt:      time.Now().UTC(),
	}))

	comps, err := st.Compositions(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, comps, 2)
	require.NotNil(t, comps[1].ABV)
	assert.True(t, comps[1].ABV.Equal(abv))
	assert.Equal(t, ledger.SourceBrandy, comps[1].Source.Kind)

	deletedAt := time.Now().UTC()
	require.NoError(t, st.SoftDeleteComposition(ctx, "c2", deletedAt))

	comps, err = st.Compositions(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.Nil(t, comps[0].DeletedAt)
	assert.NotNil(t, comps[1].DeletedAt)

	err = st.SoftDeleteComposition(ctx, "missing", deletedAt)
	assert.True(t, ledger.IsNotFound(err))
}

func TestNextLotSequence_IncrementsPerBatchPerDay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, time.June, 15, 8, 0, 0, 0, time.UTC)

	seq, err := st.NextLotSequence(ctx, "CB-25-03", day)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = st.NextLotSequence(ctx, "CB-25-03", day.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	seq, err = st.NextLotSequence(ctx, "CB-25-03", day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = st.NextLotSequence(ctx, "CB-25-04", day)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
}

func TestFinishedUnitsRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveFinishedUnits(ctx, []ledger.FinishedUnit{{
		ID: "f1", BatchID: "b1", EntryID: "e1",
		LotCode:   "CB-25-03-250615-P1",
		UnitSizeL: dec("0.75"),
		Units:     398,
		Style:     ledger.StyleSparkling,
		PackedAt:  time.Now().UTC(),
	}}))

	units, err := st.FinishedUnits(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "CB-25-03-250615-P1", units[0].LotCode)
	assert.Equal(t, int64(398), units[0].Units)
	assert.Equal(t, ledger.StyleSparkling, units[0].Style)
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	juneStart := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	juneEnd := time.Date(2025, time.June, 30, 23, 59, 59, 0, time.UTC)

	snap := &ledger.ReconciliationSnapshot{
		ID: "recon-aabbccdd", PeriodStart: juneStart, PeriodEnd: juneEnd,
		OpeningL: dec("0"), ProductionL: dec("400"),
		TaxPaidRemovalsL: dec("48.75"), OtherLossesL: dec("9.25"),
		CalculatedClosingL: dec("342"), PhysicalCountL: dec("341.5"),
		VarianceL: dec("-0.5"), Status: ledger.SnapshotDraft,
		CreatedAt: time.Now().UTC(),
		Adjustments: []ledger.Adjustment{{
			ID: "adj-1", SnapshotID: "recon-aabbccdd",
			Reason: ledger.ReasonSampling, VolumeL: dec("-0.5"),
			Note: "tasting pulls", RecordedAt: time.Now().UTC(),
		}},
	}
	require.NoError(t, st.SaveSnapshot(ctx, snap))

	got, err := st.GetSnapshot(ctx, "recon-aabbccdd")
	require.NoError(t, err)
	assert.True(t, got.VarianceL.Equal(dec("-0.5")))
	require.Len(t, got.Adjustments, 1)
	assert.Equal(t, ledger.ReasonSampling, got.Adjustments[0].Reason)

	// Finalizing rewrites the row in place.
	finalizedAt := time.Now().UTC()
	got.Status = ledger.SnapshotFinalized
	got.FinalizedAt = &finalizedAt
	got.FinalizedBy = "manager"
	require.NoError(t, st.SaveSnapshot(ctx, got))

	final, err := st.GetSnapshot(ctx, "recon-aabbccdd")
	require.NoError(t, err)
	assert.Equal(t, ledger.SnapshotFinalized, final.Status)
	assert.Equal(t, "manager", final.FinalizedBy)
	require.NotNil(t, final.FinalizedAt)

	latest, err := st.LatestFinalizedBefore(ctx, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, ledger.SnapshotID("recon-aabbccdd"), latest.ID)

	_, err = st.LatestFinalizedBefore(ctx, juneStart)
	assert.True(t, ledger.IsNotFound(err))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(tx ledger.Store) error {
		if err := tx.SaveBatch(ctx, &ledger.Batch{
			ID: "b1", Code: "CB-25-01", Product: ledger.ProductCider,
			Status: ledger.BatchFermentation,
			Origin: ledger.OriginRef{Kind: ledger.OriginPressRun, Ref: "PR-1"},
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetBatch(ctx, "b1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestWithTx_CommitIsVisible(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx ledger.Store) error {
		return tx.SaveVessel(ctx, &ledger.Vessel{
			ID: "v1", Name: "FV1", Status: ledger.VesselAvailable,
			CapacityL: dec("1000"),
		})
	})
	require.NoError(t, err)

	v, err := st.GetVessel(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "FV1", v.Name)
}

/*
service.go - The ledger service: entry points and volume application

PURPOSE:

	Service is what callers (HTTP handlers, CLI tooling) hold. Every mutation
	runs inside Store.WithTx: validate first, then write journal entry +
	projections together. No code path outside this file and operations.go /
	packaging.go writes Batch.CurrentVolumeL.

ENTRY POINTS:

	CreateBatch            - first liquid into an empty vessel
	AddComposition         - an external source flowing into a batch
	RemoveComposition      - soft-delete + ABV recalc
	SetBatchStatus         - lifecycle transitions
	RecordGravity          - lab readings, derives ABV
	ArchiveBatch           - hide from working lists, keep history
	CurrentState           - read projection (no side effects)
	RecordOperation        - operations.go
	DrawPackaging          - packaging.go
	RunReconciliation etc. - reconcile.go
*/
package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock lets tests pin time. Production uses time.Now.
type Clock func() time.Time

type Service struct {
	store TxStore
	now   Clock
}

func NewService(store TxStore) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// NewServiceWithClock is used by tests that need deterministic timestamps.
func NewServiceWithClock(store TxStore, now Clock) *Service {
	return &Service{store: store, now: now}
}

func newID() string { return uuid.NewString() }

// =============================================================================
// BATCH CREATION
// =============================================================================

type CreateBatchInput struct {
	Code     string
	Product  ProductKind
	Origin   OriginRef
	VesselID VesselID

	// As entered by the operator; normalized to canonical liters.
	Volume decimal.Decimal
	Unit   Unit

	// ABV of the initial liquid, if known (e.g. returned spirit).
	ABV *decimal.Decimal

	RecordedBy string
}

// CreateBatch starts a batch from a production input: pressed juice, a
// juice purchase, or a returned distillate assigned to an empty vessel.
// The initial volume is journaled as a composition_in entry so it is part
// of the auditable history like everything else.
func (s *Service) CreateBatch(ctx context.Context, in CreateBatchInput) (*Batch, error) {
	if !in.Product.Valid() {
		return nil, Validationf("product", "unknown product kind %q", string(in.Product))
	}
	if in.Volume.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("volume", "initial volume must be positive, got %s", in.Volume.String())
	}
	canonical, err := ToCanonical(in.Volume, in.Unit, DimensionVolume)
	if err != nil {
		return nil, err
	}
	source, err := sourceForOrigin(in.Origin)
	if err != nil {
		return nil, err
	}

	now := s.now()
	batch := &Batch{
		ID:             BatchID(newID()),
		Code:           in.Code,
		Product:        in.Product,
		Status:         BatchFermentation,
		Origin:         in.Origin,
		InitialVolumeL: canonical,
		CurrentVolumeL: decimal.Zero, // credited below via journal application
		EnteredValue:   in.Volume,
		EnteredUnit:    in.Unit,
		Carbonation:    StyleStill,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if batch.Code == "" {
		batch.Code = defaultBatchCode(batch.ID)
	}

	err = s.store.WithTx(ctx, func(st Store) error {
		vessel, err := st.GetVessel(ctx, in.VesselID)
		if err != nil {
			return err
		}
		if vessel.ActiveBatch != nil {
			return Validationf("vessel", "vessel %s already holds batch %s", vessel.ID, *vessel.ActiveBatch)
		}
		if err := vessel.CanReceive(decimal.Zero, canonical); err != nil {
			return err
		}
		if err := vessel.Occupy(batch.ID); err != nil {
			return err
		}
		batch.VesselID = &vessel.ID
		batch.CurrentVolumeL = canonical

		entry := Entry{
			ID:            EntryID(newID()),
			Kind:          OpCompositionIn,
			DestBatch:     &batch.ID,
			DestVessel:    &vessel.ID,
			VolumeMovedL:  canonical,
			VolumeLostL:   decimal.Zero,
			SourceBeforeL: decimal.Zero,
			SourceAfterL:  decimal.Zero,
			Payload:       CompositionPayload{Source: source, ABV: in.ABV},
			RecordedAt:    now,
			RecordedBy:    in.RecordedBy,
			ExternalRef:   in.Origin.Ref,
		}
		comp := CompositionEntry{
			ID:              CompositionID(newID()),
			BatchID:         batch.ID,
			Source:          source,
			VolumeL:         canonical,
			ABV:             in.ABV,
			FractionOfBatch: decimal.NewFromInt(1),
			RecordedAt:      now,
			RecordedBy:      in.RecordedBy,
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := st.AppendComposition(ctx, comp); err != nil {
			return err
		}
		RecalculateABV(batch, []CompositionEntry{comp})
		if err := st.SaveBatch(ctx, batch); err != nil {
			return err
		}
		vessel.UpdatedAt = now
		return st.SaveVessel(ctx, vessel)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func sourceForOrigin(o OriginRef) (SourceRef, error) {
	var kind SourceKind
	switch o.Kind {
	case OriginPressRun:
		kind = SourceBaseFruit
	case OriginJuicePurchase:
		kind = SourceJuicePurchase
	case OriginDistillery:
		kind = SourceBrandy
	default:
		return SourceRef{}, Validationf("origin", "unknown origin kind %q", string(o.Kind))
	}
	ref := SourceRef{Kind: kind, ExternalRef: o.Ref}
	if err := ref.Validate(); err != nil {
		return SourceRef{}, err
	}
	return ref, nil
}

func defaultBatchCode(id BatchID) string {
	trimmed := strings.ReplaceAll(string(id), "-", "")
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	return "B" + strings.ToUpper(trimmed)
}

// =============================================================================
// COMPOSITION
// =============================================================================

type AddCompositionInput struct {
	BatchID    BatchID
	Source     SourceRef
	Volume     decimal.Decimal
	Unit       Unit
	ABV        *decimal.Decimal
	RecordedBy string
}

// AddComposition records an external source flowing into an existing batch
// and recomputes the blend.
func (s *Service) AddComposition(ctx context.Context, in AddCompositionInput) (*CompositionEntry, error) {
	if err := in.Source.Validate(); err != nil {
		return nil, err
	}
	if in.Source.Kind == SourceBatchTransfer {
		return nil, Validationf("source", "batch transfers are recorded through the operation journal, not directly")
	}
	if in.Volume.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("volume", "contributed volume must be positive, got %s", in.Volume.String())
	}
	canonical, err := ToCanonical(in.Volume, in.Unit, DimensionVolume)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var result CompositionEntry
	err = s.store.WithTx(ctx, func(st Store) error {
		batch, err := st.GetBatch(ctx, in.BatchID)
		if err != nil {
			return err
		}
		if !batch.Active() {
			return Validationf("batch", "batch %s is %s and cannot receive volume", batch.ID, batch.Status)
		}
		if batch.VesselID == nil {
			return Validationf("batch", "batch %s has no vessel", batch.ID)
		}
		vessel, err := st.GetVessel(ctx, *batch.VesselID)
		if err != nil {
			return err
		}
		if err := vessel.CanReceive(batch.CurrentVolumeL, canonical); err != nil {
			return err
		}

		before := batch.CurrentVolumeL
		batch.CurrentVolumeL = before.Add(canonical)
		batch.UpdatedAt = now

		result = CompositionEntry{
			ID:              CompositionID(newID()),
			BatchID:         batch.ID,
			Source:          in.Source,
			VolumeL:         canonical,
			ABV:             in.ABV,
			FractionOfBatch: canonical.DivRound(batch.CurrentVolumeL, 6),
			RecordedAt:      now,
			RecordedBy:      in.RecordedBy,
		}
		entry := Entry{
			ID:            EntryID(newID()),
			Kind:          OpCompositionIn,
			DestBatch:     &batch.ID,
			DestVessel:    batch.VesselID,
			VolumeMovedL:  canonical,
			VolumeLostL:   decimal.Zero,
			SourceBeforeL: decimal.Zero,
			SourceAfterL:  decimal.Zero,
			Payload:       CompositionPayload{Source: in.Source, ABV: in.ABV},
			RecordedAt:    now,
			RecordedBy:    in.RecordedBy,
			ExternalRef:   in.Source.ExternalRef,
		}

		if err := st.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if err := st.AppendComposition(ctx, result); err != nil {
			return err
		}
		all, err := st.Compositions(ctx, batch.ID)
		if err != nil {
			return err
		}
		RecalculateABV(batch, all)
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveComposition soft-deletes an entry and recomputes the batch's ABV so
// a stale blend never persists. The batch's volume is NOT changed: volume
// corrections go through the journal as offsetting operations.
func (s *Service) RemoveComposition(ctx context.Context, batchID BatchID, id CompositionID) error {
	now := s.now()
	return s.store.WithTx(ctx, func(st Store) error {
		batch, err := st.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := st.SoftDeleteComposition(ctx, id, now); err != nil {
			return err
		}
		all, err := st.Compositions(ctx, batchID)
		if err != nil {
			return err
		}
		RecalculateABV(batch, all)
		batch.UpdatedAt = now
		return st.SaveBatch(ctx, batch)
	})
}

// =============================================================================
// LIFECYCLE AND MEASUREMENTS
// =============================================================================

// SetBatchStatus applies a lifecycle transition.
func (s *Service) SetBatchStatus(ctx context.Context, id BatchID, next BatchStatus) (*Batch, error) {
	var batch *Batch
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		batch, err = st.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if err := batch.Transition(next); err != nil {
			return err
		}
		// Discarding releases the vessel regardless of remaining volume.
		if next == BatchDiscarded && batch.VesselID != nil {
			vessel, err := st.GetVessel(ctx, *batch.VesselID)
			if err != nil {
				return err
			}
			if err := vessel.Release(VesselCleaning); err != nil {
				return err
			}
			vessel.UpdatedAt = s.now()
			if err := st.SaveVessel(ctx, vessel); err != nil {
				return err
			}
			batch.VesselID = nil
		}
		batch.UpdatedAt = s.now()
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// RecordGravity stores lab readings and derives ABV per precedence.
func (s *Service) RecordGravity(ctx context.Context, id BatchID, original, final *decimal.Decimal) (*Batch, error) {
	if original == nil && final == nil {
		return nil, Validationf("gravity", "at least one of original or final gravity is required")
	}
	var batch *Batch
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		batch, err = st.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		batch.SetGravity(original, final)
		// A fortified or blended batch keeps blend-derived ABV even when
		// gravity readings exist.
		all, err := st.Compositions(ctx, id)
		if err != nil {
			return err
		}
		RecalculateABV(batch, all)
		batch.UpdatedAt = s.now()
		return st.SaveBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// ArchiveBatch hides a terminal batch from working lists without touching
// its journal history.
func (s *Service) ArchiveBatch(ctx context.Context, id BatchID) error {
	return s.store.WithTx(ctx, func(st Store) error {
		batch, err := st.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		if !batch.Status.Terminal() {
			return Validationf("batch", "batch %s is %s; only completed or discarded batches can be archived", id, batch.Status)
		}
		batch.Archived = true
		batch.UpdatedAt = s.now()
		return st.SaveBatch(ctx, batch)
	})
}

// =============================================================================
// READ SURFACE - no side effects
// =============================================================================

// CurrentState returns the volume/abv/status projection for a batch.
func (s *Service) CurrentState(ctx context.Context, id BatchID) (*CurrentState, error) {
	batch, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	state := batch.State()
	return &state, nil
}

// Journal returns a batch's full operation history.
func (s *Service) Journal(ctx context.Context, id BatchID) ([]Entry, error) {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, id)
}

// Composition returns a batch's live and deleted composition entries.
func (s *Service) Composition(ctx context.Context, id BatchID) ([]CompositionEntry, error) {
	if _, err := s.store.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Compositions(ctx, id)
}

// =============================================================================
// INTERNAL VOLUME APPLICATION
// =============================================================================

// debitSource removes volume from a batch, snapshotting before/after on the
// entry and cascading the vessel release when the batch drains. The only
// other volume-writing paths are the credit helpers below.
func (s *Service) debitSource(ctx context.Context, st Store, batch *Batch, entry *Entry, releaseTo VesselStatus) error {
	spend := entry.VolumeMovedL.Add(entry.VolumeLostL)
	if spend.GreaterThan(batch.CurrentVolumeL.Add(VolumeEpsilon)) {
		return &InsufficientVolumeError{
			BatchID:    batch.ID,
			AvailableL: batch.CurrentVolumeL,
			RequestedL: spend,
		}
	}
	entry.SourceBeforeL = batch.CurrentVolumeL
	batch.CurrentVolumeL = batch.CurrentVolumeL.Sub(spend)
	if batch.CurrentVolumeL.IsNegative() {
		batch.CurrentVolumeL = decimal.Zero // absorb epsilon-scale rounding
	}
	entry.SourceAfterL = batch.CurrentVolumeL
	batch.UpdatedAt = entry.RecordedAt

	if err := entry.CheckConservation(); err != nil {
		return err
	}

	if batch.Drained() && batch.VesselID != nil {
		vessel, err := st.GetVessel(ctx, *batch.VesselID)
		if err != nil {
			return err
		}
		if err := vessel.Release(releaseTo); err != nil {
			return err
		}
		vessel.UpdatedAt = entry.RecordedAt
		if err := st.SaveVessel(ctx, vessel); err != nil {
			return err
		}
		batch.VesselID = nil
	}
	return nil
}

// creditDestination adds volume to a batch inside its vessel, enforcing
// capacity and occupying the vessel when it was empty.
func creditDestination(ctx context.Context, st Store, batch *Batch, vessel *Vessel, volumeL decimal.Decimal, at time.Time) error {
	if err := vessel.CanReceive(batch.CurrentVolumeL, volumeL); err != nil {
		return err
	}
	if vessel.ActiveBatch == nil {
		if err := vessel.Occupy(batch.ID); err != nil {
			return err
		}
	} else if *vessel.ActiveBatch != batch.ID {
		return Validationf("vessel", "vessel %s already holds batch %s", vessel.ID, *vessel.ActiveBatch)
	}
	batch.CurrentVolumeL = batch.CurrentVolumeL.Add(volumeL)
	batch.VesselID = &vessel.ID
	batch.UpdatedAt = at
	vessel.UpdatedAt = at
	return st.SaveVessel(ctx, vessel)
}

// guardIdempotency rejects duplicate keys before any write.
func guardIdempotency(ctx context.Context, st Store, key string) error {
	if key == "" {
		return nil
	}
	exists, err := st.EntryExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

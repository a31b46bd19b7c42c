/*
store.go - Persistence interfaces for the ledger

PURPOSE:

	Defines the boundary between the engine and the database. The journal is
	append-only by interface shape: there is no UpdateEntry or DeleteEntry.
	Batches and vessels are materialized projections the engine rewrites
	inside the same transaction that appends the entries that changed them.

ATOMICITY:

	Every mutating service operation runs inside TxStore.WithTx. Either all
	of an operation's effects (journal entry, batch volumes, vessel status,
	lot allocation) commit, or none do. Implementations serialize writers so
	volume checks and decrements cannot interleave.

IMPLEMENTATIONS:
  - ledger/store: in-memory, for tests and development
  - store/sqlite: production SQLite, WAL, constraint-backed lot uniqueness
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of ledger state.
// The journal portion is APPEND-ONLY: corrections are offsetting entries.
type Store interface {
	// --- batches (materialized projection) ---

	GetBatch(ctx context.Context, id BatchID) (*Batch, error)
	SaveBatch(ctx context.Context, b *Batch) error
	ListBatches(ctx context.Context, includeArchived bool) ([]*Batch, error)

	// --- vessels (registry) ---

	GetVessel(ctx context.Context, id VesselID) (*Vessel, error)
	SaveVessel(ctx context.Context, v *Vessel) error
	ListVessels(ctx context.Context) ([]*Vessel, error)

	// --- operation journal (append-only) ---

	// AppendEntry persists a journal entry. Fails with
	// ErrDuplicateIdempotencyKey when the key already exists.
	AppendEntry(ctx context.Context, e Entry) error

	// Entries returns a batch's journal, chronologically. An entry appears
	// in the journals of both its source and destination batches.
	Entries(ctx context.Context, batchID BatchID) ([]Entry, error)

	// EntriesInRange returns all entries recorded in [from, to].
	EntriesInRange(ctx context.Context, from, to time.Time) ([]Entry, error)

	// EntryExists reports whether an idempotency key is already used.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	// --- composition ledger ---

	AppendComposition(ctx context.Context, e CompositionEntry) error
	Compositions(ctx context.Context, batchID BatchID) ([]CompositionEntry, error)

	// SoftDeleteComposition marks an entry deleted; the row is retained.
	SoftDeleteComposition(ctx context.Context, id CompositionID, at time.Time) error

	// --- packaging ---

	// NextLotSequence allocates the next sequence number for batchCode on
	// lotDate. Must be called inside the same transaction as the draw-down
	// write; implementations back it with a uniqueness guarantee.
	NextLotSequence(ctx context.Context, batchCode string, lotDate time.Time) (int, error)

	SaveFinishedUnits(ctx context.Context, units []FinishedUnit) error
	FinishedUnits(ctx context.Context, batchID BatchID) ([]FinishedUnit, error)

	// --- reconciliation ---

	SaveSnapshot(ctx context.Context, s *ReconciliationSnapshot) error
	GetSnapshot(ctx context.Context, id SnapshotID) (*ReconciliationSnapshot, error)
	ListSnapshots(ctx context.Context) ([]*ReconciliationSnapshot, error)

	// SnapshotsForPeriod returns all snapshots (draft, finalized,
	// superseded corrections) covering exactly [start, end].
	SnapshotsForPeriod(ctx context.Context, start, end time.Time) ([]*ReconciliationSnapshot, error)

	// LatestFinalizedBefore returns the most recent finalized snapshot
	// whose period ends at or before t, or ErrSnapshotNotFound.
	LatestFinalizedBefore(ctx context.Context, t time.Time) (*ReconciliationSnapshot, error)
}

// TxStore wraps Store with transaction support. WithTx serializes writers:
// fn sees a consistent view, and a returned error rolls everything back.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	batches      map[ledger.BatchID]*ledger.Batch
	vessels      map[ledger.VesselID]*ledger.Vessel
	entries      []ledger.Entry
	idempotency  map[string]bool
	compositions map[ledger.BatchID][]ledger.CompositionEntry
	lotSequences map[lotKey]int
	finished     map[ledger.BatchID][]ledger.FinishedUnit
	snapshots    map[ledger.SnapshotID]*ledger.ReconciliationSnapshot
}

type lotKey struct {
	BatchCode string
	Day       string // YYMMDD
}

func NewMemory() *Memory {
	return &Memory{
		batches:      make(map[ledger.BatchID]*ledger.Batch),
		vessels:      make(map[ledger.VesselID]*ledger.Vessel),
		idempotency:  make(map[string]bool),
		compositions: make(map[ledger.BatchID][]ledger.CompositionEntry),
		lotSequences: make(map[lotKey]int),
		finished:     make(map[ledger.BatchID][]ledger.FinishedUnit),
		snapshots:    make(map[ledger.SnapshotID]*ledger.ReconciliationSnapshot),
	}
}

// --- batches ---

func (m *Memory) GetBatch(_ context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBatchLocked(id)
}

func (m *Memory) getBatchLocked(id ledger.BatchID) (*ledger.Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, ledger.ErrBatchNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) SaveBatch(_ context.Context, b *ledger.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveBatchLocked(b)
}

func (m *Memory) saveBatchLocked(b *ledger.Batch) error {
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *Memory) ListBatches(_ context.Context, includeArchived bool) ([]*ledger.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBatchesLocked(includeArchived), nil
}

func (m *Memory) listBatchesLocked(includeArchived bool) []*ledger.Batch {
	out := make([]*ledger.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		if b.Archived && !includeArchived {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// --- vessels ---

func (m *Memory) GetVessel(_ context.Context, id ledger.VesselID) (*ledger.Vessel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getVesselLocked(id)
}

func (m *Memory) getVesselLocked(id ledger.VesselID) (*ledger.Vessel, error) {
	v, ok := m.vessels[id]
	if !ok {
		return nil, ledger.ErrVesselNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) SaveVessel(_ context.Context, v *ledger.Vessel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveVesselLocked(v)
}

func (m *Memory) saveVesselLocked(v *ledger.Vessel) error {
	cp := *v
	m.vessels[v.ID] = &cp
	return nil
}

func (m *Memory) ListVessels(_ context.Context) ([]*ledger.Vessel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listVesselsLocked(), nil
}

func (m *Memory) listVesselsLocked() []*ledger.Vessel {
	out := make([]*ledger.Vessel, 0, len(m.vessels))
	for _, v := range m.vessels {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// --- journal ---

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEntryLocked(e)
}

func (m *Memory) appendEntryLocked(e ledger.Entry) error {
	if e.IdempotencyKey != "" && m.idempotency[e.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	// Binary search for insertion point: the journal stays chronological.
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].RecordedAt.After(e.RecordedAt)
	})
	m.entries = append(m.entries, ledger.Entry{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e

	if e.IdempotencyKey != "" {
		m.idempotency[e.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Entries(_ context.Context, batchID ledger.BatchID) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(batchID), nil
}

func (m *Memory) entriesLocked(batchID ledger.BatchID) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range m.entries {
		if touchesBatch(e, batchID) {
			out = append(out, e)
		}
	}
	return out
}

func touchesBatch(e ledger.Entry, id ledger.BatchID) bool {
	if e.SourceBatch != nil && *e.SourceBatch == id {
		return true
	}
	return e.DestBatch != nil && *e.DestBatch == id
}

func (m *Memory) EntriesInRange(_ context.Context, from, to time.Time) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesInRangeLocked(from, to), nil
}

func (m *Memory) entriesInRangeLocked(from, to time.Time) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range m.entries {
		if !e.RecordedAt.Before(from) && !e.RecordedAt.After(to) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// --- compositions ---

func (m *Memory) AppendComposition(_ context.Context, e ledger.CompositionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendCompositionLocked(e)
}

func (m *Memory) appendCompositionLocked(e ledger.CompositionEntry) error {
	m.compositions[e.BatchID] = append(m.compositions[e.BatchID], e)
	return nil
}

func (m *Memory) Compositions(_ context.Context, batchID ledger.BatchID) ([]ledger.CompositionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.compositionsLocked(batchID), nil
}

func (m *Memory) compositionsLocked(batchID ledger.BatchID) []ledger.CompositionEntry {
	src := m.compositions[batchID]
	out := make([]ledger.CompositionEntry, len(src))
	copy(out, src)
	return out
}

func (m *Memory) SoftDeleteComposition(_ context.Context, id ledger.CompositionID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDeleteCompositionLocked(id, at)
}

func (m *Memory) softDeleteCompositionLocked(id ledger.CompositionID, at time.Time) error {
	for batchID, entries := range m.compositions {
		for i := range entries {
			if entries[i].ID == id {
				if entries[i].DeletedAt == nil {
					t := at
					m.compositions[batchID][i].DeletedAt = &t
				}
				return nil
			}
		}
	}
	return ledger.ErrCompositionNotFound
}

// --- packaging ---

func (m *Memory) NextLotSequence(_ context.Context, batchCode string, lotDate time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLotSequenceLocked(batchCode, lotDate), nil
}

func (m *Memory) nextLotSequenceLocked(batchCode string, lotDate time.Time) int {
	k := lotKey{BatchCode: batchCode, Day: lotDate.Format("060102")}
	m.lotSequences[k]++
	return m.lotSequences[k]
}

func (m *Memory) SaveFinishedUnits(_ context.Context, units []ledger.FinishedUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveFinishedUnitsLocked(units)
}

func (m *Memory) saveFinishedUnitsLocked(units []ledger.FinishedUnit) error {
	for _, u := range units {
		m.finished[u.BatchID] = append(m.finished[u.BatchID], u)
	}
	return nil
}

func (m *Memory) FinishedUnits(_ context.Context, batchID ledger.BatchID) ([]ledger.FinishedUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finishedUnitsLocked(batchID), nil
}

func (m *Memory) finishedUnitsLocked(batchID ledger.BatchID) []ledger.FinishedUnit {
	src := m.finished[batchID]
	out := make([]ledger.FinishedUnit, len(src))
	copy(out, src)
	return out
}

// --- reconciliation ---

func (m *Memory) SaveSnapshot(_ context.Context, s *ledger.ReconciliationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveSnapshotLocked(s)
}

func (m *Memory) saveSnapshotLocked(s *ledger.ReconciliationSnapshot) error {
	cp := *s
	cp.Adjustments = append([]ledger.Adjustment(nil), s.Adjustments...)
	m.snapshots[s.ID] = &cp
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSnapshotLocked(id)
}

func (m *Memory) getSnapshotLocked(id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ledger.ErrSnapshotNotFound
	}
	cp := *s
	cp.Adjustments = append([]ledger.Adjustment(nil), s.Adjustments...)
	return &cp, nil
}

func (m *Memory) ListSnapshots(_ context.Context) ([]*ledger.ReconciliationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listSnapshotsLocked(), nil
}

func (m *Memory) listSnapshotsLocked() []*ledger.ReconciliationSnapshot {
	out := make([]*ledger.ReconciliationSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		cp := *s
		cp.Adjustments = append([]ledger.Adjustment(nil), s.Adjustments...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.After(out[j].PeriodStart) })
	return out
}

func (m *Memory) SnapshotsForPeriod(_ context.Context, start, end time.Time) ([]*ledger.ReconciliationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ledger.ReconciliationSnapshot
	for _, s := range m.snapshots {
		if s.PeriodStart.Equal(start) && s.PeriodEnd.Equal(end) {
			cp := *s
			cp.Adjustments = append([]ledger.Adjustment(nil), s.Adjustments...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) LatestFinalizedBefore(_ context.Context, t time.Time) (*ledger.ReconciliationSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestFinalizedBeforeLocked(t)
}

func (m *Memory) latestFinalizedBeforeLocked(t time.Time) (*ledger.ReconciliationSnapshot, error) {
	var best *ledger.ReconciliationSnapshot
	for _, s := range m.snapshots {
		if s.Status != ledger.SnapshotFinalized || s.PeriodEnd.After(t) {
			continue
		}
		if best == nil || s.PeriodEnd.After(best.PeriodEnd) {
			best = s
		}
	}
	if best == nil {
		return nil, ledger.ErrSnapshotNotFound
	}
	cp := *best
	cp.Adjustments = append([]ledger.Adjustment(nil), best.Adjustments...)
	return &cp, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction. For the memory store this is
// simulated with a snapshot restored on error. The store lock is held for
// the whole function, which also serializes writers.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snap := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	batches      map[ledger.BatchID]*ledger.Batch
	vessels      map[ledger.VesselID]*ledger.Vessel
	entries      []ledger.Entry
	idempotency  map[string]bool
	compositions map[ledger.BatchID][]ledger.CompositionEntry
	lotSequences map[lotKey]int
	finished     map[ledger.BatchID][]ledger.FinishedUnit
	snapshots    map[ledger.SnapshotID]*ledger.ReconciliationSnapshot
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		batches:      make(map[ledger.BatchID]*ledger.Batch, len(tm.batches)),
		vessels:      make(map[ledger.VesselID]*ledger.Vessel, len(tm.vessels)),
		entries:      append([]ledger.Entry(nil), tm.entries...),
		idempotency:  make(map[string]bool, len(tm.idempotency)),
		compositions: make(map[ledger.BatchID][]ledger.CompositionEntry, len(tm.compositions)),
		lotSequences: make(map[lotKey]int, len(tm.lotSequences)),
		finished:     make(map[ledger.BatchID][]ledger.FinishedUnit, len(tm.finished)),
		snapshots:    make(map[ledger.SnapshotID]*ledger.ReconciliationSnapshot, len(tm.snapshots)),
	}
	for k, v := range tm.batches {
		cp := *v
		s.batches[k] = &cp
	}
	for k, v := range tm.vessels {
		cp := *v
		s.vessels[k] = &cp
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.compositions {
		s.compositions[k] = append([]ledger.CompositionEntry(nil), v...)
	}
	for k, v := range tm.lotSequences {
		s.lotSequences[k] = v
	}
	for k, v := range tm.finished {
		s.finished[k] = append([]ledger.FinishedUnit(nil), v...)
	}
	for k, v := range tm.snapshots {
		cp := *v
		cp.Adjustments = append([]ledger.Adjustment(nil), v.Adjustments...)
		s.snapshots[k] = &cp
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.batches = s.batches
	tm.vessels = s.vessels
	tm.entries = s.entries
	tm.idempotency = s.idempotency
	tm.compositions = s.compositions
	tm.lotSequences = s.lotSequences
	tm.finished = s.finished
	tm.snapshots = s.snapshots
}

// txMemoryView calls the parent's locked internals directly; the lock is
// already held by WithTx.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetBatch(_ context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	return tv.parent.getBatchLocked(id)
}

func (tv *txMemoryView) SaveBatch(_ context.Context, b *ledger.Batch) error {
	return tv.parent.saveBatchLocked(b)
}

func (tv *txMemoryView) ListBatches(_ context.Context, includeArchived bool) ([]*ledger.Batch, error) {
	return tv.parent.listBatchesLocked(includeArchived), nil
}

func (tv *txMemoryView) GetVessel(_ context.Context, id ledger.VesselID) (*ledger.Vessel, error) {
	return tv.parent.getVesselLocked(id)
}

func (tv *txMemoryView) SaveVessel(_ context.Context, v *ledger.Vessel) error {
	return tv.parent.saveVesselLocked(v)
}

func (tv *txMemoryView) ListVessels(_ context.Context) ([]*ledger.Vessel, error) {
	return tv.parent.listVesselsLocked(), nil
}

func (tv *txMemoryView) AppendEntry(_ context.Context, e ledger.Entry) error {
	return tv.parent.appendEntryLocked(e)
}

func (tv *txMemoryView) Entries(_ context.Context, batchID ledger.BatchID) ([]ledger.Entry, error) {
	return tv.parent.entriesLocked(batchID), nil
}

func (tv *txMemoryView) EntriesInRange(_ context.Context, from, to time.Time) ([]ledger.Entry, error) {
	return tv.parent.entriesInRangeLocked(from, to), nil
}

func (tv *txMemoryView) EntryExists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

func (tv *txMemoryView) AppendComposition(_ context.Context, e ledger.CompositionEntry) error {
	return tv.parent.appendCompositionLocked(e)
}

func (tv *txMemoryView) Compositions(_ context.Context, batchID ledger.BatchID) ([]ledger.CompositionEntry, error) {
	return tv.parent.compositionsLocked(batchID), nil
}

func (tv *txMemoryView) SoftDeleteComposition(_ context.Context, id ledger.CompositionID, at time.Time) error {
	return tv.parent.softDeleteCompositionLocked(id, at)
}

func (tv *txMemoryView) NextLotSequence(_ context.Context, batchCode string, lotDate time.Time) (int, error) {
	return tv.parent.nextLotSequenceLocked(batchCode, lotDate), nil
}

func (tv *txMemoryView) SaveFinishedUnits(_ context.Context, units []ledger.FinishedUnit) error {
	return tv.parent.saveFinishedUnitsLocked(units)
}

func (tv *txMemoryView) FinishedUnits(_ context.Context, batchID ledger.BatchID) ([]ledger.FinishedUnit, error) {
	return tv.parent.finishedUnitsLocked(batchID), nil
}

func (tv *txMemoryView) SaveSnapshot(_ context.Context, s *ledger.ReconciliationSnapshot) error {
	return tv.parent.saveSnapshotLocked(s)
}

func (tv *txMemoryView) GetSnapshot(_ context.Context, id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	return tv.parent.getSnapshotLocked(id)
}

func (tv *txMemoryView) ListSnapshots(_ context.Context) ([]*ledger.ReconciliationSnapshot, error) {
	return tv.parent.listSnapshotsLocked(), nil
}

func (tv *txMemoryView) SnapshotsForPeriod(_ context.Context, start, end time.Time) ([]*ledger.ReconciliationSnapshot, error) {
	var out []*ledger.ReconciliationSnapshot
	for _, s := range tv.parent.snapshots {
		if s.PeriodStart.Equal(start) && s.PeriodEnd.Equal(end) {
			cp := *s
			cp.Adjustments = append([]ledger.Adjustment(nil), s.Adjustments...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (tv *txMemoryView) LatestFinalizedBefore(_ context.Context, t time.Time) (*ledger.ReconciliationSnapshot, error) {
	return tv.parent.latestFinalizedBeforeLocked(t)
}

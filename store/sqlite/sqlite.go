/*
Package sqlite provides a SQLite-backed implementation of ledger.TxStore.

PURPOSE:

	Implements the full persistence surface (batches, vessels, journal,
	compositions, packaging, reconciliation snapshots) using SQLite. In
	production the same patterns apply to PostgreSQL - only minor SQL
	dialect differences.

APPEND-ONLY ENFORCEMENT:

	The journal is write-once:
	- No UPDATE statements on journal_entries
	- No DELETE statements on journal_entries
	- Corrections via offsetting entries only
	Compositions are soft-deleted (deleted_at set), never removed.

KEY TABLES:

	journal_entries: Immutable record of every volume-affecting operation
	batches:         Materialized projection rewritten in the same tx
	vessels:         Vessel registry with occupancy
	compositions:    Per-batch provenance ledger
	lot_sequences:   Per-batch per-day counters backing lot code uniqueness
	finished_units:  Packaging runs with lot codes
	snapshots:       Reconciliation snapshots (adjustments embedded as JSON)

CONCURRENCY:

	sync.RWMutex serializes writers on top of SQLite's single-writer model.
	WAL mode keeps readers unblocked. Lot codes are additionally protected
	by a UNIQUE index on finished_units.lot_code, so two racing draw-downs
	can never both commit the same code.

USAGE:

	store, err := sqlite.New("./data/cidery.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	svc := ledger.NewService(store)

MIGRATION:

	Schema is auto-migrated on New(). For production, use a proper
	migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// timeLayout is fixed-width so lexicographic TEXT comparison matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Batches (materialized projection of the journal)
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		product TEXT NOT NULL,
		status TEXT NOT NULL,
		origin_kind TEXT NOT NULL,
		origin_ref TEXT,
		vessel_id TEXT,
		initial_volume_l TEXT NOT NULL,
		current_volume_l TEXT NOT NULL,
		entered_value TEXT NOT NULL,
		entered_unit TEXT NOT NULL,
		estimated_abv TEXT,
		actual_abv TEXT,
		original_gravity TEXT,
		final_gravity TEXT,
		carbonation TEXT NOT NULL,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);
	CREATE INDEX IF NOT EXISTS idx_batches_vessel ON batches(vessel_id)
		WHERE vessel_id IS NOT NULL;

	-- Vessels
	CREATE TABLE IF NOT EXISTS vessels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		capacity_l TEXT NOT NULL,
		pressure_rated_kpa TEXT,
		active_batch TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Journal (append-only)
	CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		source_batch TEXT,
		source_vessel TEXT,
		dest_batch TEXT,
		dest_vessel TEXT,
		volume_moved_l TEXT NOT NULL,
		volume_lost_l TEXT NOT NULL,
		source_before_l TEXT NOT NULL,
		source_after_l TEXT NOT NULL,
		external_ref TEXT,
		payload_json TEXT,
		recorded_at TEXT NOT NULL,
		recorded_by TEXT,
		idempotency_key TEXT UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_entries_source_batch
		ON journal_entries(source_batch) WHERE source_batch IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_dest_batch
		ON journal_entries(dest_batch) WHERE dest_batch IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_recorded_at
		ON journal_entries(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_entries_external_ref
		ON journal_entries(external_ref) WHERE external_ref IS NOT NULL;

	-- Compositions (soft-deleted, never removed)
	CREATE TABLE IF NOT EXISTS compositions (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		external_ref TEXT,
		from_batch TEXT,
		volume_l TEXT NOT NULL,
		abv TEXT,
		fraction TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		recorded_by TEXT,
		deleted_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_compositions_batch ON compositions(batch_id);

	-- Lot sequences (per batch code, per calendar day)
	CREATE TABLE IF NOT EXISTS lot_sequences (
		batch_code TEXT NOT NULL,
		lot_date TEXT NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (batch_code, lot_date)
	);

	-- Finished units (packaging output)
	CREATE TABLE IF NOT EXISTS finished_units (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		lot_code TEXT NOT NULL UNIQUE,
		unit_size_l TEXT NOT NULL,
		units INTEGER NOT NULL,
		style TEXT NOT NULL,
		packed_at TEXT NOT NULL,
		packed_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_finished_batch ON finished_units(batch_id);

	-- Reconciliation snapshots
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		opening_l TEXT NOT NULL,
		production_l TEXT NOT NULL,
		tax_paid_removals_l TEXT NOT NULL,
		other_losses_l TEXT NOT NULL,
		calculated_closing_l TEXT NOT NULL,
		physical_count_l TEXT NOT NULL,
		variance_l TEXT NOT NULL,
		status TEXT NOT NULL,
		supersedes TEXT,
		adjustments_json TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT,
		finalized_at TEXT,
		finalized_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_period
		ON snapshots(period_start, period_end);
	CREATE INDEX IF NOT EXISTS idx_snapshots_status
		ON snapshots(status, period_end);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// BATCHES
// =============================================================================

const batchColumns = `id, code, product, status, origin_kind, origin_ref, vessel_id,
	initial_volume_l, current_volume_l, entered_value, entered_unit,
	estimated_abv, actual_abv, original_gravity, final_gravity,
	carbonation, archived, created_at, updated_at`

func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBatch(ctx, s.db, id)
}

func getBatch(ctx context.Context, db dbtx, id ledger.BatchID) (*ledger.Batch, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, string(id))
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrBatchNotFound
	}
	return b, err
}

func (s *Store) SaveBatch(ctx context.Context, b *ledger.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBatch(ctx, s.db, b)
}

func saveBatch(ctx context.Context, db dbtx, b *ledger.Batch) error {
	query := `
		INSERT INTO batches (` + batchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			product = excluded.product,
			status = excluded.status,
			origin_kind = excluded.origin_kind,
			origin_ref = excluded.origin_ref,
			vessel_id = excluded.vessel_id,
			initial_volume_l = excluded.initial_volume_l,
			current_volume_l = excluded.current_volume_l,
			entered_value = excluded.entered_value,
			entered_unit = excluded.entered_unit,
			estimated_abv = excluded.estimated_abv,
			actual_abv = excluded.actual_abv,
			original_gravity = excluded.original_gravity,
			final_gravity = excluded.final_gravity,
			carbonation = excluded.carbonation,
			archived = excluded.archived,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		string(b.ID),
		b.Code,
		string(b.Product),
		string(b.Status),
		string(b.Origin.Kind),
		nullString(b.Origin.Ref),
		nullVessel(b.VesselID),
		b.InitialVolumeL.String(),
		b.CurrentVolumeL.String(),
		b.EnteredValue.String(),
		string(b.EnteredUnit),
		nullDecimal(b.EstimatedABV),
		nullDecimal(b.ActualABV),
		nullDecimal(b.OriginalGravity),
		nullDecimal(b.FinalGravity),
		string(b.Carbonation),
		b.Archived,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConcurrencyConflictError{Resource: "batch", ID: string(b.ID)}
		}
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *Store) ListBatches(ctx context.Context, includeArchived bool) ([]*ledger.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBatches(ctx, s.db, includeArchived)
}

func listBatches(ctx context.Context, db dbtx, includeArchived bool) ([]*ledger.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches`
	if !includeArchived {
		query += ` WHERE archived = FALSE`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*ledger.Batch, error) {
	var (
		b               ledger.Batch
		originRef       sql.NullString
		vesselID        sql.NullString
		initial         string
		current         string
		enteredValue    string
		estimatedABV    sql.NullString
		actualABV       sql.NullString
		originalGravity sql.NullString
		finalGravity    sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := row.Scan(
		&b.ID, &b.Code, &b.Product, &b.Status, &b.Origin.Kind, &originRef,
		&vesselID, &initial, &current, &enteredValue, &b.EnteredUnit,
		&estimatedABV, &actualABV, &originalGravity, &finalGravity,
		&b.Carbonation, &b.Archived, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	b.Origin.Ref = originRef.String
	if vesselID.Valid {
		v := ledger.VesselID(vesselID.String)
		b.VesselID = &v
	}
	if b.InitialVolumeL, err = decimal.NewFromString(initial); err != nil {
		return nil, fmt.Errorf("corrupt initial_volume_l: %w", err)
	}
	if b.CurrentVolumeL, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("corrupt current_volume_l: %w", err)
	}
	if b.EnteredValue, err = decimal.NewFromString(enteredValue); err != nil {
		return nil, fmt.Errorf("corrupt entered_value: %w", err)
	}
	if b.EstimatedABV, err = parseNullDecimal(estimatedABV); err != nil {
		return nil, err
	}
	if b.ActualABV, err = parseNullDecimal(actualABV); err != nil {
		return nil, err
	}
	if b.OriginalGravity, err = parseNullDecimal(originalGravity); err != nil {
		return nil, err
	}
	if b.FinalGravity, err = parseNullDecimal(finalGravity); err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// =============================================================================
// VESSELS
// =============================================================================

const vesselColumns = `id, name, status, capacity_l, pressure_rated_kpa,
	active_batch, created_at, updated_at`

func (s *Store) GetVessel(ctx context.Context, id ledger.VesselID) (*ledger.Vessel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getVessel(ctx, s.db, id)
}

func getVessel(ctx context.Context, db dbtx, id ledger.VesselID) (*ledger.Vessel, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+vesselColumns+` FROM vessels WHERE id = ?`, string(id))
	v, err := scanVessel(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrVesselNotFound
	}
	return v, err
}

func (s *Store) SaveVessel(ctx context.Context, v *ledger.Vessel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveVessel(ctx, s.db, v)
}

func saveVessel(ctx context.Context, db dbtx, v *ledger.Vessel) error {
	query := `
		INSERT INTO vessels (` + vesselColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			capacity_l = excluded.capacity_l,
			pressure_rated_kpa = excluded.pressure_rated_kpa,
			active_batch = excluded.active_batch,
			updated_at = excluded.updated_at
	`
	var activeBatch sql.NullString
	if v.ActiveBatch != nil {
		activeBatch = sql.NullString{String: string(*v.ActiveBatch), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		string(v.ID),
		v.Name,
		string(v.Status),
		v.CapacityL.String(),
		nullDecimal(v.PressureRatedKPa),
		activeBatch,
		formatTime(v.CreatedAt),
		formatTime(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save vessel: %w", err)
	}
	return nil
}

func (s *Store) ListVessels(ctx context.Context) ([]*ledger.Vessel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listVessels(ctx, s.db)
}

func listVessels(ctx context.Context, db dbtx) ([]*ledger.Vessel, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+vesselColumns+` FROM vessels ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vessels: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Vessel
	for rows.Next() {
		v, err := scanVessel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVessel(row rowScanner) (*ledger.Vessel, error) {
	var (
		v           ledger.Vessel
		capacity    string
		pressure    sql.NullString
		activeBatch sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&v.ID, &v.Name, &v.Status, &capacity, &pressure,
		&activeBatch, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if v.CapacityL, err = decimal.NewFromString(capacity); err != nil {
		return nil, fmt.Errorf("corrupt capacity_l: %w", err)
	}
	if v.PressureRatedKPa, err = parseNullDecimal(pressure); err != nil {
		return nil, err
	}
	if activeBatch.Valid {
		id := ledger.BatchID(activeBatch.String)
		v.ActiveBatch = &id
	}
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	return &v, nil
}

// =============================================================================
// JOURNAL (append-only)
// =============================================================================

const entryColumns = `id, kind, source_batch, source_vessel, dest_batch, dest_vessel,
	volume_moved_l, volume_lost_l, source_before_l, source_after_l,
	external_ref, payload_json, recorded_at, recorded_by, idempotency_key`

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, db dbtx, e ledger.Entry) error {
	payloadJSON, err := ledger.MarshalPayload(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO journal_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		string(e.ID),
		string(e.Kind),
		nullBatch(e.SourceBatch),
		nullVessel(e.SourceVessel),
		nullBatch(e.DestBatch),
		nullVessel(e.DestVessel),
		e.VolumeMovedL.String(),
		e.VolumeLostL.String(),
		e.SourceBeforeL.String(),
		e.SourceAfterL.String(),
		nullString(e.ExternalRef),
		string(payloadJSON),
		formatTime(e.RecordedAt),
		nullString(e.RecordedBy),
		nullString(e.IdempotencyKey),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func (s *Store) Entries(ctx context.Context, batchID ledger.BatchID) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, batchEntriesQuery, string(batchID), string(batchID))
}

func (s *Store) EntriesInRange(ctx context.Context, from, to time.Time) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db, rangeEntriesQuery, formatTime(from), formatTime(to))
}

const batchEntriesQuery = `
	SELECT ` + entryColumns + ` FROM journal_entries
	WHERE source_batch = ? OR dest_batch = ?
	ORDER BY recorded_at ASC, id ASC
`

const rangeEntriesQuery = `
	SELECT ` + entryColumns + ` FROM journal_entries
	WHERE recorded_at >= ? AND recorded_at <= ?
	ORDER BY recorded_at ASC, id ASC
`

func (s *Store) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryExists(ctx, s.db, idempotencyKey)
}

func entryExists(ctx context.Context, db dbtx, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal_entries WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e              ledger.Entry
		sourceBatch    sql.NullString
		sourceVessel   sql.NullString
		destBatch      sql.NullString
		destVessel     sql.NullString
		moved          string
		lost           string
		before         string
		after          string
		externalRef    sql.NullString
		payloadJSON    sql.NullString
		recordedAt     string
		recordedBy     sql.NullString
		idempotencyKey sql.NullString
	)

	err := rows.Scan(&e.ID, &e.Kind, &sourceBatch, &sourceVessel, &destBatch,
		&destVessel, &moved, &lost, &before, &after, &externalRef,
		&payloadJSON, &recordedAt, &recordedBy, &idempotencyKey)
	if err != nil {
		return e, fmt.Errorf("failed to scan journal entry: %w", err)
	}

	if sourceBatch.Valid {
		id := ledger.BatchID(sourceBatch.String)
		e.SourceBatch = &id
	}
	if sourceVessel.Valid {
		id := ledger.VesselID(sourceVessel.String)
		e.SourceVessel = &id
	}
	if destBatch.Valid {
		id := ledger.BatchID(destBatch.String)
		e.DestBatch = &id
	}
	if destVessel.Valid {
		id := ledger.VesselID(destVessel.String)
		e.DestVessel = &id
	}
	if e.VolumeMovedL, err = decimal.NewFromString(moved); err != nil {
		return e, fmt.Errorf("corrupt volume_moved_l: %w", err)
	}
	if e.VolumeLostL, err = decimal.NewFromString(lost); err != nil {
		return e, fmt.Errorf("corrupt volume_lost_l: %w", err)
	}
	if e.SourceBeforeL, err = decimal.NewFromString(before); err != nil {
		return e, fmt.Errorf("corrupt source_before_l: %w", err)
	}
	if e.SourceAfterL, err = decimal.NewFromString(after); err != nil {
		return e, fmt.Errorf("corrupt source_after_l: %w", err)
	}
	e.ExternalRef = externalRef.String
	e.RecordedAt = parseTime(recordedAt)
	e.RecordedBy = recordedBy.String
	e.IdempotencyKey = idempotencyKey.String

	if e.Payload, err = ledger.UnmarshalPayload(e.Kind, []byte(payloadJSON.String)); err != nil {
		return e, fmt.Errorf("corrupt payload for entry %s: %w", e.ID, err)
	}
	return e, nil
}

// =============================================================================
// COMPOSITIONS
// =============================================================================

const compositionColumns = `id, batch_id, source_kind, external_ref, from_batch,
	volume_l, abv, fraction, recorded_at, recorded_by, deleted_at`

func (s *Store) AppendComposition(ctx context.Context, e ledger.CompositionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendComposition(ctx, s.db, e)
}

func appendComposition(ctx context.Context, db dbtx, e ledger.CompositionEntry) error {
	query := `
		INSERT INTO compositions (` + compositionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var deletedAt sql.NullString
	if e.DeletedAt != nil {
		deletedAt = sql.NullString{String: formatTime(*e.DeletedAt), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		string(e.ID),
		string(e.BatchID),
		string(e.Source.Kind),
		nullString(e.Source.ExternalRef),
		nullBatch(e.Source.FromBatch),
		e.VolumeL.String(),
		nullDecimal(e.ABV),
		e.FractionOfBatch.String(),
		formatTime(e.RecordedAt),
		nullString(e.RecordedBy),
		deletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append composition: %w", err)
	}
	return nil
}

func (s *Store) Compositions(ctx context.Context, batchID ledger.BatchID) ([]ledger.CompositionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryCompositions(ctx, s.db, batchID)
}

func queryCompositions(ctx context.Context, db dbtx, batchID ledger.BatchID) ([]ledger.CompositionEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+compositionColumns+` FROM compositions
		 WHERE batch_id = ? ORDER BY recorded_at ASC, id ASC`,
		string(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to query compositions: %w", err)
	}
	defer rows.Close()

	var out []ledger.CompositionEntry
	for rows.Next() {
		var (
			e           ledger.CompositionEntry
			externalRef sql.NullString
			fromBatch   sql.NullString
			volume      string
			abv         sql.NullString
			fraction    string
			recordedAt  string
			recordedBy  sql.NullString
			deletedAt   sql.NullString
		)
		err := rows.Scan(&e.ID, &e.BatchID, &e.Source.Kind, &externalRef,
			&fromBatch, &volume, &abv, &fraction, &recordedAt, &recordedBy,
			&deletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan composition: %w", err)
		}
		e.Source.ExternalRef = externalRef.String
		if fromBatch.Valid {
			id := ledger.BatchID(fromBatch.String)
			e.Source.FromBatch = &id
		}
		if e.VolumeL, err = decimal.NewFromString(volume); err != nil {
			return nil, fmt.Errorf("corrupt volume_l: %w", err)
		}
		if e.ABV, err = parseNullDecimal(abv); err != nil {
			return nil, err
		}
		if e.FractionOfBatch, err = decimal.NewFromString(fraction); err != nil {
			return nil, fmt.Errorf("corrupt fraction: %w", err)
		}
		e.RecordedAt = parseTime(recordedAt)
		e.RecordedBy = recordedBy.String
		if deletedAt.Valid {
			t := parseTime(deletedAt.String)
			e.DeletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SoftDeleteComposition(ctx context.Context, id ledger.CompositionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return softDeleteComposition(ctx, s.db, id, at)
}

func softDeleteComposition(ctx context.Context, db dbtx, id ledger.CompositionID, at time.Time) error {
	res, err := db.ExecContext(ctx,
		`UPDATE compositions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), string(id))
	if err != nil {
		return fmt.Errorf("failed to soft-delete composition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM compositions WHERE id = ?`, string(id),
		).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrCompositionNotFound
		}
		// Already deleted; soft delete is idempotent.
	}
	return nil
}

// =============================================================================
// PACKAGING
// =============================================================================

func (s *Store) NextLotSequence(ctx context.Context, batchCode string, lotDate time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nextLotSequence(ctx, s.db, batchCode, lotDate)
}

func nextLotSequence(ctx context.Context, db dbtx, batchCode string, lotDate time.Time) (int, error) {
	day := lotDate.UTC().Format("060102")
	_, err := db.ExecContext(ctx, `
		INSERT INTO lot_sequences (batch_code, lot_date, seq) VALUES (?, ?, 1)
		ON CONFLICT(batch_code, lot_date) DO UPDATE SET seq = seq + 1
	`, batchCode, day)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate lot sequence: %w", err)
	}
	var seq int
	err = db.QueryRowContext(ctx,
		`SELECT seq FROM lot_sequences WHERE batch_code = ? AND lot_date = ?`,
		batchCode, day,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read lot sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) SaveFinishedUnits(ctx context.Context, units []ledger.FinishedUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveFinishedUnits(ctx, s.db, units)
}

func saveFinishedUnits(ctx context.Context, db dbtx, units []ledger.FinishedUnit) error {
	query := `
		INSERT INTO finished_units
		(id, batch_id, entry_id, lot_code, unit_size_l, units, style, packed_at, packed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, u := range units {
		_, err := db.ExecContext(ctx, query,
			u.ID,
			string(u.BatchID),
			string(u.EntryID),
			u.LotCode,
			u.UnitSizeL.String(),
			u.Units,
			string(u.Style),
			formatTime(u.PackedAt),
			nullString(u.PackedBy),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return &ledger.ConcurrencyConflictError{Resource: "lot code", ID: u.LotCode}
			}
			return fmt.Errorf("failed to save finished units: %w", err)
		}
	}
	return nil
}

func (s *Store) FinishedUnits(ctx context.Context, batchID ledger.BatchID) ([]ledger.FinishedUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryFinishedUnits(ctx, s.db, batchID)
}

func queryFinishedUnits(ctx context.Context, db dbtx, batchID ledger.BatchID) ([]ledger.FinishedUnit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, batch_id, entry_id, lot_code, unit_size_l, units, style, packed_at, packed_by
		FROM finished_units WHERE batch_id = ? ORDER BY packed_at ASC
	`, string(batchID))
	if err != nil {
		return nil, fmt.Errorf("failed to query finished units: %w", err)
	}
	defer rows.Close()

	var out []ledger.FinishedUnit
	for rows.Next() {
		var (
			u        ledger.FinishedUnit
			unitSize string
			packedAt string
			packedBy sql.NullString
		)
		err := rows.Scan(&u.ID, &u.BatchID, &u.EntryID, &u.LotCode, &unitSize,
			&u.Units, &u.Style, &packedAt, &packedBy)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finished units: %w", err)
		}
		if u.UnitSizeL, err = decimal.NewFromString(unitSize); err != nil {
			return nil, fmt.Errorf("corrupt unit_size_l: %w", err)
		}
		u.PackedAt = parseTime(packedAt)
		u.PackedBy = packedBy.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// RECONCILIATION SNAPSHOTS
// =============================================================================

const snapshotColumns = `id, period_start, period_end, opening_l, production_l,
	tax_paid_removals_l, other_losses_l, calculated_closing_l,
	physical_count_l, variance_l, status, supersedes, adjustments_json,
	created_at, created_by, finalized_at, finalized_by`

func (s *Store) SaveSnapshot(ctx context.Context, snap *ledger.ReconciliationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSnapshot(ctx, s.db, snap)
}

func saveSnapshot(ctx context.Context, db dbtx, snap *ledger.ReconciliationSnapshot) error {
	adjustmentsJSON, err := json.Marshal(snap.Adjustments)
	if err != nil {
		return fmt.Errorf("failed to encode adjustments: %w", err)
	}

	query := `
		INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			opening_l = excluded.opening_l,
			production_l = excluded.production_l,
			tax_paid_removals_l = excluded.tax_paid_removals_l,
			other_losses_l = excluded.other_losses_l,
			calculated_closing_l = excluded.calculated_closing_l,
			physical_count_l = excluded.physical_count_l,
			variance_l = excluded.variance_l,
			status = excluded.status,
			supersedes = excluded.supersedes,
			adjustments_json = excluded.adjustments_json,
			finalized_at = excluded.finalized_at,
			finalized_by = excluded.finalized_by
	`
	var supersedes sql.NullString
	if snap.Supersedes != nil {
		supersedes = sql.NullString{String: string(*snap.Supersedes), Valid: true}
	}
	var finalizedAt sql.NullString
	if snap.FinalizedAt != nil {
		finalizedAt = sql.NullString{String: formatTime(*snap.FinalizedAt), Valid: true}
	}
	_, err = db.ExecContext(ctx, query,
		string(snap.ID),
		formatTime(snap.PeriodStart),
		formatTime(snap.PeriodEnd),
		snap.OpeningL.String(),
		snap.ProductionL.String(),
		snap.TaxPaidRemovalsL.String(),
		snap.OtherLossesL.String(),
		snap.CalculatedClosingL.String(),
		snap.PhysicalCountL.String(),
		snap.VarianceL.String(),
		string(snap.Status),
		supersedes,
		string(adjustmentsJSON),
		formatTime(snap.CreatedAt),
		nullString(snap.CreatedBy),
		finalizedAt,
		nullString(snap.FinalizedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSnapshot(ctx, s.db, id)
}

func getSnapshot(ctx context.Context, db dbtx, id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, string(id))
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrSnapshotNotFound
	}
	return snap, err
}

func (s *Store) ListSnapshots(ctx context.Context) ([]*ledger.ReconciliationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return querySnapshots(ctx, s.db, listSnapshotsQuery)
}

func (s *Store) SnapshotsForPeriod(ctx context.Context, start, end time.Time) ([]*ledger.ReconciliationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return querySnapshots(ctx, s.db, periodSnapshotsQuery, formatTime(start), formatTime(end))
}

const listSnapshotsQuery = `
	SELECT ` + snapshotColumns + ` FROM snapshots
	ORDER BY period_start DESC, created_at DESC
`

const periodSnapshotsQuery = `
	SELECT ` + snapshotColumns + ` FROM snapshots
	WHERE period_start = ? AND period_end = ?
	ORDER BY created_at ASC
`

func (s *Store) LatestFinalizedBefore(ctx context.Context, t time.Time) (*ledger.ReconciliationSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latestFinalizedBefore(ctx, s.db, t)
}

func latestFinalizedBefore(ctx context.Context, db dbtx, t time.Time) (*ledger.ReconciliationSnapshot, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots
		 WHERE status = ? AND period_end <= ?
		 ORDER BY period_end DESC LIMIT 1`,
		string(ledger.SnapshotFinalized), formatTime(t))
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrSnapshotNotFound
	}
	return snap, err
}

func querySnapshots(ctx context.Context, db dbtx, query string, args ...any) ([]*ledger.ReconciliationSnapshot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*ledger.ReconciliationSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row rowScanner) (*ledger.ReconciliationSnapshot, error) {
	var (
		snap            ledger.ReconciliationSnapshot
		periodStart     string
		periodEnd       string
		opening         string
		production      string
		removals        string
		losses          string
		calculated      string
		physical        string
		variance        string
		supersedes      sql.NullString
		adjustmentsJSON sql.NullString
		createdAt       string
		createdBy       sql.NullString
		finalizedAt     sql.NullString
		finalizedBy     sql.NullString
	)

	err := row.Scan(&snap.ID, &periodStart, &periodEnd, &opening, &production,
		&removals, &losses, &calculated, &physical, &variance, &snap.Status,
		&supersedes, &adjustmentsJSON, &createdAt, &createdBy, &finalizedAt,
		&finalizedBy)
	if err != nil {
		return nil, err
	}

	snap.PeriodStart = parseTime(periodStart)
	snap.PeriodEnd = parseTime(periodEnd)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&snap.OpeningL, opening},
		{&snap.ProductionL, production},
		{&snap.TaxPaidRemovalsL, removals},
		{&snap.OtherLossesL, losses},
		{&snap.CalculatedClosingL, calculated},
		{&snap.PhysicalCountL, physical},
		{&snap.VarianceL, variance},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("corrupt snapshot volume: %w", err)
		}
	}
	if supersedes.Valid {
		id := ledger.SnapshotID(supersedes.String)
		snap.Supersedes = &id
	}
	if adjustmentsJSON.Valid && adjustmentsJSON.String != "" {
		if err := json.Unmarshal([]byte(adjustmentsJSON.String), &snap.Adjustments); err != nil {
			return nil, fmt.Errorf("corrupt adjustments for snapshot %s: %w", snap.ID, err)
		}
	}
	snap.CreatedAt = parseTime(createdAt)
	snap.CreatedBy = createdBy.String
	if finalizedAt.Valid {
		t := parseTime(finalizedAt.String)
		snap.FinalizedAt = &t
	}
	snap.FinalizedBy = finalizedBy.String
	return &snap, nil
}

// =============================================================================
// TRANSACTIONS (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. The store mutex is
// held for the duration, so writers are fully serialized.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every Store call through the open *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetBatch(ctx context.Context, id ledger.BatchID) (*ledger.Batch, error) {
	return getBatch(ctx, ts.tx, id)
}

func (ts *txStore) SaveBatch(ctx context.Context, b *ledger.Batch) error {
	return saveBatch(ctx, ts.tx, b)
}

func (ts *txStore) ListBatches(ctx context.Context, includeArchived bool) ([]*ledger.Batch, error) {
	return listBatches(ctx, ts.tx, includeArchived)
}

func (ts *txStore) GetVessel(ctx context.Context, id ledger.VesselID) (*ledger.Vessel, error) {
	return getVessel(ctx, ts.tx, id)
}

func (ts *txStore) SaveVessel(ctx context.Context, v *ledger.Vessel) error {
	return saveVessel(ctx, ts.tx, v)
}

func (ts *txStore) ListVessels(ctx context.Context) ([]*ledger.Vessel, error) {
	return listVessels(ctx, ts.tx)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Entries(ctx context.Context, batchID ledger.BatchID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, batchEntriesQuery, string(batchID), string(batchID))
}

func (ts *txStore) EntriesInRange(ctx context.Context, from, to time.Time) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx, rangeEntriesQuery, formatTime(from), formatTime(to))
}

func (ts *txStore) EntryExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return entryExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) AppendComposition(ctx context.Context, e ledger.CompositionEntry) error {
	return appendComposition(ctx, ts.tx, e)
}

func (ts *txStore) Compositions(ctx context.Context, batchID ledger.BatchID) ([]ledger.CompositionEntry, error) {
	return queryCompositions(ctx, ts.tx, batchID)
}

func (ts *txStore) SoftDeleteComposition(ctx context.Context, id ledger.CompositionID, at time.Time) error {
	return softDeleteComposition(ctx, ts.tx, id, at)
}

func (ts *txStore) NextLotSequence(ctx context.Context, batchCode string, lotDate time.Time) (int, error) {
	return nextLotSequence(ctx, ts.tx, batchCode, lotDate)
}

func (ts *txStore) SaveFinishedUnits(ctx context.Context, units []ledger.FinishedUnit) error {
	return saveFinishedUnits(ctx, ts.tx, units)
}

func (ts *txStore) FinishedUnits(ctx context.Context, batchID ledger.BatchID) ([]ledger.FinishedUnit, error) {
	return queryFinishedUnits(ctx, ts.tx, batchID)
}

func (ts *txStore) SaveSnapshot(ctx context.Context, snap *ledger.ReconciliationSnapshot) error {
	return saveSnapshot(ctx, ts.tx, snap)
}

func (ts *txStore) GetSnapshot(ctx context.Context, id ledger.SnapshotID) (*ledger.ReconciliationSnapshot, error) {
	return getSnapshot(ctx, ts.tx, id)
}

func (ts *txStore) ListSnapshots(ctx context.Context) ([]*ledger.ReconciliationSnapshot, error) {
	return querySnapshots(ctx, ts.tx, listSnapshotsQuery)
}

func (ts *txStore) SnapshotsForPeriod(ctx context.Context, start, end time.Time) ([]*ledger.ReconciliationSnapshot, error) {
	return querySnapshots(ctx, ts.tx, periodSnapshotsQuery, formatTime(start), formatTime(end))
}

func (ts *txStore) LatestFinalizedBefore(ctx context.Context, t time.Time) (*ledger.ReconciliationSnapshot, error) {
	return latestFinalizedBefore(ctx, ts.tx, t)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate RFC3339 written by older builds.
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil, fmt.Errorf("corrupt decimal column: %w", err)
	}
	return &d, nil
}

func nullBatch(id *ledger.BatchID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func nullVessel(id *ledger.VesselID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*id), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

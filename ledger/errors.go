/*
errors.go - Centralized error types for the ledger engine

PURPOSE:

	All error types in one place. Every rejected operation reports the
	specific invariant it violated, with the figures involved, so an
	operator can correct the input instead of guessing at a generic failure.

ERROR CATEGORIES:
 1. Validation errors - bad units, negative losses, malformed payloads
 2. Capacity errors - a vessel would overflow
 3. Concurrency errors - a lock race was lost; caller retries with fresh state
 4. Reconciliation errors - unexplained variance blocks finalization
 5. Audit integrity errors - attempts to mutate immutable history; fatal

USAGE:

	if errors.Is(err, ErrAuditIntegrity) { ... }

	var capErr *CapacityExceededError
	if errors.As(err, &capErr) { ... capErr.CapacityL ... }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of all pre-write input rejections.
	ErrValidation = errors.New("validation failed")

	// ErrCapacityExceeded is returned when an inbound operation would push a
	// vessel past its rated capacity.
	ErrCapacityExceeded = errors.New("vessel capacity exceeded")

	// ErrConcurrencyConflict is returned when a concurrent writer won the
	// race. The caller should reload state and retry; never auto-merge.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrReconciliationVariance blocks finalization of a period whose
	// variance is not explained by recorded adjustments.
	ErrReconciliationVariance = errors.New("unexplained reconciliation variance")

	// ErrAuditIntegrity is returned on any attempt to mutate a finalized
	// snapshot or a journal entry. Always fatal; never caught-and-ignored.
	ErrAuditIntegrity = errors.New("audit integrity violation")

	// ErrDuplicateIdempotencyKey: the journal already holds an entry with
	// this key. Expected behavior for retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrBatchNotFound       = errors.New("batch not found")
	ErrVesselNotFound      = errors.New("vessel not found")
	ErrSnapshotNotFound    = errors.New("reconciliation snapshot not found")
	ErrCompositionNotFound = errors.New("composition entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - carry the violated figures
// =============================================================================

// ValidationError reports a rejected input before any write happened.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validationf builds a *ValidationError with a formatted message.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CapacityExceededError reports exactly how far over capacity the
// operation would land.
type CapacityExceededError struct {
	VesselID  VesselID
	CapacityL decimal.Decimal
	WouldHold decimal.Decimal
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("vessel %s capacity exceeded: capacity=%sL, would hold %sL",
		e.VesselID, e.CapacityL.String(), e.WouldHold.String())
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// InsufficientVolumeError: the source batch cannot cover the debit.
type InsufficientVolumeError struct {
	BatchID    BatchID
	AvailableL decimal.Decimal
	RequestedL decimal.Decimal
}

func (e *InsufficientVolumeError) Error() string {
	return fmt.Sprintf("batch %s has insufficient volume: available=%sL, requested=%sL",
		e.BatchID, e.AvailableL.String(), e.RequestedL.String())
}

func (e *InsufficientVolumeError) Unwrap() error { return ErrValidation }

// ConcurrencyConflictError carries what the loser was trying to touch.
type ConcurrencyConflictError struct {
	Resource string // "vessel", "batch", "lot_sequence"
	ID       string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s; retry with fresh state", e.Resource, e.ID)
}

func (e *ConcurrencyConflictError) Unwrap() error { return ErrConcurrencyConflict }

// ReconciliationVarianceError reports the gap that blocked finalization.
type ReconciliationVarianceError struct {
	SnapshotID   SnapshotID
	VarianceL    decimal.Decimal
	AdjustedL    decimal.Decimal // sum of recorded adjustments
	UnexplainedL decimal.Decimal
}

func (e *ReconciliationVarianceError) Error() string {
	return fmt.Sprintf("snapshot %s cannot finalize: variance=%sL, adjustments=%sL, unexplained=%sL",
		e.SnapshotID, e.VarianceL.String(), e.AdjustedL.String(), e.UnexplainedL.String())
}

func (e *ReconciliationVarianceError) Unwrap() error { return ErrReconciliationVariance }

// AuditIntegrityError names the immutable record someone tried to change.
type AuditIntegrityError struct {
	Resource string
	ID       string
	Attempt  string
}

func (e *AuditIntegrityError) Error() string {
	return fmt.Sprintf("%s %s is immutable: %s", e.Resource, e.ID, e.Attempt)
}

func (e *AuditIntegrityError) Unwrap() error { return ErrAuditIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on a caller retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrReconciliationVariance)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrVesselNotFound) ||
		errors.Is(err, ErrSnapshotNotFound) ||
		errors.Is(err, ErrCompositionNotFound)
}

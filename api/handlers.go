/*
handlers.go - HTTP API handlers for the cidery ledger

PURPOSE:

	Exposes the ledger engine via REST API. Handles HTTP request/response,
	JSON serialization, and delegates to domain logic.

ENDPOINTS:

	Batches:
	  GET    /api/batches                       List batches
	  POST   /api/batches                       Create batch (liquid enters)
	  GET    /api/batches/{id}                  Get batch
	  GET    /api/batches/{id}/state            Volume in both units, ABV, style
	  GET    /api/batches/{id}/journal          Operation journal
	  GET    /api/batches/{id}/composition      Provenance ledger
	  POST   /api/batches/{id}/composition      Add a source
	  DELETE /api/batches/{id}/composition/{cid} Soft-delete a source
	  POST   /api/batches/{id}/status           Lifecycle transition
	  POST   /api/batches/{id}/gravity          Record hydrometer readings
	  POST   /api/batches/{id}/archive          Archive a terminal batch
	  GET    /api/batches/{id}/packaging        Finished packaging runs

	Vessels:
	  GET    /api/vessels                       List vessels
	  POST   /api/vessels                       Register a vessel
	  GET    /api/vessels/{id}                  Get vessel
	  POST   /api/vessels/{id}/status           Cleaning/maintenance/available

	Operations:
	  POST   /api/operations/transfer
	  POST   /api/operations/merge
	  POST   /api/operations/rack
	  POST   /api/operations/filter
	  POST   /api/operations/carbonate
	  POST   /api/operations/distill-out
	  POST   /api/operations/distill-in

	Packaging:
	  POST   /api/packaging                     Draw-down with lot code

	Reconciliation:
	  POST   /api/reconciliation/run            Compute a period snapshot
	  GET    /api/reconciliation/snapshots      List snapshots
	  GET    /api/reconciliation/snapshots/{id} Get a snapshot
	  POST   /api/reconciliation/snapshots/{id}/adjustments
	  POST   /api/reconciliation/snapshots/{id}/finalize

ERROR HANDLING:

	Errors are returned as JSON with appropriate HTTP status:
	- 400: Validation errors, invalid input
	- 404: Resource not found
	- 409: Conflict (idempotency, capacity, concurrency, audit immutability)
	- 422: Reconciliation variance that blocks finalize
	- 500: Internal errors

SECURITY NOTE:

	No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service

	log      *logrus.Logger
	validate *validator.Validate
}

// NewHandler creates a new handler around the ledger service.
func NewHandler(svc *ledger.Service, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Service:  svc,
		log:      log,
		validate: validator.New(),
	}
}

// decode parses the body into dst and runs structural validation.
func (h *Handler) decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return ledger.Validationf("body", "invalid JSON: %v", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return ledger.Validationf("body", "%v", err)
	}
	return nil
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns all batches.
// GET /api/batches?include_archived=true
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	includeArchived := r.URL.Query().Get("include_archived") == "true"
	batches, err := h.Service.Batches(r.Context(), includeArchived)
	if err != nil {
		h.writeDomainError(w, "Failed to list batches", err)
		return
	}
	dtos := make([]BatchDTO, 0, len(batches))
	for _, b := range batches {
		dtos = append(dtos, toBatchDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBatch registers new liquid entering the ledger.
// POST /api/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	volume, err := parseQuantity(req.Volume, "volume")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	abv, err := parseOptionalQuantity(req.ABV, "abv")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	batch, err := h.Service.CreateBatch(r.Context(), ledger.CreateBatchInput{
		Code:    req.Code,
		Product: ledger.ProductKind(req.Product),
		Origin: ledger.OriginRef{
			Kind: ledger.OriginKind(req.OriginKind),
			Ref:  req.OriginRef,
		},
		VesselID:   ledger.VesselID(req.VesselID),
		Volume:     volume,
		Unit:       unit,
		ABV:        abv,
		RecordedBy: req.RecordedBy,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create batch", err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"batch":  batch.ID,
		"code":   batch.Code,
		"volume": batch.CurrentVolumeL.String(),
	}).Info("batch created")
	writeJSON(w, http.StatusCreated, toBatchDTO(batch))
}

// GetBatch returns one batch.
// GET /api/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	batch, err := h.Service.Batch(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// GetBatchState returns the current-state projection.
// GET /api/batches/{id}/state
func (h *Handler) GetBatchState(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	state, err := h.Service.CurrentState(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get batch state", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetBatchJournal returns a batch's operation history.
// GET /api/batches/{id}/journal
func (h *Handler) GetBatchJournal(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	entries, err := h.Service.Journal(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get journal", err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBatchComposition returns the provenance ledger (live entries only).
// GET /api/batches/{id}/composition?include_deleted=true
func (h *Handler) GetBatchComposition(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	entries, err := h.Service.Composition(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get composition", err)
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	dtos := make([]CompositionDTO, 0, len(entries))
	for _, e := range entries {
		if e.DeletedAt != nil && !includeDeleted {
			continue
		}
		dtos = append(dtos, toCompositionDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AddComposition records an inbound source on an existing batch.
// POST /api/batches/{id}/composition
func (h *Handler) AddComposition(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	var req AddCompositionRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	volume, err := parseQuantity(req.Volume, "volume")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	abv, err := parseOptionalQuantity(req.ABV, "abv")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	entry, err := h.Service.AddComposition(r.Context(), ledger.AddCompositionInput{
		BatchID: id,
		Source: ledger.SourceRef{
			Kind:        ledger.SourceKind(req.SourceKind),
			ExternalRef: req.ExternalRef,
		},
		Volume:     volume,
		Unit:       unit,
		ABV:        abv,
		RecordedBy: req.RecordedBy,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to add composition", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCompositionDTO(*entry))
}

// RemoveComposition soft-deletes a provenance entry.
// DELETE /api/batches/{id}/composition/{cid}
func (h *Handler) RemoveComposition(w http.ResponseWriter, r *http.Request) {
	batchID := ledger.BatchID(chi.URLParam(r, "id"))
	compID := ledger.CompositionID(chi.URLParam(r, "cid"))
	if err := h.Service.RemoveComposition(r.Context(), batchID, compID); err != nil {
		h.writeDomainError(w, "Failed to remove composition", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetBatchStatus drives the lifecycle state machine.
// POST /api/batches/{id}/status
func (h *Handler) SetBatchStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	var req SetStatusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	batch, err := h.Service.SetBatchStatus(r.Context(), id, ledger.BatchStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, "Failed to set status", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// RecordGravity attaches hydrometer readings, recomputing actual ABV when
// both are present.
// POST /api/batches/{id}/gravity
func (h *Handler) RecordGravity(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	var req RecordGravityRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	og, err := parseOptionalQuantity(req.OriginalGravity, "original_gravity")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	fg, err := parseOptionalQuantity(req.FinalGravity, "final_gravity")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	batch, err := h.Service.RecordGravity(r.Context(), id, og, fg)
	if err != nil {
		h.writeDomainError(w, "Failed to record gravity", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchDTO(batch))
}

// ArchiveBatch hides a terminal batch from default listings.
// POST /api/batches/{id}/archive
func (h *Handler) ArchiveBatch(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	if err := h.Service.ArchiveBatch(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to archive batch", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPackagingRuns lists a batch's finished packaging output.
// GET /api/batches/{id}/packaging
func (h *Handler) GetPackagingRuns(w http.ResponseWriter, r *http.Request) {
	id := ledger.BatchID(chi.URLParam(r, "id"))
	runs, err := h.Service.FinishedRuns(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get packaging runs", err)
		return
	}
	dtos := make([]FinishedUnitDTO, 0, len(runs))
	for _, u := range runs {
		dtos = append(dtos, toFinishedUnitDTO(u))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VESSEL HANDLERS
// =============================================================================

// ListVessels returns the vessel registry.
// GET /api/vessels
func (h *Handler) ListVessels(w http.ResponseWriter, r *http.Request) {
	vessels, err := h.Service.Vessels(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list vessels", err)
		return
	}
	dtos := make([]VesselDTO, 0, len(vessels))
	for _, v := range vessels {
		dtos = append(dtos, toVesselDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateVessel registers a vessel.
// POST /api/vessels
func (h *Handler) CreateVessel(w http.ResponseWriter, r *http.Request) {
	var req CreateVesselRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	capacity, err := parseQuantity(req.Capacity, "capacity")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	pressure, err := parseOptionalQuantity(req.PressureRatedKPa, "pressure_rated_kpa")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	v, err := h.Service.CreateVessel(r.Context(), ledger.CreateVesselInput{
		Name:             req.Name,
		Capacity:         capacity,
		Unit:             unit,
		PressureRatedKPa: pressure,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create vessel", err)
		return
	}
	writeJSON(w, http.StatusCreated, toVesselDTO(v))
}

// GetVessel returns one vessel.
// GET /api/vessels/{id}
func (h *Handler) GetVessel(w http.ResponseWriter, r *http.Request) {
	id := ledger.VesselID(chi.URLParam(r, "id"))
	v, err := h.Service.Vessel(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get vessel", err)
		return
	}
	writeJSON(w, http.StatusOK, toVesselDTO(v))
}

// SetVesselStatus moves an empty vessel between service states.
// POST /api/vessels/{id}/status
func (h *Handler) SetVesselStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.VesselID(chi.URLParam(r, "id"))
	var req SetStatusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	v, err := h.Service.SetVesselStatus(r.Context(), id, ledger.VesselStatus(req.Status))
	if err != nil {
		h.writeDomainError(w, "Failed to set vessel status", err)
		return
	}
	writeJSON(w, http.StatusOK, toVesselDTO(v))
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

// Transfer records a vessel-to-vessel move, split, or merge-into.
// POST /api/operations/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	volume, err := parseQuantity(req.Volume, "volume")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	loss, err := parseQuantityDefaultZero(req.Loss, "loss")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	in := ledger.TransferInput{
		SourceBatch:    ledger.BatchID(req.SourceBatch),
		DestVessel:     ledger.VesselID(req.DestVessel),
		Volume:         volume,
		Unit:           unit,
		Loss:           loss,
		NewBatchCode:   req.NewBatchCode,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.DestBatch != "" {
		dest := ledger.BatchID(req.DestBatch)
		in.DestBatch = &dest
	}

	entry, err := h.Service.Transfer(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to record transfer", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Merge folds one batch into another.
// POST /api/operations/merge
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	loss, err := parseQuantityDefaultZero(req.LossL, "loss_l")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	entry, err := h.Service.Merge(r.Context(), ledger.MergeInput{
		SourceBatch:    ledger.BatchID(req.SourceBatch),
		TargetBatch:    ledger.BatchID(req.TargetBatch),
		LossL:          loss,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record merge", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Rack records a racking with first-class lees loss.
// POST /api/operations/rack
func (h *Handler) Rack(w http.ResponseWriter, r *http.Request) {
	var req RackRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	loss, err := parseQuantity(req.LossL, "loss_l")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	in := ledger.RackInput{
		BatchID:        ledger.BatchID(req.BatchID),
		LossL:          loss,
		Notes:          req.Notes,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.DestVessel != "" {
		dest := ledger.VesselID(req.DestVessel)
		in.DestVessel = &dest
	}

	entry, err := h.Service.Rack(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to record racking", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Filter records a filtration pass.
// POST /api/operations/filter
func (h *Handler) Filter(w http.ResponseWriter, r *http.Request) {
	var req FilterRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	loss, err := parseQuantity(req.LossL, "loss_l")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	in := ledger.FilterInput{
		BatchID:        ledger.BatchID(req.BatchID),
		LossL:          loss,
		Grade:          ledger.FilterGrade(req.Grade),
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.DestVessel != "" {
		dest := ledger.VesselID(req.DestVessel)
		in.DestVessel = &dest
	}

	entry, err := h.Service.Filter(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to record filtering", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// Carbonate records forced or natural carbonation.
// POST /api/operations/carbonate
func (h *Handler) Carbonate(w http.ResponseWriter, r *http.Request) {
	var req CarbonateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	in := ledger.CarbonateInput{
		BatchID:        ledger.BatchID(req.BatchID),
		Method:         ledger.CarbonationMethod(req.Method),
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	}
	var err error
	if in.TargetCO2Volumes, err = parseOptionalQuantity(req.TargetCO2Volumes, "target_co2_volumes"); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	if in.FinalCO2Volumes, err = parseOptionalQuantity(req.FinalCO2Volumes, "final_co2_volumes"); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	if in.PressureKPa, err = parseOptionalQuantity(req.PressureKPa, "pressure_kpa"); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	if in.PrimingSugar, err = parseOptionalQuantity(req.PrimingSugar, "priming_sugar"); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	if req.PrimingSugarUnit != "" {
		if in.PrimingSugarUnit, err = ledger.ParseUnit(req.PrimingSugarUnit); err != nil {
			h.writeDomainError(w, "Invalid request", err)
			return
		}
	}

	entry, err := h.Service.Carbonate(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, "Failed to record carbonation", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// DistillOut records cider leaving for an external distillery.
// POST /api/operations/distill-out
func (h *Handler) DistillOut(w http.ResponseWriter, r *http.Request) {
	var req DistillOutRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	volume, err := parseQuantity(req.Volume, "volume")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	abv, err := parseOptionalQuantity(req.ABV, "abv")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	entry, err := h.Service.DistillOut(r.Context(), ledger.DistillOutInput{
		BatchID:        ledger.BatchID(req.BatchID),
		Volume:         volume,
		Unit:           unit,
		ABV:            abv,
		ExternalRef:    req.ExternalRef,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record outbound distillation", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// DistillIn records returned spirit entering a batch.
// POST /api/operations/distill-in
func (h *Handler) DistillIn(w http.ResponseWriter, r *http.Request) {
	var req DistillInRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	volume, err := parseQuantity(req.Volume, "volume")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	abv, err := parseQuantity(req.ABV, "abv")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	entry, err := h.Service.DistillIn(r.Context(), ledger.DistillInInput{
		DestBatch:      ledger.BatchID(req.DestBatch),
		Volume:         volume,
		Unit:           unit,
		ABV:            abv,
		ExternalRef:    req.ExternalRef,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record inbound distillation", err)
		return
	}
	h.logEntry(entry)
	writeJSON(w, http.StatusCreated, toEntryDTO(*entry))
}

// =============================================================================
// PACKAGING HANDLER
// =============================================================================

// DrawPackaging runs one packaging draw-down.
// POST /api/packaging
func (h *Handler) DrawPackaging(w http.ResponseWriter, r *http.Request) {
	var req PackagingRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	taken, err := parseQuantity(req.VolumeTaken, "volume_taken")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unitSize, err := parseQuantity(req.UnitSizeL, "unit_size_l")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	result, err := h.Service.DrawPackaging(r.Context(), ledger.PackagingInput{
		BatchID:        ledger.BatchID(req.BatchID),
		VolumeTaken:    taken,
		Unit:           unit,
		UnitSizeL:      unitSize,
		Units:          req.Units,
		RecordedBy:     req.RecordedBy,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to record packaging", err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"batch": result.Finished.BatchID,
		"lot":   result.Finished.LotCode,
		"units": result.Finished.Units,
		"loss":  result.LossL.String(),
	}).Info("packaging run recorded")
	writeJSON(w, http.StatusCreated, PackagingResponse{
		Entry:    toEntryDTO(result.Entry),
		Finished: toFinishedUnitDTO(result.Finished),
		LossL:    result.LossL.String(),
	})
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation computes a draft snapshot for a period.
// POST /api/reconciliation/run
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req RunReconciliationRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	start, err := time.Parse(time.RFC3339, req.PeriodStart)
	if err != nil {
		h.writeDomainError(w, "Invalid request",
			ledger.Validationf("period_start", "must be RFC3339: %v", err))
		return
	}
	end, err := time.Parse(time.RFC3339, req.PeriodEnd)
	if err != nil {
		h.writeDomainError(w, "Invalid request",
			ledger.Validationf("period_end", "must be RFC3339: %v", err))
		return
	}
	count, err := parseQuantity(req.PhysicalCount, "physical_count")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	unit, err := ledger.ParseUnit(req.Unit)
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	snap, err := h.Service.RunReconciliation(r.Context(), ledger.ReconcileInput{
		PeriodStart:   start,
		PeriodEnd:     end,
		PhysicalCount: count,
		Unit:          unit,
		RecordedBy:    req.RecordedBy,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to run reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// ListSnapshots returns all reconciliation snapshots.
// GET /api/reconciliation/snapshots
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Service.Snapshots(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list snapshots", err)
		return
	}
	dtos := make([]SnapshotDTO, 0, len(snaps))
	for _, s := range snaps {
		dtos = append(dtos, toSnapshotDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSnapshot returns one reconciliation snapshot.
// GET /api/reconciliation/snapshots/{id}
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	id := ledger.SnapshotID(chi.URLParam(r, "id"))
	snap, err := h.Service.Snapshot(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// AddAdjustment explains a slice of a draft snapshot's variance.
// POST /api/reconciliation/snapshots/{id}/adjustments
func (h *Handler) AddAdjustment(w http.ResponseWriter, r *http.Request) {
	id := ledger.SnapshotID(chi.URLParam(r, "id"))
	var req AddAdjustmentRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	volume, err := parseSignedQuantity(req.VolumeL, "volume_l")
	if err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	snap, err := h.Service.AddAdjustment(r.Context(), id,
		ledger.AdjustmentReason(req.Reason), volume, req.Note, req.RecordedBy)
	if err != nil {
		h.writeDomainError(w, "Failed to add adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// FinalizeSnapshot locks a fully explained snapshot.
// POST /api/reconciliation/snapshots/{id}/finalize
func (h *Handler) FinalizeSnapshot(w http.ResponseWriter, r *http.Request) {
	id := ledger.SnapshotID(chi.URLParam(r, "id"))
	var req FinalizeRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}
	snap, err := h.Service.FinalizeReconciliation(r.Context(), id, req.RecordedBy)
	if err != nil {
		h.writeDomainError(w, "Failed to finalize snapshot", err)
		return
	}
	h.log.WithField("snapshot", snap.ID).Info("reconciliation finalized")
	writeJSON(w, http.StatusOK, toSnapshotDTO(snap))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) logEntry(e *ledger.Entry) {
	h.log.WithFields(logrus.Fields{
		"entry": e.ID,
		"kind":  e.Kind,
		"moved": e.VolumeMovedL.String(),
		"lost":  e.VolumeLostL.String(),
	}).Info("operation recorded")
}

// writeDomainError maps ledger errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrReconciliationVariance):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey),
		errors.Is(err, ledger.ErrCapacityExceeded),
		errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, ledger.ErrAuditIntegrity):
		status = http.StatusConflict
	case ledger.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func parseQuantity(s, field string) (decimal.Decimal, error) {
	d, err := parseSignedQuantity(s, field)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ledger.Validationf(field, "cannot be negative, got %s", s)
	}
	return d, nil
}

func parseSignedQuantity(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, ledger.Validationf(field, "is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ledger.Validationf(field, "invalid number %q", s)
	}
	return d, nil
}

func parseQuantityDefaultZero(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return parseQuantity(s, field)
}

func parseOptionalQuantity(s, field string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseQuantity(s, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

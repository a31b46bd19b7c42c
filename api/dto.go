/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:

	Defines the JSON structures for API communication. These types decouple
	the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

QUANTITIES:

	All volumes, masses, and ABVs cross the wire as JSON strings
	("volume": "50.0") and are parsed into decimals server-side. Floats are
	never used for quantities.

VALIDATION:

	Structural validation (required fields, enum membership) uses
	go-playground/validator tags on request types. Domain validation
	(capacity, conservation, state transitions) lives in the ledger package.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain model
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatchRequest registers new liquid entering the ledger.
type CreateBatchRequest struct {
	Code       string `json:"code"`
	Product    string `json:"product" validate:"required"`
	OriginKind string `json:"origin_kind" validate:"required,oneof=press_run juice_purchase distillery_return"`
	OriginRef  string `json:"origin_ref"`
	VesselID   string `json:"vessel_id" validate:"required"`
	Volume     string `json:"volume" validate:"required"`
	Unit       string `json:"unit" validate:"required"`
	ABV        string `json:"abv,omitempty"`
	RecordedBy string `json:"recorded_by"`
}

// BatchDTO is the full batch representation.
type BatchDTO struct {
	ID               string  `json:"id"`
	Code             string  `json:"code"`
	Product          string  `json:"product"`
	Status           string  `json:"status"`
	OriginKind       string  `json:"origin_kind"`
	OriginRef        string  `json:"origin_ref,omitempty"`
	VesselID         *string `json:"vessel_id,omitempty"`
	InitialVolumeL   string  `json:"initial_volume_l"`
	CurrentVolumeL   string  `json:"current_volume_l"`
	CurrentVolumeGal string  `json:"current_volume_gal"`
	EnteredValue     string  `json:"entered_value"`
	EnteredUnit      string  `json:"entered_unit"`
	EstimatedABV     *string `json:"estimated_abv,omitempty"`
	ActualABV        *string `json:"actual_abv,omitempty"`
	OriginalGravity  *string `json:"original_gravity,omitempty"`
	FinalGravity     *string `json:"final_gravity,omitempty"`
	Carbonation      string  `json:"carbonation"`
	Archived         bool    `json:"archived"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func toBatchDTO(b *ledger.Batch) BatchDTO {
	gal := ledger.LitersToGallons(b.CurrentVolumeL)
	dto := BatchDTO{
		ID:               string(b.ID),
		Code:             b.Code,
		Product:          string(b.Product),
		Status:           string(b.Status),
		OriginKind:       string(b.Origin.Kind),
		OriginRef:        b.Origin.Ref,
		InitialVolumeL:   b.InitialVolumeL.String(),
		CurrentVolumeL:   b.CurrentVolumeL.String(),
		CurrentVolumeGal: gal.String(),
		EnteredValue:     b.EnteredValue.String(),
		EnteredUnit:      string(b.EnteredUnit),
		EstimatedABV:     decPtrString(b.EstimatedABV),
		ActualABV:        decPtrString(b.ActualABV),
		OriginalGravity:  decPtrString(b.OriginalGravity),
		FinalGravity:     decPtrString(b.FinalGravity),
		Carbonation:      string(b.Carbonation),
		Archived:         b.Archived,
		CreatedAt:        b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        b.UpdatedAt.Format(time.RFC3339),
	}
	if b.VesselID != nil {
		v := string(*b.VesselID)
		dto.VesselID = &v
	}
	return dto
}

// SetStatusRequest drives the batch lifecycle.
type SetStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// RecordGravityRequest attaches hydrometer readings.
type RecordGravityRequest struct {
	OriginalGravity string `json:"original_gravity,omitempty"`
	FinalGravity    string `json:"final_gravity,omitempty"`
}

// =============================================================================
// VESSELS
// =============================================================================

type CreateVesselRequest struct {
	Name             string `json:"name" validate:"required"`
	Capacity         string `json:"capacity" validate:"required"`
	Unit             string `json:"unit" validate:"required"`
	PressureRatedKPa string `json:"pressure_rated_kpa,omitempty"`
}

type VesselDTO struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Status           string  `json:"status"`
	CapacityL        string  `json:"capacity_l"`
	PressureRatedKPa *string `json:"pressure_rated_kpa,omitempty"`
	ActiveBatch      *string `json:"active_batch,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

func toVesselDTO(v *ledger.Vessel) VesselDTO {
	dto := VesselDTO{
		ID:               string(v.ID),
		Name:             v.Name,
		Status:           string(v.Status),
		CapacityL:        v.CapacityL.String(),
		PressureRatedKPa: decPtrString(v.PressureRatedKPa),
		CreatedAt:        v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        v.UpdatedAt.Format(time.RFC3339),
	}
	if v.ActiveBatch != nil {
		b := string(*v.ActiveBatch)
		dto.ActiveBatch = &b
	}
	return dto
}

// =============================================================================
// COMPOSITION
// =============================================================================

type AddCompositionRequest struct {
	SourceKind  string `json:"source_kind" validate:"required,oneof=base_fruit juice_purchase brandy"`
	ExternalRef string `json:"external_ref" validate:"required"`
	Volume      string `json:"volume" validate:"required"`
	Unit        string `json:"unit" validate:"required"`
	ABV         string `json:"abv,omitempty"`
	RecordedBy  string `json:"recorded_by"`
}

type CompositionDTO struct {
	ID              string  `json:"id"`
	SourceKind      string  `json:"source_kind"`
	ExternalRef     string  `json:"external_ref,omitempty"`
	FromBatch       *string `json:"from_batch,omitempty"`
	VolumeL         string  `json:"volume_l"`
	ABV             *string `json:"abv,omitempty"`
	FractionOfBatch string  `json:"fraction_of_batch"`
	RecordedAt      string  `json:"recorded_at"`
	RecordedBy      string  `json:"recorded_by,omitempty"`
	Deleted         bool    `json:"deleted"`
}

func toCompositionDTO(e ledger.CompositionEntry) CompositionDTO {
	dto := CompositionDTO{
		ID:              string(e.ID),
		SourceKind:      string(e.Source.Kind),
		ExternalRef:     e.Source.ExternalRef,
		VolumeL:         e.VolumeL.String(),
		ABV:             decPtrString(e.ABV),
		FractionOfBatch: e.FractionOfBatch.String(),
		RecordedAt:      e.RecordedAt.Format(time.RFC3339),
		RecordedBy:      e.RecordedBy,
		Deleted:         e.DeletedAt != nil,
	}
	if e.Source.FromBatch != nil {
		b := string(*e.Source.FromBatch)
		dto.FromBatch = &b
	}
	return dto
}

// =============================================================================
// OPERATIONS
// =============================================================================

// TransferRequest moves volume between vessels.
type TransferRequest struct {
	SourceBatch    string `json:"source_batch" validate:"required"`
	DestVessel     string `json:"dest_vessel" validate:"required"`
	Volume         string `json:"volume" validate:"required"`
	Unit           string `json:"unit" validate:"required"`
	Loss           string `json:"loss,omitempty"`
	DestBatch      string `json:"dest_batch,omitempty"`
	NewBatchCode   string `json:"new_batch_code,omitempty"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type MergeRequest struct {
	SourceBatch    string `json:"source_batch" validate:"required"`
	TargetBatch    string `json:"target_batch" validate:"required"`
	LossL          string `json:"loss_l,omitempty"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type RackRequest struct {
	BatchID        string `json:"batch_id" validate:"required"`
	DestVessel     string `json:"dest_vessel,omitempty"`
	LossL          string `json:"loss_l" validate:"required"`
	Notes          string `json:"notes,omitempty"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type FilterRequest struct {
	BatchID        string `json:"batch_id" validate:"required"`
	DestVessel     string `json:"dest_vessel,omitempty"`
	LossL          string `json:"loss_l" validate:"required"`
	Grade          string `json:"grade" validate:"required,oneof=coarse fine sterile"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CarbonateRequest struct {
	BatchID          string `json:"batch_id" validate:"required"`
	Method           string `json:"method" validate:"required,oneof=forced natural"`
	TargetCO2Volumes string `json:"target_co2_volumes,omitempty"`
	FinalCO2Volumes  string `json:"final_co2_volumes,omitempty"`
	PressureKPa      string `json:"pressure_kpa,omitempty"`
	PrimingSugar     string `json:"priming_sugar,omitempty"`
	PrimingSugarUnit string `json:"priming_sugar_unit,omitempty"`
	RecordedBy       string `json:"recorded_by"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

type DistillOutRequest struct {
	BatchID        string `json:"batch_id" validate:"required"`
	Volume         string `json:"volume" validate:"required"`
	Unit           string `json:"unit" validate:"required"`
	ABV            string `json:"abv,omitempty"`
	ExternalRef    string `json:"external_ref" validate:"required"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type DistillInRequest struct {
	DestBatch      string `json:"dest_batch" validate:"required"`
	Volume         string `json:"volume" validate:"required"`
	Unit           string `json:"unit" validate:"required"`
	ABV            string `json:"abv" validate:"required"`
	ExternalRef    string `json:"external_ref" validate:"required"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// EntryDTO is a journal entry in API responses. The payload rides along
// as raw JSON keyed by the kind field, so clients (and this package's own
// tests) can round-trip entries without knowing every payload variant.
type EntryDTO struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	SourceBatch    *string         `json:"source_batch,omitempty"`
	SourceVessel   *string         `json:"source_vessel,omitempty"`
	DestBatch      *string         `json:"dest_batch,omitempty"`
	DestVessel     *string         `json:"dest_vessel,omitempty"`
	VolumeMovedL   string          `json:"volume_moved_l"`
	VolumeLostL    string          `json:"volume_lost_l"`
	SourceBeforeL  string          `json:"source_before_l"`
	SourceAfterL   string          `json:"source_after_l"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RecordedAt     string          `json:"recorded_at"`
	RecordedBy     string          `json:"recorded_by,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	dto := EntryDTO{
		ID:             string(e.ID),
		Kind:           string(e.Kind),
		VolumeMovedL:   e.VolumeMovedL.String(),
		VolumeLostL:    e.VolumeLostL.String(),
		SourceBeforeL:  e.SourceBeforeL.String(),
		SourceAfterL:   e.SourceAfterL.String(),
		ExternalRef:    e.ExternalRef,
		RecordedAt:     e.RecordedAt.Format(time.RFC3339),
		RecordedBy:     e.RecordedBy,
		IdempotencyKey: e.IdempotencyKey,
	}
	if raw, err := ledger.MarshalPayload(e.Payload); err == nil {
		dto.Payload = raw
	}
	if e.SourceBatch != nil {
		v := string(*e.SourceBatch)
		dto.SourceBatch = &v
	}
	if e.SourceVessel != nil {
		v := string(*e.SourceVessel)
		dto.SourceVessel = &v
	}
	if e.DestBatch != nil {
		v := string(*e.DestBatch)
		dto.DestBatch = &v
	}
	if e.DestVessel != nil {
		v := string(*e.DestVessel)
		dto.DestVessel = &v
	}
	return dto
}

// =============================================================================
// PACKAGING
// =============================================================================

type PackagingRequest struct {
	BatchID        string `json:"batch_id" validate:"required"`
	VolumeTaken    string `json:"volume_taken" validate:"required"`
	Unit           string `json:"unit" validate:"required"`
	UnitSizeL      string `json:"unit_size_l" validate:"required"`
	Units          int64  `json:"units" validate:"required,gt=0"`
	RecordedBy     string `json:"recorded_by"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type FinishedUnitDTO struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	LotCode   string `json:"lot_code"`
	UnitSizeL string `json:"unit_size_l"`
	Units     int64  `json:"units"`
	Style     string `json:"style"`
	PackedAt  string `json:"packed_at"`
	PackedBy  string `json:"packed_by,omitempty"`
}

func toFinishedUnitDTO(u ledger.FinishedUnit) FinishedUnitDTO {
	return FinishedUnitDTO{
		ID:        u.ID,
		BatchID:   string(u.BatchID),
		LotCode:   u.LotCode,
		UnitSizeL: u.UnitSizeL.String(),
		Units:     u.Units,
		Style:     string(u.Style),
		PackedAt:  u.PackedAt.Format(time.RFC3339),
		PackedBy:  u.PackedBy,
	}
}

// PackagingResponse pairs the journal entry with the packaging output.
type PackagingResponse struct {
	Entry    EntryDTO        `json:"entry"`
	Finished FinishedUnitDTO `json:"finished"`
	LossL    string          `json:"loss_l"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type RunReconciliationRequest struct {
	PeriodStart   string `json:"period_start" validate:"required"`
	PeriodEnd     string `json:"period_end" validate:"required"`
	PhysicalCount string `json:"physical_count" validate:"required"`
	Unit          string `json:"unit" validate:"required"`
	RecordedBy    string `json:"recorded_by"`
}

type AddAdjustmentRequest struct {
	Reason     string `json:"reason" validate:"required"`
	VolumeL    string `json:"volume_l" validate:"required"`
	Note       string `json:"note,omitempty"`
	RecordedBy string `json:"recorded_by"`
}

type FinalizeRequest struct {
	RecordedBy string `json:"recorded_by"`
}

type AdjustmentDTO struct {
	ID         string `json:"id"`
	Reason     string `json:"reason"`
	VolumeL    string `json:"volume_l"`
	Note       string `json:"note,omitempty"`
	RecordedAt string `json:"recorded_at"`
	RecordedBy string `json:"recorded_by,omitempty"`
}

type SnapshotDTO struct {
	ID                 string          `json:"id"`
	PeriodStart        string          `json:"period_start"`
	PeriodEnd          string          `json:"period_end"`
	OpeningL           string          `json:"opening_l"`
	ProductionL        string          `json:"production_l"`
	TaxPaidRemovalsL   string          `json:"tax_paid_removals_l"`
	OtherLossesL       string          `json:"other_losses_l"`
	CalculatedClosingL string          `json:"calculated_closing_l"`
	PhysicalCountL     string          `json:"physical_count_l"`
	VarianceL          string          `json:"variance_l"`
	UnexplainedL       string          `json:"unexplained_l"`
	Status             string          `json:"status"`
	Supersedes         *string         `json:"supersedes,omitempty"`
	Adjustments        []AdjustmentDTO `json:"adjustments"`
	CreatedAt          string          `json:"created_at"`
	CreatedBy          string          `json:"created_by,omitempty"`
	FinalizedAt        *string         `json:"finalized_at,omitempty"`
	FinalizedBy        string          `json:"finalized_by,omitempty"`
}

func toSnapshotDTO(s *ledger.ReconciliationSnapshot) SnapshotDTO {
	dto := SnapshotDTO{
		ID:                 string(s.ID),
		PeriodStart:        s.PeriodStart.Format(time.RFC3339),
		PeriodEnd:          s.PeriodEnd.Format(time.RFC3339),
		OpeningL:           s.OpeningL.String(),
		ProductionL:        s.ProductionL.String(),
		TaxPaidRemovalsL:   s.TaxPaidRemovalsL.String(),
		OtherLossesL:       s.OtherLossesL.String(),
		CalculatedClosingL: s.CalculatedClosingL.String(),
		PhysicalCountL:     s.PhysicalCountL.String(),
		VarianceL:          s.VarianceL.String(),
		UnexplainedL:       s.UnexplainedL().String(),
		Status:             string(s.Status),
		Adjustments:        make([]AdjustmentDTO, 0, len(s.Adjustments)),
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
		CreatedBy:          s.CreatedBy,
		FinalizedBy:        s.FinalizedBy,
	}
	if s.Supersedes != nil {
		v := string(*s.Supersedes)
		dto.Supersedes = &v
	}
	if s.FinalizedAt != nil {
		v := s.FinalizedAt.Format(time.RFC3339)
		dto.FinalizedAt = &v
	}
	for _, a := range s.Adjustments {
		dto.Adjustments = append(dto.Adjustments, AdjustmentDTO{
			ID:         string(a.ID),
			Reason:     string(a.Reason),
			VolumeL:    a.VolumeL.String(),
			Note:       a.Note,
			RecordedAt: a.RecordedAt.Format(time.RFC3339),
			RecordedBy: a.RecordedBy,
		})
	}
	return dto
}

// =============================================================================
// SHARED
// =============================================================================

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func decPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

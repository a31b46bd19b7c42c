/*
registry.go - Vessel registry and batch listing

Vessels are configuration, not ledger state: they can be created and
retired independently of any batch, but a vessel holding liquid cannot be
taken out of service.
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

type CreateVesselInput struct {
	Name string

	// Capacity as entered.
	Capacity decimal.Decimal
	Unit     Unit

	// PressureRatedKPa nil means unpressurized.
	PressureRatedKPa *decimal.Decimal
}

// CreateVessel registers a vessel, available and empty.
func (s *Service) CreateVessel(ctx context.Context, in CreateVesselInput) (*Vessel, error) {
	if in.Name == "" {
		return nil, Validationf("name", "vessel name is required")
	}
	capacityL, err := ToCanonical(in.Capacity, in.Unit, DimensionVolume)
	if err != nil {
		return nil, err
	}
	if capacityL.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("capacity", "vessel capacity must be positive, got %sL", capacityL.String())
	}
	if in.PressureRatedKPa != nil && in.PressureRatedKPa.LessThanOrEqual(decimal.Zero) {
		return nil, Validationf("pressure_rating", "pressure rating must be positive, got %s kPa", in.PressureRatedKPa.String())
	}

	now := s.now()
	v := &Vessel{
		ID:               VesselID(newID()),
		Name:             in.Name,
		Status:           VesselAvailable,
		CapacityL:        capacityL,
		PressureRatedKPa: in.PressureRatedKPa,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.SaveVessel(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetVesselStatus moves an empty vessel between available, cleaning, and
// maintenance. Occupied vessels are managed by the operations that fill
// and drain them.
func (s *Service) SetVesselStatus(ctx context.Context, id VesselID, next VesselStatus) (*Vessel, error) {
	if next == VesselInUse {
		return nil, Validationf("status", "in_use is set by recording an operation, not directly")
	}
	if !next.Valid() {
		return nil, Validationf("status", "unknown vessel status %q", string(next))
	}

	var v *Vessel
	err := s.store.WithTx(ctx, func(st Store) error {
		var err error
		v, err = st.GetVessel(ctx, id)
		if err != nil {
			return err
		}
		if v.ActiveBatch != nil {
			return Validationf("status", "vessel %s holds batch %s and cannot change status", v.ID, *v.ActiveBatch)
		}
		v.Status = next
		v.UpdatedAt = s.now()
		return st.SaveVessel(ctx, v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Vessel returns one vessel by ID.
func (s *Service) Vessel(ctx context.Context, id VesselID) (*Vessel, error) {
	return s.store.GetVessel(ctx, id)
}

// Vessels lists the registry, by name.
func (s *Service) Vessels(ctx context.Context) ([]*Vessel, error) {
	return s.store.ListVessels(ctx)
}

// Batch returns one batch by ID.
func (s *Service) Batch(ctx context.Context, id BatchID) (*Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// Batches lists batches, oldest first. Archived batches are excluded
// unless asked for.
func (s *Service) Batches(ctx context.Context, includeArchived bool) ([]*Batch, error) {
	return s.store.ListBatches(ctx, includeArchived)
}

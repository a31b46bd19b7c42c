/*
vessel.go - Physical containers and their derived occupancy

PURPOSE:

	A Vessel is a tank, barrel, or brite. Its occupancy is DERIVED from the
	batch it holds, never set independently while a batch is active: assigning
	volume to an empty vessel flips it to in_use; draining its batch to ~zero
	releases it. Operators only choose the release destination (available vs
	cleaning/maintenance).

INVARIANT:

	At most one active batch per vessel at any time.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

type VesselStatus string

const (
	VesselAvailable   VesselStatus = "available"
	VesselInUse       VesselStatus = "in_use"
	VesselCleaning    VesselStatus = "cleaning"
	VesselMaintenance VesselStatus = "maintenance"
)

func (s VesselStatus) Valid() bool {
	switch s {
	case VesselAvailable, VesselInUse, VesselCleaning, VesselMaintenance:
		return true
	}
	return false
}

// Vessel is a physical container. CapacityL is canonical liters.
type Vessel struct {
	ID        VesselID
	Name      string
	Status    VesselStatus
	CapacityL decimal.Decimal

	// PressureRatedKPa is nil for unpressurized vessels. Forced carbonation
	// requires a rated vessel.
	PressureRatedKPa *decimal.Decimal

	// ActiveBatch is set while the vessel holds liquid.
	ActiveBatch *BatchID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanReceive checks whether adding volumeL on top of currentL fits the
// rated capacity.
func (v *Vessel) CanReceive(currentL, volumeL decimal.Decimal) error {
	wouldHold := currentL.Add(volumeL)
	if wouldHold.GreaterThan(v.CapacityL) {
		return &CapacityExceededError{
			VesselID:  v.ID,
			CapacityL: v.CapacityL,
			WouldHold: wouldHold,
		}
	}
	return nil
}

// Occupy claims the vessel for a batch. Fails if another batch is active.
func (v *Vessel) Occupy(batchID BatchID) error {
	if v.ActiveBatch != nil && *v.ActiveBatch != batchID {
		return Validationf("vessel", "vessel %s already holds batch %s", v.ID, *v.ActiveBatch)
	}
	if v.Status == VesselCleaning || v.Status == VesselMaintenance {
		return Validationf("vessel", "vessel %s is out of service (%s)", v.ID, v.Status)
	}
	v.ActiveBatch = &batchID
	v.Status = VesselInUse
	return nil
}

// Release drops the active batch and routes the vessel to its next state.
// The zero value of next means available.
func (v *Vessel) Release(next VesselStatus) error {
	if next == "" {
		next = VesselAvailable
	}
	if next == VesselInUse {
		return Validationf("vessel", "cannot release vessel %s into in_use", v.ID)
	}
	if !next.Valid() {
		return Validationf("vessel", "unknown vessel status %q", string(next))
	}
	v.ActiveBatch = nil
	v.Status = next
	return nil
}

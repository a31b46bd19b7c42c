/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	cellar data for testing and demos. Each scenario creates vessels,
	batches, and journal entries that demonstrate specific features.

AVAILABLE SCENARIOS:

	fresh-press:   A press run entering a fermenter, with gravity readings
	pommeau-blend: Distillation round trip and a fortified blend
	bottling-day:  Rack, filter, carbonate, and package with a lot code

HOW SCENARIOS WORK:

 1. Register vessels

 2. Create batches from production inputs

 3. Journal cellar operations against them

 4. Return the created resource IDs for poking at via the API

    Scenarios are additive: batch codes carry a load-time suffix so the
    same scenario can be loaded repeatedly without unique-code collisions.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "bottling-day"}

ADDING NEW SCENARIOS:
 1. Add to the 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h, suffix)
 3. Add case to LoadScenario handler

NOTE:

	Only use in development/demo environments.

SEE ALSO:
  - handlers.go: writeJSON/writeError helpers
  - server.go: /api/scenarios routes
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bwierzbo/cidery-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// Scenario describes a loadable demo scenario.
type Scenario struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []Scenario{
	{
		ID:          "fresh-press",
		Name:        "Fresh Press",
		Description: "A fall press run enters a fermenter with an original gravity reading.",
	},
	{
		ID:          "pommeau-blend",
		Name:        "Pommeau Blend",
		Description: "Cider leaves for distillation, brandy returns, and a fortified blend is assembled.",
	},
	{
		ID:          "bottling-day",
		Name:        "Bottling Day",
		Description: "A finished batch is racked, filtered, force carbonated, and packaged with a lot code.",
	},
}

// ListScenarios returns the available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenario populates the ledger with a named scenario's data.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := h.decode(r, &req); err != nil {
		h.writeDomainError(w, "Invalid request", err)
		return
	}

	// Suffix keeps repeated loads from colliding on unique batch codes.
	suffix := time.Now().UTC().Format("060102150405")

	var (
		created map[string]string
		err     error
	)
	switch req.ScenarioID {
	case "fresh-press":
		created, err = loadFreshPressScenario(r.Context(), h, suffix)
	case "pommeau-blend":
		created, err = loadPommeauBlendScenario(r.Context(), h, suffix)
	case "bottling-day":
		created, err = loadBottlingDayScenario(r.Context(), h, suffix)
	default:
		h.writeDomainError(w, "Invalid request",
			ledger.Validationf("scenario_id", "unknown scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusCreated, map[string]any{
		"scenario": req.ScenarioID,
		"created":  created,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

// loadFreshPressScenario registers a fermenter and starts a cider batch
// from a press run, entered in gallons, with an original gravity reading.
func loadFreshPressScenario(ctx context.Context, h *Handler, suffix string) (map[string]string, error) {
	fermenter, err := h.Service.CreateVessel(ctx, ledger.CreateVesselInput{
		Name:     "Fermenter FV1 " + suffix,
		Capacity: decimal.RequireFromString("1000"),
		Unit:     ledger.UnitLiters,
	})
	if err != nil {
		return nil, err
	}

	batch, err := h.Service.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:    "PRESS-" + suffix,
		Product: ledger.ProductCider,
		Origin: ledger.OriginRef{
			Kind: ledger.OriginPressRun,
			Ref:  "PRESS-RUN-" + suffix,
		},
		VesselID:   fermenter.ID,
		Volume:     decimal.RequireFromString("250"),
		Unit:       ledger.UnitGallons,
		RecordedBy: "demo",
	})
	if err != nil {
		return nil, err
	}

	og := decimal.RequireFromString("1.052")
	if _, err := h.Service.RecordGravity(ctx, batch.ID, &og, nil); err != nil {
		return nil, err
	}

	return map[string]string{
		"fermenter": string(fermenter.ID),
		"batch":     string(batch.ID),
	}, nil
}

// loadPommeauBlendScenario runs a full distillation round trip: cider leaves
// for an external still, high-proof brandy returns into a juice batch, and
// the resulting pommeau's ABV is the volume-weighted blend.
func loadPommeauBlendScenario(ctx context.Context, h *Handler, suffix string) (map[string]string, error) {
	ciderTank, err := h.Service.CreateVessel(ctx, ledger.CreateVesselInput{
		Name:     "Tank T1 " + suffix,
		Capacity: decimal.RequireFromString("600"),
		Unit:     ledger.UnitLiters,
	})
	if err != nil {
		return nil, err
	}
	blendTank, err := h.Service.CreateVessel(ctx, ledger.CreateVesselInput{
		Name:     "Blend Tank T2 " + suffix,
		Capacity: decimal.RequireFromString("300"),
		Unit:     ledger.UnitLiters,
	})
	if err != nil {
		return nil, err
	}

	cider, err := h.Service.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:    "CIDER-" + suffix,
		Product: ledger.ProductCider,
		Origin: ledger.OriginRef{
			Kind: ledger.OriginPressRun,
			Ref:  "PRESS-RUN-" + suffix,
		},
		VesselID:   ciderTank.ID,
		Volume:     decimal.RequireFromString("500"),
		Unit:       ledger.UnitLiters,
		RecordedBy: "demo",
	})
	if err != nil {
		return nil, err
	}
	og := decimal.RequireFromString("1.055")
	fg := decimal.RequireFromString("1.000")
	if _, err := h.Service.RecordGravity(ctx, cider.ID, &og, &fg); err != nil {
		return nil, err
	}

	// Outbound leg: 200 L leaves for the distillery.
	manifest := "DIST-" + suffix
	if _, err := h.Service.DistillOut(ctx, ledger.DistillOutInput{
		BatchID:     cider.ID,
		Volume:      decimal.RequireFromString("200"),
		Unit:        ledger.UnitLiters,
		ExternalRef: manifest,
		RecordedBy:  "demo",
	}); err != nil {
		return nil, err
	}

	// The pommeau base is unfermented juice.
	pommeau, err := h.Service.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:    "POMMEAU-" + suffix,
		Product: ledger.ProductPommeau,
		Origin: ledger.OriginRef{
			Kind: ledger.OriginJuicePurchase,
			Ref:  "PO-" + suffix,
		},
		VesselID:   blendTank.ID,
		Volume:     decimal.RequireFromString("160"),
		Unit:       ledger.UnitLiters,
		RecordedBy: "demo",
	})
	if err != nil {
		return nil, err
	}

	// Inbound leg: 40 L of 62% spirit fortifies the juice.
	if _, err := h.Service.DistillIn(ctx, ledger.DistillInInput{
		DestBatch:   pommeau.ID,
		Volume:      decimal.RequireFromString("40"),
		Unit:        ledger.UnitLiters,
		ABV:         decimal.RequireFromString("62"),
		ExternalRef: manifest,
		RecordedBy:  "demo",
	}); err != nil {
		return nil, err
	}

	return map[string]string{
		"cider_tank": string(ciderTank.ID),
		"blend_tank": string(blendTank.ID),
		"cider":      string(cider.ID),
		"pommeau":    string(pommeau.ID),
	}, nil
}

// loadBottlingDayScenario walks a batch through conditioning into bottles:
// rack off the lees, sterile filter into a pressure-rated brite tank, force
// carbonate, and draw a packaging run with a lot code.
func loadBottlingDayScenario(ctx context.Context, h *Handler, suffix string) (map[string]string, error) {
	fermenter, err := h.Service.CreateVessel(ctx, ledger.CreateVesselInput{
		Name:     "Fermenter FV2 " + suffix,
		Capacity: decimal.RequireFromString("400"),
		Unit:     ledger.UnitLiters,
	})
	if err != nil {
		return nil, err
	}
	briteRating := decimal.RequireFromString("300")
	brite, err := h.Service.CreateVessel(ctx, ledger.CreateVesselInput{
		Name:             "Brite Tank BT1 " + suffix,
		Capacity:         decimal.RequireFromString("400"),
		Unit:             ledger.UnitLiters,
		PressureRatedKPa: &briteRating,
	})
	if err != nil {
		return nil, err
	}

	batch, err := h.Service.CreateBatch(ctx, ledger.CreateBatchInput{
		Code:    "BOTTLE-" + suffix,
		Product: ledger.ProductCider,
		Origin: ledger.OriginRef{
			Kind: ledger.OriginPressRun,
			Ref:  "PRESS-RUN-" + suffix,
		},
		VesselID:   fermenter.ID,
		Volume:     decimal.RequireFromString("350"),
		Unit:       ledger.UnitLiters,
		RecordedBy: "demo",
	})
	if err != nil {
		return nil, err
	}
	og := decimal.RequireFromString("1.050")
	fg := decimal.RequireFromString("0.998")
	if _, err := h.Service.RecordGravity(ctx, batch.ID, &og, &fg); err != nil {
		return nil, err
	}
	if _, err := h.Service.SetBatchStatus(ctx, batch.ID, ledger.BatchConditioning); err != nil {
		return nil, err
	}

	// Rack in place off the lees.
	if _, err := h.Service.Rack(ctx, ledger.RackInput{
		BatchID:    batch.ID,
		LossL:      decimal.RequireFromString("8"),
		Notes:      "heavy lees after cold crash",
		RecordedBy: "demo",
	}); err != nil {
		return nil, err
	}

	// Sterile filter into the brite tank.
	briteID := brite.ID
	if _, err := h.Service.Filter(ctx, ledger.FilterInput{
		BatchID:    batch.ID,
		DestVessel: &briteID,
		LossL:      decimal.RequireFromString("4"),
		Grade:      ledger.FilterSterile,
		RecordedBy: "demo",
	}); err != nil {
		return nil, err
	}

	// Force carbonate to sparkling.
	target := decimal.RequireFromString("2.8")
	pressure := decimal.RequireFromString("180")
	if _, err := h.Service.Carbonate(ctx, ledger.CarbonateInput{
		BatchID:          batch.ID,
		Method:           ledger.CarbonationForced,
		TargetCO2Volumes: &target,
		PressureKPa:      &pressure,
		RecordedBy:       "demo",
	}); err != nil {
		return nil, err
	}

	// Bottle 300 L into 750 mL bottles; the remainder stays in tank.
	result, err := h.Service.DrawPackaging(ctx, ledger.PackagingInput{
		BatchID:     batch.ID,
		VolumeTaken: decimal.RequireFromString("300"),
		Unit:        ledger.UnitLiters,
		UnitSizeL:   decimal.RequireFromString("0.75"),
		Units:       398,
		RecordedBy:  "demo",
	})
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"fermenter": string(fermenter.ID),
		"brite":     string(brite.ID),
		"batch":     string(batch.ID),
		"lot_code":  result.Finished.LotCode,
		"loss_l":    result.LossL.String(),
	}, nil
}

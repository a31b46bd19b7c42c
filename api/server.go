/*
server.go - HTTP router and middleware configuration

PURPOSE:

	Configures the HTTP router (chi), middleware stack, and route definitions.
	This is the wiring layer that connects URLs to handlers.

ROUTER: chi

	Chi was chosen for:
	- Lightweight and fast
	- Context-based
	- Middleware support
	- RESTful route patterns

MIDDLEWARE STACK:
 1. Logger:     Request logging
 2. Recoverer:  Panic recovery (500 instead of crash)
 3. RequestID:  Unique ID per request for tracing
 4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:

	/api/batches/*        Batch lifecycle, journal, composition
	/api/vessels/*        Vessel registry
	/api/operations/*     Volume-moving cellar operations
	/api/packaging        Packaging draw-down
	/api/reconciliation/* Period reconciliation snapshots
	/api/scenarios/*      Demo scenarios

SECURITY NOTE:

	No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Get("/{id}", h.GetBatch)
			r.Get("/{id}/state", h.GetBatchState)
			r.Get("/{id}/journal", h.GetBatchJournal)
			r.Get("/{id}/composition", h.GetBatchComposition)
			r.Post("/{id}/composition", h.AddComposition)
			r.Delete("/{id}/composition/{cid}", h.RemoveComposition)
			r.Post("/{id}/status", h.SetBatchStatus)
			r.Post("/{id}/gravity", h.RecordGravity)
			r.Post("/{id}/archive", h.ArchiveBatch)
			r.Get("/{id}/packaging", h.GetPackagingRuns)
		})

		// Vessel routes
		r.Route("/vessels", func(r chi.Router) {
			r.Get("/", h.ListVessels)
			r.Post("/", h.CreateVessel)
			r.Get("/{id}", h.GetVessel)
			r.Post("/{id}/status", h.SetVesselStatus)
		})

		// Cellar operation routes
		r.Route("/operations", func(r chi.Router) {
			r.Post("/transfer", h.Transfer)
			r.Post("/merge", h.Merge)
			r.Post("/rack", h.Rack)
			r.Post("/filter", h.Filter)
			r.Post("/carbonate", h.Carbonate)
			r.Post("/distill-out", h.DistillOut)
			r.Post("/distill-in", h.DistillIn)
		})

		// Packaging
		r.Post("/packaging", h.DrawPackaging)

		// Demo scenarios
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		// Reconciliation routes
		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/run", h.RunReconciliation)
			r.Route("/snapshots", func(r chi.Router) {
				r.Get("/", h.ListSnapshots)
				r.Get("/{id}", h.GetSnapshot)
				r.Post("/{id}/adjustments", h.AddAdjustment)
				r.Post("/{id}/finalize", h.FinalizeSnapshot)
			})
		})

		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	return r
}

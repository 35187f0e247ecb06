package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mabuchilab/instrumental/internal/infrastructure/metrics"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint
	r.Handle(s.metricsPath, metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Get("/drivers", s.handleListDrivers)
		r.Get("/resources", s.handleListResources)

		r.Route("/instruments", func(r chi.Router) {
			r.Get("/", s.handleListInstruments)
			r.Post("/", s.handleOpenInstrument)
			r.Get("/available", s.handleListAvailable)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetInstrument)
				r.Delete("/", s.handleCloseInstrument)
				r.Get("/facets", s.handleListFacets)
				r.Get("/facets/{name}", s.handleGetFacet)
				r.Put("/facets/{name}", s.handleSetFacet)
				r.Get("/facets/{name}/history", s.handleFacetHistory)
			})
		})

		r.Route("/aliases", func(r chi.Router) {
			r.Get("/", s.handleListAliases)
			r.Post("/", s.handleSaveAlias)
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	resp := map[string]any{
		"status":      "ok",
		"version":     s.version,
		"instruments": len(s.engine.Manager().Instances()),
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	if s.schema != nil {
		schema := map[string]any{}
		status, err := s.schema.SchemaStatus(r.Context())
		if err != nil {
			schema["error"] = err.Error()
		} else {
			schema["version"] = status.Version()
			schema["pending"] = len(status.Pending)
		}
		if err != nil || !status.UpToDate() {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
		resp["schema"] = schema
	}
	writeJSON(w, code, resp)
}

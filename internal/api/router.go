package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter assembles the REST surface.
func NewRouter(h *Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(RequestID(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(Observe)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/readings", h.ListReadings)
		r.Get("/readings/latest", h.LatestReading)
		r.Get("/readings/stats", h.ReadingStats)
		r.Post("/sync", h.TriggerSync)
		r.Get("/sync-logs", h.ListSyncLogs)
		r.Get("/sync-stats", h.SyncStats)
		r.Post("/import-csv", h.ImportCSV)
	})

	return r
}

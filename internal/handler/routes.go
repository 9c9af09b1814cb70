package handler

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Arke-Institute/attestation/internal/config"
	"github.com/Arke-Institute/attestation/internal/middleware"
)

// NewRouter returns the writer's HTTP surface: the public health document
// and Prometheus metrics, plus the bearer-protected admin endpoints.
func NewRouter(cfg *config.Config, health *HealthHandler, admin *AdminHandler, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(chimiddleware.Timeout(cfg.Server.WriteTimeout))

	// Public endpoints (no auth required)
	r.Get("/", health.Status)
	r.Handle("/metrics", promhttp.Handler())

	// Admin endpoints (bearer token)
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Server.AdminSecret))

		r.Post("/trigger", admin.Trigger)
		r.Post("/test-bundle", admin.TestBundle)
		r.Get("/test-verify", admin.ListTrackedBundles)
		r.Post("/test-verify", admin.InjectTrackedBundle)
	})

	return r
}

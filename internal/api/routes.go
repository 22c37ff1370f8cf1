package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	// Scrape endpoint is unauthenticated like health
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Use(IdentityMiddleware)

			r.Post("/events", h.SubmitEvent)
			r.Post("/recommendations", h.Recommendations)
			r.Post("/preferences", h.SubmitPreferences)
			r.Get("/context", h.Context)
			r.Get("/rules/{userID}", h.ListRules)
			r.Get("/rules/{userID}/{category}/{signature}", h.GetRule)
		})
	})

	return r
}

package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(m.Timeout(15 * time.Second))
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Asset catalog
		r.Get("/assets", h.ListAssets)

		// Banks and instructions
		r.Route("/banks", func(r chi.Router) {
			r.Get("/", h.ListBanks)
			r.Route("/{asset}", func(r chi.Router) {
				r.Get("/", h.GetBank)
				r.Post("/deposit", h.Deposit)
				r.Post("/borrow", h.Borrow)
				r.Post("/withdraw", h.Withdraw)
				r.Post("/repay", h.Repay)
			})
		})

		// Liquidations
		r.Post("/liquidations", h.Liquidate)

		// User positions
		r.Route("/users", func(r chi.Router) {
			r.Get("/{user}/position", h.GetUserPosition)
			r.Get("/{user}/health", h.GetUserHealth)
		})
	})

	return r
}

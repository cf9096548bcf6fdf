/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard
  5. instrument: Prometheus request count and latency

ROUTE GROUPS:
  /health, /metrics        Public
  /api/cron/sweep          Cron secret, checked by the handler
  /api/*                   Principal required (see auth.go)
  /api/worker/*            Admin token only

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Principal resolution
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	AdminToken     string
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		AllowCredentials: true,
	}))
	r.Use(instrument)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/cron/sweep", h.Sweep)

		r.Group(func(r chi.Router) {
			r.Use(principal(opts.AdminToken))

			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.With(requireAdmin).Post("/", h.CreateAccount)
				r.Get("/{id}", h.GetAccount)
				r.With(requireAdmin).Post("/{id}/deposits", h.Deposit)
				r.Post("/{id}/withdrawals", h.Withdraw)
				r.Get("/{id}/transactions", h.GetTransactions)
				r.Get("/{id}/operations", h.ListOperations)
				r.Get("/{id}/notifications", h.ListNotifications)
				r.With(requireAdmin).Get("/{id}/audit", h.Audit)
				r.With(requireAdmin).Post("/{id}/corrections", h.Correct)
			})

			// Operation routes
			r.Route("/operations", func(r chi.Router) {
				r.Post("/", h.CreateOperation)
				r.Get("/{id}", h.GetOperation)
				r.Post("/{id}/heartbeat", h.Heartbeat)
				r.Post("/{id}/cancel", h.CancelOperation)
				r.Post("/{id}/package", h.SelectPackage)
				r.Post("/{id}/captcha", h.SubmitCaptcha)
			})

			// Worker callbacks
			r.With(requireAdmin).Post("/worker/operations/{id}/progress", h.Progress)
		})
	})

	return r
}

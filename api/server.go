/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the staff and admin frontends

ROUTE GROUPS:
  /api/customers/*      Customers, wallets, activities
  /api/branches/*       Branches and allowances
  /api/purchases/*      Quote and settle
  /api/settings         Global economics
  /api/admin/*          Manual adjustments, expiry sweep
  /api/scenarios/*      Demo scenarios
  /api/reset            Database reset (dev only)
  /health               Dependency checks
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/customers", func(r chi.Router) {
			r.Get("/", h.ListCustomers)
			r.Post("/", h.RegisterCustomer)
			r.Get("/{id}", h.GetCustomer)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/block", h.BlockCustomer)
			r.Post("/{id}/unblock", h.UnblockCustomer)
			r.Post("/{id}/checkin", h.CheckIn)
			r.Post("/{id}/spin", h.Spin)
			r.Post("/{id}/review-bonus", h.ReviewBonus)
		})

		r.Route("/branches", func(r chi.Router) {
			r.Get("/", h.ListBranches)
			r.Post("/", h.CreateBranch)
			r.Get("/{id}", h.GetBranch)
			r.Get("/{id}/balance", h.GetBranchBalance)
			r.Post("/{id}/credits", h.CreditBranch)
		})

		r.Route("/purchases", func(r chi.Router) {
			r.Post("/", h.SettlePurchase)
			r.Post("/quote", h.QuotePurchase)
		})

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/customers/{id}/credit", h.AdminCredit)
			r.Post("/customers/{id}/debit", h.AdminDebit)
			r.Post("/customers/{id}/reset", h.AdminReset)
			r.Post("/expiry", h.RunExpiry)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		r.Post("/reset", h.ResetDatabase)
	})

	return r
}

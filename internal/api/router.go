/**
 * @description
 * This file sets up the HTTP router for the reward-service. User-facing routes sit under
 * `/rewards` behind Clerk JWT authentication; service-to-service routes sit under
 * `/internal` behind the shared internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the mobile and web clients.
 * - github.com/prometheus/client_golang/prometheus/promhttp: Exposes `/metrics`.
 */

package api

import (
	"net/http"
	"time"

	"github.com/bacon/reward-service/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new Chi router and registers reward routes.
func NewRouter(h *RewardHandlers, userAuth func(http.Handler) http.Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/rewards", func(r chi.Router) {
		r.Use(userAuth)

		r.Get("/balance", h.GetBalanceHandler)
		r.Get("/history", h.GetHistoryHandler)
		r.Get("/progression", h.GetProgressionHandler)

		r.Get("/payment-methods", h.ListPaymentMethodsHandler)
		r.Post("/payment-methods", h.AddPaymentMethodHandler)
		r.Put("/payment-methods/{id}/default", h.SetDefaultPaymentMethodHandler)
		r.Get("/fees/quote", h.QuoteFeeHandler)

		r.Post("/withdrawals", h.RequestWithdrawalHandler)
		r.Get("/withdrawals/{id}", h.GetWithdrawalHandler)
		r.Post("/withdrawals/{id}/cancel", h.CancelWithdrawalHandler)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/accounts", h.OpenAccountHandler)
		r.Get("/accounts/{accountId}/balance", h.InternalBalanceHandler)
		r.Get("/accounts/{accountId}/history", h.InternalHistoryHandler)
		r.Post("/accounts/{accountId}/entries", h.PostEntryHandler)

		r.Post("/sales", h.DistributeSaleHandler)
		r.Get("/distributions/reconciliation", h.ListReconciliationHandler)
		r.Post("/distributions/reconcile", h.ReconcileDistributionsHandler)

		r.Post("/payouts/{id}/confirm", h.ConfirmPayoutHandler)
		r.Post("/withdrawals/sweep", h.SweepWithdrawalsHandler)
		r.Put("/payment-methods/{id}/verification", h.SetVerificationHandler)
		r.Put("/progression/{accountId}/quality-score", h.SetQualityScoreHandler)
	})

	return r
}

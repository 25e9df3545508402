/**
 * @description
 * This file sets up the HTTP router for the wallet-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WalletRoutes creates and returns a new router for the wallet service.
func WalletRoutes(h *WalletHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Gateway webhooks authenticate with an HMAC signature, not a JWT.
	r.Post("/webhooks/paystack", h.PaystackWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(ClerkAuthMiddleware(jwksURL))

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetWalletHandler)
			r.Get("/audit-log", h.ListAuditLogHandler)

			r.Post("/deposits", h.InitiateDepositHandler)
			r.Get("/deposits/verify", h.VerifyDepositHandler)

			r.Post("/withdrawals", h.RequestWithdrawalHandler)
			r.Get("/withdrawals", h.ListWithdrawalsHandler)
			r.Get("/withdrawals/{withdrawalID}", h.GetWithdrawalHandler)
		})

		// Admin overrides; the admin role is re-read from the database per call.
		r.Route("/admin/withdrawals", func(r chi.Router) {
			r.Get("/", h.ListAdminWithdrawalsHandler)
			r.Get("/stuck", h.StuckWithdrawalsHandler)
			r.Post("/{withdrawalID}/approve", h.ApproveWithdrawalHandler)
			r.Post("/{withdrawalID}/reject", h.RejectWithdrawalHandler)
			r.Post("/{withdrawalID}/return", h.ReturnWithdrawalHandler)
			r.Post("/{withdrawalID}/retry", h.RetryWithdrawalHandler)
			r.Post("/{withdrawalID}/force-complete", h.ForceCompleteWithdrawalHandler)
		})
	})

	return r
}

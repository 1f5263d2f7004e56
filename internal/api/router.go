/**
 * @description
 * HTTP router setup for the escrow service using go-chi/chi.
 */

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/transfa/escrow-service/internal/app"
)

// RouterConfig carries the settings the router needs beyond the handler.
type RouterConfig struct {
	Keys           KeySource
	Auth           AuthOptions
	InternalAPIKey string
	WebhookSecret  string
	AllowedOrigins []string
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// NewRouter creates a new Chi router and registers the escrow routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Retry-After", "Idempotent-Replayed"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Escrow service is healthy"))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Ready != nil {
			if err := cfg.Ready(r.Context()); err != nil {
				logger.Warn("readiness check failed", "err", err)
				writeError(w, http.StatusServiceUnavailable, CodeInternal, "not ready")
				return
			}
		}
		w.Write([]byte("ready"))
	})

	r.Post("/webhooks/payment-gateway", h.WebhookHandler(cfg.WebhookSecret))

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Get("/contracts/{contractID}/payments", h.handleInternalContractPayments)
		r.Post("/jobs/auto-release/run", h.runJob("auto-release sweep", func(j *app.Jobs) func(context.Context) (app.JobResult, error) { return j.RunAutoRelease }))
		r.Post("/jobs/payout-dispatch/run", h.runJob("payout dispatch", func(j *app.Jobs) func(context.Context) (app.JobResult, error) { return j.RunPayoutDispatch }))
		r.Post("/jobs/clearance/run", h.runJob("earnings clearance", func(j *app.Jobs) func(context.Context) (app.JobResult, error) { return j.RunClearance }))
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Keys, cfg.Auth))

		idempotent := func(next http.HandlerFunc) http.Handler { return http.HandlerFunc(next) }
		if cfg.Idempotency != nil {
			mw := Idempotency(cfg.Idempotency, cfg.IdempotencyTTL, logger)
			idempotent = func(next http.HandlerFunc) http.Handler { return mw(next) }
		}

		r.Route("/escrow", func(r chi.Router) {
			r.Method(http.MethodPost, "/", idempotent(h.handleCreateEscrow))
			r.Get("/{id}", h.handleGetEscrow)
			r.Post("/{id}/release", h.handleReleaseEscrow)
			r.Post("/{id}/refund", h.handleRefundEscrow)
			r.Post("/{id}/dispute", h.handleDisputeEscrow)
			r.Post("/{id}/cancel", h.handleCancelEscrow)
		})

		r.Route("/withdrawals", func(r chi.Router) {
			r.Method(http.MethodPost, "/", idempotent(h.handleCreateWithdrawal))
			r.Get("/{id}", h.handleGetWithdrawal)
			r.Post("/{id}/cancel", h.handleCancelWithdrawal)
		})

		r.Get("/wallet", h.handleGetWallet)
		r.Get("/wallet/", h.handleGetWallet)
		r.Get("/payments", h.handleListPayments)
		r.Get("/currencies", h.handleListCurrencies)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/fee-policy", h.handleGetFeePolicy)
			r.Post("/fee-policy", h.handleUpdateFeePolicy)
			r.Get("/wallets/{userID}/reconcile", h.handleReconcileWallet)
			r.Post("/wallets/{userID}/disable", h.walletStatus(false))
			r.Post("/wallets/{userID}/enable", h.walletStatus(true))
			r.Post("/wallets/{userID}/adjust", h.handleAdjustWallet)
		})
	})

	return r
}

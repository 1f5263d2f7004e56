/**
 * @description
 * HTTP handlers for escrow, wallet, withdrawal, payment and admin endpoints.
 * Handlers decode the request, resolve the caller from the context and hand
 * off to app.Service; every error goes through writeServiceError so the
 * status code always follows the ledger error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	svc    *app.Service
	jobs   *app.Jobs
	logger *slog.Logger
}

// NewHandler creates a new Handler. jobs may be nil, in which case the
// internal job triggers answer 503.
func NewHandler(svc *app.Service, jobs *app.Jobs, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, jobs: jobs, logger: logger.With("component", "api")}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok || actor.UserID == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, "Could not get user ID from context")
		return domain.Actor{}, false
	}
	return actor, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

type createEscrowRequest struct {
	ContractID  string          `json:"contract_id"`
	MilestoneID *string         `json:"milestone_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
}

type escrowResponse struct {
	*domain.Escrow
	RefundAmount *decimal.Decimal `json:"refund_amount,omitempty"`
}

func newEscrowResponse(e *domain.Escrow) escrowResponse {
	resp := escrowResponse{Escrow: e}
	if e.Status == domain.EscrowRefunded {
		refund := e.RefundAmount()
		resp.RefundAmount = &refund
	}
	return resp
}

func (h *Handler) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createEscrowRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	escrow, err := h.svc.CreateEscrow(r.Context(), actor, app.CreateEscrowInput{
		ContractID:  req.ContractID,
		MilestoneID: req.MilestoneID,
		Amount:      req.Amount,
		Currency:    req.Currency,
	})
	if err != nil {
		writeServiceError(w, h.logger, "create_escrow", err)
		return
	}

	status := http.StatusCreated
	if escrow.Status == domain.EscrowPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, newEscrowResponse(escrow))
}

func (h *Handler) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	escrow, err := h.svc.GetEscrow(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, h.logger, "get_escrow", err)
		return
	}
	writeJSON(w, http.StatusOK, newEscrowResponse(escrow))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// escrowTransition adapts the escrow operations that take an optional reason.
func (h *Handler) escrowTransition(endpoint string, fn func(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Escrow, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}
		var req reasonRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		escrow, err := fn(r.Context(), actor, id, req.Reason)
		if err != nil {
			writeServiceError(w, h.logger, endpoint, err)
			return
		}
		writeJSON(w, http.StatusOK, newEscrowResponse(escrow))
	}
}

func (h *Handler) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition("release_escrow", func(ctx context.Context, actor domain.Actor, id uuid.UUID, _ string) (*domain.Escrow, error) {
		return h.svc.ReleaseEscrow(ctx, actor, id)
	})(w, r)
}

func (h *Handler) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition("refund_escrow", h.svc.RefundEscrow)(w, r)
}

func (h *Handler) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition("dispute_escrow", h.svc.RaiseDispute)(w, r)
}

func (h *Handler) handleCancelEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowTransition("cancel_escrow", h.svc.CancelEscrow)(w, r)
}

type createWithdrawalRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PayoutMethodID string          `json:"payout_method_id"`
}

func (h *Handler) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req createWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PayoutMethodID) == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "payout_method_id is required")
		return
	}

	wd, err := h.svc.RequestWithdrawal(r.Context(), actor.UserID, req.Amount, req.PayoutMethodID)
	if err != nil {
		writeServiceError(w, h.logger, "create_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (h *Handler) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	wd, err := h.svc.GetWithdrawal(r.Context(), actor, id)
	if err != nil {
		writeServiceError(w, h.logger, "get_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (h *Handler) handleCancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	wd, err := h.svc.CancelWithdrawal(r.Context(), actor.UserID, id)
	if err != nil {
		writeServiceError(w, h.logger, "cancel_withdrawal", err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidRequest, name)
	}
	return v, nil
}

func (h *Handler) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, h.logger, "get_wallet", err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeServiceError(w, h.logger, "get_wallet", err)
		return
	}
	view, err := h.svc.GetWallet(r.Context(), actor.UserID, limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, "get_wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.writeContractPayments(w, r, actor, r.URL.Query().Get("contract_id"))
}

func (h *Handler) handleInternalContractPayments(w http.ResponseWriter, r *http.Request) {
	h.writeContractPayments(w, r, domain.SystemActor, chi.URLParam(r, "contractID"))
}

func (h *Handler) writeContractPayments(w http.ResponseWriter, r *http.Request, actor domain.Actor, contractID string) {
	summary, err := h.svc.ContractPayments(r.Context(), actor, contractID)
	if err != nil {
		writeServiceError(w, h.logger, "list_payments", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleListCurrencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"currencies": h.svc.Currencies()})
}

type feePolicyRequest struct {
	PlatformFeeRate    *decimal.Decimal `json:"platform_fee_rate"`
	ProcessingFeeRate  *decimal.Decimal `json:"processing_fee_rate"`
	ProcessingFeeFixed *decimal.Decimal `json:"processing_fee_fixed"`
	MinimumPayment     *decimal.Decimal `json:"minimum_payment"`
	MinimumWithdrawal  *decimal.Decimal `json:"minimum_withdrawal"`
	AutoReleaseDays    *int             `json:"auto_release_days"`
	MaxDisputeDays     *int             `json:"max_dispute_days"`
	EffectiveFrom      *time.Time       `json:"effective_from"`
}

// apply overlays the provided fields on top of base.
func (req feePolicyRequest) apply(base domain.FeePolicy) domain.FeePolicy {
	policy := base
	policy.Version = 0
	policy.EffectiveFrom = time.Time{}
	if req.PlatformFeeRate != nil {
		policy.Rates.PlatformFeeRate = *req.PlatformFeeRate
	}
	if req.ProcessingFeeRate != nil {
		policy.Rates.ProcessingFeeRate = *req.ProcessingFeeRate
	}
	if req.ProcessingFeeFixed != nil {
		policy.Rates.ProcessingFeeFixed = *req.ProcessingFeeFixed
	}
	if req.MinimumPayment != nil {
		policy.MinimumPayment = *req.MinimumPayment
	}
	if req.MinimumWithdrawal != nil {
		policy.MinimumWithdrawal = *req.MinimumWithdrawal
	}
	if req.AutoReleaseDays != nil {
		policy.AutoReleaseDays = *req.AutoReleaseDays
	}
	if req.MaxDisputeDays != nil {
		policy.MaxDisputeDays = *req.MaxDisputeDays
	}
	if req.EffectiveFrom != nil {
		policy.EffectiveFrom = req.EffectiveFrom.UTC()
	}
	return policy
}

func (h *Handler) handleGetFeePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := h.svc.ActiveFeePolicy(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "get_fee_policy", err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (h *Handler) handleUpdateFeePolicy(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req feePolicyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	current, err := h.svc.ActiveFeePolicy(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "update_fee_policy", err)
		return
	}
	created, err := h.svc.UpdateFeePolicy(r.Context(), actor, req.apply(*current))
	if err != nil {
		writeServiceError(w, h.logger, "update_fee_policy", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleReconcileWallet(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ReconcileWallet(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, h.logger, "reconcile_wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) walletStatus(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		wallet, err := h.svc.SetWalletActive(r.Context(), actor, chi.URLParam(r, "userID"), active)
		if err != nil {
			writeServiceError(w, h.logger, "set_wallet_status", err)
			return
		}
		writeJSON(w, http.StatusOK, wallet)
	}
}

type adjustWalletRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *Handler) handleAdjustWallet(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req adjustWalletRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	txn, err := h.svc.AdjustWallet(r.Context(), actor, chi.URLParam(r, "userID"), req.Amount, req.Reason)
	if err != nil {
		writeServiceError(w, h.logger, "adjust_wallet", err)
		return
	}
	writeJSON(w, http.StatusCreated, txn)
}

// runJob exposes a scheduled job for manual or external triggering.
func (h *Handler) runJob(name string, pick func(j *app.Jobs) func(context.Context) (app.JobResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.jobs == nil {
			writeError(w, http.StatusServiceUnavailable, CodeInternal, "jobs are not configured")
			return
		}
		result, err := pick(h.jobs)(r.Context())
		if err != nil {
			writeServiceError(w, h.logger, name, err)
			return
		}
		h.logger.Info("job triggered", "job", name, "processed", result.Processed, "failed", result.Failed)
		writeJSON(w, http.StatusOK, result)
	}
}

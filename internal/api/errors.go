package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
)

// Error codes returned in the error envelope.
const (
	CodeInvalidAmount       = "INVALID_AMOUNT"
	CodeUnsupportedCurrency = "UNSUPPORTED_CURRENCY"
	CodeInsufficientFunds   = "INSUFFICIENT_FUNDS"
	CodeInvalidState        = "INVALID_STATE"
	CodeWalletDisabled      = "WALLET_DISABLED"
	CodeNotAuthorized       = "NOT_AUTHORIZED"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeNotFound            = "NOT_FOUND"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeGatewayUnavailable  = "GATEWAY_UNAVAILABLE"
	CodePaymentDeclined     = "PAYMENT_DECLINED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeInternal            = "INTERNAL"
)

// gatewayRetryAfterSeconds is sent with 503 responses.
const gatewayRetryAfterSeconds = 30

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a service error onto a status code and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, CodeInvalidAmount
	case errors.Is(err, domain.ErrUnsupportedCurrency), errors.Is(err, domain.ErrCurrencyNotFound):
		return http.StatusUnprocessableEntity, CodeUnsupportedCurrency
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusPaymentRequired, CodeInsufficientFunds
	case errors.Is(err, domain.ErrGatewayRejected):
		return http.StatusPaymentRequired, CodePaymentDeclined
	case errors.Is(err, domain.ErrWalletDisabled):
		return http.StatusConflict, CodeWalletDisabled
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrOpenEscrowExists):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, CodeIdempotencyConflict
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden, CodeNotAuthorized
	case errors.Is(err, domain.ErrEscrowNotFound),
		errors.Is(err, domain.ErrWalletNotFound),
		errors.Is(err, domain.ErrWithdrawalNotFound),
		errors.Is(err, domain.ErrContractNotFound),
		errors.Is(err, domain.ErrFeePolicyNotFound),
		errors.Is(err, domain.ErrClearanceNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, CodeGatewayUnavailable
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeServiceError logs and renders err. Internal errors never leak their
// message.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, endpoint string, err error) {
	status, code := classify(err)
	message := err.Error()

	switch code {
	case CodeInternal:
		logger.Error("request failed", "endpoint", endpoint, "err", err)
		message = "internal server error"
	case CodeGatewayUnavailable:
		logger.Warn("request failed", "endpoint", endpoint, "err", err)
		w.Header().Set("Retry-After", strconv.Itoa(gatewayRetryAfterSeconds))
	case CodeRateLimited:
		var rateErr *app.RateLimitError
		if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(rateErr.RetryAfter.Seconds())))
		}
	default:
		logger.Info("request rejected", "endpoint", endpoint, "code", code, "err", err)
	}
	writeError(w, status, code, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeJSON writes JSON responses.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

package domain

import "errors"

// Ledger error taxonomy. Handlers map these to HTTP status codes with errors.Is,
// so callers must wrap rather than replace them.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInvalidState        = errors.New("invalid state transition")
	ErrWalletDisabled      = errors.New("wallet is disabled")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrOpenEscrowExists    = errors.New("contract slot already has an open escrow")

	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrContractNotFound   = errors.New("contract not found")
	ErrCurrencyNotFound   = errors.New("currency not found")
	ErrFeePolicyNotFound  = errors.New("fee policy not found")
	ErrClearanceNotFound  = errors.New("clearance not found")
)

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet caches a user's balances. The transaction log is the source of truth:
// AvailableBalance and PendingBalance always equal the sums of the per-bucket
// deltas of the wallet's transactions.
type Wallet struct {
	ID               uuid.UUID       `json:"id"`
	UserID           string          `json:"user_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	PendingBalance   decimal.Decimal `json:"pending_balance"`
	TotalEarned      decimal.Decimal `json:"total_earned"`
	Currency         string          `json:"currency"`
	Active           bool            `json:"active"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewWallet returns an empty active wallet.
func NewWallet(userID, currency string, now time.Time) *Wallet {
	return &Wallet{
		ID:               uuid.New(),
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		PendingBalance:   decimal.Zero,
		TotalEarned:      decimal.Zero,
		Currency:         NormalizeCurrencyCode(currency),
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TransactionKind says which buckets a wallet transaction touched.
type TransactionKind string

const (
	TransactionCredit  TransactionKind = "credit"
	TransactionDebit   TransactionKind = "debit"
	TransactionHold    TransactionKind = "hold"
	TransactionRelease TransactionKind = "release"
)

// TransactionSource explains why money moved.
type TransactionSource string

const (
	SourceEscrowRelease      TransactionSource = "escrow_release"
	SourceRefund             TransactionSource = "refund"
	SourceWithdrawal         TransactionSource = "withdrawal"
	SourceWithdrawalReversal TransactionSource = "withdrawal_reversal"
	SourceClearanceHold      TransactionSource = "clearance_hold"
	SourceClearanceRelease   TransactionSource = "clearance_release"
	SourceAdjustment         TransactionSource = "adjustment"
)

// WalletTransaction is an append-only ledger row. Amount is the signed change
// of available+pending; holds and releases move money between buckets and
// carry a zero Amount.
type WalletTransaction struct {
	ID             uuid.UUID         `json:"id"`
	WalletID       uuid.UUID         `json:"wallet_id"`
	Kind           TransactionKind   `json:"kind"`
	Source         TransactionSource `json:"source"`
	Amount         decimal.Decimal   `json:"amount"`
	AvailableDelta decimal.Decimal   `json:"available_delta"`
	PendingDelta   decimal.Decimal   `json:"pending_delta"`
	AvailableAfter decimal.Decimal   `json:"available_after"`
	PendingAfter   decimal.Decimal   `json:"pending_after"`
	Description    string            `json:"description,omitempty"`
	PaymentID      *uuid.UUID        `json:"payment_id,omitempty"`
	EscrowID       *uuid.UUID        `json:"escrow_id,omitempty"`
	WithdrawalID   *uuid.UUID        `json:"withdrawal_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// AddFunds credits the available balance. Escrow releases also count towards
// TotalEarned.
func (w *Wallet) AddFunds(amount decimal.Decimal, source TransactionSource, now time.Time) (*WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	if source == SourceEscrowRelease {
		w.TotalEarned = w.TotalEarned.Add(amount)
	}
	return w.record(TransactionCredit, source, amount, amount, decimal.Zero, now), nil
}

// DeductFunds debits the available balance. The wallet is untouched on error.
func (w *Wallet) DeductFunds(amount decimal.Decimal, source TransactionSource, now time.Time) (*WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: debit must be positive", ErrInvalidAmount)
	}
	if !w.Active {
		return nil, ErrWalletDisabled
	}
	if w.AvailableBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientFunds, w.AvailableBalance, amount)
	}
	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	return w.record(TransactionDebit, source, amount.Neg(), amount.Neg(), decimal.Zero, now), nil
}

// MoveToPending parks part of the available balance in pending.
func (w *Wallet) MoveToPending(amount decimal.Decimal, source TransactionSource, now time.Time) (*WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: hold must be positive", ErrInvalidAmount)
	}
	if !w.Active {
		return nil, ErrWalletDisabled
	}
	if w.AvailableBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, hold %s", ErrInsufficientFunds, w.AvailableBalance, amount)
	}
	w.AvailableBalance = w.AvailableBalance.Sub(amount)
	w.PendingBalance = w.PendingBalance.Add(amount)
	return w.record(TransactionHold, source, decimal.Zero, amount.Neg(), amount, now), nil
}

// ReleasePending moves money back from pending to available.
func (w *Wallet) ReleasePending(amount decimal.Decimal, source TransactionSource, now time.Time) (*WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: release must be positive", ErrInvalidAmount)
	}
	if w.PendingBalance.LessThan(amount) {
		return nil, fmt.Errorf("%w: pending %s, release %s", ErrInsufficientFunds, w.PendingBalance, amount)
	}
	w.PendingBalance = w.PendingBalance.Sub(amount)
	w.AvailableBalance = w.AvailableBalance.Add(amount)
	return w.record(TransactionRelease, source, decimal.Zero, amount, amount.Neg(), now), nil
}

func (w *Wallet) record(kind TransactionKind, source TransactionSource, amount, availableDelta, pendingDelta decimal.Decimal, now time.Time) *WalletTransaction {
	w.UpdatedAt = now
	return &WalletTransaction{
		ID:             uuid.New(),
		WalletID:       w.ID,
		Kind:           kind,
		Source:         source,
		Amount:         amount,
		AvailableDelta: availableDelta,
		PendingDelta:   pendingDelta,
		AvailableAfter: w.AvailableBalance,
		PendingAfter:   w.PendingBalance,
		CreatedAt:      now,
	}
}

// LedgerTotals is the wallet state recomputed from its transaction log.
type LedgerTotals struct {
	Amount    decimal.Decimal `json:"amount"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Count     int             `json:"count"`
}

// SumTransactions folds a transaction log into totals.
func SumTransactions(txns []WalletTransaction) LedgerTotals {
	totals := LedgerTotals{Amount: decimal.Zero, Available: decimal.Zero, Pending: decimal.Zero}
	for _, t := range txns {
		totals.Amount = totals.Amount.Add(t.Amount)
		totals.Available = totals.Available.Add(t.AvailableDelta)
		totals.Pending = totals.Pending.Add(t.PendingDelta)
		totals.Count++
	}
	return totals
}

// Reconciliation compares cached balances against the transaction log.
type Reconciliation struct {
	WalletID         uuid.UUID       `json:"wallet_id"`
	UserID           string          `json:"user_id"`
	CachedAvailable  decimal.Decimal `json:"cached_available"`
	CachedPending    decimal.Decimal `json:"cached_pending"`
	LedgerAvailable  decimal.Decimal `json:"ledger_available"`
	LedgerPending    decimal.Decimal `json:"ledger_pending"`
	LedgerTotal      decimal.Decimal `json:"ledger_total"`
	TransactionCount int             `json:"transaction_count"`
	Balanced         bool            `json:"balanced"`
}

// Reconcile checks the wallet's cached balances against totals.
func (w *Wallet) Reconcile(totals LedgerTotals) Reconciliation {
	balanced := w.AvailableBalance.Equal(totals.Available) &&
		w.PendingBalance.Equal(totals.Pending) &&
		w.AvailableBalance.Add(w.PendingBalance).Equal(totals.Amount)
	return Reconciliation{
		WalletID:         w.ID,
		UserID:           w.UserID,
		CachedAvailable:  w.AvailableBalance,
		CachedPending:    w.PendingBalance,
		LedgerAvailable:  totals.Available,
		LedgerPending:    totals.Pending,
		LedgerTotal:      totals.Amount,
		TransactionCount: totals.Count,
		Balanced:         balanced,
	}
}

// PendingClearance tracks earnings parked in pending until ClearsAt.
type PendingClearance struct {
	ID         uuid.UUID       `json:"id"`
	WalletID   uuid.UUID       `json:"wallet_id"`
	UserID     string          `json:"user_id"`
	EscrowID   uuid.UUID       `json:"escrow_id"`
	Amount     decimal.Decimal `json:"amount"`
	ClearsAt   time.Time       `json:"clears_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// IsTerminal reports whether the withdrawal can no longer change.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalCompleted || s == WithdrawalFailed || s == WithdrawalCancelled
}

// Withdrawal moves money out of a wallet to an external payout method. The
// wallet is debited when the withdrawal is created and credited back if it
// fails or is cancelled.
type Withdrawal struct {
	ID                    uuid.UUID        `json:"id"`
	UserID                string           `json:"user_id"`
	WalletID              uuid.UUID        `json:"wallet_id"`
	PaymentID             uuid.UUID        `json:"payment_id"`
	Amount                decimal.Decimal  `json:"amount"`
	Currency              string           `json:"currency"`
	PayoutMethodID        string           `json:"payout_method_id"`
	Status                WithdrawalStatus `json:"status"`
	ExternalTransactionID string           `json:"external_transaction_id,omitempty"`
	FailureReason         string           `json:"failure_reason,omitempty"`
	DispatchAttempts      int              `json:"dispatch_attempts"`
	CreatedAt             time.Time        `json:"created_at"`
	DispatchedAt          *time.Time       `json:"dispatched_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	FailedAt              *time.Time       `json:"failed_at,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// NewWithdrawal returns a pending withdrawal for the given wallet.
func NewWithdrawal(w *Wallet, amount decimal.Decimal, payoutMethodID string, now time.Time) (*Withdrawal, error) {
	if strings.TrimSpace(payoutMethodID) == "" {
		return nil, fmt.Errorf("%w: payout method is required", ErrInvalidState)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be positive", ErrInvalidAmount)
	}
	return &Withdrawal{
		ID:             uuid.New(),
		UserID:         w.UserID,
		WalletID:       w.ID,
		PaymentID:      uuid.New(),
		Amount:         amount,
		Currency:       w.Currency,
		PayoutMethodID: strings.TrimSpace(payoutMethodID),
		Status:         WithdrawalPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Payment builds the receipt written alongside the withdrawal debit.
func (wd *Withdrawal) Payment() *Payment {
	withdrawalID := wd.ID
	return &Payment{
		ID:            wd.PaymentID,
		Kind:          PaymentWithdrawal,
		Status:        PaymentPending,
		Amount:        wd.Amount,
		Currency:      wd.Currency,
		PayerID:       wd.UserID,
		PayeeID:       wd.UserID,
		WithdrawalID:  &withdrawalID,
		GrossAmount:   wd.Amount,
		PlatformFee:   decimal.Zero,
		ProcessingFee: decimal.Zero,
		NetAmount:     wd.Amount,
		CreatedAt:     wd.CreatedAt,
	}
}

// MarkProcessing claims a pending withdrawal for dispatch.
func (wd *Withdrawal) MarkProcessing(now time.Time) error {
	if wd.Status != WithdrawalPending {
		return fmt.Errorf("%w: cannot dispatch withdrawal in status %s", ErrInvalidState, wd.Status)
	}
	wd.Status = WithdrawalProcessing
	wd.DispatchAttempts++
	wd.DispatchedAt = &now
	wd.UpdatedAt = now
	return nil
}

// RevertToPending undoes a claim whose payout request never left the
// service. The attempt is not counted.
func (wd *Withdrawal) RevertToPending(reason string, now time.Time) error {
	if wd.Status != WithdrawalProcessing {
		return fmt.Errorf("%w: cannot revert withdrawal in status %s", ErrInvalidState, wd.Status)
	}
	wd.Status = WithdrawalPending
	wd.FailureReason = reason
	if wd.DispatchAttempts > 0 {
		wd.DispatchAttempts--
	}
	wd.DispatchedAt = nil
	wd.UpdatedAt = now
	return nil
}

// IsUnconfirmed reports whether a processing withdrawal has waited longer than
// timeout for the gateway to acknowledge it.
func (wd *Withdrawal) IsUnconfirmed(now time.Time, timeout time.Duration) bool {
	return wd.Status == WithdrawalProcessing && wd.ExternalTransactionID == "" &&
		wd.DispatchedAt != nil && !now.Before(wd.DispatchedAt.Add(timeout))
}

// MarkResent records another send of an unconfirmed payout under the same
// reference.
func (wd *Withdrawal) MarkResent(now time.Time) error {
	if wd.Status != WithdrawalProcessing || wd.ExternalTransactionID != "" {
		return fmt.Errorf("%w: only unconfirmed processing withdrawals can be resent", ErrInvalidState)
	}
	wd.DispatchAttempts++
	wd.DispatchedAt = &now
	wd.UpdatedAt = now
	return nil
}

// Complete marks the payout as settled. Replays return false.
func (wd *Withdrawal) Complete(externalID string, now time.Time) (bool, error) {
	switch wd.Status {
	case WithdrawalCompleted:
		return false, nil
	case WithdrawalPending, WithdrawalProcessing:
	default:
		return false, fmt.Errorf("%w: cannot complete withdrawal in status %s", ErrInvalidState, wd.Status)
	}
	wd.Status = WithdrawalCompleted
	if externalID != "" {
		wd.ExternalTransactionID = externalID
	}
	wd.FailureReason = ""
	wd.CompletedAt = &now
	wd.UpdatedAt = now
	return true, nil
}

// Fail marks the payout as failed. The caller credits the wallet back only
// when this returns true.
func (wd *Withdrawal) Fail(reason string, now time.Time) (bool, error) {
	switch wd.Status {
	case WithdrawalFailed:
		return false, nil
	case WithdrawalPending, WithdrawalProcessing:
	default:
		return false, fmt.Errorf("%w: cannot fail withdrawal in status %s", ErrInvalidState, wd.Status)
	}
	wd.Status = WithdrawalFailed
	wd.FailureReason = strings.TrimSpace(reason)
	wd.FailedAt = &now
	wd.UpdatedAt = now
	return true, nil
}

// Cancel withdraws a request that has not been dispatched yet.
func (wd *Withdrawal) Cancel(userID string, now time.Time) error {
	if wd.UserID != userID {
		return fmt.Errorf("%w: withdrawal belongs to another user", ErrNotAuthorized)
	}
	if wd.Status != WithdrawalPending {
		return fmt.Errorf("%w: only pending withdrawals can be cancelled, status is %s", ErrInvalidState, wd.Status)
	}
	if wd.DispatchAttempts > 0 {
		return fmt.Errorf("%w: payout was already sent to the gateway", ErrInvalidState)
	}
	wd.Status = WithdrawalCancelled
	wd.CancelledAt = &now
	wd.UpdatedAt = now
	return nil
}

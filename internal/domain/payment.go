package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlatformPayee is the payee recorded on platform fee receipts.
const PlatformPayee = "platform"

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
)

type PaymentKind string

const (
	PaymentProject       PaymentKind = "project_payment"
	PaymentMilestone     PaymentKind = "milestone_payment"
	PaymentEscrowRelease PaymentKind = "escrow_release"
	PaymentRefund        PaymentKind = "refund"
	PaymentWithdrawal    PaymentKind = "withdrawal"
	PaymentPlatformFee   PaymentKind = "platform_fee"
)

// Payment is the durable receipt for one ledger-affecting event.
type Payment struct {
	ID                uuid.UUID       `json:"id"`
	Kind              PaymentKind     `json:"kind"`
	Status            PaymentStatus   `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	PayerID           string          `json:"payer_id"`
	PayeeID           string          `json:"payee_id"`
	ContractID        *string         `json:"contract_id,omitempty"`
	MilestoneID       *string         `json:"milestone_id,omitempty"`
	EscrowID          *uuid.UUID      `json:"escrow_id,omitempty"`
	WithdrawalID      *uuid.UUID      `json:"withdrawal_id,omitempty"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	PlatformFee       decimal.Decimal `json:"platform_fee"`
	ProcessingFee     decimal.Decimal `json:"processing_fee"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	ProcessedAt       *time.Time      `json:"processed_at,omitempty"`
}

// NewEscrowPayment builds a succeeded receipt tied to an escrow and its fee split.
func NewEscrowPayment(kind PaymentKind, e *Escrow, amount decimal.Decimal, payer, payee string, now time.Time) *Payment {
	escrowID := e.ID
	contractID := e.ContractID
	return &Payment{
		ID:                uuid.New(),
		Kind:              kind,
		Status:            PaymentSucceeded,
		Amount:            amount,
		Currency:          e.Currency,
		PayerID:           payer,
		PayeeID:           payee,
		ContractID:        &contractID,
		MilestoneID:       e.MilestoneID,
		EscrowID:          &escrowID,
		GrossAmount:       e.Amount,
		PlatformFee:       e.PlatformFeeAmount,
		ProcessingFee:     e.ProcessingFeeAmount,
		NetAmount:         e.NetAmount,
		ExternalReference: e.ChargeReference,
		CreatedAt:         now,
		ProcessedAt:       &now,
	}
}

// ContractPaymentSummary aggregates the receipts of one contract.
type ContractPaymentSummary struct {
	ContractID string           `json:"contract_id"`
	Currency   string           `json:"currency,omitempty"`
	Funded     decimal.Decimal  `json:"funded"`
	Released   decimal.Decimal  `json:"released"`
	Refunded   decimal.Decimal  `json:"refunded"`
	Total      *decimal.Decimal `json:"total,omitempty"`
	Remaining  *decimal.Decimal `json:"remaining,omitempty"`
	Payments   []Payment        `json:"payments"`
}

// SummarizeContractPayments totals succeeded receipts. When the contract total
// is known the unfunded remainder is reported too.
func SummarizeContractPayments(contractID string, payments []Payment, total *decimal.Decimal) ContractPaymentSummary {
	summary := ContractPaymentSummary{
		ContractID: contractID,
		Funded:     decimal.Zero,
		Released:   decimal.Zero,
		Refunded:   decimal.Zero,
		Payments:   payments,
	}
	for _, p := range payments {
		if summary.Currency == "" {
			summary.Currency = p.Currency
		}
		if p.Status != PaymentSucceeded {
			continue
		}
		switch p.Kind {
		case PaymentProject, PaymentMilestone:
			summary.Funded = summary.Funded.Add(p.Amount)
		case PaymentEscrowRelease:
			summary.Released = summary.Released.Add(p.Amount)
		case PaymentRefund:
			summary.Refunded = summary.Refunded.Add(p.Amount)
		}
	}
	if total != nil {
		t := *total
		remaining := t.Sub(summary.Funded)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		summary.Total = &t
		summary.Remaining = &remaining
	}
	return summary
}

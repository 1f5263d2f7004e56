package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowStatus is a node of the escrow state machine.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowFunded    EscrowStatus = "funded"
	EscrowDisputed  EscrowStatus = "disputed"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowExpired   EscrowStatus = "expired"
	EscrowCancelled EscrowStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowReleased, EscrowRefunded, EscrowExpired, EscrowCancelled:
		return true
	}
	return false
}

// HoldsFunds reports whether the escrow currently holds client money.
func (s EscrowStatus) HoldsFunds() bool {
	return s == EscrowFunded || s == EscrowDisputed
}

// Actor is whoever asks for a transition.
type Actor struct {
	UserID  string
	IsAdmin bool
	System  bool
}

// SystemActor is used by background jobs and gateway callbacks.
var SystemActor = Actor{UserID: "system", System: true}

// FeeSnapshot is the copy of the fee policy an escrow was created under.
type FeeSnapshot struct {
	PolicyVersion   int             `json:"policy_version"`
	Rates           FeeRates        `json:"rates"`
	MinimumPayment  decimal.Decimal `json:"minimum_payment"`
	AutoReleaseDays int             `json:"auto_release_days"`
	MaxDisputeDays  int             `json:"max_dispute_days"`
}

// SnapshotOf copies the parts of a policy an escrow keeps.
func SnapshotOf(p FeePolicy) FeeSnapshot {
	return FeeSnapshot{
		PolicyVersion:   p.Version,
		Rates:           p.Rates,
		MinimumPayment:  p.MinimumPayment,
		AutoReleaseDays: p.AutoReleaseDays,
		MaxDisputeDays:  p.MaxDisputeDays,
	}
}

// Escrow holds client funds in trust for one contract or milestone.
type Escrow struct {
	ID                  uuid.UUID       `json:"id"`
	ClientID            string          `json:"client_id"`
	ProfessionalID      string          `json:"professional_id"`
	ContractID          string          `json:"contract_id"`
	MilestoneID         *string         `json:"milestone_id,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	MinorUnits          int32           `json:"-"`
	Fees                FeeSnapshot     `json:"fee_policy"`
	PlatformFeeAmount   decimal.Decimal `json:"platform_fee_amount"`
	ProcessingFeeAmount decimal.Decimal `json:"processing_fee_amount"`
	NetAmount           decimal.Decimal `json:"net_amount"`
	Status              EscrowStatus    `json:"status"`
	ChargeReference     string          `json:"charge_reference,omitempty"`
	ChargeRequestedAt   *time.Time      `json:"charge_requested_at,omitempty"`
	FundedAt            *time.Time      `json:"funded_at,omitempty"`
	AutoReleaseAt       *time.Time      `json:"auto_release_at,omitempty"`
	ReleasedAt          *time.Time      `json:"released_at,omitempty"`
	RefundedAt          *time.Time      `json:"refunded_at,omitempty"`
	RefundReason        string          `json:"refund_reason,omitempty"`
	DisputedAt          *time.Time      `json:"disputed_at,omitempty"`
	DisputeReason       string          `json:"dispute_reason,omitempty"`
	DisputeRaisedBy     string          `json:"dispute_raised_by,omitempty"`
	CancelledAt         *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason        string          `json:"cancel_reason,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewEscrowParams describes a new escrow before funding.
type NewEscrowParams struct {
	ClientID       string
	ProfessionalID string
	ContractID     string
	MilestoneID    *string
	Amount         decimal.Decimal
	Currency       Currency
	// MinimumPayment is the policy floor converted into Currency.
	MinimumPayment decimal.Decimal
}

// NewEscrow validates params against the policy and returns a pending escrow.
func NewEscrow(params NewEscrowParams, policy FeePolicy, now time.Time) (*Escrow, error) {
	if strings.TrimSpace(params.ClientID) == "" || strings.TrimSpace(params.ProfessionalID) == "" {
		return nil, fmt.Errorf("%w: escrow needs both a client and a professional", ErrInvalidState)
	}
	if params.ClientID == params.ProfessionalID {
		return nil, fmt.Errorf("%w: client and professional must differ", ErrInvalidState)
	}
	// Reject amounts the calculator would refuse at funding time.
	if _, err := CalculateFees(params.Amount, policy.Rates, params.MinimumPayment, params.Currency.MinorUnits); err != nil {
		return nil, err
	}

	snapshot := SnapshotOf(policy)
	snapshot.MinimumPayment = params.MinimumPayment
	return &Escrow{
		ID:                  uuid.New(),
		ClientID:            params.ClientID,
		ProfessionalID:      params.ProfessionalID,
		ContractID:          params.ContractID,
		MilestoneID:         params.MilestoneID,
		Amount:              params.Amount,
		Currency:            params.Currency.Code,
		MinorUnits:          params.Currency.MinorUnits,
		Fees:                snapshot,
		PlatformFeeAmount:   decimal.Zero,
		ProcessingFeeAmount: decimal.Zero,
		NetAmount:           decimal.Zero,
		Status:              EscrowPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// Quote computes the fee split an escrow will get when it is funded.
func (e *Escrow) Quote() (FeeBreakdown, error) {
	return CalculateFees(e.Amount, e.Fees.Rates, e.Fees.MinimumPayment, e.MinorUnits)
}

// Breakdown returns the persisted fee split of a funded escrow.
func (e *Escrow) Breakdown() FeeBreakdown {
	return FeeBreakdown{
		Gross:         e.Amount,
		PlatformFee:   e.PlatformFeeAmount,
		ProcessingFee: e.ProcessingFeeAmount,
		Net:           e.NetAmount,
	}
}

// Fund records a successful charge. It returns false when the escrow was
// already funded with the same charge, which makes gateway replays harmless.
func (e *Escrow) Fund(chargeReference string, now time.Time) (bool, error) {
	if e.Status != EscrowPending {
		if e.Status.HoldsFunds() || e.Status.IsTerminal() && e.FundedAt != nil {
			return false, nil
		}
		return false, fmt.Errorf("%w: cannot fund escrow in status %s", ErrInvalidState, e.Status)
	}
	fees, err := e.Quote()
	if err != nil {
		return false, err
	}
	autoRelease := now.Add(time.Duration(e.Fees.AutoReleaseDays) * 24 * time.Hour)

	e.PlatformFeeAmount = fees.PlatformFee
	e.ProcessingFeeAmount = fees.ProcessingFee
	e.NetAmount = fees.Net
	e.ChargeReference = chargeReference
	e.FundedAt = &now
	e.AutoReleaseAt = &autoRelease
	e.Status = EscrowFunded
	e.UpdatedAt = now
	return true, nil
}

// MarkChargeRequested records that a charge is about to be sent for a pending
// escrow. It returns the previous marker so a send that never left the
// service can be undone with UndoChargeRequest.
func (e *Escrow) MarkChargeRequested(now time.Time) (*time.Time, error) {
	if e.Status != EscrowPending {
		return nil, fmt.Errorf("%w: cannot charge escrow in status %s", ErrInvalidState, e.Status)
	}
	previous := e.ChargeRequestedAt
	e.ChargeRequestedAt = &now
	e.UpdatedAt = now
	return previous, nil
}

// UndoChargeRequest restores the marker saved by MarkChargeRequested.
func (e *Escrow) UndoChargeRequest(previous *time.Time, now time.Time) {
	if e.Status != EscrowPending {
		return
	}
	e.ChargeRequestedAt = previous
	e.UpdatedAt = now
}

// SettleLateCharge records a charge that succeeded after the escrow was
// cancelled. The escrow stays cancelled and the caller refunds the client the
// amount minus the processing fee. Replays return false.
func (e *Escrow) SettleLateCharge(chargeReference string, now time.Time) (bool, error) {
	if e.Status != EscrowCancelled {
		return false, fmt.Errorf("%w: late charge settlement needs a cancelled escrow, status is %s", ErrInvalidState, e.Status)
	}
	if e.FundedAt != nil {
		return false, nil
	}
	fees, err := e.Quote()
	if err != nil {
		return false, err
	}
	e.PlatformFeeAmount = decimal.Zero
	e.ProcessingFeeAmount = fees.ProcessingFee
	e.NetAmount = decimal.Zero
	e.ChargeReference = chargeReference
	e.FundedAt = &now
	e.RefundedAt = &now
	e.RefundReason = "charge settled after cancellation"
	e.UpdatedAt = now
	return true, nil
}

// Release pays the professional. It returns false when the escrow was already
// released, in which case the caller must not touch the ledger again.
func (e *Escrow) Release(actor Actor, now time.Time) (bool, error) {
	if !actor.System && !actor.IsAdmin && actor.UserID != e.ClientID {
		return false, fmt.Errorf("%w: only the client or an admin can release funds", ErrNotAuthorized)
	}
	switch e.Status {
	case EscrowReleased, EscrowExpired:
		return false, nil
	case EscrowFunded, EscrowDisputed:
	default:
		return false, fmt.Errorf("%w: cannot release escrow in status %s", ErrInvalidState, e.Status)
	}
	e.Status = EscrowReleased
	e.ReleasedAt = &now
	e.UpdatedAt = now
	return true, nil
}

// AutoRelease releases a funded escrow whose review window has passed. The
// escrow ends in expired so implicit approvals stay distinguishable.
func (e *Escrow) AutoRelease(now time.Time) (bool, error) {
	switch e.Status {
	case EscrowReleased, EscrowExpired:
		return false, nil
	case EscrowFunded:
	default:
		return false, fmt.Errorf("%w: cannot auto-release escrow in status %s", ErrInvalidState, e.Status)
	}
	if !e.IsDueForAutoRelease(now) {
		return false, fmt.Errorf("%w: escrow is not due for auto-release", ErrInvalidState)
	}
	e.Status = EscrowExpired
	e.ReleasedAt = &now
	e.UpdatedAt = now
	return true, nil
}

// IsDueForAutoRelease reports whether the sweep may release the escrow.
func (e *Escrow) IsDueForAutoRelease(now time.Time) bool {
	return e.Status == EscrowFunded && e.AutoReleaseAt != nil && !now.Before(*e.AutoReleaseAt)
}

// Refund returns funds to the client, minus the processing fee already spent.
func (e *Escrow) Refund(actor Actor, reason string, now time.Time) (bool, error) {
	if !actor.System && !actor.IsAdmin && actor.UserID != e.ProfessionalID {
		return false, fmt.Errorf("%w: only the professional or an admin can refund", ErrNotAuthorized)
	}
	switch e.Status {
	case EscrowRefunded:
		return false, nil
	case EscrowFunded, EscrowDisputed:
	default:
		return false, fmt.Errorf("%w: cannot refund escrow in status %s", ErrInvalidState, e.Status)
	}
	e.Status = EscrowRefunded
	e.RefundedAt = &now
	e.RefundReason = strings.TrimSpace(reason)
	e.UpdatedAt = now
	return true, nil
}

// RefundAmount is what the client gets back.
func (e *Escrow) RefundAmount() decimal.Decimal {
	return e.Amount.Sub(e.ProcessingFeeAmount)
}

// RaiseDispute freezes a funded escrow until an admin settles it.
func (e *Escrow) RaiseDispute(actor Actor, reason string, now time.Time) error {
	if actor.UserID != e.ClientID && actor.UserID != e.ProfessionalID {
		return fmt.Errorf("%w: only contract parties can dispute", ErrNotAuthorized)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fmt.Errorf("%w: dispute reason is required", ErrInvalidState)
	}
	if e.Status != EscrowFunded {
		return fmt.Errorf("%w: cannot dispute escrow in status %s", ErrInvalidState, e.Status)
	}
	if e.FundedAt != nil && e.Fees.MaxDisputeDays > 0 {
		deadline := e.FundedAt.Add(time.Duration(e.Fees.MaxDisputeDays) * 24 * time.Hour)
		if now.After(deadline) {
			return fmt.Errorf("%w: dispute window closed at %s", ErrInvalidState, deadline.Format(time.RFC3339))
		}
	}
	e.Status = EscrowDisputed
	e.DisputedAt = &now
	e.DisputeReason = reason
	e.DisputeRaisedBy = actor.UserID
	e.UpdatedAt = now
	return nil
}

// Cancel abandons an escrow that never got funded. Once a charge has been
// sent only the system may cancel, after the gateway reports the failure.
func (e *Escrow) Cancel(actor Actor, reason string, now time.Time) (bool, error) {
	if !actor.System && !actor.IsAdmin && actor.UserID != e.ClientID {
		return false, fmt.Errorf("%w: only the client or an admin can cancel", ErrNotAuthorized)
	}
	switch e.Status {
	case EscrowCancelled:
		return false, nil
	case EscrowPending:
	default:
		return false, fmt.Errorf("%w: cannot cancel escrow in status %s", ErrInvalidState, e.Status)
	}
	if !actor.System && e.ChargeRequestedAt != nil {
		return false, fmt.Errorf("%w: a charge is in flight; wait for the gateway to settle or decline it", ErrInvalidState)
	}
	e.Status = EscrowCancelled
	e.CancelledAt = &now
	e.CancelReason = strings.TrimSpace(reason)
	e.UpdatedAt = now
	return true, nil
}

// CanView reports whether actor may read the escrow.
func (e *Escrow) CanView(actor Actor) bool {
	return actor.IsAdmin || actor.System || actor.UserID == e.ClientID || actor.UserID == e.ProfessionalID
}

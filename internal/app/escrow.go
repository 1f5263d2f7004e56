package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

// CreateEscrowInput is a client's request to fund a contract or milestone.
type CreateEscrowInput struct {
	ContractID  string
	MilestoneID *string
	// Amount may be zero for milestones, in which case the milestone amount
	// is charged.
	Amount   decimal.Decimal
	Currency string
}

// CreateEscrow opens a pending escrow and asks the gateway to charge the
// client. The escrow is funded right away when the gateway settles
// synchronously, otherwise when the charge.succeeded event arrives. A retry
// after a gateway outage reuses the pending escrow, whose id is the charge's
// idempotency key.
func (s *Service) CreateEscrow(ctx context.Context, actor domain.Actor, in CreateEscrowInput) (*domain.Escrow, error) {
	contractID := strings.TrimSpace(in.ContractID)
	if contractID == "" {
		return nil, fmt.Errorf("%w: contract_id is required", domain.ErrInvalidRequest)
	}
	if in.MilestoneID != nil {
		trimmed := strings.TrimSpace(*in.MilestoneID)
		if trimmed == "" {
			in.MilestoneID = nil
		} else {
			in.MilestoneID = &trimmed
		}
	}

	contract, err := s.contracts.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && actor.UserID != contract.ClientID {
		return nil, fmt.Errorf("%w: only the contract's client can fund it", domain.ErrNotAuthorized)
	}
	if !contract.IsOpen() {
		return nil, fmt.Errorf("%w: contract is %s", domain.ErrInvalidState, contract.Status)
	}

	amount := in.Amount
	if in.MilestoneID != nil {
		milestone, ok := contract.Milestone(*in.MilestoneID)
		if !ok {
			return nil, fmt.Errorf("%w: milestone %s is not part of contract %s", domain.ErrInvalidRequest, *in.MilestoneID, contractID)
		}
		if amount.IsZero() {
			amount = milestone.Amount
		} else if !amount.Equal(milestone.Amount) {
			return nil, fmt.Errorf("%w: milestone amount is %s", domain.ErrInvalidAmount, milestone.Amount)
		}
	}

	currencyCode := domain.NormalizeCurrencyCode(in.Currency)
	contractCurrency := domain.NormalizeCurrencyCode(contract.Currency)
	if currencyCode == "" {
		currencyCode = contractCurrency
	}
	if currencyCode == "" {
		currencyCode = domain.BaseCurrency
	}
	if contractCurrency != "" && currencyCode != contractCurrency {
		return nil, fmt.Errorf("%w: contract is priced in %s", domain.ErrUnsupportedCurrency, contractCurrency)
	}
	now := s.now()
	currency, err := s.currencies.LookupActive(currencyCode, now)
	if err != nil {
		return nil, err
	}

	escrow, err := s.FindOpenEscrow(ctx, contractID, in.MilestoneID)
	if err != nil {
		return nil, err
	}
	if escrow == nil {
		escrow, err = s.openEscrow(ctx, contract, in.MilestoneID, amount, currency)
		if errors.Is(err, domain.ErrOpenEscrowExists) {
			// A concurrent request opened the slot first; charge its escrow.
			escrow, err = s.FindOpenEscrow(ctx, contractID, in.MilestoneID)
			if err == nil && escrow == nil {
				err = fmt.Errorf("%w: contract %s", domain.ErrOpenEscrowExists, contractID)
			}
		}
		if err != nil {
			return nil, err
		}
	}
	if err := checkReusable(escrow, amount, currency.Code); err != nil {
		return nil, err
	}

	return s.chargeEscrow(ctx, escrow.ID)
}

// checkReusable accepts an open escrow for a create request only when it is
// still pending with the same amount and currency.
func checkReusable(escrow *domain.Escrow, amount decimal.Decimal, currency string) error {
	if escrow.Status != domain.EscrowPending {
		return fmt.Errorf("%w: contract already has a %s escrow", domain.ErrInvalidState, escrow.Status)
	}
	if !escrow.Amount.Equal(amount) || escrow.Currency != currency {
		return fmt.Errorf("%w: a pending escrow for %s %s already exists", domain.ErrInvalidState, escrow.Amount, escrow.Currency)
	}
	return nil
}

// FindOpenEscrow returns the pending or funded escrow of a contract slot, or
// nil when there is none.
func (s *Service) FindOpenEscrow(ctx context.Context, contractID string, milestoneID *string) (*domain.Escrow, error) {
	escrow, err := s.repo.FindOpenEscrow(ctx, contractID, milestoneID)
	if errors.Is(err, domain.ErrEscrowNotFound) {
		return nil, nil
	}
	return escrow, err
}

func (s *Service) openEscrow(ctx context.Context, contract *domain.Contract, milestoneID *string, amount decimal.Decimal, currency domain.Currency) (*domain.Escrow, error) {
	policy, err := s.repo.GetActiveFeePolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee policy: %w", err)
	}
	minimum, err := s.convert(policy.MinimumPayment, domain.BaseCurrency, currency.Code)
	if err != nil {
		return nil, err
	}

	escrow, err := domain.NewEscrow(domain.NewEscrowParams{
		ClientID:       contract.ClientID,
		ProfessionalID: contract.ProfessionalID,
		ContractID:     contract.ID,
		MilestoneID:    milestoneID,
		Amount:         amount,
		Currency:       currency,
		MinimumPayment: minimum,
	}, *policy, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		return tx.InsertEscrow(ctx, escrow)
	}); err != nil {
		return nil, fmt.Errorf("failed to store escrow: %w", err)
	}
	s.logger.Info("escrow opened", "escrow_id", escrow.ID, "contract_id", escrow.ContractID, "amount", escrow.Amount.String(), "currency", escrow.Currency)
	return escrow, nil
}

// chargeEscrow marks the escrow as charged before calling the gateway, so the
// client cannot cancel it while the charge may still settle. The mark is
// undone only when the request provably never reached the gateway.
func (s *Service) chargeEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	escrow, previous, err := s.markChargeRequested(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.charges.CreateCharge(ctx, paymentgateway.ChargeRequest{
		Reference:   escrow.ID.String(),
		Amount:      escrow.Amount,
		Currency:    escrow.Currency,
		CustomerID:  escrow.ClientID,
		Description: fmt.Sprintf("Escrow for contract %s", escrow.ContractID),
	})
	if err != nil {
		mapped := gatewayError(err)
		switch {
		case errors.Is(mapped, domain.ErrGatewayRejected):
			return s.cancelAfterDeclinedCharge(ctx, escrow.ID, err.Error(), mapped)
		case errors.Is(err, paymentgateway.ErrNotSent):
			if undoErr := s.undoChargeRequest(ctx, escrow.ID, previous); undoErr != nil {
				s.logger.Error("failed to clear charge marker", "escrow_id", escrow.ID, "err", undoErr)
			}
			s.logger.Warn("charge request not sent; escrow left pending", "escrow_id", escrow.ID, "err", err)
		default:
			s.logger.Warn("charge request outcome unknown; escrow left pending", "escrow_id", escrow.ID, "err", err)
		}
		return nil, mapped
	}

	switch {
	case result.Succeeded():
		funded, _, err := s.FundEscrow(ctx, escrow.ID, result.ID)
		return funded, err
	case result.Failed():
		reason := result.FailureReason
		if reason == "" {
			reason = "charge declined"
		}
		return s.cancelAfterDeclinedCharge(ctx, escrow.ID, reason, fmt.Errorf("%w: %s", domain.ErrGatewayRejected, reason))
	default:
		s.logger.Info("charge accepted; awaiting confirmation", "escrow_id", escrow.ID, "charge_id", result.ID)
		return escrow, nil
	}
}

func (s *Service) markChargeRequested(ctx context.Context, id uuid.UUID) (*domain.Escrow, *time.Time, error) {
	var (
		out      *domain.Escrow
		previous *time.Time
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		previous, err = e.MarkChargeRequested(s.now())
		if err != nil {
			return err
		}
		out = e
		return tx.UpdateEscrow(ctx, e)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, previous, nil
}

func (s *Service) undoChargeRequest(ctx context.Context, id uuid.UUID, previous *time.Time) error {
	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		e.UndoChargeRequest(previous, s.now())
		return tx.UpdateEscrow(ctx, e)
	})
}

func (s *Service) cancelAfterDeclinedCharge(ctx context.Context, id uuid.UUID, reason string, cause error) (*domain.Escrow, error) {
	if _, err := s.CancelEscrow(ctx, domain.SystemActor, id, "charge failed: "+reason); err != nil {
		s.logger.Error("failed to cancel escrow after declined charge", "escrow_id", id, "err", err)
	}
	return nil, cause
}

// FundEscrow records a successful charge. The bool is false when the escrow
// had already been funded.
func (s *Service) FundEscrow(ctx context.Context, id uuid.UUID, chargeReference string) (*domain.Escrow, bool, error) {
	var (
		out     *domain.Escrow
		changed bool
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		changed, err = s.fundLocked(ctx, tx, e, chargeReference)
		out = e
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (s *Service) fundLocked(ctx context.Context, tx store.Tx, e *domain.Escrow, chargeReference string) (bool, error) {
	if e.Status == domain.EscrowCancelled {
		return s.settleLateChargeLocked(ctx, tx, e, chargeReference)
	}
	changed, err := e.Fund(chargeReference, s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return false, err
	}

	if err := tx.InsertPayment(ctx, fundingPayment(e, s.now())); err != nil {
		return false, fmt.Errorf("failed to record funding payment: %w", err)
	}
	if err := s.enqueueEscrowEvent(ctx, tx, domain.RoutingEscrowFunded, e, domain.SystemActor, ""); err != nil {
		return false, err
	}
	s.logger.Info("escrow funded", "escrow_id", e.ID, "net_amount", e.NetAmount.String(), "platform_fee", e.PlatformFeeAmount.String(), "processing_fee", e.ProcessingFeeAmount.String())
	return true, nil
}

// settleLateChargeLocked handles a charge that succeeded after the escrow was
// cancelled: the funding is recorded and refunded to the client's wallet.
func (s *Service) settleLateChargeLocked(ctx context.Context, tx store.Tx, e *domain.Escrow, chargeReference string) (bool, error) {
	now := s.now()
	changed, err := e.SettleLateCharge(chargeReference, now)
	if err != nil || !changed {
		return false, err
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return false, err
	}
	if err := tx.InsertPayment(ctx, fundingPayment(e, now)); err != nil {
		return false, fmt.Errorf("failed to record funding payment: %w", err)
	}
	refund, err := s.refundToClient(ctx, tx, e, now)
	if err != nil {
		return false, err
	}
	if err := s.enqueueEscrowEvent(ctx, tx, domain.RoutingEscrowRefunded, e, domain.SystemActor, e.RefundReason); err != nil {
		return false, err
	}
	s.logger.Warn("charge settled after cancellation; client refunded", "escrow_id", e.ID, "charge_reference", chargeReference, "refund", refund.String())
	return true, nil
}

func fundingPayment(e *domain.Escrow, now time.Time) *domain.Payment {
	kind := domain.PaymentProject
	if e.MilestoneID != nil {
		kind = domain.PaymentMilestone
	}
	return domain.NewEscrowPayment(kind, e, e.Amount, e.ClientID, e.ProfessionalID, now)
}

// refundToClient credits the escrow's refund amount to the client's wallet
// with its receipt. Nothing is written when the processing fee consumed the
// whole amount.
func (s *Service) refundToClient(ctx context.Context, tx store.Tx, e *domain.Escrow, now time.Time) (decimal.Decimal, error) {
	refund := e.RefundAmount()
	if !refund.IsPositive() {
		return decimal.Zero, nil
	}
	payment := domain.NewEscrowPayment(domain.PaymentRefund, e, refund, e.ClientID, e.ClientID, now)
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return decimal.Zero, fmt.Errorf("failed to record refund payment: %w", err)
	}

	w, err := tx.LockWallet(ctx, e.ClientID, e.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := s.convert(refund, e.Currency, w.Currency)
	if err != nil {
		return decimal.Zero, err
	}
	txn, err := w.AddFunds(amount, domain.SourceRefund, now)
	if err != nil {
		return decimal.Zero, err
	}
	escrowID := e.ID
	txn.EscrowID = &escrowID
	txn.PaymentID = &payment.ID
	txn.Description = fmt.Sprintf("refund for contract %s", e.ContractID)
	if err := s.persistWallet(ctx, tx, w, txn); err != nil {
		return decimal.Zero, err
	}
	return refund, nil
}

// GetEscrow returns an escrow the actor is a party to.
func (s *Service) GetEscrow(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Escrow, error) {
	e, err := s.repo.FindEscrowByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.CanView(actor) {
		return nil, fmt.Errorf("%w: not a party to this escrow", domain.ErrNotAuthorized)
	}
	return e, nil
}

// ReleaseEscrow pays the professional the net amount. Calling it again on a
// released escrow returns the escrow without moving money.
func (s *Service) ReleaseEscrow(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		out = e
		changed, err := e.Release(actor, s.now())
		if err != nil || !changed {
			return err
		}
		return s.settleRelease(ctx, tx, e, actor, domain.RoutingEscrowReleased)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AutoReleaseEscrow releases a funded escrow whose review window passed.
// It returns false when another worker got there first or the escrow is no
// longer eligible.
func (s *Service) AutoReleaseEscrow(ctx context.Context, id uuid.UUID) (bool, error) {
	released := false
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if !e.IsDueForAutoRelease(s.now()) {
			return nil
		}
		changed, err := e.AutoRelease(s.now())
		if err != nil || !changed {
			return err
		}
		released = true
		return s.settleRelease(ctx, tx, e, domain.SystemActor, domain.RoutingEscrowAutoReleased)
	})
	return released, err
}

// settleRelease writes the ledger effects of a release on a locked escrow.
func (s *Service) settleRelease(ctx context.Context, tx store.Tx, e *domain.Escrow, actor domain.Actor, routingKey string) error {
	now := s.now()
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return err
	}

	payment := domain.NewEscrowPayment(domain.PaymentEscrowRelease, e, e.NetAmount, e.ClientID, e.ProfessionalID, now)
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return fmt.Errorf("failed to record release payment: %w", err)
	}
	if e.PlatformFeeAmount.IsPositive() {
		fee := domain.NewEscrowPayment(domain.PaymentPlatformFee, e, e.PlatformFeeAmount, e.ClientID, domain.PlatformPayee, now)
		if err := tx.InsertPayment(ctx, fee); err != nil {
			return fmt.Errorf("failed to record platform fee: %w", err)
		}
	}

	if e.NetAmount.IsPositive() {
		w, err := tx.LockWallet(ctx, e.ProfessionalID, e.Currency)
		if err != nil {
			return err
		}
		credit, err := s.convert(e.NetAmount, e.Currency, w.Currency)
		if err != nil {
			return err
		}
		txns, err := s.creditEarnings(ctx, tx, w, e, payment.ID, credit)
		if err != nil {
			return err
		}
		if err := s.persistWallet(ctx, tx, w, txns...); err != nil {
			return err
		}
	}

	if err := s.enqueueEscrowEvent(ctx, tx, routingKey, e, actor, ""); err != nil {
		return err
	}
	s.logger.Info("escrow released", "escrow_id", e.ID, "status", e.Status, "professional_id", e.ProfessionalID, "net_amount", e.NetAmount.String())
	return nil
}

// creditEarnings credits a release and, with a clearing period configured,
// parks it in pending until the clearance job frees it.
func (s *Service) creditEarnings(ctx context.Context, tx store.Tx, w *domain.Wallet, e *domain.Escrow, paymentID uuid.UUID, amount decimal.Decimal) ([]*domain.WalletTransaction, error) {
	now := s.now()
	escrowID := e.ID
	credit, err := w.AddFunds(amount, domain.SourceEscrowRelease, now)
	if err != nil {
		return nil, err
	}
	credit.EscrowID = &escrowID
	credit.PaymentID = &paymentID
	credit.Description = fmt.Sprintf("escrow release for contract %s", e.ContractID)
	txns := []*domain.WalletTransaction{credit}

	if s.clearingPeriod <= 0 || !w.Active {
		return txns, nil
	}
	hold, err := w.MoveToPending(amount, domain.SourceClearanceHold, now)
	if err != nil {
		return nil, err
	}
	hold.EscrowID = &escrowID
	hold.Description = "earnings clearing"
	clearance := &domain.PendingClearance{
		ID:        uuid.New(),
		WalletID:  w.ID,
		UserID:    w.UserID,
		EscrowID:  e.ID,
		Amount:    amount,
		ClearsAt:  now.Add(s.clearingPeriod),
		CreatedAt: now,
	}
	if err := tx.InsertClearance(ctx, clearance); err != nil {
		return nil, fmt.Errorf("failed to record clearance: %w", err)
	}
	return append(txns, hold), nil
}

// RefundEscrow returns the escrow amount minus the processing fee to the
// client's wallet.
func (s *Service) RefundEscrow(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		out = e
		now := s.now()
		changed, err := e.Refund(actor, reason, now)
		if err != nil || !changed {
			return err
		}
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}

		refund, err := s.refundToClient(ctx, tx, e, now)
		if err != nil {
			return err
		}

		if err := s.enqueueEscrowEvent(ctx, tx, domain.RoutingEscrowRefunded, e, actor, e.RefundReason); err != nil {
			return err
		}
		s.logger.Info("escrow refunded", "escrow_id", e.ID, "client_id", e.ClientID, "amount", refund.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RaiseDispute freezes a funded escrow until an admin releases or refunds it.
func (s *Service) RaiseDispute(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		if err := e.RaiseDispute(actor, reason, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateEscrow(ctx, e); err != nil {
			return err
		}
		out = e
		return s.enqueueEscrowEvent(ctx, tx, domain.RoutingEscrowDisputed, e, actor, e.DisputeReason)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow disputed", "escrow_id", id, "raised_by", actor.UserID)
	return out, nil
}

// CancelEscrow abandons an escrow that was never funded.
func (s *Service) CancelEscrow(ctx context.Context, actor domain.Actor, id uuid.UUID, reason string) (*domain.Escrow, error) {
	var out *domain.Escrow
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		e, err := tx.LockEscrow(ctx, id)
		if err != nil {
			return err
		}
		out = e
		_, err = s.cancelLocked(ctx, tx, e, actor, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) cancelLocked(ctx context.Context, tx store.Tx, e *domain.Escrow, actor domain.Actor, reason string) (bool, error) {
	changed, err := e.Cancel(actor, reason, s.now())
	if err != nil || !changed {
		return false, err
	}
	if err := tx.UpdateEscrow(ctx, e); err != nil {
		return false, err
	}
	if err := s.enqueueEscrowEvent(ctx, tx, domain.RoutingEscrowCancelled, e, actor, e.CancelReason); err != nil {
		return false, err
	}
	s.logger.Info("escrow cancelled", "escrow_id", e.ID, "reason", e.CancelReason)
	return true, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

const withdrawalRateWindow = time.Hour

// RequestWithdrawal debits the user's wallet and queues a payout. The debit,
// the withdrawal row and its pending receipt commit together.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amount decimal.Decimal, payoutMethodID string) (*domain.Withdrawal, error) {
	policy, err := s.repo.GetActiveFeePolicy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee policy: %w", err)
	}
	wallet, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.checkWithdrawalAmount(amount, wallet.Currency, policy.MinimumWithdrawal); err != nil {
		return nil, err
	}
	if err := s.consumeWithdrawalBudget(ctx, userID, amount, wallet.Currency); err != nil {
		return nil, err
	}

	var wd *domain.Withdrawal
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, userID, "")
		if err != nil {
			return err
		}
		if err := s.checkWithdrawalAmount(amount, w.Currency, policy.MinimumWithdrawal); err != nil {
			return err
		}

		now := s.now()
		wd, err = domain.NewWithdrawal(w, amount, payoutMethodID, now)
		if err != nil {
			return err
		}
		txn, err := w.DeductFunds(amount, domain.SourceWithdrawal, now)
		if err != nil {
			return err
		}
		txn.WithdrawalID = &wd.ID
		txn.PaymentID = &wd.PaymentID
		txn.Description = "withdrawal to " + wd.PayoutMethodID

		if err := tx.InsertWithdrawal(ctx, wd); err != nil {
			return fmt.Errorf("failed to store withdrawal: %w", err)
		}
		if err := tx.InsertPayment(ctx, wd.Payment()); err != nil {
			return fmt.Errorf("failed to record withdrawal payment: %w", err)
		}
		if err := s.persistWallet(ctx, tx, w, txn); err != nil {
			return err
		}
		return s.enqueueWithdrawalEvent(ctx, tx, domain.RoutingWithdrawalRequested, wd)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal requested", "withdrawal_id", wd.ID, "user_id", userID, "amount", amount.String(), "currency", wd.Currency)

	if s.dispatchImmediately {
		dispatched, err := s.DispatchWithdrawal(ctx, wd.ID)
		if err != nil {
			s.logger.Warn("immediate payout dispatch failed; dispatch job will retry", "withdrawal_id", wd.ID, "err", err)
			return wd, nil
		}
		return dispatched, nil
	}
	return wd, nil
}

// consumeWithdrawalBudget counts the request and its base currency volume
// against the user's hourly budget.
func (s *Service) consumeWithdrawalBudget(ctx context.Context, userID string, amount decimal.Decimal, currency string) error {
	if s.limiter == nil || !s.withdrawalBudget.enabled() {
		return nil
	}
	volume, err := s.convert(amount, currency, domain.BaseCurrency)
	if err != nil {
		return err
	}
	decision, err := s.limiter.ConsumeWithdrawalBudget(ctx, userID, volume, s.withdrawalBudget)
	if err != nil {
		// Fail open when Redis is unavailable.
		s.logger.Warn("withdrawal rate limiter unavailable", "user_id", userID, "err", err)
		return nil
	}
	if !decision.Allowed {
		s.logger.Info("withdrawal budget exhausted", "user_id", userID, "requests", decision.Requests,
			"volume", decision.Volume.String(), "requested", volume.String())
		return &RateLimitError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func (s *Service) checkWithdrawalAmount(amount decimal.Decimal, currencyCode string, minimumBase decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal must be positive", domain.ErrInvalidAmount)
	}
	currency, err := s.currencies.Lookup(currencyCode, s.now())
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnsupportedCurrency, err)
	}
	if !currency.Round(amount).Equal(amount) {
		return fmt.Errorf("%w: %s allows %d decimal places", domain.ErrInvalidAmount, currency.Code, currency.MinorUnits)
	}
	inBase, err := s.convert(amount, currency.Code, domain.BaseCurrency)
	if err != nil {
		return err
	}
	if inBase.LessThan(minimumBase) {
		return fmt.Errorf("%w: minimum withdrawal is %s %s", domain.ErrInvalidAmount, minimumBase, domain.BaseCurrency)
	}
	return nil
}

// DispatchWithdrawal claims a pending withdrawal and sends it to the payout
// gateway. Only the caller that moved it to processing talks to the gateway.
// When the request provably never reached the gateway the claim is undone;
// any other outage leaves the withdrawal processing, because the gateway may
// have accepted it, and the dispatch job resends it under the same reference
// once it stays unconfirmed. A definitive rejection fails the withdrawal and
// credits the wallet back.
func (s *Service) DispatchWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.sendPayout(ctx, id, func(wd *domain.Withdrawal) (bool, error) {
		if wd.Status != domain.WithdrawalPending {
			return false, nil
		}
		return true, wd.MarkProcessing(s.now())
	})
}

// ResendWithdrawal sends an unconfirmed processing withdrawal again. The
// gateway deduplicates on the withdrawal id, so a payout it already accepted
// is not paid twice.
func (s *Service) ResendWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return s.sendPayout(ctx, id, func(wd *domain.Withdrawal) (bool, error) {
		if !wd.IsUnconfirmed(s.now(), s.payoutConfirmationTimeout) {
			return false, nil
		}
		return true, wd.MarkResent(s.now())
	})
}

// sendPayout runs claim on the locked withdrawal and, when it returns true,
// calls the gateway and applies the outcome.
func (s *Service) sendPayout(ctx context.Context, id uuid.UUID, claim func(wd *domain.Withdrawal) (bool, error)) (*domain.Withdrawal, error) {
	var (
		claimed bool
		wd      *domain.Withdrawal
	)
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		wd = locked
		claimed, err = claim(locked)
		if err != nil || !claimed {
			return err
		}
		return tx.UpdateWithdrawal(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return wd, nil
	}

	result, err := s.payouts.CreatePayout(ctx, paymentgateway.PayoutRequest{
		Reference:     wd.ID.String(),
		Amount:        wd.Amount,
		Currency:      wd.Currency,
		UserID:        wd.UserID,
		DestinationID: wd.PayoutMethodID,
	})
	if err != nil {
		mapped := gatewayError(err)
		switch {
		case errors.Is(mapped, domain.ErrGatewayRejected):
			return s.FailWithdrawal(ctx, id, err.Error())
		case errors.Is(err, paymentgateway.ErrNotSent):
			if revertErr := s.revertClaim(ctx, id, err.Error()); revertErr != nil {
				s.logger.Error("failed to revert withdrawal claim", "withdrawal_id", id, "err", revertErr)
			}
		default:
			s.logger.Warn("payout outcome unknown; withdrawal stays processing", "withdrawal_id", id, "attempts", wd.DispatchAttempts, "err", err)
		}
		return nil, mapped
	}

	switch {
	case result.Succeeded():
		return s.CompleteWithdrawal(ctx, id, result.ID)
	case result.Failed():
		reason := result.FailureReason
		if reason == "" {
			reason = "payout declined"
		}
		return s.FailWithdrawal(ctx, id, reason)
	}

	var out *domain.Withdrawal
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		out = locked
		if locked.Status != domain.WithdrawalProcessing || result.ID == "" {
			return nil
		}
		locked.ExternalTransactionID = result.ID
		locked.UpdatedAt = s.now()
		return tx.UpdateWithdrawal(ctx, locked)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payout accepted; awaiting confirmation", "withdrawal_id", id, "payout_id", result.ID)
	return out, nil
}

func (s *Service) revertClaim(ctx context.Context, id uuid.UUID, reason string) error {
	return s.repo.WithinTx(ctx, func(tx store.Tx) error {
		wd, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		if wd.Status != domain.WithdrawalProcessing {
			return nil
		}
		if err := wd.RevertToPending(reason, s.now()); err != nil {
			return err
		}
		return tx.UpdateWithdrawal(ctx, wd)
	})
}

// CompleteWithdrawal marks a payout as settled. Replays are no-ops.
func (s *Service) CompleteWithdrawal(ctx context.Context, id uuid.UUID, externalID string) (*domain.Withdrawal, error) {
	var out *domain.Withdrawal
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		wd, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		out = wd
		return s.completeLocked(ctx, tx, wd, externalID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) completeLocked(ctx context.Context, tx store.Tx, wd *domain.Withdrawal, externalID string) error {
	now := s.now()
	changed, err := wd.Complete(externalID, now)
	if err != nil || !changed {
		return err
	}
	if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
		return err
	}
	if err := tx.UpdatePaymentStatus(ctx, wd.PaymentID, domain.PaymentSucceeded, wd.ExternalTransactionID, now); err != nil {
		return fmt.Errorf("failed to settle withdrawal payment: %w", err)
	}
	if err := s.enqueueWithdrawalEvent(ctx, tx, domain.RoutingWithdrawalCompleted, wd); err != nil {
		return err
	}
	s.logger.Info("withdrawal completed", "withdrawal_id", wd.ID, "user_id", wd.UserID)
	return nil
}

// FailWithdrawal marks a payout as failed and credits the amount back.
// Replays are no-ops.
func (s *Service) FailWithdrawal(ctx context.Context, id uuid.UUID, reason string) (*domain.Withdrawal, error) {
	var out *domain.Withdrawal
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		wd, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		out = wd
		return s.failLocked(ctx, tx, wd, reason)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) failLocked(ctx context.Context, tx store.Tx, wd *domain.Withdrawal, reason string) error {
	now := s.now()
	changed, err := wd.Fail(reason, now)
	if err != nil || !changed {
		return err
	}
	if err := s.creditBack(ctx, tx, wd, "payout failed: "+wd.FailureReason); err != nil {
		return err
	}
	if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
		return err
	}
	if err := tx.UpdatePaymentStatus(ctx, wd.PaymentID, domain.PaymentFailed, wd.ExternalTransactionID, now); err != nil {
		return fmt.Errorf("failed to mark withdrawal payment failed: %w", err)
	}
	if err := s.enqueueWithdrawalEvent(ctx, tx, domain.RoutingWithdrawalFailed, wd); err != nil {
		return err
	}
	s.logger.Warn("withdrawal failed; funds returned", "withdrawal_id", wd.ID, "user_id", wd.UserID, "reason", wd.FailureReason)
	return nil
}

// creditBack returns a withdrawal's amount to the wallet it came from.
func (s *Service) creditBack(ctx context.Context, tx store.Tx, wd *domain.Withdrawal, description string) error {
	w, err := tx.LockWallet(ctx, wd.UserID, wd.Currency)
	if err != nil {
		return err
	}
	amount, err := s.convert(wd.Amount, wd.Currency, w.Currency)
	if err != nil {
		return err
	}
	txn, err := w.AddFunds(amount, domain.SourceWithdrawalReversal, s.now())
	if err != nil {
		return err
	}
	withdrawalID := wd.ID
	paymentID := wd.PaymentID
	txn.WithdrawalID = &withdrawalID
	txn.PaymentID = &paymentID
	txn.Description = description
	return s.persistWallet(ctx, tx, w, txn)
}

// CancelWithdrawal lets the owner take back a withdrawal that has never been
// sent to the gateway.
func (s *Service) CancelWithdrawal(ctx context.Context, userID string, id uuid.UUID) (*domain.Withdrawal, error) {
	var out *domain.Withdrawal
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		wd, err := tx.LockWithdrawal(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if err := wd.Cancel(userID, now); err != nil {
			return err
		}
		if err := s.creditBack(ctx, tx, wd, "withdrawal cancelled"); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, wd); err != nil {
			return err
		}
		if err := tx.UpdatePaymentStatus(ctx, wd.PaymentID, domain.PaymentFailed, "", now); err != nil {
			return err
		}
		out = wd
		return s.enqueueWithdrawalEvent(ctx, tx, domain.RoutingWithdrawalCancelled, wd)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("withdrawal cancelled", "withdrawal_id", id, "user_id", userID)
	return out, nil
}

// GetWithdrawal returns a withdrawal to its owner or an admin.
func (s *Service) GetWithdrawal(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Withdrawal, error) {
	wd, err := s.repo.FindWithdrawalByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin && actor.UserID != wd.UserID {
		return nil, fmt.Errorf("%w: withdrawal belongs to another user", domain.ErrNotAuthorized)
	}
	return wd, nil
}

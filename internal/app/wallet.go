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
)

const (
	defaultTransactionPage = 20
	maxTransactionPage     = 100
)

// WalletView is a wallet with one page of its transaction log.
type WalletView struct {
	Wallet       domain.Wallet              `json:"wallet"`
	Transactions []domain.WalletTransaction `json:"transactions"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// GetWallet returns the user's balances and the newest transactions. Users
// that never received money get an empty wallet in the base currency.
func (s *Service) GetWallet(ctx context.Context, userID string, limit, offset int) (*WalletView, error) {
	if limit <= 0 {
		limit = defaultTransactionPage
	}
	if limit > maxTransactionPage {
		limit = maxTransactionPage
	}
	if offset < 0 {
		offset = 0
	}

	w, err := s.repo.FindWalletByUserID(ctx, userID)
	if errors.Is(err, domain.ErrWalletNotFound) {
		empty := domain.NewWallet(userID, domain.BaseCurrency, s.now())
		empty.ID = uuid.Nil
		return &WalletView{Wallet: *empty, Transactions: []domain.WalletTransaction{}, Limit: limit, Offset: offset}, nil
	}
	if err != nil {
		return nil, err
	}

	txns, err := s.repo.ListWalletTransactions(ctx, w.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet transactions: %w", err)
	}
	if txns == nil {
		txns = []domain.WalletTransaction{}
	}
	return &WalletView{Wallet: *w, Transactions: txns, Limit: limit, Offset: offset}, nil
}

// walletMutation applies one balance operation to a locked wallet.
type walletMutation func(w *domain.Wallet) (*domain.WalletTransaction, error)

// mutateWallet locks the wallet, applies fn and stores the wallet and its
// new transaction together. currency is only used when the wallet has to be
// created.
func (s *Service) mutateWallet(ctx context.Context, userID, currency, description string, fn walletMutation) (*domain.WalletTransaction, error) {
	var txn *domain.WalletTransaction
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, userID, currency)
		if err != nil {
			return err
		}
		txn, err = fn(w)
		if err != nil {
			return err
		}
		txn.Description = description
		return s.persistWallet(ctx, tx, w, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// persistWallet writes the transaction row and the cached balances.
func (s *Service) persistWallet(ctx context.Context, tx store.Tx, w *domain.Wallet, txns ...*domain.WalletTransaction) error {
	for _, txn := range txns {
		if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
			return fmt.Errorf("failed to append wallet transaction: %w", err)
		}
	}
	if err := tx.UpdateWallet(ctx, w); err != nil {
		return fmt.Errorf("failed to update wallet balances: %w", err)
	}
	return nil
}

// AddFunds credits a user's available balance, creating the wallet in
// currency if needed.
func (s *Service) AddFunds(ctx context.Context, userID string, amount decimal.Decimal, currency string, source domain.TransactionSource, description string) (*domain.WalletTransaction, error) {
	if currency == "" {
		currency = domain.BaseCurrency
	}
	if _, err := s.currencies.LookupActive(currency, s.now()); err != nil {
		return nil, err
	}
	return s.mutateWallet(ctx, userID, currency, description, func(w *domain.Wallet) (*domain.WalletTransaction, error) {
		return w.AddFunds(amount, source, s.now())
	})
}

// DeductFunds debits a user's available balance.
func (s *Service) DeductFunds(ctx context.Context, userID string, amount decimal.Decimal, source domain.TransactionSource, description string) (*domain.WalletTransaction, error) {
	return s.mutateWallet(ctx, userID, "", description, func(w *domain.Wallet) (*domain.WalletTransaction, error) {
		return w.DeductFunds(amount, source, s.now())
	})
}

// MoveToPending parks part of a user's available balance.
func (s *Service) MoveToPending(ctx context.Context, userID string, amount decimal.Decimal, source domain.TransactionSource, description string) (*domain.WalletTransaction, error) {
	return s.mutateWallet(ctx, userID, "", description, func(w *domain.Wallet) (*domain.WalletTransaction, error) {
		return w.MoveToPending(amount, source, s.now())
	})
}

// ReleasePending returns parked money to the available balance.
func (s *Service) ReleasePending(ctx context.Context, userID string, amount decimal.Decimal, source domain.TransactionSource, description string) (*domain.WalletTransaction, error) {
	return s.mutateWallet(ctx, userID, "", description, func(w *domain.Wallet) (*domain.WalletTransaction, error) {
		return w.ReleasePending(amount, source, s.now())
	})
}

// AdjustWallet is the admin correction path. A positive amount credits, a
// negative amount debits.
func (s *Service) AdjustWallet(ctx context.Context, actor domain.Actor, userID string, amount decimal.Decimal, reason string) (*domain.WalletTransaction, error) {
	if !actor.IsAdmin {
		return nil, fmt.Errorf("%w: only admins can adjust wallets", domain.ErrNotAuthorized)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", domain.ErrInvalidRequest)
	}
	description := fmt.Sprintf("adjustment by %s: %s", actor.UserID, reason)

	var (
		txn *domain.WalletTransaction
		err error
	)
	switch {
	case amount.IsPositive():
		txn, err = s.AddFunds(ctx, userID, amount, "", domain.SourceAdjustment, description)
	case amount.IsNegative():
		txn, err = s.DeductFunds(ctx, userID, amount.Neg(), domain.SourceAdjustment, description)
	default:
		return nil, fmt.Errorf("%w: adjustment must be non-zero", domain.ErrInvalidAmount)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet adjusted", "user_id", userID, "amount", amount.String(), "actor", actor.UserID)
	return txn, nil
}

// ReconcileWallet compares a wallet's cached balances with its log.
func (s *Service) ReconcileWallet(ctx context.Context, userID string) (*domain.Reconciliation, error) {
	w, err := s.repo.FindWalletByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.SumWalletTransactions(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum wallet transactions: %w", err)
	}
	result := w.Reconcile(totals)
	if !result.Balanced {
		s.logger.Error("wallet does not reconcile",
			"user_id", userID,
			"cached_available", result.CachedAvailable.String(),
			"ledger_available", result.LedgerAvailable.String(),
			"cached_pending", result.CachedPending.String(),
			"ledger_pending", result.LedgerPending.String())
	}
	return &result, nil
}

// SetWalletActive enables or disables a wallet. Disabled wallets still
// receive credits but reject debits and holds.
func (s *Service) SetWalletActive(ctx context.Context, actor domain.Actor, userID string, active bool) (*domain.Wallet, error) {
	if !actor.IsAdmin {
		return nil, fmt.Errorf("%w: only admins can change wallet status", domain.ErrNotAuthorized)
	}
	var out *domain.Wallet
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, userID, "")
		if err != nil {
			return err
		}
		w.Active = active
		w.UpdatedAt = s.now()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("wallet status changed", "user_id", userID, "active", active, "actor", actor.UserID)
	return out, nil
}

// ReleaseClearance moves cleared earnings from pending to available. It
// returns false when the clearance was already released.
func (s *Service) ReleaseClearance(ctx context.Context, clearanceID uuid.UUID) (bool, error) {
	released := false
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		c, err := tx.LockClearance(ctx, clearanceID)
		if err != nil {
			return err
		}
		if c.ReleasedAt != nil {
			return nil
		}
		now := s.now()
		if now.Before(c.ClearsAt) {
			return fmt.Errorf("%w: clearance is not due until %s", domain.ErrInvalidState, c.ClearsAt.Format(time.RFC3339))
		}
		w, err := tx.LockWallet(ctx, c.UserID, "")
		if err != nil {
			return err
		}
		txn, err := w.ReleasePending(c.Amount, domain.SourceClearanceRelease, now)
		if err != nil {
			return err
		}
		escrowID := c.EscrowID
		txn.EscrowID = &escrowID
		txn.Description = "earnings cleared"
		if err := s.persistWallet(ctx, tx, w, txn); err != nil {
			return err
		}
		if err := tx.MarkClearanceReleased(ctx, c.ID, now); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

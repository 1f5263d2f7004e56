package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

func TestMemoryRepository_WithinTxRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, "user-1", "USD")
		if err != nil {
			return err
		}
		txn, err := w.AddFunds(decimal.NewFromInt(100), domain.SourceAdjustment, time.Now())
		if err != nil {
			return err
		}
		if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
			return err
		}
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := repo.FindWalletByUserID(ctx, "user-1"); !errors.Is(err, domain.ErrWalletNotFound) {
		t.Fatalf("expected wallet creation to be rolled back, got %v", err)
	}
}

func TestMemoryRepository_CommitsWalletAndLogTogether(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx Tx) error {
		w, err := tx.LockWallet(ctx, "user-1", "usd")
		if err != nil {
			return err
		}
		txn, err := w.AddFunds(decimal.NewFromInt(40), domain.SourceAdjustment, time.Now())
		if err != nil {
			return err
		}
		if err := tx.InsertWalletTransaction(ctx, txn); err != nil {
			return err
		}
		return tx.UpdateWallet(ctx, w)
	})
	if err != nil {
		t.Fatalf("WithinTx returned error: %v", err)
	}

	w, err := repo.FindWalletByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("FindWalletByUserID returned error: %v", err)
	}
	if w.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %s", w.Currency)
	}
	totals, err := repo.SumWalletTransactions(ctx, w.ID)
	if err != nil {
		t.Fatalf("SumWalletTransactions returned error: %v", err)
	}
	if !w.Reconcile(totals).Balanced || totals.Count != 1 {
		t.Fatalf("expected balanced wallet with one transaction, got %+v", w.Reconcile(totals))
	}
}

func TestMemoryRepository_RecordProcessedEventRejectsDuplicates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	record := func() error {
		return repo.WithinTx(ctx, func(tx Tx) error {
			return tx.RecordProcessedEvent(ctx, "evt_1", domain.GatewayChargeSucceeded, time.Now())
		})
	}
	if err := record(); err != nil {
		t.Fatalf("first record returned error: %v", err)
	}
	if err := record(); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestMemoryRepository_LockWalletWithoutCurrencyDoesNotCreate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	err := repo.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockWallet(ctx, "ghost", "")
		return err
	})
	if !errors.Is(err, domain.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestMemoryRepository_OutboxClaimAndRetry(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	if err := repo.WithinTx(ctx, func(tx Tx) error {
		return tx.EnqueueOutbox(ctx, domain.EscrowEventsExchange, domain.RoutingEscrowFunded, map[string]string{"id": "e1"})
	}); err != nil {
		t.Fatalf("EnqueueOutbox returned error: %v", err)
	}

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d err=%v", len(claimed), err)
	}
	if claimed[0].Attempts != 1 || claimed[0].RoutingKey != domain.RoutingEscrowFunded {
		t.Fatalf("unexpected claimed message: %+v", claimed[0])
	}

	again, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected in-flight message not to be reclaimed, got %d err=%v", len(again), err)
	}

	if err := repo.MarkOutboxFailed(ctx, claimed[0].ID, 60, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed returned error: %v", err)
	}
	later, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(later) != 0 {
		t.Fatalf("expected failed message to wait for retry, got %d err=%v", len(later), err)
	}
}

func TestMemoryRepository_FeePolicyVersions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	if _, err := repo.GetActiveFeePolicy(ctx); !errors.Is(err, domain.ErrFeePolicyNotFound) {
		t.Fatalf("expected ErrFeePolicyNotFound on empty store, got %v", err)
	}
	first, err := repo.CreateFeePolicy(ctx, domain.FeePolicy{AutoReleaseDays: 14, MaxDisputeDays: 30})
	if err != nil {
		t.Fatalf("CreateFeePolicy returned error: %v", err)
	}
	second, err := repo.CreateFeePolicy(ctx, domain.FeePolicy{AutoReleaseDays: 7, MaxDisputeDays: 30})
	if err != nil {
		t.Fatalf("CreateFeePolicy returned error: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
	active, err := repo.GetActiveFeePolicy(ctx)
	if err != nil || active.AutoReleaseDays != 7 {
		t.Fatalf("expected newest policy to be active, got %+v err=%v", active, err)
	}
}

func TestMemoryRepository_OneOpenEscrowPerSlot(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	now := time.Now().UTC()
	milestone := "m-1"

	newEscrow := func(milestoneID *string) *domain.Escrow {
		return &domain.Escrow{ID: uuid.New(), ContractID: "contract-1", MilestoneID: milestoneID, Status: domain.EscrowPending, CreatedAt: now}
	}
	insert := func(e *domain.Escrow) error {
		return repo.WithinTx(ctx, func(tx Tx) error { return tx.InsertEscrow(ctx, e) })
	}

	first := newEscrow(nil)
	if err := insert(first); err != nil {
		t.Fatalf("InsertEscrow returned error: %v", err)
	}
	if err := insert(newEscrow(nil)); !errors.Is(err, domain.ErrOpenEscrowExists) {
		t.Fatalf("expected ErrOpenEscrowExists, got %v", err)
	}
	if err := insert(newEscrow(&milestone)); err != nil {
		t.Fatalf("expected a milestone escrow to use its own slot, got %v", err)
	}

	err := repo.WithinTx(ctx, func(tx Tx) error {
		e, err := tx.LockEscrow(ctx, first.ID)
		if err != nil {
			return err
		}
		e.Status = domain.EscrowCancelled
		return tx.UpdateEscrow(ctx, e)
	})
	if err != nil {
		t.Fatalf("UpdateEscrow returned error: %v", err)
	}
	if err := insert(newEscrow(nil)); err != nil {
		t.Fatalf("expected a cancelled escrow to free the slot, got %v", err)
	}
}

func TestMemoryRepository_MissingClearanceIsNotFound(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	err := repo.WithinTx(ctx, func(tx Tx) error {
		_, err := tx.LockClearance(ctx, uuid.New())
		return err
	})
	if !errors.Is(err, domain.ErrClearanceNotFound) {
		t.Fatalf("expected ErrClearanceNotFound, got %v", err)
	}
}

/**
 * @description
 * This file defines the persistence contract of the escrow service. Reads go
 * through Repository directly; every read-then-write path runs inside
 * Repository.WithinTx and touches rows only through the Tx it is handed, so
 * ledger rows and the cached balances they explain commit or roll back
 * together.
 *
 * @dependencies
 * - github.com/google/uuid: entity identifiers.
 * - internal/domain: the ledger's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// Repository is the set of storage operations the service layer needs.
type Repository interface {
	// WithinTx runs fn in a single database transaction. Any error returned by
	// fn rolls the whole unit back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Escrow reads
	FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	FindOpenEscrow(ctx context.Context, contractID string, milestoneID *string) (*domain.Escrow, error)
	ListEscrowsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error)

	// Wallet reads
	FindWalletByUserID(ctx context.Context, userID string) (*domain.Wallet, error)
	ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error)
	SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (domain.LedgerTotals, error)
	ListDueClearances(ctx context.Context, now time.Time, limit int) ([]domain.PendingClearance, error)

	// Payment ledger reads
	ListPaymentsByContract(ctx context.Context, contractID string) ([]domain.Payment, error)

	// Withdrawal reads
	FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	ListPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Withdrawal, error)
	ListUnconfirmedWithdrawals(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Withdrawal, error)

	// Reference data
	GetActiveFeePolicy(ctx context.Context) (*domain.FeePolicy, error)
	CreateFeePolicy(ctx context.Context, policy domain.FeePolicy) (*domain.FeePolicy, error)
	ListCurrencies(ctx context.Context) ([]domain.Currency, error)
	UpsertCurrency(ctx context.Context, currency domain.Currency) error

	// HTTP idempotency keys
	FindIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error

	// Outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// Tx is the row-locking view of the store used inside WithinTx. Lock methods
// hold the row until the transaction ends.
type Tx interface {
	LockEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error)
	// InsertEscrow returns domain.ErrOpenEscrowExists when the contract slot
	// already has a pending, funded or disputed escrow.
	InsertEscrow(ctx context.Context, escrow *domain.Escrow) error
	UpdateEscrow(ctx context.Context, escrow *domain.Escrow) error

	// LockWallet locks the user's wallet, creating it in currency when the user
	// has none yet.
	LockWallet(ctx context.Context, userID string, currency string) (*domain.Wallet, error)
	UpdateWallet(ctx context.Context, wallet *domain.Wallet) error
	InsertWalletTransaction(ctx context.Context, txn *domain.WalletTransaction) error

	InsertPayment(ctx context.Context, payment *domain.Payment) error
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, externalReference string, processedAt time.Time) error

	InsertWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error
	LockWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error

	InsertClearance(ctx context.Context, clearance *domain.PendingClearance) error
	LockClearance(ctx context.Context, id uuid.UUID) (*domain.PendingClearance, error)
	MarkClearanceReleased(ctx context.Context, id uuid.UUID, at time.Time) error

	// RecordProcessedEvent stores an external event id. It returns
	// domain.ErrDuplicateEvent when the id was seen before.
	RecordProcessedEvent(ctx context.Context, eventID, eventType string, at time.Time) error

	EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

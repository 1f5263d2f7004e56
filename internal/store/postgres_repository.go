/**
 * @description
 * This file provides the PostgreSQL implementation of the Repository and Tx
 * interfaces. Row locks are taken with SELECT ... FOR UPDATE so concurrent
 * releases, refunds and withdrawals on the same escrow or wallet serialise
 * inside the database.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned into decimals.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/escrow-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithinTx implements Repository.
func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const escrowColumns = `
	id, client_id, professional_id, contract_id, milestone_id, amount, currency, minor_units,
	policy_version, platform_fee_rate, processing_fee_rate, processing_fee_fixed, minimum_payment,
	auto_release_days, max_dispute_days, platform_fee_amount, processing_fee_amount, net_amount,
	status, charge_reference, funded_at, auto_release_at, released_at, refunded_at, refund_reason,
	disputed_at, dispute_reason, dispute_raised_by, cancelled_at, cancel_reason, created_at, updated_at,
	charge_requested_at`

func scanEscrow(row pgx.Row) (*domain.Escrow, error) {
	var e domain.Escrow
	var status string
	err := row.Scan(
		&e.ID, &e.ClientID, &e.ProfessionalID, &e.ContractID, &e.MilestoneID, &e.Amount, &e.Currency, &e.MinorUnits,
		&e.Fees.PolicyVersion, &e.Fees.Rates.PlatformFeeRate, &e.Fees.Rates.ProcessingFeeRate, &e.Fees.Rates.ProcessingFeeFixed, &e.Fees.MinimumPayment,
		&e.Fees.AutoReleaseDays, &e.Fees.MaxDisputeDays, &e.PlatformFeeAmount, &e.ProcessingFeeAmount, &e.NetAmount,
		&status, &e.ChargeReference, &e.FundedAt, &e.AutoReleaseAt, &e.ReleasedAt, &e.RefundedAt, &e.RefundReason,
		&e.DisputedAt, &e.DisputeReason, &e.DisputeRaisedBy, &e.CancelledAt, &e.CancelReason, &e.CreatedAt, &e.UpdatedAt,
		&e.ChargeRequestedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEscrowNotFound
		}
		return nil, err
	}
	e.Status = domain.EscrowStatus(status)
	return &e, nil
}

func (r *PostgresRepository) FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	return scanEscrow(r.db.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
}

// FindOpenEscrow returns the pending or funded escrow for a contract/milestone pair.
func (r *PostgresRepository) FindOpenEscrow(ctx context.Context, contractID string, milestoneID *string) (*domain.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows
		WHERE contract_id = $1
		  AND milestone_id IS NOT DISTINCT FROM $2
		  AND status IN ('pending', 'funded', 'disputed')
		ORDER BY created_at DESC
		LIMIT 1`
	return scanEscrow(r.db.QueryRow(ctx, query, contractID, milestoneID))
}

func (r *PostgresRepository) ListEscrowsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'funded' AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

const walletColumns = `id, user_id, available_balance, pending_balance, total_earned, currency, active, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.AvailableBalance, &w.PendingBalance, &w.TotalEarned, &w.Currency, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *PostgresRepository) FindWalletByUserID(ctx context.Context, userID string) (*domain.Wallet, error) {
	return scanWallet(r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
}

const walletTransactionColumns = `id, wallet_id, kind, source, amount, available_delta, pending_delta,
	available_after, pending_after, description, payment_id, escrow_id, withdrawal_id, created_at`

func (r *PostgresRepository) ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletTransactionColumns+` FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`, walletID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var (
			t      domain.WalletTransaction
			kind   string
			source string
		)
		if err := rows.Scan(&t.ID, &t.WalletID, &kind, &source, &t.Amount, &t.AvailableDelta, &t.PendingDelta,
			&t.AvailableAfter, &t.PendingAfter, &t.Description, &t.PaymentID, &t.EscrowID, &t.WithdrawalID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = domain.TransactionKind(kind)
		t.Source = domain.TransactionSource(source)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (domain.LedgerTotals, error) {
	var totals domain.LedgerTotals
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(available_delta), 0), COALESCE(SUM(pending_delta), 0), COUNT(*)
		FROM wallet_transactions
		WHERE wallet_id = $1
	`, walletID).Scan(&totals.Amount, &totals.Available, &totals.Pending, &totals.Count)
	return totals, err
}

func (r *PostgresRepository) ListDueClearances(ctx context.Context, now time.Time, limit int) ([]domain.PendingClearance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, wallet_id, user_id, escrow_id, amount, clears_at, released_at, created_at
		FROM pending_clearances
		WHERE released_at IS NULL AND clears_at <= $1
		ORDER BY clears_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PendingClearance
	for rows.Next() {
		var c domain.PendingClearance
		if err := rows.Scan(&c.ID, &c.WalletID, &c.UserID, &c.EscrowID, &c.Amount, &c.ClearsAt, &c.ReleasedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const paymentColumns = `id, kind, status, amount, currency, payer_id, payee_id, contract_id, milestone_id,
	escrow_id, withdrawal_id, gross_amount, platform_fee, processing_fee, net_amount, external_reference,
	created_at, processed_at`

func (r *PostgresRepository) ListPaymentsByContract(ctx context.Context, contractID string) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE contract_id = $1 ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var (
			p      domain.Payment
			kind   string
			status string
		)
		if err := rows.Scan(&p.ID, &kind, &status, &p.Amount, &p.Currency, &p.PayerID, &p.PayeeID, &p.ContractID, &p.MilestoneID,
			&p.EscrowID, &p.WithdrawalID, &p.GrossAmount, &p.PlatformFee, &p.ProcessingFee, &p.NetAmount, &p.ExternalReference,
			&p.CreatedAt, &p.ProcessedAt); err != nil {
			return nil, err
		}
		p.Kind = domain.PaymentKind(kind)
		p.Status = domain.PaymentStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

const withdrawalColumns = `id, user_id, wallet_id, payment_id, amount, currency, payout_method_id, status,
	external_transaction_id, failure_reason, dispatch_attempts, created_at, dispatched_at, completed_at,
	failed_at, cancelled_at, updated_at`

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var (
		wd     domain.Withdrawal
		status string
	)
	err := row.Scan(&wd.ID, &wd.UserID, &wd.WalletID, &wd.PaymentID, &wd.Amount, &wd.Currency, &wd.PayoutMethodID, &status,
		&wd.ExternalTransactionID, &wd.FailureReason, &wd.DispatchAttempts, &wd.CreatedAt, &wd.DispatchedAt, &wd.CompletedAt,
		&wd.FailedAt, &wd.CancelledAt, &wd.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrWithdrawalNotFound
		}
		return nil, err
	}
	wd.Status = domain.WithdrawalStatus(status)
	return &wd, nil
}

func (r *PostgresRepository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return scanWithdrawal(r.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
}

func (r *PostgresRepository) ListPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wd)
	}
	return out, rows.Err()
}

// ListUnconfirmedWithdrawals returns processing withdrawals without a gateway
// payout id that were dispatched at or before dispatchedBefore.
func (r *PostgresRepository) ListUnconfirmedWithdrawals(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = 'processing' AND external_transaction_id = '' AND dispatched_at <= $1
		ORDER BY dispatched_at
		LIMIT $2`, dispatchedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		wd, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wd)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetActiveFeePolicy(ctx context.Context) (*domain.FeePolicy, error) {
	var p domain.FeePolicy
	err := r.db.QueryRow(ctx, `
		SELECT version, platform_fee_rate, processing_fee_rate, processing_fee_fixed, minimum_payment,
		       minimum_withdrawal, auto_release_days, max_dispute_days, effective_from
		FROM fee_policies
		WHERE effective_from <= NOW()
		ORDER BY effective_from DESC, version DESC
		LIMIT 1
	`).Scan(&p.Version, &p.Rates.PlatformFeeRate, &p.Rates.ProcessingFeeRate, &p.Rates.ProcessingFeeFixed, &p.MinimumPayment,
		&p.MinimumWithdrawal, &p.AutoReleaseDays, &p.MaxDisputeDays, &p.EffectiveFrom)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrFeePolicyNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) CreateFeePolicy(ctx context.Context, policy domain.FeePolicy) (*domain.FeePolicy, error) {
	effective := policy.EffectiveFrom
	if effective.IsZero() {
		effective = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO fee_policies (platform_fee_rate, processing_fee_rate, processing_fee_fixed, minimum_payment,
			minimum_withdrawal, auto_release_days, max_dispute_days, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING version, effective_from
	`, policy.Rates.PlatformFeeRate, policy.Rates.ProcessingFeeRate, policy.Rates.ProcessingFeeFixed, policy.MinimumPayment,
		policy.MinimumWithdrawal, policy.AutoReleaseDays, policy.MaxDisputeDays, effective).Scan(&policy.Version, &policy.EffectiveFrom)
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (r *PostgresRepository) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	rows, err := r.db.Query(ctx, `
		SELECT code, symbol, exchange_rate_to_base, minor_units, active, effective_from
		FROM currencies
		ORDER BY code, effective_from
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Currency
	for rows.Next() {
		var c domain.Currency
		if err := rows.Scan(&c.Code, &c.Symbol, &c.ExchangeRateToBase, &c.MinorUnits, &c.Active, &c.EffectiveFrom); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UpsertCurrency(ctx context.Context, c domain.Currency) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO currencies (code, symbol, exchange_rate_to_base, minor_units, active, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code, effective_from) DO UPDATE
		SET symbol = EXCLUDED.symbol,
			exchange_rate_to_base = EXCLUDED.exchange_rate_to_base,
			minor_units = EXCLUDED.minor_units,
			active = EXCLUDED.active
	`, domain.NormalizeCurrencyCode(c.Code), c.Symbol, c.ExchangeRateToBase, c.MinorUnits, c.Active, c.EffectiveFrom)
	return err
}

func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := r.db.QueryRow(ctx, `
		SELECT key, request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND expires_at > $2
	`, key, now).Scan(&rec.Key, &rec.RequestHash, &rec.StatusCode, &rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SaveIdempotencyRecord keeps the first stored response for a live key.
func (r *PostgresRepository) SaveIdempotencyRecord(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
			status_code = EXCLUDED.status_code,
			response_body = EXCLUDED.response_body,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
	`, rec.Key, rec.RequestHash, rec.StatusCode, rec.ResponseBody, rec.CreatedAt, rec.ExpiresAt)
	return err
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         domain.OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// postgresTx implements Tx on top of a pgx transaction.
type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	return scanEscrow(t.tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) InsertEscrow(ctx context.Context, e *domain.Escrow) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33)`,
		e.ID, e.ClientID, e.ProfessionalID, e.ContractID, e.MilestoneID, e.Amount, e.Currency, e.MinorUnits,
		e.Fees.PolicyVersion, e.Fees.Rates.PlatformFeeRate, e.Fees.Rates.ProcessingFeeRate, e.Fees.Rates.ProcessingFeeFixed, e.Fees.MinimumPayment,
		e.Fees.AutoReleaseDays, e.Fees.MaxDisputeDays, e.PlatformFeeAmount, e.ProcessingFeeAmount, e.NetAmount,
		string(e.Status), e.ChargeReference, e.FundedAt, e.AutoReleaseAt, e.ReleasedAt, e.RefundedAt, e.RefundReason,
		e.DisputedAt, e.DisputeReason, e.DisputeRaisedBy, e.CancelledAt, e.CancelReason, e.CreatedAt, e.UpdatedAt,
		e.ChargeRequestedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "uq_escrows_open_slot" {
			return fmt.Errorf("%w: contract %s", domain.ErrOpenEscrowExists, e.ContractID)
		}
		return err
	}
	return nil
}

// UpdateEscrow writes every mutable column. The fee snapshot and parties never change.
func (t *postgresTx) UpdateEscrow(ctx context.Context, e *domain.Escrow) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE escrows SET
			platform_fee_amount = $2, processing_fee_amount = $3, net_amount = $4, status = $5,
			charge_reference = $6, funded_at = $7, auto_release_at = $8, released_at = $9,
			refunded_at = $10, refund_reason = $11, disputed_at = $12, dispute_reason = $13,
			dispute_raised_by = $14, cancelled_at = $15, cancel_reason = $16, updated_at = $17,
			charge_requested_at = $18
		WHERE id = $1
	`, e.ID, e.PlatformFeeAmount, e.ProcessingFeeAmount, e.NetAmount, string(e.Status),
		e.ChargeReference, e.FundedAt, e.AutoReleaseAt, e.ReleasedAt,
		e.RefundedAt, e.RefundReason, e.DisputedAt, e.DisputeReason,
		e.DisputeRaisedBy, e.CancelledAt, e.CancelReason, e.UpdatedAt,
		e.ChargeRequestedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEscrowNotFound
	}
	return nil
}

// LockWallet creates the wallet on first use, then locks it.
func (t *postgresTx) LockWallet(ctx context.Context, userID string, currency string) (*domain.Wallet, error) {
	if strings.TrimSpace(currency) != "" {
		fresh := domain.NewWallet(userID, currency, time.Now().UTC())
		_, err := t.tx.Exec(ctx, `
			INSERT INTO wallets (id, user_id, available_balance, pending_balance, total_earned, currency, active, created_at, updated_at)
			VALUES ($1, $2, 0, 0, 0, $3, TRUE, $4, $4)
			ON CONFLICT (user_id) DO NOTHING
		`, fresh.ID, userID, fresh.Currency, fresh.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet: %w", err)
		}
	}
	return scanWallet(t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID))
}

func (t *postgresTx) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets
		SET available_balance = $2, pending_balance = $3, total_earned = $4, active = $5, updated_at = $6
		WHERE id = $1
	`, w.ID, w.AvailableBalance, w.PendingBalance, w.TotalEarned, w.Active, w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWalletNotFound
	}
	return nil
}

func (t *postgresTx) InsertWalletTransaction(ctx context.Context, w *domain.WalletTransaction) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO wallet_transactions (`+walletTransactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		w.ID, w.WalletID, string(w.Kind), string(w.Source), w.Amount, w.AvailableDelta, w.PendingDelta,
		w.AvailableAfter, w.PendingAfter, w.Description, w.PaymentID, w.EscrowID, w.WithdrawalID, w.CreatedAt)
	return err
}

func (t *postgresTx) InsertPayment(ctx context.Context, p *domain.Payment) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, string(p.Kind), string(p.Status), p.Amount, p.Currency, p.PayerID, p.PayeeID, p.ContractID, p.MilestoneID,
		p.EscrowID, p.WithdrawalID, p.GrossAmount, p.PlatformFee, p.ProcessingFee, p.NetAmount, p.ExternalReference,
		p.CreatedAt, p.ProcessedAt)
	return err
}

func (t *postgresTx) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, externalReference string, processedAt time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE payments
		SET status = $2,
			external_reference = CASE WHEN $3 = '' THEN external_reference ELSE $3 END,
			processed_at = $4
		WHERE id = $1
	`, id, string(status), externalReference, processedAt)
	return err
}

func (t *postgresTx) InsertWithdrawal(ctx context.Context, wd *domain.Withdrawal) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		wd.ID, wd.UserID, wd.WalletID, wd.PaymentID, wd.Amount, wd.Currency, wd.PayoutMethodID, string(wd.Status),
		wd.ExternalTransactionID, wd.FailureReason, wd.DispatchAttempts, wd.CreatedAt, wd.DispatchedAt, wd.CompletedAt,
		wd.FailedAt, wd.CancelledAt, wd.UpdatedAt)
	return err
}

func (t *postgresTx) LockWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	return scanWithdrawal(t.tx.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) UpdateWithdrawal(ctx context.Context, wd *domain.Withdrawal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE withdrawals SET
			status = $2, external_transaction_id = $3, failure_reason = $4, dispatch_attempts = $5,
			dispatched_at = $6, completed_at = $7, failed_at = $8, cancelled_at = $9, updated_at = $10
		WHERE id = $1
	`, wd.ID, string(wd.Status), wd.ExternalTransactionID, wd.FailureReason, wd.DispatchAttempts,
		wd.DispatchedAt, wd.CompletedAt, wd.FailedAt, wd.CancelledAt, wd.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWithdrawalNotFound
	}
	return nil
}

func (t *postgresTx) InsertClearance(ctx context.Context, c *domain.PendingClearance) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pending_clearances (id, wallet_id, user_id, escrow_id, amount, clears_at, released_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, c.ID, c.WalletID, c.UserID, c.EscrowID, c.Amount, c.ClearsAt, c.ReleasedAt, c.CreatedAt)
	return err
}

func (t *postgresTx) LockClearance(ctx context.Context, id uuid.UUID) (*domain.PendingClearance, error) {
	var c domain.PendingClearance
	err := t.tx.QueryRow(ctx, `
		SELECT id, wallet_id, user_id, escrow_id, amount, clears_at, released_at, created_at
		FROM pending_clearances
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&c.ID, &c.WalletID, &c.UserID, &c.EscrowID, &c.Amount, &c.ClearsAt, &c.ReleasedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("clearance %s: %w", id, domain.ErrClearanceNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (t *postgresTx) MarkClearanceReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE pending_clearances SET released_at = $2 WHERE id = $1`, id, at)
	return err
}

// RecordProcessedEvent relies on the primary key of processed_events; a
// conflict means another delivery of the same event already committed.
func (t *postgresTx) RecordProcessedEvent(ctx context.Context, eventID, eventType string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id, event_type, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, at)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateEvent
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateEvent
	}
	return nil
}

func (t *postgresTx) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

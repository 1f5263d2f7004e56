package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/escrow-service/internal/domain"
)

// schemaStatements create the ledger tables when they are missing. Every
// statement is idempotent so the service can run them on each boot.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS currencies (
		code TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		exchange_rate_to_base NUMERIC(20,10) NOT NULL CHECK (exchange_rate_to_base > 0),
		minor_units INTEGER NOT NULL DEFAULT 2,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		effective_from TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (code, effective_from)
	)`,
	`CREATE TABLE IF NOT EXISTS fee_policies (
		version SERIAL PRIMARY KEY,
		platform_fee_rate NUMERIC(6,5) NOT NULL,
		processing_fee_rate NUMERIC(6,5) NOT NULL,
		processing_fee_fixed NUMERIC(20,4) NOT NULL,
		minimum_payment NUMERIC(20,4) NOT NULL,
		minimum_withdrawal NUMERIC(20,4) NOT NULL,
		auto_release_days INTEGER NOT NULL,
		max_dispute_days INTEGER NOT NULL,
		effective_from TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		available_balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
		pending_balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (pending_balance >= 0),
		total_earned NUMERIC(20,4) NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS escrows (
		id UUID PRIMARY KEY,
		client_id TEXT NOT NULL,
		professional_id TEXT NOT NULL,
		contract_id TEXT NOT NULL,
		milestone_id TEXT,
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		minor_units INTEGER NOT NULL DEFAULT 2,
		policy_version INTEGER NOT NULL,
		platform_fee_rate NUMERIC(6,5) NOT NULL,
		processing_fee_rate NUMERIC(6,5) NOT NULL,
		processing_fee_fixed NUMERIC(20,4) NOT NULL,
		minimum_payment NUMERIC(20,4) NOT NULL,
		auto_release_days INTEGER NOT NULL,
		max_dispute_days INTEGER NOT NULL,
		platform_fee_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		processing_fee_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		net_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		charge_reference TEXT NOT NULL DEFAULT '',
		funded_at TIMESTAMPTZ,
		auto_release_at TIMESTAMPTZ,
		released_at TIMESTAMPTZ,
		refunded_at TIMESTAMPTZ,
		refund_reason TEXT NOT NULL DEFAULT '',
		disputed_at TIMESTAMPTZ,
		dispute_reason TEXT NOT NULL DEFAULT '',
		dispute_raised_by TEXT NOT NULL DEFAULT '',
		cancelled_at TIMESTAMPTZ,
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE escrows ADD COLUMN IF NOT EXISTS charge_requested_at TIMESTAMPTZ`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_contract ON escrows (contract_id, milestone_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_escrows_open_slot ON escrows (contract_id, COALESCE(milestone_id, ''))
		WHERE status IN ('pending', 'funded', 'disputed')`,
	`CREATE INDEX IF NOT EXISTS idx_escrows_auto_release ON escrows (auto_release_at) WHERE status = 'funded'`,
	`CREATE TABLE IF NOT EXISTS payments (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		amount NUMERIC(20,4) NOT NULL,
		currency TEXT NOT NULL,
		payer_id TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		contract_id TEXT,
		milestone_id TEXT,
		escrow_id UUID REFERENCES escrows(id),
		withdrawal_id UUID,
		gross_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		platform_fee NUMERIC(20,4) NOT NULL DEFAULT 0,
		processing_fee NUMERIC(20,4) NOT NULL DEFAULT 0,
		net_amount NUMERIC(20,4) NOT NULL DEFAULT 0,
		external_reference TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_contract ON payments (contract_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		wallet_id UUID NOT NULL REFERENCES wallets(id),
		payment_id UUID NOT NULL,
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		currency TEXT NOT NULL,
		payout_method_id TEXT NOT NULL,
		status TEXT NOT NULL,
		external_transaction_id TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		dispatch_attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		dispatched_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_pending ON withdrawals (created_at) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_withdrawals_unconfirmed ON withdrawals (dispatched_at)
		WHERE status = 'processing' AND external_transaction_id = ''`,
	`CREATE TABLE IF NOT EXISTS wallet_transactions (
		id UUID PRIMARY KEY,
		wallet_id UUID NOT NULL REFERENCES wallets(id),
		kind TEXT NOT NULL,
		source TEXT NOT NULL,
		amount NUMERIC(20,4) NOT NULL,
		available_delta NUMERIC(20,4) NOT NULL,
		pending_delta NUMERIC(20,4) NOT NULL,
		available_after NUMERIC(20,4) NOT NULL,
		pending_after NUMERIC(20,4) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		payment_id UUID,
		escrow_id UUID,
		withdrawal_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		seq BIGSERIAL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet ON wallet_transactions (wallet_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS pending_clearances (
		id UUID PRIMARY KEY,
		wallet_id UUID NOT NULL REFERENCES wallets(id),
		user_id TEXT NOT NULL,
		escrow_id UUID NOT NULL,
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		clears_at TIMESTAMPTZ NOT NULL,
		released_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_clearances_due ON pending_clearances (clears_at) WHERE released_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		request_hash TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_body BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id BIGSERIAL PRIMARY KEY,
		exchange TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_ready ON event_outbox (status, next_attempt_at)`,
}

// EnsureSchema creates missing tables and seeds the default currencies.
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d failed: %w", i, err)
		}
	}
	for _, c := range domain.DefaultCurrencies() {
		_, err := db.Exec(ctx, `
			INSERT INTO currencies (code, symbol, exchange_rate_to_base, minor_units, active, effective_from)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (code, effective_from) DO NOTHING
		`, c.Code, c.Symbol, c.ExchangeRateToBase, c.MinorUnits, c.Active, c.EffectiveFrom)
		if err != nil {
			return fmt.Errorf("failed to seed currency %s: %w", c.Code, err)
		}
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

// MemoryRepository keeps the whole ledger in process memory. Transactions are
// serialised by one lock and run against a copy of the state that replaces
// the live state only when fn succeeds. It backs local development
// (STORE_DRIVER=memory) and the service tests.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memOutbox struct {
	msg           domain.OutboxMessage
	status        string
	nextAttemptAt time.Time
	startedAt     time.Time
	lastError     string
}

type memState struct {
	escrows      map[uuid.UUID]domain.Escrow
	wallets      map[string]domain.Wallet
	transactions map[uuid.UUID][]domain.WalletTransaction
	payments     []domain.Payment
	withdrawals  map[uuid.UUID]domain.Withdrawal
	clearances   map[uuid.UUID]domain.PendingClearance
	events       map[string]string
	policies     []domain.FeePolicy
	currencies   []domain.Currency
	idempotency  map[string]domain.IdempotencyRecord
	outbox       []memOutbox
	outboxSeq    int64
}

// NewMemoryRepository returns an empty store seeded with the default currencies.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			escrows:      make(map[uuid.UUID]domain.Escrow),
			wallets:      make(map[string]domain.Wallet),
			transactions: make(map[uuid.UUID][]domain.WalletTransaction),
			withdrawals:  make(map[uuid.UUID]domain.Withdrawal),
			clearances:   make(map[uuid.UUID]domain.PendingClearance),
			events:       make(map[string]string),
			currencies:   domain.DefaultCurrencies(),
			idempotency:  make(map[string]domain.IdempotencyRecord),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		escrows:      make(map[uuid.UUID]domain.Escrow, len(s.escrows)),
		wallets:      make(map[string]domain.Wallet, len(s.wallets)),
		transactions: make(map[uuid.UUID][]domain.WalletTransaction, len(s.transactions)),
		payments:     append([]domain.Payment(nil), s.payments...),
		withdrawals:  make(map[uuid.UUID]domain.Withdrawal, len(s.withdrawals)),
		clearances:   make(map[uuid.UUID]domain.PendingClearance, len(s.clearances)),
		events:       make(map[string]string, len(s.events)),
		policies:     append([]domain.FeePolicy(nil), s.policies...),
		currencies:   append([]domain.Currency(nil), s.currencies...),
		idempotency:  make(map[string]domain.IdempotencyRecord, len(s.idempotency)),
		outbox:       append([]memOutbox(nil), s.outbox...),
		outboxSeq:    s.outboxSeq,
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = append([]domain.WalletTransaction(nil), v...)
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.clearances {
		c.clearances[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	return c
}

// WithinTx implements Repository.
func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := r.state.clone()
	if err := fn(&memTx{state: work, now: r.now}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) FindEscrowByID(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.state.escrows[id]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	return &e, nil
}

func (r *MemoryRepository) FindOpenEscrow(ctx context.Context, contractID string, milestoneID *string) (*domain.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.state.escrows {
		if e.ContractID != contractID || !sameOptional(e.MilestoneID, milestoneID) {
			continue
		}
		if isOpenEscrow(e.Status) {
			found := e
			return &found, nil
		}
	}
	return nil, domain.ErrEscrowNotFound
}

func (r *MemoryRepository) ListEscrowsDueForAutoRelease(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []domain.Escrow
	for _, e := range r.state.escrows {
		if e.IsDueForAutoRelease(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].AutoReleaseAt.Before(*due[j].AutoReleaseAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) FindWalletByUserID(ctx context.Context, userID string) (*domain.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.state.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &w, nil
}

// ListWalletTransactions returns the newest transactions first.
func (r *MemoryRepository) ListWalletTransactions(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.WalletTransaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.state.transactions[walletID]
	out := make([]domain.WalletTransaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (r *MemoryRepository) SumWalletTransactions(ctx context.Context, walletID uuid.UUID) (domain.LedgerTotals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return domain.SumTransactions(r.state.transactions[walletID]), nil
}

func (r *MemoryRepository) ListDueClearances(ctx context.Context, now time.Time, limit int) ([]domain.PendingClearance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var due []domain.PendingClearance
	for _, c := range r.state.clearances {
		if c.ReleasedAt == nil && !c.ClearsAt.After(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ClearsAt.Before(due[j].ClearsAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *MemoryRepository) ListPaymentsByContract(ctx context.Context, contractID string) ([]domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.state.payments {
		if p.ContractID != nil && *p.ContractID == contractID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindWithdrawalByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wd, ok := r.state.withdrawals[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return &wd, nil
}

func (r *MemoryRepository) ListPendingWithdrawals(ctx context.Context, olderThan time.Time, limit int) ([]domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Withdrawal
	for _, wd := range r.state.withdrawals {
		if wd.Status == domain.WithdrawalPending && !wd.CreatedAt.After(olderThan) {
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnconfirmedWithdrawals returns processing withdrawals the gateway has not
// acknowledged since dispatchedBefore, oldest first.
func (r *MemoryRepository) ListUnconfirmedWithdrawals(ctx context.Context, dispatchedBefore time.Time, limit int) ([]domain.Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Withdrawal
	for _, wd := range r.state.withdrawals {
		if wd.Status == domain.WithdrawalProcessing && wd.ExternalTransactionID == "" &&
			wd.DispatchedAt != nil && !wd.DispatchedAt.After(dispatchedBefore) {
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DispatchedAt.Before(*out[j].DispatchedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetActiveFeePolicy(ctx context.Context) (*domain.FeePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	for i := len(r.state.policies) - 1; i >= 0; i-- {
		if !r.state.policies[i].EffectiveFrom.After(now) {
			p := r.state.policies[i]
			return &p, nil
		}
	}
	return nil, domain.ErrFeePolicyNotFound
}

func (r *MemoryRepository) CreateFeePolicy(ctx context.Context, policy domain.FeePolicy) (*domain.FeePolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	policy.Version = len(r.state.policies) + 1
	if policy.EffectiveFrom.IsZero() {
		policy.EffectiveFrom = r.now()
	}
	r.state.policies = append(r.state.policies, policy)
	return &policy, nil
}

func (r *MemoryRepository) ListCurrencies(ctx context.Context) ([]domain.Currency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Currency(nil), r.state.currencies...), nil
}

func (r *MemoryRepository) UpsertCurrency(ctx context.Context, currency domain.Currency) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	currency.Code = domain.NormalizeCurrencyCode(currency.Code)
	for i, c := range r.state.currencies {
		if c.Code == currency.Code && c.EffectiveFrom.Equal(currency.EffectiveFrom) {
			r.state.currencies[i] = currency
			return nil
		}
	}
	r.state.currencies = append(r.state.currencies, currency)
	return nil
}

func (r *MemoryRepository) FindIdempotencyRecord(ctx context.Context, key string, now time.Time) (*domain.IdempotencyRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.state.idempotency[key]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) SaveIdempotencyRecord(ctx context.Context, record domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.state.idempotency[record.Key]; ok && existing.ExpiresAt.After(record.CreatedAt) {
		return nil
	}
	r.state.idempotency[record.Key] = record
	return nil
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := r.now()
	stale := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	var out []domain.OutboxMessage
	for i := range r.state.outbox {
		if len(out) >= limit {
			break
		}
		m := &r.state.outbox[i]
		ready := m.status == "pending" && !m.nextAttemptAt.After(now)
		if !ready && !(m.status == "processing" && m.startedAt.Before(stale)) {
			continue
		}
		m.status = "processing"
		m.startedAt = now
		m.msg.Attempts++
		out = append(out, m.msg)
	}
	return out, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.updateOutbox(id, func(m *memOutbox) {
		m.status = "published"
		m.lastError = ""
	})
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	now := r.now()
	return r.updateOutbox(id, func(m *memOutbox) {
		m.status = "pending"
		m.nextAttemptAt = now.Add(time.Duration(retryAfterSeconds) * time.Second)
		m.lastError = reason
	})
}

func (r *MemoryRepository) updateOutbox(id int64, fn func(*memOutbox)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.outbox {
		if r.state.outbox[i].msg.ID == id {
			fn(&r.state.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("outbox message %d not found", id)
}

// PublishedRoutingKeys lists the routing keys of every enqueued outbox
// message in insertion order.
func (r *MemoryRepository) PublishedRoutingKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.state.outbox))
	for _, m := range r.state.outbox {
		keys = append(keys, m.msg.RoutingKey)
	}
	return keys
}

// PaymentsFor returns every payment tied to the escrow or withdrawal id.
func (r *MemoryRepository) PaymentsFor(id uuid.UUID) []domain.Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Payment
	for _, p := range r.state.payments {
		if (p.EscrowID != nil && *p.EscrowID == id) || (p.WithdrawalID != nil && *p.WithdrawalID == id) {
			out = append(out, p)
		}
	}
	return out
}

type memTx struct {
	state *memState
	now   func() time.Time
}

func (t *memTx) LockEscrow(ctx context.Context, id uuid.UUID) (*domain.Escrow, error) {
	e, ok := t.state.escrows[id]
	if !ok {
		return nil, domain.ErrEscrowNotFound
	}
	return &e, nil
}

// InsertEscrow enforces one open escrow per contract slot, matching the
// partial unique index of the Postgres schema.
func (t *memTx) InsertEscrow(ctx context.Context, escrow *domain.Escrow) error {
	if _, exists := t.state.escrows[escrow.ID]; exists {
		return fmt.Errorf("escrow %s already exists", escrow.ID)
	}
	if isOpenEscrow(escrow.Status) {
		for _, e := range t.state.escrows {
			if e.ContractID == escrow.ContractID && sameOptional(e.MilestoneID, escrow.MilestoneID) && isOpenEscrow(e.Status) {
				return fmt.Errorf("%w: escrow %s", domain.ErrOpenEscrowExists, e.ID)
			}
		}
	}
	t.state.escrows[escrow.ID] = *escrow
	return nil
}

func (t *memTx) UpdateEscrow(ctx context.Context, escrow *domain.Escrow) error {
	if _, exists := t.state.escrows[escrow.ID]; !exists {
		return domain.ErrEscrowNotFound
	}
	t.state.escrows[escrow.ID] = *escrow
	return nil
}

func (t *memTx) LockWallet(ctx context.Context, userID string, currency string) (*domain.Wallet, error) {
	if w, ok := t.state.wallets[userID]; ok {
		return &w, nil
	}
	if strings.TrimSpace(currency) == "" {
		return nil, domain.ErrWalletNotFound
	}
	w := domain.NewWallet(userID, currency, t.now())
	t.state.wallets[userID] = *w
	return w, nil
}

func (t *memTx) UpdateWallet(ctx context.Context, wallet *domain.Wallet) error {
	if _, ok := t.state.wallets[wallet.UserID]; !ok {
		return domain.ErrWalletNotFound
	}
	t.state.wallets[wallet.UserID] = *wallet
	return nil
}

func (t *memTx) InsertWalletTransaction(ctx context.Context, txn *domain.WalletTransaction) error {
	t.state.transactions[txn.WalletID] = append(t.state.transactions[txn.WalletID], *txn)
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, payment *domain.Payment) error {
	t.state.payments = append(t.state.payments, *payment)
	return nil
}

func (t *memTx) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status domain.PaymentStatus, externalReference string, processedAt time.Time) error {
	for i := range t.state.payments {
		if t.state.payments[i].ID == id {
			t.state.payments[i].Status = status
			if externalReference != "" {
				t.state.payments[i].ExternalReference = externalReference
			}
			at := processedAt
			t.state.payments[i].ProcessedAt = &at
			return nil
		}
	}
	return fmt.Errorf("payment %s not found", id)
}

func (t *memTx) InsertWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error {
	t.state.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (t *memTx) LockWithdrawal(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	wd, ok := t.state.withdrawals[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return &wd, nil
}

func (t *memTx) UpdateWithdrawal(ctx context.Context, withdrawal *domain.Withdrawal) error {
	if _, ok := t.state.withdrawals[withdrawal.ID]; !ok {
		return domain.ErrWithdrawalNotFound
	}
	t.state.withdrawals[withdrawal.ID] = *withdrawal
	return nil
}

func (t *memTx) InsertClearance(ctx context.Context, clearance *domain.PendingClearance) error {
	t.state.clearances[clearance.ID] = *clearance
	return nil
}

func (t *memTx) LockClearance(ctx context.Context, id uuid.UUID) (*domain.PendingClearance, error) {
	c, ok := t.state.clearances[id]
	if !ok {
		return nil, fmt.Errorf("clearance %s: %w", id, domain.ErrClearanceNotFound)
	}
	return &c, nil
}

func (t *memTx) MarkClearanceReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	c, ok := t.state.clearances[id]
	if !ok {
		return fmt.Errorf("clearance %s: %w", id, domain.ErrClearanceNotFound)
	}
	c.ReleasedAt = &at
	t.state.clearances[id] = c
	return nil
}

func (t *memTx) RecordProcessedEvent(ctx context.Context, eventID, eventType string, at time.Time) error {
	if _, seen := t.state.events[eventID]; seen {
		return domain.ErrDuplicateEvent
	}
	t.state.events[eventID] = eventType
	return nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	t.state.outboxSeq++
	t.state.outbox = append(t.state.outbox, memOutbox{
		msg: domain.OutboxMessage{
			ID:         t.state.outboxSeq,
			Exchange:   strings.TrimSpace(exchange),
			RoutingKey: strings.TrimSpace(routingKey),
			Payload:    blob,
		},
		status:        "pending",
		nextAttemptAt: t.now(),
	})
	return nil
}

func isOpenEscrow(status domain.EscrowStatus) bool {
	return status == domain.EscrowPending || status.HoldsFunds()
}

func sameOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

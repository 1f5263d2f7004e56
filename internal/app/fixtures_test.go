package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

var (
	clientActor       = domain.Actor{UserID: "client-1"}
	professionalActor = domain.Actor{UserID: "pro-1"}
	adminActor        = domain.Actor{UserID: "admin-1", IsAdmin: true}
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func testPolicy() domain.FeePolicy {
	return domain.FeePolicy{
		Rates: domain.FeeRates{
			PlatformFeeRate:    decimal.RequireFromString("0.10"),
			ProcessingFeeRate:  decimal.RequireFromString("0.029"),
			ProcessingFeeFixed: decimal.RequireFromString("0.30"),
		},
		MinimumPayment:    decimal.NewFromInt(5),
		MinimumWithdrawal: decimal.NewFromInt(10),
		AutoReleaseDays:   14,
		MaxDisputeDays:    30,
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubCharges struct {
	mu     sync.Mutex
	status string
	err    error
	refs   []string
}

func (s *stubCharges) CreateCharge(ctx context.Context, req paymentgateway.ChargeRequest) (*paymentgateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, req.Reference)
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == "" {
		status = paymentgateway.StatusSucceeded
	}
	return &paymentgateway.Result{ID: "ch_" + req.Reference, Status: status}, nil
}

func (s *stubCharges) set(status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = err
}

type stubPayouts struct {
	mu     sync.Mutex
	status string
	err    error
	calls  int
}

func (s *stubPayouts) CreatePayout(ctx context.Context, req paymentgateway.PayoutRequest) (*paymentgateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	status := s.status
	if status == "" {
		status = paymentgateway.StatusPending
	}
	return &paymentgateway.Result{ID: "po_" + req.Reference, Status: status, FailureReason: "account closed"}, nil
}

func (s *stubPayouts) set(status string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.err = err
}

func (s *stubPayouts) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubContracts struct {
	contracts map[string]*domain.Contract
}

func (s *stubContracts) GetContract(ctx context.Context, contractID string) (*domain.Contract, error) {
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, domain.ErrContractNotFound
	}
	copied := *c
	return &copied, nil
}

// stubLimiter keeps a single budget and refuses with a 30 minute wait.
type stubLimiter struct {
	requests int
	volume   decimal.Decimal
	err      error
}

func (s *stubLimiter) ConsumeWithdrawalBudget(ctx context.Context, userID string, volume decimal.Decimal, budget WithdrawalBudget) (BudgetDecision, error) {
	if s.err != nil {
		return BudgetDecision{}, s.err
	}
	if (budget.MaxRequests > 0 && s.requests+1 > budget.MaxRequests) ||
		(budget.MaxVolume.IsPositive() && s.volume.Add(volume).GreaterThan(budget.MaxVolume)) {
		return BudgetDecision{Requests: s.requests, Volume: s.volume, RetryAfter: 30 * time.Minute}, nil
	}
	s.requests++
	s.volume = s.volume.Add(volume)
	return BudgetDecision{Allowed: true, Requests: s.requests, Volume: s.volume}, nil
}

type fixture struct {
	ctx       context.Context
	svc       *Service
	repo      *store.MemoryRepository
	charges   *stubCharges
	payouts   *stubPayouts
	contracts *stubContracts
	clock     *testClock
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := store.NewMemoryRepository()
	if _, err := EnsureFeePolicy(ctx, repo, testPolicy()); err != nil {
		t.Fatalf("EnsureFeePolicy returned error: %v", err)
	}
	currencies, err := LoadCurrencyTable(ctx, repo)
	if err != nil {
		t.Fatalf("LoadCurrencyTable returned error: %v", err)
	}

	total := decimal.NewFromInt(1500)
	contracts := &stubContracts{contracts: map[string]*domain.Contract{
		"contract-1": {
			ID:             "contract-1",
			ClientID:       "client-1",
			ProfessionalID: "pro-1",
			Currency:       "USD",
			TotalAmount:    &total,
			Status:         "active",
			Milestones: []domain.Milestone{
				{ID: "m-1", Title: "Design", Amount: decimal.NewFromInt(1000)},
				{ID: "m-2", Title: "Build", Amount: decimal.NewFromInt(500)},
			},
		},
		"contract-closed": {
			ID:             "contract-closed",
			ClientID:       "client-1",
			ProfessionalID: "pro-1",
			Currency:       "USD",
			Status:         "completed",
		},
	}}

	clock := &testClock{now: time.Now().UTC()}
	opts := Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:  clock.Now,
	}
	for _, fn := range configure {
		fn(&opts)
	}

	charges := &stubCharges{}
	payouts := &stubPayouts{}
	return &fixture{
		ctx:       ctx,
		svc:       NewService(repo, currencies, charges, payouts, contracts, opts),
		repo:      repo,
		charges:   charges,
		payouts:   payouts,
		contracts: contracts,
		clock:     clock,
	}
}

// fundedEscrow creates a 1000 USD project escrow that the gateway charges
// synchronously.
func (f *fixture) fundedEscrow(t *testing.T) *domain.Escrow {
	t.Helper()
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{
		ContractID: "contract-1",
		Amount:     decimal.NewFromInt(1000),
		Currency:   "usd",
	})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}
	if e.Status != domain.EscrowFunded {
		t.Fatalf("expected funded escrow, got %s", e.Status)
	}
	return e
}

func (f *fixture) wallet(t *testing.T, userID string) domain.Wallet {
	t.Helper()
	view, err := f.svc.GetWallet(f.ctx, userID, 0, 0)
	if err != nil {
		t.Fatalf("GetWallet returned error: %v", err)
	}
	return view.Wallet
}

func (f *fixture) assertBalanced(t *testing.T, userID string) {
	t.Helper()
	rec, err := f.svc.ReconcileWallet(f.ctx, userID)
	if err != nil {
		t.Fatalf("ReconcileWallet returned error: %v", err)
	}
	if !rec.Balanced {
		t.Fatalf("wallet %s does not reconcile: %+v", userID, rec)
	}
}

func countKind(payments []domain.Payment, kind domain.PaymentKind) int {
	n := 0
	for _, p := range payments {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

func TestCreateEscrow_SynchronousChargeFundsEscrow(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	if !e.PlatformFeeAmount.Equal(dec(t, "100")) {
		t.Fatalf("expected platform fee 100, got %s", e.PlatformFeeAmount)
	}
	if !e.ProcessingFeeAmount.Equal(dec(t, "29.30")) {
		t.Fatalf("expected processing fee 29.30, got %s", e.ProcessingFeeAmount)
	}
	if !e.NetAmount.Equal(dec(t, "870.70")) {
		t.Fatalf("expected net 870.70, got %s", e.NetAmount)
	}
	if e.AutoReleaseAt == nil || !e.AutoReleaseAt.Equal(f.clock.Now().Add(14*24*time.Hour)) {
		t.Fatalf("expected auto release 14 days out, got %v", e.AutoReleaseAt)
	}
	if e.ChargeReference != "ch_"+e.ID.String() {
		t.Fatalf("expected charge reference from gateway, got %q", e.ChargeReference)
	}

	payments := f.repo.PaymentsFor(e.ID)
	if len(payments) != 1 || payments[0].Kind != domain.PaymentProject {
		t.Fatalf("expected one project payment, got %+v", payments)
	}
	if payments[0].PayerID != "client-1" || payments[0].PayeeID != "pro-1" {
		t.Fatalf("unexpected payment parties: %+v", payments[0])
	}
	keys := f.repo.PublishedRoutingKeys()
	if len(keys) != 1 || keys[0] != domain.RoutingEscrowFunded {
		t.Fatalf("expected escrow.funded event, got %v", keys)
	}
}

func TestCreateEscrow_MilestoneAmountDefaults(t *testing.T) {
	f := newFixture(t)
	milestone := "m-2"
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", MilestoneID: &milestone})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}
	if !e.Amount.Equal(decimal.NewFromInt(500)) || e.Currency != "USD" {
		t.Fatalf("expected milestone amount 500 USD, got %s %s", e.Amount, e.Currency)
	}
	payments := f.repo.PaymentsFor(e.ID)
	if countKind(payments, domain.PaymentMilestone) != 1 {
		t.Fatalf("expected a milestone payment, got %+v", payments)
	}
}

func TestCreateEscrow_Validation(t *testing.T) {
	milestone := "m-1"
	missing := "m-9"
	tests := []struct {
		name  string
		actor domain.Actor
		in    CreateEscrowInput
		want  error
	}{
		{
			name:  "requires contract id",
			actor: clientActor,
			in:    CreateEscrowInput{Amount: decimal.NewFromInt(100)},
			want:  domain.ErrInvalidRequest,
		},
		{
			name:  "unknown contract",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "nope", Amount: decimal.NewFromInt(100)},
			want:  domain.ErrContractNotFound,
		},
		{
			name:  "professional cannot fund",
			actor: professionalActor,
			in:    CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(100)},
			want:  domain.ErrNotAuthorized,
		},
		{
			name:  "closed contract",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-closed", Amount: decimal.NewFromInt(100)},
			want:  domain.ErrInvalidState,
		},
		{
			name:  "milestone amount mismatch",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-1", MilestoneID: &milestone, Amount: decimal.NewFromInt(10)},
			want:  domain.ErrInvalidAmount,
		},
		{
			name:  "unknown milestone",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-1", MilestoneID: &missing},
			want:  domain.ErrInvalidRequest,
		},
		{
			name:  "currency differs from contract",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(100), Currency: "EUR"},
			want:  domain.ErrUnsupportedCurrency,
		},
		{
			name:  "below minimum payment",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1)},
			want:  domain.ErrInvalidAmount,
		},
		{
			name:  "too many decimal places",
			actor: clientActor,
			in:    CreateEscrowInput{ContractID: "contract-1", Amount: decimal.RequireFromString("100.001")},
			want:  domain.ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateEscrow(f.ctx, tt.actor, tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if len(f.charges.refs) != 0 {
				t.Fatalf("expected no charge attempt, got %v", f.charges.refs)
			}
		})
	}
}

func TestCreateEscrow_GatewayOutageLeavesPendingEscrowForRetry(t *testing.T) {
	f := newFixture(t)
	f.charges.set("", fmt.Errorf("%w: connection refused", paymentgateway.ErrUnavailable))

	in := CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)}
	if _, err := f.svc.CreateEscrow(f.ctx, clientActor, in); !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	pending, err := f.svc.FindOpenEscrow(f.ctx, "contract-1", nil)
	if err != nil || pending == nil || pending.Status != domain.EscrowPending {
		t.Fatalf("expected a pending escrow to remain, got %+v (%v)", pending, err)
	}

	f.charges.set(paymentgateway.StatusSucceeded, nil)
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, in)
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if e.ID != pending.ID || e.Status != domain.EscrowFunded {
		t.Fatalf("expected retry to fund escrow %s, got %s in %s", pending.ID, e.ID, e.Status)
	}
	if len(f.charges.refs) != 2 || f.charges.refs[0] != f.charges.refs[1] {
		t.Fatalf("expected both charges to reuse the escrow reference, got %v", f.charges.refs)
	}

	if _, err := f.svc.CreateEscrow(f.ctx, clientActor, in); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected funded contract to reject a second escrow, got %v", err)
	}
}

func TestCreateEscrow_DeclinedChargeCancelsEscrow(t *testing.T) {
	f := newFixture(t)
	f.charges.set("", fmt.Errorf("%w: card declined", paymentgateway.ErrRejected))

	_, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	open, err := f.svc.FindOpenEscrow(f.ctx, "contract-1", nil)
	if err != nil || open != nil {
		t.Fatalf("expected no open escrow after decline, got %+v (%v)", open, err)
	}
	keys := f.repo.PublishedRoutingKeys()
	if len(keys) != 1 || keys[0] != domain.RoutingEscrowCancelled {
		t.Fatalf("expected escrow.cancelled event, got %v", keys)
	}
}

func TestReleaseEscrow_CreditsProfessionalNetAmount(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	released, err := f.svc.ReleaseEscrow(f.ctx, clientActor, e.ID)
	if err != nil {
		t.Fatalf("ReleaseEscrow returned error: %v", err)
	}
	if released.Status != domain.EscrowReleased {
		t.Fatalf("expected released, got %s", released.Status)
	}

	w := f.wallet(t, "pro-1")
	if !w.AvailableBalance.Equal(dec(t, "870.70")) || !w.TotalEarned.Equal(dec(t, "870.70")) {
		t.Fatalf("expected 870.70 available and earned, got %+v", w)
	}
	payments := f.repo.PaymentsFor(e.ID)
	if countKind(payments, domain.PaymentEscrowRelease) != 1 || countKind(payments, domain.PaymentPlatformFee) != 1 {
		t.Fatalf("expected release and platform fee payments, got %+v", payments)
	}
	for _, p := range payments {
		if p.Kind == domain.PaymentPlatformFee && (!p.Amount.Equal(dec(t, "100")) || p.PayeeID != domain.PlatformPayee) {
			t.Fatalf("unexpected platform fee payment: %+v", p)
		}
	}
	f.assertBalanced(t, "pro-1")

	again, err := f.svc.ReleaseEscrow(f.ctx, clientActor, e.ID)
	if err != nil || again.Status != domain.EscrowReleased {
		t.Fatalf("expected repeat release to be a no-op, got %+v (%v)", again, err)
	}
	if w := f.wallet(t, "pro-1"); !w.AvailableBalance.Equal(dec(t, "870.70")) {
		t.Fatalf("expected balance unchanged after repeat, got %s", w.AvailableBalance)
	}
}

func TestReleaseEscrow_ConcurrentCallsCreditOnce(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.ReleaseEscrow(f.ctx, clientActor, e.ID); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent release returned error: %v", err)
	}

	view, err := f.svc.GetWallet(f.ctx, "pro-1", 0, 0)
	if err != nil {
		t.Fatalf("GetWallet returned error: %v", err)
	}
	if !view.Wallet.AvailableBalance.Equal(dec(t, "870.70")) {
		t.Fatalf("expected a single credit of 870.70, got %s", view.Wallet.AvailableBalance)
	}
	if len(view.Transactions) != 1 {
		t.Fatalf("expected one wallet transaction, got %d", len(view.Transactions))
	}
	if n := countKind(f.repo.PaymentsFor(e.ID), domain.PaymentEscrowRelease); n != 1 {
		t.Fatalf("expected one release payment, got %d", n)
	}
}

func TestReleaseEscrow_Authorization(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	if _, err := f.svc.ReleaseEscrow(f.ctx, professionalActor, e.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected professional release to be rejected, got %v", err)
	}
	if _, err := f.svc.ReleaseEscrow(f.ctx, adminActor, e.ID); err != nil {
		t.Fatalf("expected admin release to succeed, got %v", err)
	}
}

func TestRefundEscrow_ReturnsAmountMinusProcessingFee(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	if _, err := f.svc.RefundEscrow(f.ctx, clientActor, e.ID, "changed my mind"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected client refund to be rejected, got %v", err)
	}

	refunded, err := f.svc.RefundEscrow(f.ctx, professionalActor, e.ID, "cannot deliver")
	if err != nil {
		t.Fatalf("RefundEscrow returned error: %v", err)
	}
	if refunded.Status != domain.EscrowRefunded || refunded.RefundReason != "cannot deliver" {
		t.Fatalf("unexpected refunded escrow: %+v", refunded)
	}
	w := f.wallet(t, "client-1")
	if !w.AvailableBalance.Equal(dec(t, "970.70")) {
		t.Fatalf("expected client wallet 970.70, got %s", w.AvailableBalance)
	}
	if !w.TotalEarned.IsZero() {
		t.Fatalf("refunds must not count as earnings, got %s", w.TotalEarned)
	}
	f.assertBalanced(t, "client-1")

	if _, err := f.svc.RefundEscrow(f.ctx, adminActor, e.ID, "again"); err != nil {
		t.Fatalf("expected repeat refund to be a no-op, got %v", err)
	}
	if n := countKind(f.repo.PaymentsFor(e.ID), domain.PaymentRefund); n != 1 {
		t.Fatalf("expected one refund payment, got %d", n)
	}
	if _, err := f.svc.ReleaseEscrow(f.ctx, clientActor, e.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected release after refund to fail, got %v", err)
	}
	if w := f.wallet(t, "pro-1"); !w.AvailableBalance.IsZero() {
		t.Fatalf("professional must not be credited after refund, got %s", w.AvailableBalance)
	}
}

func TestRaiseDispute_FreezesUntilAdminSettles(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	if _, err := f.svc.RaiseDispute(f.ctx, adminActor, e.ID, "not a party"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected admin dispute to be rejected, got %v", err)
	}
	if _, err := f.svc.RaiseDispute(f.ctx, clientActor, e.ID, " "); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected blank reason to be rejected, got %v", err)
	}
	disputed, err := f.svc.RaiseDispute(f.ctx, clientActor, e.ID, "work not delivered")
	if err != nil {
		t.Fatalf("RaiseDispute returned error: %v", err)
	}
	if disputed.Status != domain.EscrowDisputed || disputed.DisputeRaisedBy != "client-1" {
		t.Fatalf("unexpected disputed escrow: %+v", disputed)
	}

	f.clock.Advance(15 * 24 * time.Hour)
	released, err := f.svc.AutoReleaseEscrow(f.ctx, e.ID)
	if err != nil || released {
		t.Fatalf("expected disputed escrow to be skipped by auto-release, got %v (%v)", released, err)
	}

	if _, err := f.svc.RefundEscrow(f.ctx, adminActor, e.ID, "dispute upheld"); err != nil {
		t.Fatalf("expected admin to refund disputed escrow, got %v", err)
	}
}

func TestCancelEscrow_OnlyPending(t *testing.T) {
	f := newFixture(t)
	f.charges.set("", fmt.Errorf("%w: %w: status 429", paymentgateway.ErrUnavailable, paymentgateway.ErrNotSent))
	in := CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)}
	if _, err := f.svc.CreateEscrow(f.ctx, clientActor, in); !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	e, err := f.svc.FindOpenEscrow(f.ctx, "contract-1", nil)
	if err != nil || e == nil || e.Status != domain.EscrowPending || e.ChargeRequestedAt != nil {
		t.Fatalf("expected a pending escrow that was never charged, got %+v (%v)", e, err)
	}

	if _, err := f.svc.CancelEscrow(f.ctx, professionalActor, e.ID, "no"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected professional cancel to be rejected, got %v", err)
	}
	cancelled, err := f.svc.CancelEscrow(f.ctx, clientActor, e.ID, "went elsewhere")
	if err != nil || cancelled.Status != domain.EscrowCancelled {
		t.Fatalf("expected cancelled escrow, got %+v (%v)", cancelled, err)
	}

	f.charges.set(paymentgateway.StatusSucceeded, nil)
	funded := f.fundedEscrow(t)
	if _, err := f.svc.CancelEscrow(f.ctx, clientActor, funded.ID, "too late"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected funded escrow cancel to fail, got %v", err)
	}
}

func TestCancelEscrow_RefusedWhileChargeInFlight(t *testing.T) {
	f := newFixture(t)
	f.charges.set(paymentgateway.StatusPending, nil)
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}

	for _, actor := range []domain.Actor{clientActor, adminActor} {
		if _, err := f.svc.CancelEscrow(f.ctx, actor, e.ID, "changed plans"); !errors.Is(err, domain.ErrInvalidState) {
			t.Fatalf("expected cancel by %s to be refused while the charge is in flight, got %v", actor.UserID, err)
		}
	}

	event := domain.GatewayEvent{EventID: "evt-charge", Type: "charge.succeeded", Reference: e.ID.String(), ExternalReference: "ch_1"}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); err != nil {
		t.Fatalf("HandleGatewayEvent returned error: %v", err)
	}
	got, err := f.svc.GetEscrow(f.ctx, adminActor, e.ID)
	if err != nil {
		t.Fatalf("GetEscrow returned error: %v", err)
	}
	if got.Status != domain.EscrowFunded || got.ChargeReference != "ch_1" {
		t.Fatalf("expected the charge to fund the escrow, got %s %q", got.Status, got.ChargeReference)
	}
}

func TestFundEscrow_ChargeAfterCancellationIsRefunded(t *testing.T) {
	f := newFixture(t)
	f.charges.set(paymentgateway.StatusPending, nil)
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}
	if _, err := f.svc.CancelEscrow(f.ctx, domain.SystemActor, e.ID, "contract terminated"); err != nil {
		t.Fatalf("CancelEscrow returned error: %v", err)
	}

	event := domain.GatewayEvent{EventID: "evt-late", Type: "charge.succeeded", Reference: e.ID.String(), ExternalReference: "ch_late"}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); err != nil {
		t.Fatalf("HandleGatewayEvent returned error: %v", err)
	}
	event.EventID = "evt-late-replay"
	if err := f.svc.HandleGatewayEvent(f.ctx, event); err != nil {
		t.Fatalf("expected replayed charge to be a no-op, got %v", err)
	}

	got, err := f.svc.GetEscrow(f.ctx, adminActor, e.ID)
	if err != nil {
		t.Fatalf("GetEscrow returned error: %v", err)
	}
	if got.Status != domain.EscrowCancelled || got.FundedAt == nil || got.RefundedAt == nil || got.ChargeReference != "ch_late" {
		t.Fatalf("expected cancelled escrow with a recorded refund, got %+v", got)
	}
	payments := f.repo.PaymentsFor(e.ID)
	if countKind(payments, domain.PaymentProject) != 1 || countKind(payments, domain.PaymentRefund) != 1 {
		t.Fatalf("expected one funding and one refund payment, got %+v", payments)
	}
	if w := f.wallet(t, "client-1"); !w.AvailableBalance.Equal(dec(t, "970.70")) {
		t.Fatalf("expected client refunded 970.70, got %s", w.AvailableBalance)
	}
	f.assertBalanced(t, "client-1")

	keys := f.repo.PublishedRoutingKeys()
	if keys[len(keys)-1] != domain.RoutingEscrowRefunded {
		t.Fatalf("expected escrow.refunded event last, got %v", keys)
	}
}

// slotRaceRepo holds the first two open-escrow lookups until both have run,
// so concurrent creates both see an empty slot.
type slotRaceRepo struct {
	*store.MemoryRepository
	lookups int32
	arrived sync.WaitGroup
}

func (r *slotRaceRepo) FindOpenEscrow(ctx context.Context, contractID string, milestoneID *string) (*domain.Escrow, error) {
	e, err := r.MemoryRepository.FindOpenEscrow(ctx, contractID, milestoneID)
	if atomic.AddInt32(&r.lookups, 1) <= 2 {
		r.arrived.Done()
		r.arrived.Wait()
	}
	return e, err
}

func TestCreateEscrow_ConcurrentCreatesShareOneEscrow(t *testing.T) {
	f := newFixture(t)
	repo := &slotRaceRepo{MemoryRepository: f.repo}
	repo.arrived.Add(2)
	f.svc = NewService(repo, f.svc.currencies, f.charges, f.payouts, f.contracts, Options{Logger: f.svc.logger, Clock: f.clock.Now})

	in := CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)}
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateEscrow(f.ctx, clientActor, in)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, domain.ErrInvalidState):
			t.Fatalf("unexpected CreateEscrow error: %v", err)
		}
	}
	if succeeded == 0 {
		t.Fatalf("expected at least one create to succeed, got %v", errs)
	}

	f.charges.mu.Lock()
	refs := append([]string(nil), f.charges.refs...)
	f.charges.mu.Unlock()
	for _, ref := range refs {
		if ref != refs[0] {
			t.Fatalf("expected every charge to use one escrow reference, got %v", refs)
		}
	}
	open, err := f.svc.FindOpenEscrow(f.ctx, "contract-1", nil)
	if err != nil || open == nil || open.ID.String() != refs[0] || open.Status != domain.EscrowFunded {
		t.Fatalf("expected the charged escrow to be the only open one, got %+v (%v)", open, err)
	}
	if n := countKind(f.repo.PaymentsFor(open.ID), domain.PaymentProject); n != 1 {
		t.Fatalf("expected one funding payment, got %d", n)
	}
}

func TestRefundToClient_SkipsNonPositiveRefund(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)
	e.ProcessingFeeAmount = e.Amount

	err := f.repo.WithinTx(f.ctx, func(tx store.Tx) error {
		refund, err := f.svc.refundToClient(f.ctx, tx, e, f.clock.Now())
		if err != nil {
			return err
		}
		if !refund.IsZero() {
			t.Errorf("expected zero refund, got %s", refund)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("refundToClient returned error: %v", err)
	}
	if n := countKind(f.repo.PaymentsFor(e.ID), domain.PaymentRefund); n != 0 {
		t.Fatalf("expected no refund payment, got %d", n)
	}
	if _, err := f.repo.FindWalletByUserID(f.ctx, "client-1"); !errors.Is(err, domain.ErrWalletNotFound) {
		t.Fatalf("expected no client wallet to be touched, got %v", err)
	}
}

func TestGetEscrow_PartiesOnly(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)

	if _, err := f.svc.GetEscrow(f.ctx, domain.Actor{UserID: "stranger"}, e.ID); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected stranger to be rejected, got %v", err)
	}
	for _, actor := range []domain.Actor{clientActor, professionalActor, adminActor} {
		if _, err := f.svc.GetEscrow(f.ctx, actor, e.ID); err != nil {
			t.Fatalf("expected %s to view escrow, got %v", actor.UserID, err)
		}
	}
}

func TestUpdateFeePolicy_DoesNotChangeExistingEscrows(t *testing.T) {
	f := newFixture(t)
	f.charges.set(paymentgateway.StatusPending, nil)
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}

	next := testPolicy()
	next.Rates.PlatformFeeRate = decimal.RequireFromString("0.20")
	if _, err := f.svc.UpdateFeePolicy(f.ctx, clientActor, next); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected non-admin policy change to be rejected, got %v", err)
	}
	created, err := f.svc.UpdateFeePolicy(f.ctx, adminActor, next)
	if err != nil {
		t.Fatalf("UpdateFeePolicy returned error: %v", err)
	}
	if created.Version != 2 {
		t.Fatalf("expected version 2, got %d", created.Version)
	}

	funded, changed, err := f.svc.FundEscrow(f.ctx, e.ID, "ch_late")
	if err != nil || !changed {
		t.Fatalf("FundEscrow returned %v, %v", changed, err)
	}
	if !funded.PlatformFeeAmount.Equal(dec(t, "100")) {
		t.Fatalf("expected snapshot rate to apply, got platform fee %s", funded.PlatformFeeAmount)
	}
}

func TestContractPayments_Summary(t *testing.T) {
	f := newFixture(t)
	e := f.fundedEscrow(t)
	if _, err := f.svc.ReleaseEscrow(f.ctx, clientActor, e.ID); err != nil {
		t.Fatalf("ReleaseEscrow returned error: %v", err)
	}

	summary, err := f.svc.ContractPayments(f.ctx, professionalActor, "contract-1")
	if err != nil {
		t.Fatalf("ContractPayments returned error: %v", err)
	}
	if !summary.Funded.Equal(dec(t, "1000")) || !summary.Released.Equal(dec(t, "870.70")) {
		t.Fatalf("unexpected totals: %+v", summary)
	}
	if summary.Remaining == nil || !summary.Remaining.Equal(dec(t, "500")) {
		t.Fatalf("expected 500 remaining, got %v", summary.Remaining)
	}

	if _, err := f.svc.ContractPayments(f.ctx, domain.Actor{UserID: "stranger"}, "contract-1"); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected stranger to be rejected, got %v", err)
	}
	if _, err := f.svc.ContractPayments(f.ctx, adminActor, "deleted-contract"); err != nil {
		t.Fatalf("expected admin to list payments of unknown contract, got %v", err)
	}
}

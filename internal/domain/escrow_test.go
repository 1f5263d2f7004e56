package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testPolicy() FeePolicy {
	return FeePolicy{
		Version:           3,
		Rates:             standardRates(),
		MinimumPayment:    dec("5"),
		MinimumWithdrawal: dec("10"),
		AutoReleaseDays:   14,
		MaxDisputeDays:    30,
	}
}

func usd() Currency {
	return Currency{Code: "USD", ExchangeRateToBase: decimal.NewFromInt(1), MinorUnits: 2, Active: true}
}

func newFundedEscrow(t *testing.T, now time.Time) *Escrow {
	t.Helper()
	e, err := NewEscrow(NewEscrowParams{
		ClientID:       "client-1",
		ProfessionalID: "pro-1",
		ContractID:     "contract-1",
		Amount:         dec("1000"),
		Currency:       usd(),
		MinimumPayment: dec("5"),
	}, testPolicy(), now)
	if err != nil {
		t.Fatalf("NewEscrow returned error: %v", err)
	}
	changed, err := e.Fund("ch_1", now)
	if err != nil || !changed {
		t.Fatalf("Fund returned changed=%v err=%v", changed, err)
	}
	return e
}

func TestEscrowFund_ComputesFeesAndAutoReleaseDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := newFundedEscrow(t, now)

	if e.Status != EscrowFunded {
		t.Fatalf("expected funded, got %s", e.Status)
	}
	if !e.NetAmount.Equal(dec("870.70")) || !e.ProcessingFeeAmount.Equal(dec("29.30")) || !e.PlatformFeeAmount.Equal(dec("100")) {
		t.Fatalf("unexpected fee split: %+v", e.Breakdown())
	}
	if e.AutoReleaseAt == nil || !e.AutoReleaseAt.Equal(now.Add(14*24*time.Hour)) {
		t.Fatalf("unexpected auto release time: %v", e.AutoReleaseAt)
	}
	if e.Fees.PolicyVersion != 3 {
		t.Fatalf("expected policy snapshot version 3, got %d", e.Fees.PolicyVersion)
	}

	changed, err := e.Fund("ch_1", now.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("expected replayed funding to be a no-op, got changed=%v err=%v", changed, err)
	}
}

func TestNewEscrow_RejectsBadInput(t *testing.T) {
	now := time.Now().UTC()
	base := NewEscrowParams{ClientID: "c", ProfessionalID: "p", ContractID: "k", Amount: dec("100"), Currency: usd(), MinimumPayment: dec("5")}

	below := base
	below.Amount = dec("4")
	if _, err := NewEscrow(below, testPolicy(), now); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount below minimum, got %v", err)
	}

	same := base
	same.ProfessionalID = "c"
	if _, err := NewEscrow(same, testPolicy(), now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for self-dealing escrow, got %v", err)
	}
}

func TestEscrowRelease_IdempotentAndAuthorized(t *testing.T) {
	now := time.Now().UTC()
	e := newFundedEscrow(t, now)

	if _, err := e.Release(Actor{UserID: "pro-1"}, now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected professional release to be rejected, got %v", err)
	}

	changed, err := e.Release(Actor{UserID: "client-1"}, now)
	if err != nil || !changed {
		t.Fatalf("first release: changed=%v err=%v", changed, err)
	}
	releasedAt := *e.ReleasedAt

	changed, err = e.Release(Actor{UserID: "client-1"}, now.Add(time.Hour))
	if err != nil || changed {
		t.Fatalf("second release should be a no-op, got changed=%v err=%v", changed, err)
	}
	if !e.ReleasedAt.Equal(releasedAt) {
		t.Fatalf("second release must not move releasedAt")
	}

	if _, err := e.Refund(Actor{IsAdmin: true}, "late", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected refund after release to fail with ErrInvalidState, got %v", err)
	}
}

func TestEscrowRefund_ReturnsAmountMinusProcessingFee(t *testing.T) {
	now := time.Now().UTC()
	e := newFundedEscrow(t, now)

	if _, err := e.Refund(Actor{UserID: "client-1"}, "changed mind", now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected client self-refund to be rejected, got %v", err)
	}
	changed, err := e.Refund(Actor{UserID: "pro-1"}, "cannot attend", now)
	if err != nil || !changed {
		t.Fatalf("refund: changed=%v err=%v", changed, err)
	}
	if !e.RefundAmount().Equal(dec("970.70")) {
		t.Fatalf("expected refund amount 970.70, got %s", e.RefundAmount())
	}
	if _, err := e.Release(Actor{UserID: "client-1"}, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected release after refund to fail, got %v", err)
	}
}

func TestEscrowDispute_FreezesAutoRelease(t *testing.T) {
	now := time.Now().UTC()
	e := newFundedEscrow(t, now)

	if err := e.RaiseDispute(Actor{UserID: "stranger"}, "x", now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected stranger dispute to be rejected, got %v", err)
	}
	if err := e.RaiseDispute(Actor{UserID: "client-1"}, "  ", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected empty reason to be rejected, got %v", err)
	}
	if err := e.RaiseDispute(Actor{UserID: "client-1"}, "work incomplete", now); err != nil {
		t.Fatalf("RaiseDispute returned error: %v", err)
	}

	later := now.Add(15 * 24 * time.Hour)
	if e.IsDueForAutoRelease(later) {
		t.Fatalf("disputed escrow must not be due for auto release")
	}
	if _, err := e.AutoRelease(later); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected auto release of disputed escrow to fail, got %v", err)
	}

	changed, err := e.Release(Actor{IsAdmin: true}, later)
	if err != nil || !changed {
		t.Fatalf("admin should settle dispute by release: changed=%v err=%v", changed, err)
	}
}

func TestEscrowDispute_WindowCloses(t *testing.T) {
	now := time.Now().UTC()
	e := newFundedEscrow(t, now)
	if err := e.RaiseDispute(Actor{UserID: "pro-1"}, "unpaid", now.Add(31*24*time.Hour)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected dispute after window to fail, got %v", err)
	}
}

func TestEscrowAutoRelease_EndsExpired(t *testing.T) {
	now := time.Now().UTC()
	e := newFundedEscrow(t, now)

	if _, err := e.AutoRelease(now.Add(time.Hour)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected early auto release to fail, got %v", err)
	}
	changed, err := e.AutoRelease(now.Add(14 * 24 * time.Hour))
	if err != nil || !changed {
		t.Fatalf("auto release: changed=%v err=%v", changed, err)
	}
	if e.Status != EscrowExpired || e.ReleasedAt == nil {
		t.Fatalf("expected expired with releasedAt, got %s", e.Status)
	}
	changed, err = e.Release(Actor{UserID: "client-1"}, now)
	if err != nil || changed {
		t.Fatalf("manual release after auto release should be a no-op, got changed=%v err=%v", changed, err)
	}
}

func TestEscrowCancel_OnlyWhilePending(t *testing.T) {
	now := time.Now().UTC()
	e, err := NewEscrow(NewEscrowParams{ClientID: "c", ProfessionalID: "p", ContractID: "k", Amount: dec("100"), Currency: usd()}, testPolicy(), now)
	if err != nil {
		t.Fatalf("NewEscrow returned error: %v", err)
	}
	if _, err := e.Cancel(Actor{UserID: "p"}, "nope", now); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected professional cancel to be rejected, got %v", err)
	}
	if changed, err := e.Cancel(Actor{UserID: "c"}, "changed plans", now); err != nil || !changed {
		t.Fatalf("cancel: changed=%v err=%v", changed, err)
	}
	if _, err := e.Fund("ch_late", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected funding a cancelled escrow to fail, got %v", err)
	}

	funded := newFundedEscrow(t, now)
	if _, err := funded.Cancel(Actor{UserID: "client-1"}, "", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected cancel of funded escrow to fail, got %v", err)
	}
}

func TestEscrowCancel_ChargeInFlight(t *testing.T) {
	now := time.Now().UTC()
	e, err := NewEscrow(NewEscrowParams{ClientID: "c", ProfessionalID: "p", ContractID: "k", Amount: dec("100"), Currency: usd()}, testPolicy(), now)
	if err != nil {
		t.Fatalf("NewEscrow returned error: %v", err)
	}
	previous, err := e.MarkChargeRequested(now)
	if err != nil || previous != nil {
		t.Fatalf("MarkChargeRequested returned previous=%v err=%v", previous, err)
	}
	if _, err := e.Cancel(Actor{UserID: "c"}, "changed plans", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected client cancel during a charge to fail, got %v", err)
	}
	if _, err := e.Cancel(Actor{UserID: "admin", IsAdmin: true}, "changed plans", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected admin cancel during a charge to fail, got %v", err)
	}

	e.UndoChargeRequest(previous, now)
	if e.ChargeRequestedAt != nil {
		t.Fatalf("expected marker to be cleared, got %v", e.ChargeRequestedAt)
	}
	if _, err := e.MarkChargeRequested(now); err != nil {
		t.Fatalf("MarkChargeRequested returned error: %v", err)
	}
	if changed, err := e.Cancel(SystemActor, "charge failed", now); err != nil || !changed {
		t.Fatalf("system cancel: changed=%v err=%v", changed, err)
	}
	if _, err := e.MarkChargeRequested(now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected charge marker on cancelled escrow to fail, got %v", err)
	}
}

func TestEscrowSettleLateCharge(t *testing.T) {
	now := time.Now().UTC()
	e, err := NewEscrow(NewEscrowParams{ClientID: "c", ProfessionalID: "p", ContractID: "k", Amount: dec("1000"), Currency: usd(), MinimumPayment: dec("5")}, testPolicy(), now)
	if err != nil {
		t.Fatalf("NewEscrow returned error: %v", err)
	}
	if _, err := e.SettleLateCharge("ch_late", now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected pending escrow to be rejected, got %v", err)
	}
	if _, err := e.Cancel(SystemActor, "timeout", now); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	changed, err := e.SettleLateCharge("ch_late", now)
	if err != nil || !changed {
		t.Fatalf("SettleLateCharge: changed=%v err=%v", changed, err)
	}
	if e.Status != EscrowCancelled || e.FundedAt == nil || e.ChargeReference != "ch_late" {
		t.Fatalf("unexpected escrow after late charge: %+v", e)
	}
	if !e.PlatformFeeAmount.IsZero() || !e.ProcessingFeeAmount.Equal(dec("29.30")) {
		t.Fatalf("expected only the processing fee to be kept, got platform=%s processing=%s", e.PlatformFeeAmount, e.ProcessingFeeAmount)
	}
	if !e.RefundAmount().Equal(dec("970.70")) {
		t.Fatalf("expected refund 970.70, got %s", e.RefundAmount())
	}

	changed, err = e.SettleLateCharge("ch_late", now)
	if err != nil || changed {
		t.Fatalf("replay should be a no-op, got changed=%v err=%v", changed, err)
	}
	if changed, err := e.Fund("ch_late", now); err != nil || changed {
		t.Fatalf("funding a settled cancelled escrow should be a no-op, got changed=%v err=%v", changed, err)
	}
}

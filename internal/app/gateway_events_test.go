package app

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

func pendingEscrow(t *testing.T, f *fixture) *domain.Escrow {
	t.Helper()
	f.charges.set(paymentgateway.StatusPending, nil)
	e, err := f.svc.CreateEscrow(f.ctx, clientActor, CreateEscrowInput{ContractID: "contract-1", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("CreateEscrow returned error: %v", err)
	}
	if e.Status != domain.EscrowPending {
		t.Fatalf("expected pending escrow, got %s", e.Status)
	}
	return e
}

func TestHandleGatewayEvent_DuplicateChargeDoesNotDoubleFund(t *testing.T) {
	f := newFixture(t)
	e := pendingEscrow(t, f)

	event := domain.GatewayEvent{EventID: "evt-charge-1", Type: "charge.succeeded", Reference: e.ID.String(), ExternalReference: "ch_123"}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); err != nil {
		t.Fatalf("HandleGatewayEvent returned error: %v", err)
	}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); !errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	funded, err := f.svc.GetEscrow(f.ctx, clientActor, e.ID)
	if err != nil {
		t.Fatalf("GetEscrow returned error: %v", err)
	}
	if funded.Status != domain.EscrowFunded || funded.ChargeReference != "ch_123" {
		t.Fatalf("unexpected escrow after charge event: %+v", funded)
	}
	if payments := f.repo.PaymentsFor(e.ID); len(payments) != 1 {
		t.Fatalf("expected one funding payment, got %d", len(payments))
	}

	late := domain.GatewayEvent{EventID: "evt-charge-2", Type: "charge.failed", Reference: e.ID.String()}
	if err := f.svc.HandleGatewayEvent(f.ctx, late); err != nil {
		t.Fatalf("expected stale failure to be ignored, got %v", err)
	}
	funded, err = f.svc.GetEscrow(f.ctx, clientActor, e.ID)
	if err != nil || funded.Status != domain.EscrowFunded {
		t.Fatalf("expected escrow to stay funded, got %+v (%v)", funded, err)
	}
}

func TestHandleGatewayEvent_ChargeFailedCancelsPendingEscrow(t *testing.T) {
	f := newFixture(t)
	e := pendingEscrow(t, f)

	event := domain.GatewayEvent{EventID: "evt-decline", Type: "charge_declined", Reference: e.ID.String(), Reason: "insufficient funds"}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); err != nil {
		t.Fatalf("HandleGatewayEvent returned error: %v", err)
	}
	got, err := f.svc.GetEscrow(f.ctx, adminActor, e.ID)
	if err != nil {
		t.Fatalf("GetEscrow returned error: %v", err)
	}
	if got.Status != domain.EscrowCancelled || got.CancelReason != "charge failed: insufficient funds" {
		t.Fatalf("unexpected escrow: %+v", got)
	}
}

func TestHandleGatewayEvent_RejectsMalformedEvents(t *testing.T) {
	tests := []struct {
		name  string
		event domain.GatewayEvent
		want  error
	}{
		{
			name:  "missing event id",
			event: domain.GatewayEvent{Type: "charge.succeeded", Reference: uuid.NewString()},
			want:  domain.ErrInvalidRequest,
		},
		{
			name:  "unknown type",
			event: domain.GatewayEvent{EventID: "evt", Type: "refund.created", Reference: uuid.NewString()},
			want:  domain.ErrInvalidRequest,
		},
		{
			name:  "reference is not a uuid",
			event: domain.GatewayEvent{EventID: "evt", Type: "charge.succeeded", Reference: "abc"},
			want:  domain.ErrInvalidRequest,
		},
		{
			name:  "unknown escrow",
			event: domain.GatewayEvent{EventID: "evt", Type: "charge.succeeded", Reference: uuid.NewString()},
			want:  domain.ErrEscrowNotFound,
		},
		{
			name:  "unknown withdrawal",
			event: domain.GatewayEvent{EventID: "evt", Type: "payout.failed", Reference: uuid.NewString()},
			want:  domain.ErrWithdrawalNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.svc.HandleGatewayEvent(f.ctx, tt.event); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestHandleGatewayEvent_UnknownReferenceIsNotRecorded(t *testing.T) {
	f := newFixture(t)
	event := domain.GatewayEvent{EventID: "evt-early", Type: "charge.succeeded", Reference: uuid.NewString()}
	if err := f.svc.HandleGatewayEvent(f.ctx, event); !errors.Is(err, domain.ErrEscrowNotFound) {
		t.Fatalf("expected ErrEscrowNotFound, got %v", err)
	}
	// A redelivery must be evaluated again, not treated as a duplicate.
	if err := f.svc.HandleGatewayEvent(f.ctx, event); errors.Is(err, domain.ErrDuplicateEvent) {
		t.Fatalf("expected failed event to be rolled back, got %v", err)
	}
}

func TestGatewayEventConsumer_HandleMessage(t *testing.T) {
	f := newFixture(t)
	e := pendingEscrow(t, f)
	consumer := NewGatewayEventConsumer(f.svc, nil)

	body, err := json.Marshal(domain.GatewayEvent{EventID: "evt-q-1", Type: "charge.succeeded", Reference: e.ID.String()})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	tests := []struct {
		name string
		body []byte
		want bool
	}{
		{name: "applies event", body: body, want: true},
		{name: "acks duplicate", body: body, want: true},
		{name: "drops malformed json", body: []byte("{"), want: true},
		{name: "drops invalid event", body: []byte(`{"event_id":"x","type":"nope","reference":"abc"}`), want: true},
		{name: "drops unknown reference", body: []byte(`{"event_id":"y","type":"payout.succeeded","reference":"` + uuid.NewString() + `"}`), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := consumer.HandleMessage(tt.body); got != tt.want {
				t.Fatalf("expected ack=%v, got %v", tt.want, got)
			}
		})
	}

	got, err := f.svc.GetEscrow(f.ctx, clientActor, e.ID)
	if err != nil || got.Status != domain.EscrowFunded {
		t.Fatalf("expected queue event to fund escrow, got %+v (%v)", got, err)
	}
	if handlers := consumer.Handlers(); len(handlers) != 2 || handlers[ChargeStatusBinding] == nil || handlers[PayoutStatusBinding] == nil {
		t.Fatalf("unexpected handlers: %v", handlers)
	}
}

package paymentgateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCreateCharge_SendsIdempotencyKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/charges" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "escrow-1" {
			t.Fatalf("expected idempotency key escrow-1, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body ChargeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		if !body.Amount.Equal(decimal.NewFromInt(1000)) || body.Currency != "USD" {
			t.Fatalf("unexpected charge body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Result{ID: "ch_1", Status: StatusSucceeded})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sk_test")
	result, err := client.CreateCharge(context.Background(), ChargeRequest{
		Reference:  "escrow-1",
		Amount:     decimal.NewFromInt(1000),
		Currency:   "USD",
		CustomerID: "client-1",
	})
	if err != nil {
		t.Fatalf("CreateCharge returned error: %v", err)
	}
	if !result.Succeeded() || result.ID != "ch_1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCreatePayout_MapsStatusCodes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    error
		notSent bool
	}{
		{name: "server error", status: http.StatusBadGateway, want: ErrUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, want: ErrUnavailable, notSent: true},
		{name: "rejected", status: http.StatusUnprocessableEntity, want: ErrRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").CreatePayout(context.Background(), PayoutRequest{Reference: "wd-1", Amount: decimal.NewFromInt(5)})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if errors.Is(err, ErrNotSent) != tc.notSent {
				t.Fatalf("expected ErrNotSent=%v, got %v", tc.notSent, err)
			}
		})
	}
}

func TestCreatePayout_DefaultsMissingStatusToPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"po_1"}`))
	}))
	defer server.Close()

	result, err := NewClient(server.URL, "").CreatePayout(context.Background(), PayoutRequest{Reference: "wd-1", Amount: decimal.NewFromInt(5)})
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}
	if result.Status != StatusPending || result.Succeeded() || result.Failed() {
		t.Fatalf("expected pending result, got %+v", result)
	}
}

func TestUnconfiguredClientIsUnavailable(t *testing.T) {
	_, err := NewClient("", "").CreateCharge(context.Background(), ChargeRequest{Reference: "e"})
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, ErrNotSent) {
		t.Fatalf("expected ErrUnavailable and ErrNotSent, got %v", err)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sig := Sign("whsec", body)

	if !VerifySignature("whsec", body, sig) {
		t.Fatal("expected hex signature to verify")
	}
	if !VerifySignature("whsec", body, "sha256="+sig) {
		t.Fatal("expected prefixed signature to verify")
	}
	if VerifySignature("other", body, sig) {
		t.Fatal("expected wrong secret to fail")
	}
	if VerifySignature("whsec", []byte(`{"event_id":"evt_2"}`), sig) {
		t.Fatal("expected tampered body to fail")
	}
	if VerifySignature("", body, sig) {
		t.Fatal("expected empty secret to fail closed")
	}
}

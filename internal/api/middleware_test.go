package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/pkg/paymentgateway"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: too small", domain.ErrInvalidAmount), http.StatusUnprocessableEntity, CodeInvalidAmount},
		{domain.ErrCurrencyNotFound, http.StatusUnprocessableEntity, CodeUnsupportedCurrency},
		{domain.ErrInsufficientFunds, http.StatusPaymentRequired, CodeInsufficientFunds},
		{domain.ErrGatewayRejected, http.StatusPaymentRequired, CodePaymentDeclined},
		{domain.ErrWalletDisabled, http.StatusConflict, CodeWalletDisabled},
		{domain.ErrInvalidState, http.StatusConflict, CodeInvalidState},
		{domain.ErrNotAuthorized, http.StatusForbidden, CodeNotAuthorized},
		{domain.ErrWithdrawalNotFound, http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("clearance 1 not found: %w", domain.ErrClearanceNotFound), http.StatusNotFound, CodeNotFound},
		{&app.RateLimitError{RetryAfter: time.Minute}, http.StatusTooManyRequests, CodeRateLimited},
		{domain.ErrGatewayUnavailable, http.StatusServiceUnavailable, CodeGatewayUnavailable},
		{errors.New("connection reset"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := classify(tt.err)
			if status != tt.status || code != tt.code {
				t.Fatalf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
			}
		})
	}
}

func TestWriteServiceError_HidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	writeServiceError(rec, discardLogger(), "test", errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Message != "internal server error" {
		t.Fatalf("expected generic message, got %q", body.Error.Message)
	}

	rec = httptest.NewRecorder()
	writeServiceError(rec, discardLogger(), "test", &app.RateLimitError{RetryAfter: 90 * time.Second})
	if rec.Header().Get("Retry-After") != "90" {
		t.Fatalf("expected Retry-After 90, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestAuthMiddleware_Claims(t *testing.T) {
	s := newTestServer(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "admin-1", "role": "admin"})
	forged.Header["kid"] = testKid
	forgedToken, err := forged.SignedString(other)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "admin-1"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "role claim", token: s.token("admin-1", jwt.MapClaims{"role": "admin"}), status: http.StatusOK},
		{name: "metadata role", token: s.token("admin-1", jwt.MapClaims{"metadata": map[string]interface{}{"role": "Admin"}}), status: http.StatusOK},
		{name: "no role", token: s.token("user-1", nil), status: http.StatusForbidden},
		{name: "empty subject", token: s.token("", jwt.MapClaims{"role": "admin"}), status: http.StatusUnauthorized},
		{name: "wrong key", token: forgedToken, status: http.StatusUnauthorized},
		{name: "hmac algorithm", token: hmacToken, status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(http.MethodGet, "/admin/fee-policy", tt.token, "", nil)
			if resp.status != tt.status {
				t.Fatalf("expected %d, got %d %s", tt.status, resp.status, resp.body)
			}
		})
	}
}

func TestJWKSCache(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": "k1",
				"kty": "RSA",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	defer server.Close()

	cache := NewJWKSCache(server.URL)
	ctx := context.Background()

	got, err := cache.PublicKey(ctx, "k1")
	if err != nil {
		t.Fatalf("PublicKey returned error: %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 || got.E != key.PublicKey.E {
		t.Fatalf("unexpected key")
	}
	if _, err := cache.PublicKey(ctx, "k1"); err != nil {
		t.Fatalf("PublicKey returned error: %v", err)
	}
	if _, err := cache.PublicKey(ctx, "unknown"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
	if _, err := cache.PublicKey(ctx, "unknown"); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected one fetch within the backoff window, got %d", n)
	}

	if _, err := NewJWKSCache("").PublicKey(ctx, "k1"); err == nil {
		t.Fatalf("expected error without a url")
	}
}

func TestWebhookHandler(t *testing.T) {
	s := newTestServer(t)
	s.gateway.chargeStatus = paymentgateway.StatusPending
	escrow := s.createEscrowAccepted(s.token("client-1", nil))

	payload, err := json.Marshal(domain.GatewayEvent{
		EventID:           "evt_1",
		Type:              "charge.succeeded",
		Reference:         escrow.ID.String(),
		ExternalReference: "ch_1",
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	send := func(signature string) response {
		return s.do(http.MethodPost, "/webhooks/payment-gateway", "", string(payload), map[string]string{paymentgateway.SignatureHeader: signature})
	}

	if resp := send("v1=deadbeef"); resp.status != http.StatusUnauthorized || resp.errorCode(t) != CodeInvalidSignature {
		t.Fatalf("expected 401 INVALID_SIGNATURE, got %d %s", resp.status, resp.body)
	}

	signature := paymentgateway.Sign(testWebhookKey, payload)
	resp := send(signature)
	if resp.status != http.StatusOK || string(resp.body) != `{"status":"processed"}` {
		t.Fatalf("expected processed, got %d %s", resp.status, resp.body)
	}
	resp = send(signature)
	if resp.status != http.StatusOK || string(resp.body) != `{"status":"duplicate"}` {
		t.Fatalf("expected duplicate, got %d %s", resp.status, resp.body)
	}

	funded, err := s.repo.FindEscrowByID(context.Background(), escrow.ID)
	if err != nil {
		t.Fatalf("FindEscrowByID returned error: %v", err)
	}
	if funded.Status != domain.EscrowFunded || funded.ChargeReference != "ch_1" {
		t.Fatalf("expected funded escrow, got %s %q", funded.Status, funded.ChargeReference)
	}
}

func (s *testServer) createEscrowAccepted(clientToken string) escrowResponse {
	s.t.Helper()
	resp := s.do(http.MethodPost, "/escrow/", clientToken, `{"contract_id":"contract-1","amount":"1000"}`, nil)
	if resp.status != http.StatusAccepted {
		s.t.Fatalf("expected 202, got %d: %s", resp.status, resp.body)
	}
	var escrow escrowResponse
	resp.decode(s.t, &escrow)
	return escrow
}

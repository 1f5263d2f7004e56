/**
 * @description
 * Client for the external payment gateway. Charges pull money from a client's
 * payment method into escrow; payouts push withdrawn funds to a
 * professional's payout method. Both calls carry an Idempotency-Key so a
 * retried request never moves money twice.
 *
 * @dependencies
 * - github.com/shopspring/decimal: amounts are sent as decimal strings.
 */

package paymentgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable covers transport errors, timeouts, 429 and 5xx. The
	// caller may retry with the same idempotency key.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is a definitive 4xx refusal.
	ErrRejected = errors.New("payment gateway rejected request")
	// ErrNotSent marks unavailable errors where the gateway cannot have acted
	// on the request: it was never sent, or the gateway throttled it. Every
	// other ErrUnavailable may hide an accepted request.
	ErrNotSent = errors.New("payment request was not sent")
)

// Status values reported by the gateway for charges and payouts.
const (
	StatusSucceeded = "succeeded"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// ChargeRequest asks the gateway to charge a client for an escrow.
type ChargeRequest struct {
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CustomerID  string          `json:"customer_id"`
	Description string          `json:"description,omitempty"`
}

// PayoutRequest asks the gateway to pay a withdrawal out.
type PayoutRequest struct {
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	UserID        string          `json:"user_id"`
	DestinationID string          `json:"destination_id"`
}

// Result is the gateway's acknowledgement for a charge or payout.
type Result struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Succeeded reports whether the gateway settled the request synchronously.
func (r *Result) Succeeded() bool {
	return r != nil && strings.EqualFold(r.Status, StatusSucceeded)
}

// Failed reports whether the gateway refused the request synchronously.
func (r *Result) Failed() bool {
	return r != nil && strings.EqualFold(r.Status, StatusFailed)
}

// Client talks to the gateway's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// CreateCharge charges the client. The escrow id is used as idempotency key.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Result, error) {
	return c.post(ctx, "/v1/charges", req.Reference, req)
}

// CreatePayout pays a withdrawal out. The withdrawal id is used as
// idempotency key.
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*Result, error) {
	return c.post(ctx, "/v1/payouts", req.Reference, req)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload interface{}) (*Result, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: %w: base url is not configured", ErrUnavailable, ErrNotSent)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w: failed to marshal payload: %v", ErrUnavailable, ErrNotSent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w: failed to create request: %v", ErrUnavailable, ErrNotSent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %w: status %d", ErrUnavailable, ErrNotSent, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to parse response: %v", ErrUnavailable, err)
	}
	if result.Status == "" {
		result.Status = StatusPending
	}
	return &result, nil
}

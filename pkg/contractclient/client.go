/**
 * @description
 * Client for the contract service. The escrow service asks it who the parties
 * of a contract are and how much a milestone is worth before accepting money.
 */

package contractclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound    = errors.New("contract not found")
	ErrUnavailable = errors.New("contract service unavailable")
)

// Contract is the contract service's view of an engagement.
type Contract struct {
	ID             string           `json:"id"`
	ClientID       string           `json:"client_id"`
	ProfessionalID string           `json:"professional_id"`
	Currency       string           `json:"currency"`
	TotalAmount    *decimal.Decimal `json:"total_amount,omitempty"`
	Status         string           `json:"status"`
	Milestones     []Milestone      `json:"milestones"`
}

type Milestone struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Amount decimal.Decimal `json:"amount"`
	Status string          `json:"status"`
}

// Client is a client for the contract service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new contract service client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetContract fetches a contract with its milestones.
func (c *Client) GetContract(ctx context.Context, contractID string) (*Contract, error) {
	if strings.TrimSpace(contractID) == "" {
		return nil, fmt.Errorf("contract ID is required")
	}
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: base url is not configured", ErrUnavailable)
	}

	endpoint := fmt.Sprintf("%s/internal/contracts/%s", c.baseURL, url.PathEscape(contractID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("contract service returned status %d", resp.StatusCode)
	}

	var contract Contract
	if err := json.NewDecoder(resp.Body).Decode(&contract); err != nil {
		return nil, fmt.Errorf("failed to parse contract response: %w", err)
	}
	return &contract, nil
}

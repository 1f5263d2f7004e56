/**
 * @description
 * Operator script for the escrow service's internal endpoints. It prints the
 * payment summary of a contract, or runs one of the background jobs on demand
 * after asking for confirmation.
 *
 * Usage:
 *   go run ./cmd/escrowctl payments <contract-id>
 *   go run ./cmd/escrowctl run <auto-release|payout-dispatch|clearance>
 *
 * @dependencies
 * - github.com/joho/godotenv: loads .env files during local development.
 * - Environment variables: ESCROW_SERVICE_URL, INTERNAL_API_KEY
 */

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var jobs = map[string]bool{
	"auto-release":    true,
	"payout-dispatch": true,
	"clearance":       true,
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type paymentSummary struct {
	ContractID string           `json:"contract_id"`
	Currency   string           `json:"currency"`
	Funded     decimal.Decimal  `json:"funded"`
	Released   decimal.Decimal  `json:"released"`
	Refunded   decimal.Decimal  `json:"refunded"`
	Total      *decimal.Decimal `json:"total"`
	Remaining  *decimal.Decimal `json:"remaining"`
	Payments   []struct {
		ID     string          `json:"id"`
		Kind   string          `json:"kind"`
		Amount decimal.Decimal `json:"amount"`
		Status string          `json:"status"`
	} `json:"payments"`
}

type jobResult struct {
	Evaluated int `json:"evaluated"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  escrowctl payments <contract-id>")
	fmt.Println("  escrowctl run <auto-release|payout-dispatch|clearance>")
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}

	_ = godotenv.Load("../.env", ".env")

	apiKey := strings.TrimSpace(os.Getenv("INTERNAL_API_KEY"))
	if apiKey == "" {
		log.Fatal("INTERNAL_API_KEY environment variable is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("ESCROW_SERVICE_URL")), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
		fmt.Println("Using default service URL:", baseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "payments":
		var summary paymentSummary
		path := "/internal/contracts/" + url.PathEscape(os.Args[2]) + "/payments"
		if err := call(ctx, http.MethodGet, baseURL+path, apiKey, &summary); err != nil {
			log.Fatalf("Failed to fetch payments: %v", err)
		}
		printSummary(summary)

	case "run":
		job := os.Args[2]
		if !jobs[job] {
			usage()
		}
		fmt.Printf("Run the %s job now against %s? (yes/no): ", job, baseURL)
		var confirmation string
		fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Cancelled.")
			os.Exit(0)
		}

		var result jobResult
		if err := call(ctx, http.MethodPost, baseURL+"/internal/jobs/"+job+"/run", apiKey, &result); err != nil {
			log.Fatalf("Job run failed: %v", err)
		}
		fmt.Printf("%s finished: evaluated=%d processed=%d skipped=%d failed=%d\n",
			job, result.Evaluated, result.Processed, result.Skipped, result.Failed)

	default:
		usage()
	}
}

func printSummary(s paymentSummary) {
	fmt.Printf("Contract %s (%s)\n", s.ContractID, s.Currency)
	fmt.Printf("  Funded:   %s\n", s.Funded.StringFixed(2))
	fmt.Printf("  Released: %s\n", s.Released.StringFixed(2))
	fmt.Printf("  Refunded: %s\n", s.Refunded.StringFixed(2))
	if s.Total != nil && s.Remaining != nil {
		fmt.Printf("  Total:    %s (remaining %s)\n", s.Total.StringFixed(2), s.Remaining.StringFixed(2))
	}
	for _, p := range s.Payments {
		fmt.Printf("  - %s %-14s %12s %s\n", p.ID, p.Kind, p.Amount.StringFixed(2), p.Status)
	}
}

func call(ctx context.Context, method, target, apiKey string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-API-Key", apiKey)

	client := &http.Client{Timeout: 90 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("escrow service returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the escrowd API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	PartyAddress string // Acting party's address, e.g. "0x..."
	AdminSecret  string // Optional, unlocks admin deposits
}

// EscrowClient is a pure HTTP client for the escrowd API.
type EscrowClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewEscrowClient creates a new client for the escrowd API.
func NewEscrowClient(cfg Config) *EscrowClient {
	return &EscrowClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *EscrowClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Party-Address", c.cfg.PartyAddress)
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// CreateEscrow opens a new escrow contract with the caller as buyer.
func (c *EscrowClient) CreateEscrow(ctx context.Context, seller, arbiter string) (json.RawMessage, error) {
	body := map[string]string{
		"seller":  seller,
		"arbiter": arbiter,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// Deposit funds an escrow contract from the buyer's ledger balance.
func (c *EscrowClient) Deposit(ctx context.Context, escrowID, amount string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/deposit", nil,
		map[string]string{"amount": amount})
}

// CreateMilestone adds a payment milestone to a funded escrow.
func (c *EscrowClient) CreateMilestone(ctx context.Context, escrowID, description, payment string) (json.RawMessage, error) {
	body := map[string]string{
		"description": description,
		"payment":     payment,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/milestones", nil, body)
}

// CompleteMilestone releases one milestone payment to the seller.
func (c *EscrowClient) CompleteMilestone(ctx context.Context, escrowID string, index int) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/escrows/%s/milestones/%d/complete", escrowID, index)
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// MarkShipped records shipment with a tracking number (seller only).
func (c *EscrowClient) MarkShipped(ctx context.Context, escrowID, trackingNumber string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/ship", nil,
		map[string]string{"trackingNumber": trackingNumber})
}

// ConfirmDelivery releases the remaining balance to the seller (buyer only).
func (c *EscrowClient) ConfirmDelivery(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/confirm", nil, nil)
}

// OpenDispute freezes an escrow for arbitration (buyer only).
func (c *EscrowClient) OpenDispute(ctx context.Context, escrowID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/dispute", nil,
		map[string]string{"reason": reason})
}

// ResolveDispute awards part of a disputed balance (arbiter only).
func (c *EscrowClient) ResolveDispute(ctx context.Context, escrowID string, toBuyer bool, amount string) (json.RawMessage, error) {
	body := map[string]any{
		"toBuyer": toBuyer,
		"amount":  amount,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/dispute/resolve", nil, body)
}

// RefundBuyer returns the full balance to the buyer minus the return fee
// (seller only).
func (c *EscrowClient) RefundBuyer(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+escrowID+"/refund", nil, nil)
}

// GetEscrow fetches one escrow contract.
func (c *EscrowClient) GetEscrow(ctx context.Context, escrowID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+escrowID, nil, nil)
}

// ListMyEscrows lists contracts where the caller is buyer, seller, or arbiter.
func (c *EscrowClient) ListMyEscrows(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/escrows", nil, nil)
}

// GetBalance returns the caller's ledger balance.
func (c *EscrowClient) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+c.cfg.PartyAddress+"/balance", nil, nil)
}

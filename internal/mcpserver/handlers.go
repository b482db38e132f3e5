package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateEscrow opens a new escrow contract.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	seller := req.GetString("seller", "")
	if seller == "" {
		return mcp.NewToolResultError("seller is required"), nil
	}
	arbiter := req.GetString("arbiter", "")
	if arbiter == "" {
		return mcp.NewToolResultError("arbiter is required"), nil
	}

	raw, err := h.client.CreateEscrow(ctx, seller, arbiter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create escrow: %v", err)), nil
	}

	id, err := extractEscrowID(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow created.\n"+
			"Escrow ID: %s\n"+
			"Seller: %s\n"+
			"Arbiter: %s\n\n"+
			"Next step: deposit_escrow with this escrow_id to fund it.",
		id, seller, arbiter)), nil
}

// HandleDepositEscrow funds an escrow from the caller's ledger balance.
func (h *Handlers) HandleDepositEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.Deposit(ctx, escrowID, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Deposit failed: %v", err)), nil
	}

	text, err := formatEscrowWithReceipt("Escrow funded.", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateMilestone adds a milestone to an escrow.
func (h *Handlers) HandleCreateMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	description := req.GetString("description", "")
	if description == "" {
		return mcp.NewToolResultError("description is required"), nil
	}
	payment := req.GetString("payment", "")
	if payment == "" {
		return mcp.NewToolResultError("payment is required"), nil
	}

	raw, err := h.client.CreateMilestone(ctx, escrowID, description, payment)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create milestone: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Milestone added: %q for %s\n\n%s",
		description, payment, formatJSON(raw))), nil
}

// HandleCompleteMilestone releases one milestone payment.
func (h *Handlers) HandleCompleteMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	index := req.GetInt("index", -1)
	if index < 0 {
		return mcp.NewToolResultError("index is required and must be >= 0"), nil
	}

	raw, err := h.client.CompleteMilestone(ctx, escrowID, index)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to complete milestone: %v", err)), nil
	}

	text, err := formatEscrowWithReceipt(fmt.Sprintf("Milestone %d paid to seller.", index), raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleMarkShipped records shipment.
func (h *Handlers) HandleMarkShipped(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	tracking := req.GetString("tracking_number", "")
	if tracking == "" {
		return mcp.NewToolResultError("tracking_number is required"), nil
	}

	_, err := h.client.MarkShipped(ctx, escrowID, tracking)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark shipped: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Shipment recorded for escrow %s (tracking %s).\n"+
			"The buyer's inspection window is now running.",
		escrowID, tracking)), nil
}

// HandleConfirmDelivery releases the remaining balance to the seller.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.ConfirmDelivery(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm delivery: %v", err)), nil
	}

	text, err := formatEscrowWithReceipt("Delivery confirmed. Contract complete.", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenDispute freezes an escrow for arbitration.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	_, err := h.client.OpenDispute(ctx, escrowID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s is now disputed.\n"+
			"Reason: %s\n"+
			"The balance is frozen until the arbiter resolves it.",
		escrowID, reason)), nil
}

// HandleResolveDispute awards part of a disputed balance.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	recipient := req.GetString("recipient", "")
	if recipient != "buyer" && recipient != "seller" {
		return mcp.NewToolResultError("recipient must be 'buyer' or 'seller'"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, escrowID, recipient == "buyer", amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	text, err := formatEscrowWithReceipt(
		fmt.Sprintf("Awarded %s to the %s.", amount, recipient), raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow fetches one escrow contract.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}

	text, err := formatEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListMyEscrows lists the caller's contracts.
func (h *Handlers) HandleListMyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListMyEscrows(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckBalance returns the caller's ledger balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func extractEscrowID(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if escrow, ok := resp["escrow"].(map[string]any); ok {
		if id, ok := escrow["id"].(string); ok {
			return id, nil
		}
	}
	if id, ok := resp["id"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("no escrow ID in response: %s", string(raw))
}

func formatEscrow(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	escrow, ok := resp["escrow"].(map[string]any)
	if !ok {
		escrow = resp
	}

	var sb strings.Builder
	sb.WriteString("Escrow contract:\n")
	fmt.Fprintf(&sb, "  ID:      %s\n", getString(escrow, "id"))
	fmt.Fprintf(&sb, "  State:   %s\n", getString(escrow, "state"))
	fmt.Fprintf(&sb, "  Balance: %s\n", getString(escrow, "balance"))
	fmt.Fprintf(&sb, "  Buyer:   %s\n", getString(escrow, "buyer"))
	fmt.Fprintf(&sb, "  Seller:  %s\n", getString(escrow, "seller"))
	fmt.Fprintf(&sb, "  Arbiter: %s\n", getString(escrow, "arbiter"))
	if v := getString(escrow, "trackingNumber"); v != "" {
		fmt.Fprintf(&sb, "  Tracking: %s\n", v)
	}
	if v := getString(escrow, "disputeReason"); v != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", v)
	}
	if ms, ok := escrow["milestones"].([]any); ok && len(ms) > 0 {
		fmt.Fprintf(&sb, "  Milestones (%d):\n", len(ms))
		for i, m := range ms {
			mm, ok := m.(map[string]any)
			if !ok {
				continue
			}
			status := "pending"
			if done, ok := mm["completed"].(bool); ok && done {
				status = "paid"
			}
			fmt.Fprintf(&sb, "    %d. %s — %s (%s)\n",
				i, getString(mm, "description"), getString(mm, "payment"), status)
		}
	}
	return sb.String(), nil
}

func formatEscrowWithReceipt(headline string, raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(headline + "\n")
	if escrow, ok := resp["escrow"].(map[string]any); ok {
		fmt.Fprintf(&sb, "State: %s | Balance: %s\n",
			getString(escrow, "state"), getString(escrow, "balance"))
	}
	if receipt, ok := resp["receipt"].(map[string]any); ok {
		fmt.Fprintf(&sb, "Moved: %s", getString(receipt, "amount"))
		if fee := getString(receipt, "fee"); fee != "" && fee != "0.000000" {
			fmt.Fprintf(&sb, " (fee withheld: %s)", fee)
		}
		if to := getString(receipt, "recipient"); to != "" {
			fmt.Fprintf(&sb, " to %s", to)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected escrows response format")
	}
	if len(resp.Escrows) == 0 {
		return "No escrow contracts found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow contract(s):\n\n", len(resp.Escrows))
	for i, e := range resp.Escrows {
		fmt.Fprintf(&sb, "%d. %s — %s, balance %s\n",
			i+1, getString(e, "id"), getString(e, "state"), getString(e, "balance"))
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Ledger balance:\n")
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	fmt.Fprintf(&sb, "  Total in:  %s\n", getString(bal, "totalIn"))
	fmt.Fprintf(&sb, "  Total out: %s\n", getString(bal, "totalOut"))
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

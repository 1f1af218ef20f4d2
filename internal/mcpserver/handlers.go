package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/paynest/escrowd/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleStartSettlement opens a new settlement and returns the payment link.
func (h *Handlers) HandleStartSettlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	recipient := req.GetString("recipient_account", "")
	if amount == "" || recipient == "" {
		return mcp.NewToolResultError("amount and recipient_account are required"), nil
	}
	d, err := validation.ParseAmount(amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid amount %q: %v", amount, err)), nil
	}

	raw, err := h.client.StartSettlement(ctx, d.String(), recipient, req.GetString("note", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start settlement: %v", err)), nil
	}

	text, err := formatSettlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}
	return mcp.NewToolResultText("Settlement started.\n" + text), nil
}

// HandleSettlementStatus reports the current stage of a settlement.
func (h *Handlers) HandleSettlementStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("reference_id", "")
	if ref == "" {
		return mcp.NewToolResultError("reference_id is required"), nil
	}

	raw, err := h.client.GetSettlement(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settlement: %v", err)), nil
	}

	text, err := formatSettlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleSettlementReceipt fetches the receipt of a completed settlement.
func (h *Handlers) HandleSettlementReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("reference_id", "")
	if ref == "" {
		return mcp.NewToolResultError("reference_id is required"), nil
	}

	raw, err := h.client.GetReceipt(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get receipt: %v", err)), nil
	}

	text, err := formatReceipt(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse receipt: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyReceipt checks a receipt's signature.
func (h *Handlers) HandleVerifyReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	number := req.GetString("receipt_number", "")
	if number == "" {
		return mcp.NewToolResultError("receipt_number is required"), nil
	}

	raw, err := h.client.VerifyReceipt(ctx, number)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify receipt: %v", err)), nil
	}

	var resp struct {
		Verification struct {
			Valid         bool   `json:"valid"`
			ReceiptNumber string `json:"receiptNumber"`
			Error         string `json:"error"`
		} `json:"verification"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}

	v := resp.Verification
	if v.Valid {
		return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is valid.", v.ReceiptNumber)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is NOT valid: %s", number, v.Error)), nil
}

// HandleSettlementAudit lists the audit trail of a settlement.
func (h *Handlers) HandleSettlementAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("reference_id", "")
	if ref == "" {
		return mcp.NewToolResultError("reference_id is required"), nil
	}

	raw, err := h.client.GetAuditTrail(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}

	text, err := formatAuditTrail(ref, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit trail: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatters ---

func formatSettlement(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Settlement %s\n", getString(m, "referenceId")))
	sb.WriteString(fmt.Sprintf("  Stage:  %s (%s)\n", getString(m, "stage"), getString(m, "status")))
	sb.WriteString(fmt.Sprintf("  Amount: %s %s to %s\n",
		getString(m, "amount"), getString(m, "currency"), getString(m, "recipientAccount")))
	if v := getString(m, "paymentLink"); v != "" {
		sb.WriteString(fmt.Sprintf("  Pay here: %s\n", v))
	}
	if v := getString(m, "failureReason"); v != "" {
		sb.WriteString(fmt.Sprintf("  Failure: %s\n", v))
	}
	if stale, ok := m["stale"].(bool); ok && stale {
		sb.WriteString("  Note: the payment gateway could not be reached; this is the last known state.\n")
	}
	return sb.String(), nil
}

func formatReceipt(raw json.RawMessage) (string, error) {
	var resp struct {
		Receipt map[string]any `json:"receipt"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Receipt == nil {
		return "", fmt.Errorf("response has no receipt")
	}
	r := resp.Receipt

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Receipt %s\n", getString(r, "receiptNumber")))
	sb.WriteString(fmt.Sprintf("  Settlement: %s\n", getString(r, "settlementRef")))
	sb.WriteString(fmt.Sprintf("  Collected:  %s %s (fee %s)\n",
		getString(r, "collectionAmount"), getString(r, "currency"), getString(r, "collectionFee")))
	sb.WriteString(fmt.Sprintf("  Paid out:   %s (fee %s)\n", getString(r, "payoutAmount"), getString(r, "payoutFee")))
	sb.WriteString(fmt.Sprintf("  Net:        %s to %s\n", getString(r, "netAmount"), getString(r, "recipientAccount")))
	if v := getString(r, "payoutUtr"); v != "" {
		sb.WriteString(fmt.Sprintf("  Bank ref:   %s\n", v))
	}
	sb.WriteString(fmt.Sprintf("  Settled at: %s\n", getString(r, "settledAt")))
	return sb.String(), nil
}

func formatAuditTrail(ref string, raw json.RawMessage) (string, error) {
	var resp struct {
		Audit []map[string]any `json:"audit"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Audit) == 0 {
		return fmt.Sprintf("No audit entries for %s.", ref), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Audit trail for %s (%d entries):\n", ref, len(resp.Audit)))
	for i, e := range resp.Audit {
		line := fmt.Sprintf("%d. %s %s", i+1, getString(e, "createdAt"), getString(e, "action"))
		if from, to := getString(e, "fromStatus"), getString(e, "toStatus"); to != "" {
			if from == "" {
				from = "-"
			}
			line += fmt.Sprintf(" [%s -> %s]", from, to)
		}
		if actor := getString(e, "actorType"); actor != "" {
			line += " by " + actor
		}
		sb.WriteString(line + "\n")
	}
	return sb.String(), nil
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

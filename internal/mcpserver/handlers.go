package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/arcinvoice/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *InvoiceClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *InvoiceClient) *Handlers {
	return &Handlers{client: client}
}

// HandleQuoteFees quotes the fee split for an amount.
func (h *Handlers) HandleQuoteFees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := strings.TrimSpace(req.GetString("amount", ""))
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	if _, err := usdc.Parse(amount); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid amount %q: %v", amount, err)), nil
	}

	raw, err := h.client.QuoteFees(ctx, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to quote fees: %v", err)), nil
	}

	text, err := formatQuote(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse quote: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetInvoice returns one invoice.
func (h *Handlers) HandleGetInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.GetInvoice(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get invoice: %v", err)), nil
	}

	text, err := formatInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListInvoices lists the wallet's invoices.
func (h *Handlers) HandleListInvoices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cursor := req.GetString("cursor", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListInvoices(ctx, cursor, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list invoices: %v", err)), nil
	}

	text, err := formatInvoiceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoices: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileInvoice re-checks an invoice against its escrow.
func (h *Handlers) HandleReconcileInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("invoice_id", "")
	if id == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile: %v", err)), nil
	}

	var resp struct {
		Result struct {
			Invoice map[string]any `json:"invoice"`
			Changed bool           `json:"changed"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Result.Invoice == nil {
		return mcp.NewToolResultText(pendingNote(raw) + formatJSON(raw)), nil
	}

	status := getString(resp.Result.Invoice, "status")
	if resp.Result.Changed {
		return mcp.NewToolResultText(fmt.Sprintf("Ledger updated from the escrow. Invoice %s is now %s.", id, status)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Invoice %s already matches its escrow (status %s).", id, status)), nil
}

// HandleGetDispute returns one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleOpenDispute opens a dispute on an invoice.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	invoiceID := req.GetString("invoice_id", "")
	if invoiceID == "" {
		return mcp.NewToolResultError("invoice_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, invoiceID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Dispute opened. Funds stay in escrow until it is resolved.\n\n" + text), nil
}

// HandleProposeResolution proposes a settlement.
func (h *Handlers) HandleProposeResolution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	resolution := req.GetString("resolution", "")
	switch resolution {
	case "refund", "release", "split":
	default:
		return mcp.NewToolResultError("resolution must be refund, release, or split"), nil
	}

	var payer, creator int64
	if resolution == "split" {
		var err error
		if payer, err = usdc.Parse(req.GetString("payer_amount", "")); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid payer_amount: %v", err)), nil
		}
		if creator, err = usdc.Parse(req.GetString("creator_amount", "")); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid creator_amount: %v", err)), nil
		}
	}

	raw, err := h.client.ProposeResolution(ctx, id, resolution, payer, creator)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to propose resolution: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	return mcp.NewToolResultText("Proposal recorded. The other party must accept it.\n\n" + text), nil
}

// HandleAcceptResolution accepts the counterparty's proposal.
func (h *Handlers) HandleAcceptResolution(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.AcceptResolution(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept resolution: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultText(pendingNote(raw) + formatJSON(raw)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatQuote(raw json.RawMessage) (string, error) {
	var resp struct {
		Quote   map[string]any `json:"quote"`
		Network map[string]any `json:"network"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Quote == nil {
		return "", fmt.Errorf("no quote in response")
	}

	q := resp.Quote
	var sb strings.Builder
	sb.WriteString("Fee quote:\n")
	fmt.Fprintf(&sb, "  Invoice amount:   %s USDC\n", amountString(q, "invoiceAmount"))
	fmt.Fprintf(&sb, "  Payer deposits:   %s USDC (fee %s)\n", amountString(q, "payerAmount"), amountString(q, "payerFee"))
	fmt.Fprintf(&sb, "  Creator receives: %s USDC (fee %s)\n", amountString(q, "creatorAmount"), amountString(q, "creatorFee"))
	fmt.Fprintf(&sb, "  Total fee:        %s USDC\n", amountString(q, "totalFee"))
	if src := getString(q, "source"); src != "" {
		fmt.Fprintf(&sb, "  Source: %s", src)
		if name := getString(resp.Network, "name"); name != "" {
			fmt.Fprintf(&sb, " on %s", name)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func formatInvoice(raw json.RawMessage) (string, error) {
	var resp struct {
		Invoice    map[string]any   `json:"invoice"`
		Milestones []map[string]any `json:"milestones"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Invoice == nil {
		return "", fmt.Errorf("no invoice in response")
	}

	inv := resp.Invoice
	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice %s (%s)\n", getString(inv, "id"), getString(inv, "shortCode"))
	fmt.Fprintf(&sb, "  Status:  %s\n", getString(inv, "status"))
	fmt.Fprintf(&sb, "  Amount:  %s USDC\n", amountString(inv, "amount"))
	fmt.Fprintf(&sb, "  Mode:    %s (escrow v%s)\n", getString(inv, "paymentMode"), getString(inv, "contractVersion"))
	if v := getString(inv, "description"); v != "" {
		fmt.Fprintf(&sb, "  Work:    %s\n", v)
	}
	if v := getString(inv, "creatorAddress"); v != "" {
		fmt.Fprintf(&sb, "  Creator: %s\n", v)
	}
	if v := getString(inv, "payerAddress"); v != "" {
		fmt.Fprintf(&sb, "  Payer:   %s\n", v)
	}
	if v := getString(inv, "escrowAddress"); v != "" {
		fmt.Fprintf(&sb, "  Escrow:  %s\n", v)
	}
	if len(resp.Milestones) > 0 {
		sb.WriteString("  Milestones:\n")
		for _, m := range resp.Milestones {
			fmt.Fprintf(&sb, "    %s. %s: %s USDC [%s]\n",
				getString(m, "index"), getString(m, "description"), amountString(m, "amount"), getString(m, "status"))
		}
	}
	return sb.String(), nil
}

func formatInvoiceList(raw json.RawMessage) (string, error) {
	var resp struct {
		Invoices   []map[string]any `json:"invoices"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	if len(resp.Invoices) == 0 {
		return "No invoices found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d invoice(s):\n\n", len(resp.Invoices))
	for i, inv := range resp.Invoices {
		fmt.Fprintf(&sb, "%d. %s  %s USDC  [%s]\n", i+1, getString(inv, "id"), amountString(inv, "amount"), getString(inv, "status"))
		if desc := getString(inv, "description"); desc != "" {
			fmt.Fprintf(&sb, "   %s\n", desc)
		}
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "\nMore available: call list_invoices with cursor %q\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute map[string]any `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Dispute == nil {
		return "", fmt.Errorf("no dispute in response")
	}

	d := resp.Dispute
	var sb strings.Builder
	sb.WriteString(pendingNote(raw))
	fmt.Fprintf(&sb, "Dispute %s on invoice %s\n", getString(d, "id"), getString(d, "invoiceId"))
	fmt.Fprintf(&sb, "  Status:    %s\n", getString(d, "status"))
	fmt.Fprintf(&sb, "  Opened by: %s\n", getString(d, "openedBy"))
	fmt.Fprintf(&sb, "  Reason:    %s\n", getString(d, "reason"))
	if res := getString(d, "resolution"); res != "" {
		fmt.Fprintf(&sb, "  Proposal:  %s by %s", res, getString(d, "proposedBy"))
		if res == "split" {
			fmt.Fprintf(&sb, " (payer %s, creator %s USDC)", amountString(d, "payerAmount"), amountString(d, "creatorAmount"))
		}
		sb.WriteString("\n")
	}
	if v := getString(d, "settlementTxRef"); v != "" {
		fmt.Fprintf(&sb, "  Settled:   %s\n", v)
	}
	if v := getString(d, "expiresAt"); v != "" {
		fmt.Fprintf(&sb, "  Expires:   %s\n", v)
	}
	return sb.String(), nil
}

// pendingNote explains a 202 body, where the action went out but the
// chain has not confirmed it.
func pendingNote(raw json.RawMessage) string {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return ""
	}
	if getString(m, "status") == "pending" || getString(m, "error") == "settlement_pending" {
		return "Settlement submitted and awaiting confirmation. Check again shortly.\n\n"
	}
	return ""
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// amountString renders a base-unit amount field as decimal USDC.
func amountString(m map[string]any, key string) string {
	f, ok := getFloat(m, key)
	if !ok {
		return "0"
	}
	return usdc.Format(int64(f))
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

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/arcinvoice/internal/ratelimit"
)

// Config holds the configuration for reaching the invoice API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	WalletAddress string // Wallet the tools act as, e.g. "0x..."
}

// InvoiceClient is a pure HTTP client for the invoice API.
type InvoiceClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewInvoiceClient creates a new client for the invoice API.
func NewInvoiceClient(cfg Config) *InvoiceClient {
	return &InvoiceClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute, // accepting a resolution waits for the chain
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// A 202 is returned as a body, not an error: the action was taken and the
// chain has not confirmed it yet.
func (c *InvoiceClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
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

	if c.cfg.WalletAddress != "" {
		req.Header.Set(ratelimit.WalletHeader, c.cfg.WalletAddress)
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

// QuoteFees returns the fee split for an invoice amount, e.g. "12.50".
func (c *InvoiceClient) QuoteFees(ctx context.Context, amount string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("amount", amount)
	return c.doRequest(ctx, http.MethodGet, "/v1/fees/quote", q, nil)
}

// GetInvoice returns an invoice with its milestones.
func (c *InvoiceClient) GetInvoice(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(id), nil, nil)
}

// ListInvoices returns a page of the wallet's invoices, newest first.
func (c *InvoiceClient) ListInvoices(ctx context.Context, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/invoices", q, nil)
}

// Reconcile asks the server to compare an invoice with its escrow.
func (c *InvoiceClient) Reconcile(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(id)+"/reconcile", nil, nil)
}

// GetDispute returns a dispute by id.
func (c *InvoiceClient) GetDispute(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+url.PathEscape(id), nil, nil)
}

// OpenDispute opens a dispute on a funded invoice.
func (c *InvoiceClient) OpenDispute(ctx context.Context, invoiceID, reason string) (json.RawMessage, error) {
	body := map[string]string{"reason": reason}
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(invoiceID)+"/disputes", nil, body)
}

// ProposeResolution proposes refund, release or split on a dispute. Split
// amounts are base units.
func (c *InvoiceClient) ProposeResolution(ctx context.Context, disputeID, resolution string, payerAmount, creatorAmount int64) (json.RawMessage, error) {
	body := map[string]any{"resolution": resolution}
	if resolution == "split" {
		body["payerAmount"] = payerAmount
		body["creatorAmount"] = creatorAmount
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/proposals", nil, body)
}

// AcceptResolution accepts the counterparty's proposal.
func (c *InvoiceClient) AcceptResolution(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+url.PathEscape(disputeID)+"/accept", nil, nil)
}

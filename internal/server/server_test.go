package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arcinvoice/internal/arbitration"
	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/config"
	"github.com/mbd888/arcinvoice/internal/dispute"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/validation"
)

const (
	creator  = "0x1111111111111111111111111111111111111111"
	payer    = "0x2222222222222222222222222222222222222222"
	stranger = "0x3333333333333333333333333333333333333333"

	webhookSecret = "court-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a simulated-chain, in-memory config.
func testConfig() *config.Config {
	return &config.Config{
		Port:                     "0",
		Env:                      "development",
		LogLevel:                 "error",
		LogFormat:                "text",
		ChainID:                  config.DefaultChainID,
		ChainConfirmTimeout:      time.Second,
		ChainPollInterval:        time.Millisecond,
		SweepInterval:            time.Minute,
		SweepConcurrency:         2,
		ArbitrationWebhookSecret: webhookSecret,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()), WithDrainDelay(0))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.writeLimiter.Stop()
	})
	return s
}

// call performs a request as wallet (empty for anonymous) and decodes the
// JSON response.
func call(t *testing.T, s *Server, method, path, wallet string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Wallet-Address", wallet)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func field(t *testing.T, m map[string]any, keys ...string) any {
	t.Helper()
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		require.True(t, ok, "expected object at %q in %v", k, m)
		cur = obj[k]
	}
	return cur
}

// fundedInvoice creates a single-payment escrow invoice, deploys its escrow
// and funds it from payer.
func fundedInvoice(t *testing.T, s *Server) string {
	t.Helper()
	w, body := call(t, s, "POST", "/v1/invoices", creator, gin.H{
		"description": "Logo design and brand guidelines",
		"amount":      100_000_000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := field(t, body, "invoice", "id").(string)

	w, _ = call(t, s, "POST", "/v1/dev/invoices/"+id+"/deploy", creator, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = call(t, s, "POST", "/v1/dev/invoices/"+id+"/fund", payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "funded", field(t, body, "result", "invoice", "status"))
	return id
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, body := call(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["simulated"])
	assert.Equal(t, "arc-testnet", field(t, body, "network", "name"))
	assert.EqualValues(t, 0, field(t, body, "stream", "connected"))
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w, _ := call(t, s, "GET", "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Server hasn't called Run() so ready is false
	w, _ := call(t, s, "GET", "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/invoices",
		"GET:/v1/invoices",
		"GET:/v1/invoices/:id",
		"PATCH:/v1/invoices/:id",
		"POST:/v1/invoices/:id/payments",
		"POST:/v1/invoices/:id/milestones/:milestoneId/payments",
		"POST:/v1/invoices/:id/milestones/:milestoneId/approve",
		"POST:/v1/invoices/:id/release",
		"POST:/v1/invoices/:id/refund",
		"POST:/v1/invoices/:id/disputes",
		"POST:/v1/disputes/:id/proposals",
		"POST:/v1/disputes/:id/accept",
		"POST:/v1/disputes/:id/escalate",
		"POST:/v1/arbitration/rulings",
		"POST:/v1/arbitration/cases/:caseId/execute",
		"GET:/v1/fees/quote",
		"GET:/v1/pay/:code",
		"GET:/v1/analytics",
		"POST:/v1/dev/invoices/:id/deploy",
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w, _ := call(t, s, "GET", "/v1/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Invoice tests
// ---------------------------------------------------------------------------

func TestCreateInvoice_CallerIdentity(t *testing.T) {
	s := newTestServer(t)
	body := gin.H{"description": "Consulting", "amount": 5_000_000}

	w, resp := call(t, s, "POST", "/v1/invoices", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_wallet", resp["error"])

	w, _ = call(t, s, "POST", "/v1/invoices", "not-a-wallet", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body["creatorAddress"] = stranger
	w, _ = call(t, s, "POST", "/v1/invoices", creator, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateInvoice_ValidationDetails(t *testing.T) {
	s := newTestServer(t)

	w, resp := call(t, s, "POST", "/v1/invoices", creator, gin.H{"description": "Tiny", "amount": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", resp["error"])
	assert.NotEmpty(t, resp["details"])
}

func TestInvoiceLifecycle_FundAndRelease(t *testing.T) {
	s := newTestServer(t)
	id := fundedInvoice(t, s)

	w, body := call(t, s, "GET", "/v1/invoices/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, payer, field(t, body, "invoice", "payerAddress"))

	// Only the payer may release a V1 escrow.
	w, _ = call(t, s, "POST", "/v1/invoices/"+id+"/release", stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = call(t, s, "POST", "/v1/invoices/"+id+"/release", payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "released", field(t, body, "result", "invoice", "status"))

	w, _ = call(t, s, "POST", "/v1/invoices/"+id+"/refund", creator, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUpdateAndPublishDraft(t *testing.T) {
	s := newTestServer(t)

	w, body := call(t, s, "POST", "/v1/invoices", creator, gin.H{
		"description": "Draft work", "amount": 10_000_000, "draft": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := field(t, body, "invoice", "id").(string)

	w, body = call(t, s, "PATCH", "/v1/invoices/"+id, creator, gin.H{"client_name": "Acme Corp"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Acme Corp", field(t, body, "invoice", "clientName"))

	w, _ = call(t, s, "PATCH", "/v1/invoices/"+id, creator, gin.H{"amount": "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, "PATCH", "/v1/invoices/"+id, stranger, gin.H{"client_name": "Mallory"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = call(t, s, "POST", "/v1/invoices/"+id+"/publish", creator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", field(t, body, "invoice", "status"))
}

func TestListInvoices_Paginates(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		w, _ := call(t, s, "POST", "/v1/invoices", creator, gin.H{
			"description": fmt.Sprintf("Invoice %d", i), "amount": 1_000_000,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w, body := call(t, s, "GET", "/v1/invoices?limit=2", creator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["invoices"], 2)
	assert.Equal(t, true, body["hasMore"])
	cursor := body["nextCursor"].(string)

	w, body = call(t, s, "GET", "/v1/invoices?limit=2&cursor="+cursor, creator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["invoices"], 1)
	assert.Equal(t, false, body["hasMore"])

	w, body = call(t, s, "GET", "/v1/invoices", stranger, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["invoices"])

	w, _ = call(t, s, "GET", "/v1/invoices?cursor=%21%21", creator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDevFund_LegacyMilestoneAlreadyDeposited(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	w, body := call(t, s, "POST", "/v1/invoices", creator, gin.H{
		"description": "Two-phase site build",
		"amount":      100_000_000,
		"milestones": []gin.H{
			{"description": "Design", "amount": 40_000_000},
			{"description": "Build", "amount": 60_000_000},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := field(t, body, "invoice", "id").(string)

	// Legacy V2 escrows are only attached to existing invoices, never
	// created, so switch the version before deploying.
	store := s.ledger.Store()
	inv, err := store.GetInvoice(ctx, id)
	require.NoError(t, err)
	inv.ContractVersion = ledger.ContractV2Legacy
	require.NoError(t, store.UpdateInvoice(ctx, inv, inv.Status))
	ms, err := store.ListMilestones(ctx, id)
	require.NoError(t, err)
	require.Len(t, ms, 2)

	w, _ = call(t, s, "POST", "/v1/dev/invoices/"+id+"/deploy", creator, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = call(t, s, "POST", "/v1/dev/invoices/"+id+"/fund", payer, gin.H{"milestoneId": ms[1].ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, field(t, body, "result", "receipt"))

	// The second milestone was covered by the first deposit.
	w, body = call(t, s, "POST", "/v1/dev/invoices/"+id+"/fund", payer, gin.H{"milestoneId": ms[0].ID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Nil(t, field(t, body, "result", "receipt"))
	assert.Equal(t, "funded", field(t, body, "result", "invoice", "status"))
	assert.Equal(t, 1, s.sim.Calls("deposit"))
}

func TestPayLink_PublicFieldsOnly(t *testing.T) {
	s := newTestServer(t)
	w, body := call(t, s, "POST", "/v1/invoices", creator, gin.H{
		"description": "Website copy", "amount": 3_000_000,
		"clientName": "Acme Corp", "clientEmail": "billing@acme.test",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := field(t, body, "invoice", "id").(string)
	code := field(t, body, "invoice", "shortCode").(string)

	w, body = call(t, s, "GET", "/v1/pay/"+strings.ToLower(code), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	inv := body["invoice"].(map[string]any)
	assert.Equal(t, id, inv["id"])
	assert.Equal(t, code, inv["shortCode"])
	assert.Equal(t, creator, inv["creatorAddress"])
	assert.NotContains(t, inv, "clientName")
	assert.NotContains(t, inv, "clientEmail")
	assert.NotContains(t, inv, "txRef")

	w, _ = call(t, s, "GET", "/v1/pay/ZZZZZZZZ", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = call(t, s, "GET", "/v1/pay/short", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnalytics_ReplayedFundingLeavesTotals(t *testing.T) {
	s := newTestServer(t)
	id := fundedInvoice(t, s)

	w, _ := call(t, s, "POST", "/v1/invoices", creator, gin.H{
		"description": "Unpaid draft", "amount": 10_000_000, "draft": true,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w, body := call(t, s, "GET", "/v1/invoices/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	txRef, _ := field(t, body, "invoice", "txRef").(string)
	if txRef == "" {
		txRef = fmt.Sprintf("0x%064x", 42)
	}
	replay := func() {
		t.Helper()
		for i := 0; i < 2; i++ {
			w, _ := call(t, s, "POST", "/v1/invoices/"+id+"/payments", "", gin.H{"txRef": txRef})
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}
	}
	stats := func() map[string]any {
		t.Helper()
		w, body := call(t, s, "GET", "/v1/analytics", creator, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		return body
	}

	before := stats()
	assert.Equal(t, float64(100_000_000), field(t, before, "stats", "pendingRevenue"))
	assert.Equal(t, float64(10_000_000), field(t, before, "stats", "unpaidAmount"))
	replay()
	assert.Equal(t, before, stats())

	w, _ = call(t, s, "POST", "/v1/invoices/"+id+"/release", payer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	released := stats()
	assert.Equal(t, float64(100_000_000), field(t, released, "stats", "totalRevenue"))
	assert.Equal(t, float64(0), field(t, released, "stats", "pendingRevenue"))
	assert.Equal(t, float64(1_000_000), field(t, released, "stats", "feesPaid"))
	assert.Equal(t, float64(2), field(t, released, "stats", "totalInvoices"))
	replay()
	assert.Equal(t, released, stats())

	w, body = call(t, s, "GET", "/v1/analytics", stranger, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), field(t, body, "stats", "totalInvoices"))

	w, _ = call(t, s, "GET", "/v1/analytics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = call(t, s, "GET", "/v1/analytics?from=yesterday", creator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = call(t, s, "GET", "/v1/analytics?from=2026-03-01&to=2026-02-01", creator, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordFunding_RejectsMalformedTxRef(t *testing.T) {
	s := newTestServer(t)
	w, body := call(t, s, "POST", "/v1/invoices", creator, gin.H{"description": "Direct", "amount": 2_000_000, "paymentMode": "direct"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := field(t, body, "invoice", "id").(string)

	w, _ = call(t, s, "POST", "/v1/invoices/"+id+"/payments", "", gin.H{"txRef": "not a tx"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, "POST", "/v1/invoices/"+id+"/payments", "", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = call(t, s, "POST", "/v1/invoices/missing/payments", "", gin.H{"txRef": "0x" + fmt.Sprintf("%064x", 1)})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQuoteFees(t *testing.T) {
	s := newTestServer(t)

	w, body := call(t, s, "GET", "/v1/fees/quote?amount=100", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, body["quote"])

	w, _ = call(t, s, "GET", "/v1/fees/quote?amount=-3", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Dispute and arbitration tests
// ---------------------------------------------------------------------------

func TestDispute_NegotiatedRefund(t *testing.T) {
	s := newTestServer(t)
	id := fundedInvoice(t, s)

	w, _ := call(t, s, "POST", "/v1/invoices/"+id+"/disputes", stranger, gin.H{"reason": "I am not a party to this"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body := call(t, s, "POST", "/v1/invoices/"+id+"/disputes", payer, gin.H{"reason": "Deliverables were never sent"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	disputeID := field(t, body, "dispute", "id").(string)

	w, _ = call(t, s, "POST", "/v1/disputes/"+disputeID+"/proposals", payer, gin.H{"resolution": "refund"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = call(t, s, "POST", "/v1/disputes/"+disputeID+"/accept", payer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "proposer cannot accept")

	w, body = call(t, s, "POST", "/v1/disputes/"+disputeID+"/accept", creator, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "resolved", field(t, body, "dispute", "status"))
	assert.NotEmpty(t, field(t, body, "dispute", "settlementTxRef"))

	w, body = call(t, s, "GET", "/v1/invoices/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "refunded", field(t, body, "invoice", "status"))

	w, body = call(t, s, "GET", "/v1/invoices/"+id+"/dispute", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, disputeID, field(t, body, "dispute", "id"))
}

func TestDispute_Evidence(t *testing.T) {
	s := newTestServer(t)
	id := fundedInvoice(t, s)

	_, body := call(t, s, "POST", "/v1/invoices/"+id+"/disputes", creator, gin.H{"reason": "Payer is unresponsive"})
	disputeID := field(t, body, "dispute", "id").(string)

	w, _ := call(t, s, "POST", "/v1/disputes/"+disputeID+"/evidence", creator, gin.H{
		"content": "Delivery email sent on the 3rd with all source files",
		"fileUrl": "https://files.example.com/delivery.pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = call(t, s, "GET", "/v1/disputes/"+disputeID+"/evidence", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["count"])
}

func signedRuling(t *testing.T, s *Server, secret string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/v1/arbitration/rulings", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(arbitration.SignatureHeader, "sha256="+arbitration.Sign(secret, raw))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestArbitration_EscalateAndRulingWebhook(t *testing.T) {
	s := newTestServer(t)
	id := fundedInvoice(t, s)

	_, body := call(t, s, "POST", "/v1/invoices/"+id+"/disputes", payer, gin.H{"reason": "Work does not match the brief"})
	disputeID := field(t, body, "dispute", "id").(string)

	w, body := call(t, s, "POST", "/v1/disputes/"+disputeID+"/escalate", payer, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "pending", field(t, body, "case", "status"))
	assert.NotNil(t, body["metaEvidence"])

	// Negotiation is closed once escalated.
	w, _ = call(t, s, "POST", "/v1/disputes/"+disputeID+"/proposals", creator, gin.H{"resolution": "release"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = call(t, s, "POST", "/v1/disputes/"+disputeID+"/arbitration/evidence", creator, gin.H{
		"name": "Signed brief", "description": "The brief both parties agreed to", "fileUri": "ipfs://Qmbrief.pdf",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	ruling := gin.H{"disputeId": disputeID, "ruling": int(arbitration.RulingCreator)}
	w = signedRuling(t, s, "wrong-secret", ruling)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = signedRuling(t, s, webhookSecret, ruling)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = call(t, s, "GET", "/v1/disputes/"+disputeID+"/arbitration", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "resolved", field(t, body, "case", "status"))
	assert.Equal(t, true, field(t, body, "case", "executed"))
	assert.Len(t, body["evidence"], 1)
	caseID := field(t, body, "case", "id").(string)

	// Redelivery and manual execution are both no-ops.
	w = signedRuling(t, s, webhookSecret, ruling)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = call(t, s, "POST", "/v1/arbitration/cases/"+caseID+"/execute", creator, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, s.Simulator().Calls("release"))

	w = signedRuling(t, s, webhookSecret, gin.H{"disputeId": disputeID, "ruling": int(arbitration.RulingPayer)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = call(t, s, "GET", "/v1/invoices/"+id, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "released", field(t, body, "invoice", "status"))
}

func TestRulingWebhook_UnknownCase(t *testing.T) {
	s := newTestServer(t)

	w := signedRuling(t, s, webhookSecret, gin.H{"disputeId": "dsp_missing", "ruling": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = signedRuling(t, s, webhookSecret, gin.H{"disputeId": "dsp_missing", "ruling": 9})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{validation.Fail("amount", "too small"), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ledger.ErrInvoiceNotFound), http.StatusNotFound},
		{dispute.ErrNotParty, http.StatusForbidden},
		{ledger.ErrActiveDispute, http.StatusConflict},
		{reconciliation.ErrDisputed, http.StatusConflict},
		{arbitration.ErrCourtUnavailable, http.StatusServiceUnavailable},
		{arbitration.ErrInvalidSignature, http.StatusUnauthorized},
		{reconciliation.ErrPaymentFailed, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: %v", dispute.ErrSettlementPending, chain.ErrUnconfirmed), http.StatusAccepted},
		{&reconciliation.SettlementError{InvoiceID: "inv", TxRef: "0xabc", Err: errors.New("db down")}, http.StatusAccepted},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		assert.Equal(t, tt.status, status, "error %v", tt.err)
	}
}

func TestRespond_PendingKeepsValue(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/", nil)

	d := &ledger.Dispute{ID: "dsp_1", Status: ledger.DisputeProposed}
	respond(c, http.StatusOK, "dispute", d, fmt.Errorf("%w: slow chain", dispute.ErrSettlementPending))

	assert.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "dsp_1", field(t, body, "dispute", "id"))

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("POST", "/", nil)
	var none *ledger.Dispute
	respond(c, http.StatusOK, "dispute", none, fmt.Errorf("%w: slow chain", dispute.ErrSettlementPending))
	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "settlement_pending", body["error"])
}

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/metrics"
	"github.com/mbd888/arcinvoice/internal/pagination"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/usdc"
	"github.com/mbd888/arcinvoice/internal/validation"
)

type fundingRequest struct {
	TxRef string `json:"txRef" binding:"required"`
}

type attachEscrowRequest struct {
	EscrowAddress string `json:"escrowAddress" binding:"required"`
}

// createInvoice handles POST /v1/invoices
func (s *Server) createInvoice(c *gin.Context) {
	var req ledger.CreateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	caller := callerAddress(c)
	if req.CreatorAddress == "" {
		req.CreatorAddress = caller
	}
	if validation.SanitizeAddress(req.CreatorAddress) != caller {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Invoices can only be created for the calling wallet",
		})
		return
	}

	inv, ms, err := s.ledger.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.InvoicesCreatedTotal.WithLabelValues(string(inv.Mode), strconv.Itoa(int(inv.ContractVersion))).Inc()

	c.JSON(http.StatusCreated, gin.H{"invoice": inv, "milestones": ms})
}

// getInvoice handles GET /v1/invoices/:id
func (s *Server) getInvoice(c *gin.Context) {
	inv, ms, err := s.ledger.Invoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invoice": inv, "milestones": ms})
}

// payLink handles GET /v1/pay/:code. It serves the public view only.
func (s *Server) payLink(c *gin.Context) {
	inv, err := s.ledger.InvoiceByShortCode(c.Request.Context(), c.Param("code"))
	respond(c, http.StatusOK, "invoice", inv, err)
}

// analytics handles GET /v1/analytics?from=2026-01-01&to=2026-03-31 for the
// caller's invoices. Bounds accept RFC 3339 or a plain date; a plain "to"
// date covers the whole day.
func (s *Server) analytics(c *gin.Context) {
	from, err := parseDateBound(c.Query("from"), false)
	if err != nil {
		badRequest(c, "from must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
		return
	}
	to, err := parseDateBound(c.Query("to"), true)
	if err != nil {
		badRequest(c, "to must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
		return
	}
	out, err := s.ledger.Analytics(c.Request.Context(), callerAddress(c), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func parseDateBound(v string, endOfDay bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// listInvoices handles GET /v1/invoices, newest first, for the caller.
func (s *Server) listInvoices(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), ledger.DefaultPageSize, ledger.MaxPageSize)
	page, err := s.ledger.ListInvoices(c.Request.Context(), callerAddress(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// updateInvoice handles PATCH /v1/invoices/:id
func (s *Server) updateInvoice(c *gin.Context) {
	var patch map[string]string
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, "Body must be a JSON object of string fields")
		return
	}
	inv, err := s.ledger.UpdateDetails(c.Request.Context(), c.Param("id"), callerAddress(c), patch)
	respond(c, http.StatusOK, "invoice", inv, err)
}

// publishInvoice handles POST /v1/invoices/:id/publish
func (s *Server) publishInvoice(c *gin.Context) {
	inv, err := s.ledger.Publish(c.Request.Context(), c.Param("id"), callerAddress(c))
	respond(c, http.StatusOK, "invoice", inv, err)
}

// attachEscrow handles POST /v1/invoices/:id/escrow
func (s *Server) attachEscrow(c *gin.Context) {
	var req attachEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "escrowAddress is required")
		return
	}
	inv, err := s.ledger.AttachEscrow(c.Request.Context(), c.Param("id"), callerAddress(c), req.EscrowAddress)
	respond(c, http.StatusOK, "invoice", inv, err)
}

// quoteFees handles GET /v1/fees/quote?amount=12.50
func (s *Server) quoteFees(c *gin.Context) {
	amount, err := usdc.Parse(c.Query("amount"))
	if err != nil || amount <= 0 {
		badRequest(c, "amount must be a positive USDC amount, e.g. 12.50")
		return
	}
	quote, err := s.adapters.Quoter().Quote(c.Request.Context(), s.net, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote, "network": s.net})
}

// recordFunding handles POST /v1/invoices/:id/payments. The payer's client
// reports the funding transaction; the chain decides whether it counts.
func (s *Server) recordFunding(c *gin.Context) {
	var req fundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "txRef is required")
		return
	}
	res, err := s.reconciler.RecordFunding(c.Request.Context(), c.Param("id"), req.TxRef)
	s.finishFunding(c, res, err)
}

// recordMilestoneFunding handles POST /v1/invoices/:id/milestones/:milestoneId/payments
func (s *Server) recordMilestoneFunding(c *gin.Context) {
	var req fundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "txRef is required")
		return
	}
	res, err := s.reconciler.RecordMilestoneFunding(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), req.TxRef)
	s.finishFunding(c, res, err)
}

func (s *Server) finishFunding(c *gin.Context, res *reconciliation.Result, err error) {
	switch {
	case err == nil:
		metrics.FundingCallbacksTotal.WithLabelValues("recorded").Inc()
	case isPending(err):
		metrics.FundingCallbacksTotal.WithLabelValues("pending").Inc()
	default:
		metrics.FundingCallbacksTotal.WithLabelValues("rejected").Inc()
	}
	respond(c, http.StatusOK, "result", res, err)
}

// release handles POST /v1/invoices/:id/release
func (s *Server) release(c *gin.Context) {
	res, err := s.reconciler.Release(c.Request.Context(), c.Param("id"), callerAddress(c))
	respond(c, http.StatusOK, "result", res, err)
}

// refund handles POST /v1/invoices/:id/refund
func (s *Server) refund(c *gin.Context) {
	res, err := s.reconciler.Refund(c.Request.Context(), c.Param("id"), callerAddress(c))
	respond(c, http.StatusOK, "result", res, err)
}

// approveMilestone handles POST /v1/invoices/:id/milestones/:milestoneId/approve
func (s *Server) approveMilestone(c *gin.Context) {
	res, err := s.reconciler.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), callerAddress(c))
	respond(c, http.StatusOK, "result", res, err)
}

// releaseMilestone handles POST /v1/invoices/:id/milestones/:milestoneId/release
func (s *Server) releaseMilestone(c *gin.Context) {
	res, err := s.reconciler.ReleaseMilestone(c.Request.Context(), c.Param("id"), c.Param("milestoneId"), callerAddress(c))
	respond(c, http.StatusOK, "result", res, err)
}

// reconcile handles POST /v1/invoices/:id/reconcile. It only reads the
// chain, so any caller may trigger it.
func (s *Server) reconcile(c *gin.Context) {
	res, err := s.reconciler.Reconcile(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "result", res, err)
}

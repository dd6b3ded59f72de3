package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// Development routes exist only in simulated mode. They stand in for the
// wallet transactions a real deployment gets from the browser: deploying an
// invoice's escrow, funding it as the payer, and moving the chain clock.

type devFundRequest struct {
	MilestoneID string `json:"milestoneId"`
}

type devAdvanceRequest struct {
	Seconds int64 `json:"seconds" binding:"required"`
}

func (s *Server) registerDevRoutes(r *gin.RouterGroup) {
	r.POST("/dev/invoices/:id/deploy", s.devDeploy)
	r.POST("/dev/invoices/:id/fund", s.devFund)
	r.POST("/dev/advance", s.devAdvance)
}

// devDeploy deploys a simulated escrow for the invoice and attaches it.
func (s *Server) devDeploy(c *gin.Context) {
	ctx := c.Request.Context()
	inv, ms, err := s.ledger.Invoice(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if inv.Mode != ledger.ModeEscrow {
		writeError(c, validation.Fail("paymentMode", "invoice is not an escrow invoice"))
		return
	}

	var amounts []int64
	for _, m := range ms {
		amounts = append(amounts, m.Amount)
	}
	addr, err := s.sim.Deploy(inv.ContractVersion, inv.CreatorAddress, inv.Amount, inv.AutoReleaseDays, amounts)
	if err != nil {
		writeError(c, err)
		return
	}
	inv, err = s.ledger.AttachEscrow(ctx, inv.ID, callerAddress(c), addr)
	respond(c, http.StatusCreated, "invoice", inv, err)
}

// devFund funds the escrow from the caller's wallet and reports the
// transaction the way a payer's browser would.
func (s *Server) devFund(c *gin.Context) {
	var req devFundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body")
			return
		}
	}

	ctx := c.Request.Context()
	inv, ms, err := s.ledger.Invoice(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if inv.EscrowAddress == "" {
		writeError(c, validation.Fail("escrowAddress", "deploy the escrow first"))
		return
	}
	adapter, err := s.adapters.For(inv.ContractVersion)
	if err != nil {
		writeError(c, err)
		return
	}
	ref := escrow.NewRef(s.net, inv.EscrowAddress)
	payer := callerAddress(c)

	if req.MilestoneID == "" {
		rcpt, err := adapter.Fund(ctx, ref, payer)
		if err != nil {
			writeError(c, err)
			return
		}
		res, err := s.reconciler.RecordFunding(ctx, inv.ID, rcpt.TxHash)
		respond(c, http.StatusOK, "result", res, err)
		return
	}

	var target *ledger.Milestone
	for _, m := range ms {
		if m.ID == req.MilestoneID {
			target = m
		}
	}
	if target == nil {
		writeError(c, ledger.ErrMilestoneNotFound)
		return
	}
	rcpt, err := adapter.FundMilestone(ctx, ref, payer, target.Index)
	if errors.Is(err, escrow.ErrAlreadyFunded) {
		// V2 funds every milestone with the first deposit; sync the ledger
		// from the chain instead of reporting a transaction.
		res, err := s.reconciler.Reconcile(ctx, inv.ID)
		respond(c, http.StatusOK, "result", res, err)
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.reconciler.RecordMilestoneFunding(ctx, inv.ID, target.ID, rcpt.TxHash)
	respond(c, http.StatusOK, "result", res, err)
}

// devAdvance moves the simulated chain clock forward.
func (s *Server) devAdvance(c *gin.Context) {
	var req devAdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Seconds <= 0 {
		badRequest(c, "seconds must be positive")
		return
	}
	s.sim.Advance(time.Duration(req.Seconds) * time.Second)
	c.JSON(http.StatusOK, gin.H{"now": s.sim.Now()})
}

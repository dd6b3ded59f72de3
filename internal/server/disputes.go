package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arcinvoice/internal/arbitration"
	"github.com/mbd888/arcinvoice/internal/dispute"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/metrics"
)

type openDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// openDispute handles POST /v1/invoices/:id/disputes
func (s *Server) openDispute(c *gin.Context) {
	var req openDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "reason is required")
		return
	}
	d, err := s.negotiator.Open(c.Request.Context(), c.Param("id"), callerAddress(c), req.Reason)
	respond(c, http.StatusCreated, "dispute", d, err)
}

// latestDispute handles GET /v1/invoices/:id/dispute
func (s *Server) latestDispute(c *gin.Context) {
	d, err := s.negotiator.Latest(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "dispute", d, err)
}

// getDispute handles GET /v1/disputes/:id
func (s *Server) getDispute(c *gin.Context) {
	d, err := s.negotiator.Get(c.Request.Context(), c.Param("id"))
	respond(c, http.StatusOK, "dispute", d, err)
}

// proposeResolution handles POST /v1/disputes/:id/proposals
func (s *Server) proposeResolution(c *gin.Context) {
	var req dispute.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "resolution is required")
		return
	}
	d, err := s.negotiator.Propose(c.Request.Context(), c.Param("id"), callerAddress(c), req)
	respond(c, http.StatusOK, "dispute", d, err)
}

// acceptProposal handles POST /v1/disputes/:id/accept. Funds move before
// this returns; an unconfirmed settlement answers 202.
func (s *Server) acceptProposal(c *gin.Context) {
	d, err := s.negotiator.Accept(c.Request.Context(), c.Param("id"), callerAddress(c))
	respond(c, http.StatusOK, "dispute", d, err)
}

// rejectProposal handles POST /v1/disputes/:id/reject
func (s *Server) rejectProposal(c *gin.Context) {
	d, err := s.negotiator.Reject(c.Request.Context(), c.Param("id"), callerAddress(c))
	respond(c, http.StatusOK, "dispute", d, err)
}

// submitDisputeEvidence handles POST /v1/disputes/:id/evidence
func (s *Server) submitDisputeEvidence(c *gin.Context) {
	var req dispute.EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "content is required")
		return
	}
	e, err := s.negotiator.SubmitEvidence(c.Request.Context(), c.Param("id"), callerAddress(c), req)
	respond(c, http.StatusCreated, "evidence", e, err)
}

// listDisputeEvidence handles GET /v1/disputes/:id/evidence
func (s *Server) listDisputeEvidence(c *gin.Context) {
	list, err := s.negotiator.ListEvidence(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": list, "count": len(list)})
}

// escalate handles POST /v1/disputes/:id/escalate
func (s *Server) escalate(c *gin.Context) {
	kc, meta, err := s.bridge.Escalate(c.Request.Context(), c.Param("id"), callerAddress(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": kc, "metaEvidence": meta})
}

// submitCaseEvidence handles POST /v1/disputes/:id/arbitration/evidence
func (s *Server) submitCaseEvidence(c *gin.Context) {
	var req arbitration.EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "name and description are required")
		return
	}
	e, err := s.bridge.SubmitEvidence(c.Request.Context(), c.Param("id"), callerAddress(c), req)
	respond(c, http.StatusCreated, "evidence", e, err)
}

// getCase handles GET /v1/disputes/:id/arbitration
func (s *Server) getCase(c *gin.Context) {
	ctx := c.Request.Context()
	kc, err := s.bridge.Case(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	evidence, err := s.bridge.ListEvidence(ctx, kc.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": kc, "evidence": evidence})
}

// executeRuling handles POST /v1/arbitration/cases/:caseId/execute
func (s *Server) executeRuling(c *gin.Context) {
	kc, err := s.bridge.Execute(c.Request.Context(), c.Param("caseId"))
	respond(c, http.StatusOK, "case", kc, err)
}

// rulingWebhook handles POST /v1/arbitration/rulings, called by the court.
// The body must carry a valid HMAC. The ruling is recorded first and then
// executed; an execution failure is left to the arbitration timer and does
// not make the court redeliver.
func (s *Server) rulingWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "Could not read body")
		return
	}
	if err := arbitration.VerifySignature(s.cfg.ArbitrationWebhookSecret, body, c.GetHeader(arbitration.SignatureHeader)); err != nil {
		metrics.RulingWebhooksTotal.WithLabelValues("invalid_signature").Inc()
		writeError(c, err)
		return
	}

	var req arbitration.RulingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.RulingWebhooksTotal.WithLabelValues("invalid").Inc()
		badRequest(c, "Invalid ruling payload")
		return
	}

	ctx := c.Request.Context()
	kc, err := s.bridge.ApplyRuling(ctx, req)
	if err != nil {
		metrics.RulingWebhooksTotal.WithLabelValues("rejected").Inc()
		writeError(c, err)
		return
	}
	metrics.RulingWebhooksTotal.WithLabelValues("applied").Inc()

	if executed, err := s.bridge.Execute(ctx, kc.ID); err != nil {
		logging.L(ctx).Warn("ruling recorded, execution deferred", "case_id", kc.ID, "error", err)
	} else {
		kc = executed
	}
	c.JSON(http.StatusOK, gin.H{"case": kc})
}

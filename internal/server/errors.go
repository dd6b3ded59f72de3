package server

import (
	"context"
	"errors"
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/arcinvoice/internal/arbitration"
	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/dispute"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/pagination"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// errorClass maps a family of sentinel errors to a status and error code.
type errorClass struct {
	status int
	code   string
	errs   []error
}

// Order matters: pending classes come first because a pending settlement
// also wraps the chain error that caused it.
var errorClasses = []errorClass{
	{http.StatusAccepted, "settlement_pending", []error{
		dispute.ErrSettlementPending,
		arbitration.ErrExecutionPending,
		reconciliation.ErrStaleBookkeeping,
		chain.ErrUnconfirmed,
	}},
	{http.StatusBadRequest, "validation_error", []error{
		validation.ErrInvalid,
		pagination.ErrInvalidCursor,
		reconciliation.ErrInvalidTxRef,
		reconciliation.ErrInvalidResolution,
		arbitration.ErrUnknownRuling,
		escrow.ErrInvalidAmount,
		escrow.ErrInvalidMilestone,
		escrow.ErrUnknownVersion,
	}},
	{http.StatusUnauthorized, "invalid_signature", []error{
		arbitration.ErrInvalidSignature,
	}},
	{http.StatusForbidden, "forbidden", []error{
		ledger.ErrNotCreator,
		dispute.ErrNotParty,
		dispute.ErrOwnProposal,
		escrow.ErrUnauthorized,
		chain.ErrNoSigner,
	}},
	{http.StatusNotFound, "not_found", []error{
		ledger.ErrInvoiceNotFound,
		ledger.ErrMilestoneNotFound,
		ledger.ErrDisputeNotFound,
		ledger.ErrCaseNotFound,
		chain.ErrTxNotFound,
	}},
	{http.StatusUnprocessableEntity, "payment_failed", []error{
		reconciliation.ErrPaymentFailed,
		chain.ErrTxFailed,
	}},
	{http.StatusConflict, "conflict", []error{
		ledger.ErrStatusConflict,
		ledger.ErrActiveDispute,
		ledger.ErrCaseExists,
		ledger.ErrEscrowAlreadySet,
		ledger.ErrNotEditable,
		ledger.ErrAlreadyClaimed,
		ledger.ErrAlreadyExecuted,
		ledger.ErrExecutionInProgress,
		reconciliation.ErrNotEscrow,
		reconciliation.ErrNotPayable,
		reconciliation.ErrSettled,
		reconciliation.ErrDisputed,
		dispute.ErrNotFunded,
		dispute.ErrInvalidStatus,
		dispute.ErrEscalated,
		dispute.ErrExpired,
		dispute.ErrSplitUnsupported,
		arbitration.ErrNotEscalatable,
		arbitration.ErrEvidenceClosed,
		arbitration.ErrRulingConflict,
		arbitration.ErrNotResolved,
		arbitration.ErrCaseNotSubmitted,
		arbitration.ErrEscrowHeld,
		escrow.ErrUnsupported,
		escrow.ErrInvalidState,
		escrow.ErrOutOfOrder,
		escrow.ErrTooEarly,
	}},
	{http.StatusServiceUnavailable, "unavailable", []error{
		arbitration.ErrCourtUnavailable,
		arbitration.ErrPinningFailed,
		chain.ErrWrongNetwork,
		context.DeadlineExceeded,
	}},
}

// classify returns the status and code for err, or 500.
func classify(err error) (int, string) {
	for _, class := range errorClasses {
		for _, target := range class.errs {
			if errors.Is(err, target) {
				return class.status, class.code
			}
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// isPending reports whether err means the request took effect on chain
// but is not final yet.
func isPending(err error) bool {
	status, _ := classify(err)
	return status == http.StatusAccepted
}

// writeError responds with the error envelope. Internal errors are logged
// and their detail withheld from the caller.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "An unexpected error occurred"
	}

	body := gin.H{"error": code, "message": msg}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.JSON(status, body)
}

// respond writes v under key with status on success. A pending error with
// a value still returns the value, with 202 and the reason.
func respond(c *gin.Context, status int, key string, v any, err error) {
	switch {
	case err == nil:
		c.JSON(status, gin.H{key: v})
	case isPending(err) && present(v):
		c.JSON(http.StatusAccepted, gin.H{key: v, "status": "pending", "message": err.Error()})
	default:
		writeError(c, err)
	}
}

func present(v any) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() != reflect.Pointer || !rv.IsNil()
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

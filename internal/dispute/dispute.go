// Package dispute runs the negotiation protocol over a funded invoice's
// escrow.
//
// Flow:
//  1. Either party opens a dispute on a funded invoice (7 day window)
//  2. One party proposes refund, release or split
//  3. The other party accepts (funds move once) or rejects (back to open)
//  4. Unresolved disputes expire, or escalate to arbitration
//
// The dispute record is the ledger's word on what the parties agreed; the
// fund movement itself goes through the reconciler.
package dispute

import (
	"context"
	"errors"

	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
)

var (
	ErrNotParty          = errors.New("dispute: only the invoice creator or payer may do this")
	ErrOwnProposal       = errors.New("dispute: the proposing party cannot answer its own proposal")
	ErrNotFunded         = errors.New("dispute: only funded invoices can be disputed")
	ErrInvalidStatus     = errors.New("dispute: invalid status for this operation")
	ErrEscalated         = errors.New("dispute: escalated to arbitration, negotiation is closed")
	ErrExpired           = errors.New("dispute: negotiation window has passed")
	ErrSplitUnsupported  = errors.New("dispute: this escrow version cannot split funds")
	ErrSettlementPending = errors.New("dispute: settlement sent but not yet confirmed")

	// ErrActiveDispute is returned when the invoice already has a dispute in
	// negotiation or arbitration.
	ErrActiveDispute = ledger.ErrActiveDispute
)

// Input limits.
const (
	MinReasonLength   = 10
	MaxReasonLength   = 2000
	MinEvidenceLength = 10
	MaxEvidenceLength = 5000
)

// Settler moves escrowed funds for a resolution. *reconciliation.Reconciler
// implements it.
type Settler interface {
	Settle(ctx context.Context, invoiceID string, outcome reconciliation.Outcome) (*reconciliation.Result, error)
}

// ProposeRequest is a resolution proposal. Amounts are only read for
// split; refund and release fill them from the invoice amount.
type ProposeRequest struct {
	Resolution    ledger.Resolution `json:"resolution" binding:"required"`
	PayerAmount   int64             `json:"payerAmount"`
	CreatorAmount int64             `json:"creatorAmount"`
}

// EvidenceRequest is a piece of negotiation evidence.
type EvidenceRequest struct {
	Content string `json:"content" binding:"required"`
	FileURL string `json:"fileUrl"`
}

// LockKey is the lock table key for dispute work on an invoice. It differs
// from the reconciler's invoice key so a negotiator holding it can still
// call Settle.
func LockKey(invoiceID string) string {
	return "dispute:" + invoiceID
}

// splitAmounts resolves the payer/creator amounts for a proposal.
func splitAmounts(req ProposeRequest, amount int64) (payer, creator int64) {
	switch req.Resolution {
	case ledger.ResolutionRefund:
		return amount, 0
	case ledger.ResolutionRelease:
		return 0, amount
	}
	return req.PayerAmount, req.CreatorAmount
}

package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/traces"
)

// movement sends one escrow transaction for an invoice.
type movement func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, inv *ledger.Invoice, ms []*ledger.Milestone) (*chain.Receipt, error)

// Release pays the creator in full from a V1 escrow. actor must be the
// payer.
func (r *Reconciler) Release(ctx context.Context, invoiceID, actor string) (*Result, error) {
	return r.move(ctx, "release", invoiceID, func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, _ *ledger.Invoice, _ []*ledger.Milestone) (*chain.Receipt, error) {
		return a.Release(ctx, ref, actor)
	})
}

// Refund returns the escrowed funds to the payer. actor must be the
// creator.
func (r *Reconciler) Refund(ctx context.Context, invoiceID, actor string) (*Result, error) {
	return r.move(ctx, "refund", invoiceID, func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, _ *ledger.Invoice, _ []*ledger.Milestone) (*chain.Receipt, error) {
		return a.Refund(ctx, ref, actor)
	})
}

// ApproveMilestone approves a V2 milestone for release. actor must be the
// payer.
func (r *Reconciler) ApproveMilestone(ctx context.Context, invoiceID, milestoneID, actor string) (*Result, error) {
	return r.move(ctx, "approve_milestone", invoiceID, func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, _ *ledger.Invoice, ms []*ledger.Milestone) (*chain.Receipt, error) {
		m := findMilestone(ms, milestoneID)
		if m == nil {
			return nil, ledger.ErrMilestoneNotFound
		}
		return a.ApproveMilestone(ctx, ref, actor, m.Index)
	})
}

// ReleaseMilestone pays out one milestone. Releasing the last one settles
// the invoice.
func (r *Reconciler) ReleaseMilestone(ctx context.Context, invoiceID, milestoneID, actor string) (*Result, error) {
	return r.move(ctx, "release_milestone", invoiceID, func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, _ *ledger.Invoice, ms []*ledger.Milestone) (*chain.Receipt, error) {
		m := findMilestone(ms, milestoneID)
		if m == nil {
			return nil, ledger.ErrMilestoneNotFound
		}
		if m.Status == ledger.MilestoneReleased {
			return nil, fmt.Errorf("%w: milestone %d already released", escrow.ErrInvalidState, m.Index)
		}
		return a.ReleaseMilestone(ctx, ref, actor, m.Index)
	})
}

// AutoRelease releases an escrow whose auto-release window has passed.
// Invoices with an unresolved or escalated dispute, or with a court ruling
// not yet executed, are skipped.
func (r *Reconciler) AutoRelease(ctx context.Context, invoiceID string) (*Result, error) {
	blocked, err := r.disputeBlocks(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrDisputed
	}
	res, err := r.move(ctx, "auto_release", invoiceID, func(ctx context.Context, a escrow.Adapter, ref escrow.Ref, inv *ledger.Invoice, _ []*ledger.Milestone) (*chain.Receipt, error) {
		actor := r.operator
		if actor == "" {
			actor = inv.CreatorAddress
		}
		return a.AutoRelease(ctx, ref, actor)
	})
	if err == nil {
		autoReleasesTotal.Inc()
	}
	return res, err
}

// Settle moves escrowed funds according to a dispute outcome: refund sends
// everything back to the payer, release pays the creator, split sends
// PayerAmount to the payer and the rest to the creator. A split larger
// than what is still held is capped at the held balance.
//
// If the escrow is already settled (an earlier attempt landed after its
// confirmation timed out, or a party acted directly) the observed outcome
// is recorded and no transaction is sent.
func (r *Reconciler) Settle(ctx context.Context, invoiceID string, outcome Outcome) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Settle",
		traces.InvoiceID(invoiceID), traces.Resolution(string(outcome.Resolution)), traces.Amount(outcome.PayerAmount))
	defer func() { traces.End(span, err) }()
	defer observe("settle", time.Now())

	if !outcome.Resolution.Valid() || outcome.PayerAmount < 0 {
		return nil, fmt.Errorf("%w: %q payer=%d", ErrInvalidResolution, outcome.Resolution, outcome.PayerAmount)
	}
	unlock, err := r.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, ms, err := r.load(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.EscrowAddress == "" {
		return nil, ErrNotEscrow
	}
	adapter, err := r.adapters.For(inv.ContractVersion)
	if err != nil {
		return nil, err
	}
	ref := escrow.NewRef(r.net, inv.EscrowAddress)
	state, err := adapter.State(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read escrow %s: %w", inv.EscrowAddress, err)
	}
	if state.Lifecycle.IsTerminal() {
		logging.L(ctx, r.logger).Info("escrow already settled, recording outcome",
			"invoice_id", inv.ID, "escrow_state", state.Raw, "resolution", outcome.Resolution)
		return r.apply(ctx, inv, ms, state, "")
	}
	if state.Lifecycle != escrow.LifecycleFunded {
		return nil, fmt.Errorf("%w: escrow is %s", escrow.ErrInvalidState, state.Raw)
	}
	if inv.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: ledger shows %s", ErrSettled, inv.Status)
	}

	var rcpt *chain.Receipt
	switch outcome.Resolution {
	case ledger.ResolutionRefund:
		rcpt, err = adapter.Refund(ctx, ref, state.Creator)
	case ledger.ResolutionRelease:
		if inv.ContractVersion == ledger.ContractV1 {
			rcpt, err = adapter.Release(ctx, ref, state.Payer)
		} else {
			rcpt, err = adapter.SplitFunds(ctx, ref, state.Creator, 0)
		}
	case ledger.ResolutionSplit:
		payer := min(outcome.PayerAmount, state.Held())
		rcpt, err = adapter.SplitFunds(ctx, ref, state.Creator, payer)
	}
	settlementsTotal.WithLabelValues(string(outcome.Resolution), outcomeLabel(err)).Inc()
	if err != nil {
		return r.moveFailed(ctx, inv, ms, rcpt, err)
	}
	return r.afterMove(ctx, adapter, ref, inv, ms, rcpt)
}

// move runs one fund movement under the invoice lock and reconciles the
// ledger from the resulting chain state.
func (r *Reconciler) move(ctx context.Context, op, invoiceID string, fn movement) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation."+op, traces.InvoiceID(invoiceID))
	defer func() { traces.End(span, err) }()
	defer observe(op, time.Now())

	unlock, err := r.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, ms, err := r.load(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.EscrowAddress == "" {
		return nil, ErrNotEscrow
	}
	if inv.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrSettled, inv.Status)
	}
	adapter, err := r.adapters.For(inv.ContractVersion)
	if err != nil {
		return nil, err
	}
	ref := escrow.NewRef(r.net, inv.EscrowAddress)
	rcpt, err := fn(ctx, adapter, ref, inv, ms)
	if err != nil {
		return r.moveFailed(ctx, inv, ms, rcpt, err)
	}
	return r.afterMove(ctx, adapter, ref, inv, ms, rcpt)
}

// moveFailed handles a transaction that did not confirm. An unconfirmed
// one is returned with its receipt so the caller can report the pending
// hash; the ledger is left for the sweep to settle.
func (r *Reconciler) moveFailed(ctx context.Context, inv *ledger.Invoice, ms []*ledger.Milestone, rcpt *chain.Receipt, err error) (*Result, error) {
	if errors.Is(err, chain.ErrUnconfirmed) {
		logging.L(ctx, r.logger).Warn("escrow transaction unconfirmed, leaving ledger for the sweep",
			"invoice_id", inv.ID, "tx_ref", txHash(rcpt), "error", err)
		return &Result{Invoice: inv, Milestones: ms, Receipt: rcpt}, err
	}
	return nil, err
}

// afterMove re-reads the escrow after a confirmed transaction and applies
// it. If that fails the funds have still moved, so the caller gets a
// SettlementError and Reconcile can finish the bookkeeping later.
func (r *Reconciler) afterMove(ctx context.Context, adapter escrow.Adapter, ref escrow.Ref, inv *ledger.Invoice, ms []*ledger.Milestone, rcpt *chain.Receipt) (*Result, error) {
	tx := txHash(rcpt)
	state, err := adapter.State(ctx, ref)
	if err == nil {
		res, aerr := r.apply(ctx, inv, ms, state, tx)
		if aerr == nil {
			res.Receipt = rcpt
			return res, nil
		}
		err = aerr
	}
	staleBookkeepingTotal.Inc()
	logging.L(ctx, r.logger).Error("CRITICAL: escrow transaction confirmed but ledger update failed",
		"invoice_id", inv.ID, "tx_ref", tx, "error", err)
	return &Result{Invoice: inv, Milestones: ms, Receipt: rcpt}, &SettlementError{InvoiceID: inv.ID, TxRef: tx, Err: err}
}

// disputeBlocks reports whether the invoice has a dispute that is still
// being negotiated or arbitrated, or a ruling that has not been carried
// out yet.
func (r *Reconciler) disputeBlocks(ctx context.Context, invoiceID string) (bool, error) {
	ds, err := r.store.ListDisputes(ctx, invoiceID)
	if err != nil {
		return false, err
	}
	for _, d := range ds {
		if d.Status.IsActive() || d.Status == ledger.DisputeEscalated {
			return true, nil
		}
		if d.Status != ledger.DisputeResolved {
			continue
		}
		c, err := r.store.GetCaseByDispute(ctx, d.ID)
		switch {
		case errors.Is(err, ledger.ErrCaseNotFound):
		case err != nil:
			return false, err
		case !c.Executed:
			return true, nil
		}
	}
	return false, nil
}

// NoFundsMoved reports whether err from a fund movement guarantees nothing
// was sent or nothing landed, so the caller may drop its claim and retry.
// Unconfirmed sends, settlement errors and unclassified failures (RPC
// outages mid-send) report false.
func NoFundsMoved(err error) bool {
	for _, target := range []error{
		escrow.ErrUnauthorized,
		escrow.ErrInvalidState,
		escrow.ErrUnsupported,
		escrow.ErrInvalidAmount,
		escrow.ErrUnknownVersion,
		chain.ErrWrongNetwork,
		chain.ErrTxFailed,
		ErrNotEscrow,
		ErrInvalidResolution,
		ErrSettled,
		ledger.ErrInvoiceNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func txHash(r *chain.Receipt) string {
	if r == nil {
		return ""
	}
	return r.TxHash
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, chain.ErrUnconfirmed):
		return "unknown"
	}
	return "error"
}

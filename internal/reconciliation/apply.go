package reconciliation

import (
	"context"
	"fmt"

	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/notify"
)

// apply moves the invoice and its milestones forward to what state shows.
// It is idempotent: applying the same state twice writes nothing the second
// time. Records never move backwards, and a settled invoice is never
// rewritten even if the chain disagrees (that is logged for an operator).
// txRef, when set, is recorded as the transaction behind the change.
//
// A failed write is retried once against freshly loaded records.
func (r *Reconciler) apply(ctx context.Context, inv *ledger.Invoice, ms []*ledger.Milestone, state *escrow.State, txRef string) (*Result, error) {
	res, err := r.applyOnce(ctx, inv, ms, state, txRef)
	if err == nil {
		return res, nil
	}
	fresh, freshMs, lerr := r.load(ctx, inv.ID)
	if lerr != nil {
		return nil, err
	}
	return r.applyOnce(ctx, fresh, freshMs, state, txRef)
}

func (r *Reconciler) applyOnce(ctx context.Context, inv *ledger.Invoice, ms []*ledger.Milestone, state *escrow.State, txRef string) (*Result, error) {
	now := r.now().UTC()
	var events []notify.Event
	changed := false

	for _, m := range ms {
		if m.Index < 0 || m.Index >= len(state.Milestones) {
			continue
		}
		cs := state.Milestones[m.Index]
		target := milestoneTarget(cs)
		if target.Rank() <= m.Status.Rank() {
			continue
		}
		prev := m.Status
		if cs.Funded && m.FundedAt == nil {
			m.FundedAt = &now
		}
		if cs.Approved && m.ApprovedAt == nil {
			m.ApprovedAt = &now
		}
		if cs.Released && m.ReleasedAt == nil {
			m.ReleasedAt = &now
		}
		if m.TxRef == "" && prev == ledger.MilestonePending {
			m.TxRef = txRef
		}
		m.Status = target
		m.UpdatedAt = now
		if err := r.store.UpdateMilestone(ctx, m, prev); err != nil {
			return nil, fmt.Errorf("update milestone %d: %w", m.Index, err)
		}
		changed = true
		milestoneTransitionsTotal.WithLabelValues(string(prev), string(target)).Inc()
		events = append(events, milestoneEvents(inv, m, prev, txRef)...)
	}

	target := invoiceTarget(inv, ms, state)
	if inv.Status.IsTerminal() && target != inv.Status {
		logging.L(ctx, r.logger).Error("ledger and escrow disagree on a settled invoice",
			"invoice_id", inv.ID, "ledger_status", inv.Status, "escrow_state", state.Raw)
		divergenceTotal.Inc()
		return &Result{Invoice: inv, Milestones: ms, Escrow: state, Changed: changed}, nil
	}

	prev := inv.Status
	dirty := false
	if target.Rank() > prev.Rank() {
		inv.Status = target
		dirty = true
		if inv.FundedAt == nil {
			fundedAt := now
			if state.FundedAt != nil {
				fundedAt = *state.FundedAt
			}
			inv.FundedAt = &fundedAt
		}
		if target.IsTerminal() {
			inv.SettledAt = &now
		}
		if txRef != "" {
			inv.TxRef = txRef
		}
	}
	if inv.PayerAddress == "" && state.Payer != "" {
		inv.PayerAddress = state.Payer
		dirty = true
	}
	if dirty {
		inv.UpdatedAt = now
		if err := r.store.UpdateInvoice(ctx, inv, prev); err != nil {
			return nil, fmt.Errorf("update invoice: %w", err)
		}
		changed = true
	}
	if inv.Status != prev {
		transitionsTotal.WithLabelValues(string(prev), string(inv.Status)).Inc()
		events = append(events, invoiceEvents(inv, ms, prev, txRef)...)
		logging.L(ctx, r.logger).Info("invoice reconciled",
			"invoice_id", inv.ID, "from", prev, "to", inv.Status, "escrow_state", state.Raw, "tx_ref", txRef)
	}

	for _, e := range events {
		r.emit(ctx, e)
	}
	return &Result{Invoice: inv, Milestones: ms, Escrow: state, Changed: changed}, nil
}

func milestoneTarget(cs escrow.MilestoneState) ledger.MilestoneStatus {
	switch {
	case cs.Released:
		return ledger.MilestoneReleased
	case cs.Approved:
		return ledger.MilestoneApproved
	case cs.Funded:
		return ledger.MilestoneFunded
	}
	return ledger.MilestonePending
}

// invoiceTarget is the invoice status the chain implies. For milestone
// invoices the status is derived from the milestones: funded once any is
// funded, released only when all are released.
func invoiceTarget(inv *ledger.Invoice, ms []*ledger.Milestone, state *escrow.State) ledger.InvoiceStatus {
	switch state.Lifecycle {
	case escrow.LifecycleRefunded:
		return ledger.InvoiceRefunded
	case escrow.LifecycleReleased:
		return ledger.InvoiceReleased
	}
	if len(ms) > 0 {
		all, some := true, false
		for _, m := range ms {
			if m.Status != ledger.MilestoneReleased {
				all = false
			}
			if m.Status != ledger.MilestonePending {
				some = true
			}
		}
		if all {
			return ledger.InvoiceReleased
		}
		if some && inv.Status.Rank() < ledger.InvoiceFunded.Rank() {
			return ledger.InvoiceFunded
		}
		return inv.Status
	}
	if state.Lifecycle == escrow.LifecycleFunded && inv.Status.Rank() < ledger.InvoiceFunded.Rank() {
		return ledger.InvoiceFunded
	}
	return inv.Status
}

func milestoneEvents(inv *ledger.Invoice, m *ledger.Milestone, prev ledger.MilestoneStatus, txRef string) []notify.Event {
	base := notify.Event{InvoiceID: inv.ID, MilestoneID: m.ID, Amount: m.Amount, TxRef: txRef,
		Data: map[string]any{"index": m.Index}}
	var out []notify.Event
	for _, step := range []struct {
		status ledger.MilestoneStatus
		event  notify.EventType
	}{
		{ledger.MilestoneFunded, notify.MilestoneFunded},
		{ledger.MilestoneApproved, notify.MilestoneApproved},
		{ledger.MilestoneReleased, notify.MilestoneReleased},
	} {
		if prev.Rank() < step.status.Rank() && m.Status.Rank() >= step.status.Rank() {
			if step.status == ledger.MilestoneApproved && m.ApprovedAt == nil {
				continue
			}
			e := base
			e.Type = step.event
			out = append(out, e)
		}
	}
	return out
}

func invoiceEvents(inv *ledger.Invoice, ms []*ledger.Milestone, prev ledger.InvoiceStatus, txRef string) []notify.Event {
	base := notify.Event{InvoiceID: inv.ID, Actor: inv.PayerAddress, Amount: inv.Amount, TxRef: txRef}
	var out []notify.Event
	if len(ms) == 0 && prev.Rank() < ledger.InvoiceFunded.Rank() && inv.Status.Rank() >= ledger.InvoiceFunded.Rank() {
		e := base
		e.Type = notify.EscrowFunded
		out = append(out, e)
	}
	switch inv.Status {
	case ledger.InvoiceReleased:
		e := base
		e.Type = notify.FundsReleased
		out = append(out, e)
	case ledger.InvoiceRefunded:
		e := base
		e.Type = notify.FundsRefunded
		out = append(out, e)
	}
	return out
}

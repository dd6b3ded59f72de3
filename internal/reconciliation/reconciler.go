// Package reconciliation keeps invoice and milestone records in step with
// the escrow contracts that hold their funds.
//
// Client callbacks, fund-movement primitives, the log watcher and the
// periodic sweep all end in the same transition function (apply), which
// compares the ledger with a fresh chain read and only ever moves records
// forward. The chain decides where the money is; the ledger decides what
// the parties agreed.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/syncutil"
	"github.com/mbd888/arcinvoice/internal/traces"
	"github.com/mbd888/arcinvoice/internal/validation"
)

var (
	ErrInvalidTxRef      = errors.New("reconciliation: malformed transaction reference")
	ErrNotEscrow         = errors.New("reconciliation: invoice has no escrow contract")
	ErrNotPayable        = errors.New("reconciliation: invoice is not open for payment")
	ErrSettled           = errors.New("reconciliation: invoice is already settled")
	ErrDisputed          = errors.New("reconciliation: invoice has an unresolved dispute")
	ErrPaymentFailed     = errors.New("reconciliation: payment transaction failed on-chain")
	ErrInvalidResolution = errors.New("reconciliation: invalid settlement outcome")

	// ErrStaleBookkeeping means funds moved on-chain but the ledger could
	// not be updated. Reconcile repairs the record without touching the
	// chain again.
	ErrStaleBookkeeping = errors.New("reconciliation: funds moved but ledger is stale")
)

// SettlementError reports a confirmed fund movement whose ledger write
// failed. errors.Is matches both ErrStaleBookkeeping and the cause.
type SettlementError struct {
	InvoiceID string
	TxRef     string
	Err       error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement %s for invoice %s confirmed on-chain but ledger update failed: %v", e.TxRef, e.InvoiceID, e.Err)
}

func (e *SettlementError) Unwrap() []error {
	return []error{ErrStaleBookkeeping, e.Err}
}

// Result is the reconciled view of one invoice.
type Result struct {
	Invoice    *ledger.Invoice     `json:"invoice"`
	Milestones []*ledger.Milestone `json:"milestones,omitempty"`
	Escrow     *escrow.State       `json:"escrow,omitempty"`
	Receipt    *chain.Receipt      `json:"receipt,omitempty"`
	Changed    bool                `json:"changed"`
}

// Outcome is a negotiated or arbitrated fund distribution.
type Outcome struct {
	Resolution  ledger.Resolution `json:"resolution"`
	PayerAmount int64             `json:"payerAmount"`
}

// Reconciler is the invoice payment state machine.
type Reconciler struct {
	store    ledger.Store
	adapters *escrow.Adapters
	client   *chain.Client
	net      chain.Network
	operator string
	locks    *syncutil.KeyedMutex
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	autoRelease bool
	concurrency int
	batchSize   int
}

// New creates a Reconciler for invoices whose escrows live on net.
func New(store ledger.Store, adapters *escrow.Adapters, client *chain.Client, net chain.Network) *Reconciler {
	return &Reconciler{
		store:       store,
		adapters:    adapters,
		client:      client,
		net:         net,
		locks:       syncutil.NewKeyedMutex(),
		notifier:    notify.Nop{},
		logger:      logging.Discard(),
		now:         time.Now,
		concurrency: 8,
		batchSize:   500,
	}
}

// WithLogger sets the logger.
func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l
	return r
}

// WithNotifier sets where lifecycle events go.
func (r *Reconciler) WithNotifier(n notify.Notifier) *Reconciler {
	r.notifier = n
	return r
}

// WithClock overrides time.Now (tests).
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// WithOperator sets the address that sends permissionless transactions
// (auto-release).
func (r *Reconciler) WithOperator(addr string) *Reconciler {
	r.operator = validation.SanitizeAddress(addr)
	return r
}

// WithAutoRelease enables auto-release during sweeps.
func (r *Reconciler) WithAutoRelease(enabled bool) *Reconciler {
	r.autoRelease = enabled
	return r
}

// WithConcurrency bounds how many invoices a sweep reconciles at once.
func (r *Reconciler) WithConcurrency(n int) *Reconciler {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// Network returns the network the reconciler settles on.
func (r *Reconciler) Network() chain.Network { return r.net }

// Adapters returns the escrow adapters.
func (r *Reconciler) Adapters() *escrow.Adapters { return r.adapters }

// Locks returns the per-entity lock table, shared with the negotiator so
// that dispute and payment work on one invoice never interleave.
func (r *Reconciler) Locks() *syncutil.KeyedMutex { return r.locks }

func (r *Reconciler) lock(ctx context.Context, invoiceID string) (func(), error) {
	return r.locks.LockContext(ctx, "invoice:"+invoiceID)
}

// RecordFunding handles a client-reported funding transaction.
//
// The reference is validated before anything is read. An invoice that is
// already funded or settled is returned unchanged, so retried callbacks are
// harmless. For escrow invoices the chain is read and the ledger follows
// it; if the deposit is not visible yet the invoice stays pending until a
// later read sees it.
func (r *Reconciler) RecordFunding(ctx context.Context, invoiceID, txRef string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RecordFunding", traces.InvoiceID(invoiceID), traces.TxRef(txRef))
	defer func() { traces.End(span, err) }()
	defer observe("record_funding", time.Now())

	if !validation.IsValidTxRef(txRef) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTxRef, txRef)
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
	if inv.Status.Rank() >= ledger.InvoiceFunded.Rank() {
		return &Result{Invoice: inv, Milestones: ms}, nil
	}
	if inv.Status == ledger.InvoiceDraft {
		return nil, fmt.Errorf("%w: invoice is a draft", ErrNotPayable)
	}

	if inv.Mode == ledger.ModeDirect {
		return r.recordDirect(ctx, inv, txRef)
	}
	if inv.EscrowAddress == "" {
		return nil, ErrNotEscrow
	}
	return r.settleFromChain(ctx, inv, ms, txRef, true)
}

// RecordMilestoneFunding handles a client-reported milestone funding
// transaction. The milestone must belong to the invoice.
func (r *Reconciler) RecordMilestoneFunding(ctx context.Context, invoiceID, milestoneID, txRef string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RecordMilestoneFunding", traces.InvoiceID(invoiceID), traces.TxRef(txRef))
	defer func() { traces.End(span, err) }()
	defer observe("record_milestone_funding", time.Now())

	if !validation.IsValidTxRef(txRef) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTxRef, txRef)
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
	m := findMilestone(ms, milestoneID)
	if m == nil {
		return nil, ledger.ErrMilestoneNotFound
	}
	if m.Status.Rank() >= ledger.MilestoneFunded.Rank() || inv.Status.IsTerminal() {
		return &Result{Invoice: inv, Milestones: ms}, nil
	}
	if inv.Status == ledger.InvoiceDraft {
		return nil, fmt.Errorf("%w: invoice is a draft", ErrNotPayable)
	}
	if inv.EscrowAddress == "" {
		return nil, ErrNotEscrow
	}

	res, err = r.settleFromChain(ctx, inv, ms, "", true)
	if err != nil {
		return nil, err
	}
	if m := findMilestone(res.Milestones, milestoneID); m != nil && m.TxRef == "" && m.Status != ledger.MilestonePending {
		prev := m.Status
		m.TxRef = txRef
		m.UpdatedAt = r.now().UTC()
		if err := r.store.UpdateMilestone(ctx, m, prev); err != nil {
			r.logger.Warn("recording milestone tx ref failed", "milestone_id", m.ID, "error", err)
		}
	}
	return res, nil
}

// recordDirect settles a direct transfer. Off-chain provider references
// are trusted as settled; on-chain hashes are checked and settle only once
// confirmed.
func (r *Reconciler) recordDirect(ctx context.Context, inv *ledger.Invoice, txRef string) (*Result, error) {
	if validation.IsOnChainTxRef(txRef) && r.client != nil {
		rcpt, err := r.client.Status(ctx, r.net, txRef)
		if err != nil {
			return nil, err
		}
		switch rcpt.Phase {
		case chain.PhaseFailed:
			return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, txRef)
		case chain.PhaseConfirmed:
		default:
			// Not final yet: remember the reference so the sweep finishes it.
			if inv.TxRef == "" {
				prev := inv.Status
				inv.TxRef = txRef
				inv.UpdatedAt = r.now().UTC()
				if err := r.store.UpdateInvoice(ctx, inv, prev); err != nil {
					return nil, err
				}
			}
			return &Result{Invoice: inv, Receipt: rcpt}, nil
		}
	}

	prev := inv.Status
	now := r.now().UTC()
	inv.Status = ledger.InvoiceReleased
	inv.TxRef = txRef
	inv.FundedAt = &now
	inv.SettledAt = &now
	inv.UpdatedAt = now
	if err := r.store.UpdateInvoice(ctx, inv, prev); err != nil {
		if errors.Is(err, ledger.ErrStatusConflict) {
			cur, gerr := r.store.GetInvoice(ctx, inv.ID)
			if gerr == nil && cur.Status.Rank() >= ledger.InvoiceFunded.Rank() {
				return &Result{Invoice: cur}, nil
			}
		}
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(prev), string(inv.Status)).Inc()
	r.emit(ctx, notify.Event{Type: notify.PaymentReceived, InvoiceID: inv.ID, Amount: inv.Amount, TxRef: txRef})
	logging.L(ctx, r.logger).Info("direct payment recorded", "invoice_id", inv.ID, "tx_ref", txRef)
	return &Result{Invoice: inv, Changed: true}, nil
}

// Reconcile re-reads the chain for one invoice and brings the ledger up to
// date. It never sends a transaction, so it is the safe repair path after a
// SettlementError.
func (r *Reconciler) Reconcile(ctx context.Context, invoiceID string) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Reconcile", traces.InvoiceID(invoiceID))
	defer func() { traces.End(span, err) }()
	defer observe("reconcile", time.Now())

	unlock, err := r.lock(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, ms, err := r.load(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Mode == ledger.ModeDirect {
		if inv.Status == ledger.InvoicePending && inv.TxRef != "" {
			return r.recheckDirect(ctx, inv)
		}
		return &Result{Invoice: inv}, nil
	}
	if inv.EscrowAddress == "" {
		return &Result{Invoice: inv, Milestones: ms}, nil
	}
	return r.settleFromChain(ctx, inv, ms, "", false)
}

func (r *Reconciler) recheckDirect(ctx context.Context, inv *ledger.Invoice) (*Result, error) {
	txRef := inv.TxRef
	res, err := r.recordDirect(ctx, inv, txRef)
	if errors.Is(err, ErrPaymentFailed) {
		// Drop the failed reference so the payer can try again.
		prev := inv.Status
		inv.TxRef = ""
		inv.UpdatedAt = r.now().UTC()
		if uerr := r.store.UpdateInvoice(ctx, inv, prev); uerr != nil {
			return nil, uerr
		}
		logging.L(ctx, r.logger).Warn("direct payment failed on-chain", "invoice_id", inv.ID, "tx_ref", txRef)
		return &Result{Invoice: inv, Changed: true}, nil
	}
	return res, err
}

// settleFromChain reads the escrow and applies it. If the chain shows no
// funding yet and checkTx is set, a reported hash that already reverted is
// rejected; otherwise the invoice stays pending for a later read.
func (r *Reconciler) settleFromChain(ctx context.Context, inv *ledger.Invoice, ms []*ledger.Milestone, txRef string, checkTx bool) (*Result, error) {
	adapter, err := r.adapters.For(inv.ContractVersion)
	if err != nil {
		return nil, err
	}
	state, err := adapter.State(ctx, escrow.NewRef(r.net, inv.EscrowAddress))
	if err != nil {
		return nil, fmt.Errorf("read escrow %s: %w", inv.EscrowAddress, err)
	}
	if state.Lifecycle == escrow.LifecycleCreated {
		if checkTx && txRef != "" && validation.IsOnChainTxRef(txRef) && r.client != nil {
			rcpt, err := r.client.Status(ctx, r.net, txRef)
			if err == nil && rcpt.Phase == chain.PhaseFailed {
				return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, txRef)
			}
		}
		return &Result{Invoice: inv, Milestones: ms, Escrow: state}, nil
	}
	return r.apply(ctx, inv, ms, state, txRef)
}

// load reads an invoice and its milestones.
func (r *Reconciler) load(ctx context.Context, invoiceID string) (*ledger.Invoice, []*ledger.Milestone, error) {
	inv, err := r.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, nil, err
	}
	var ms []*ledger.Milestone
	if inv.ContractVersion.HasMilestones() {
		if ms, err = r.store.ListMilestones(ctx, invoiceID); err != nil {
			return nil, nil, err
		}
	}
	return inv, ms, nil
}

func (r *Reconciler) emit(ctx context.Context, e notify.Event) {
	r.notifier.Notify(ctx, notify.Stamp(e))
}

func findMilestone(ms []*ledger.Milestone, id string) *ledger.Milestone {
	for _, m := range ms {
		if m.ID == id {
			return m
		}
	}
	return nil
}

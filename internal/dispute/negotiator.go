package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/idgen"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/security"
	"github.com/mbd888/arcinvoice/internal/syncutil"
	"github.com/mbd888/arcinvoice/internal/traces"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// DefaultSettleRetryAfter is how long an accepted dispute whose settlement
// went out unconfirmed is left alone before the finalizer retries it.
const DefaultSettleRetryAfter = 10 * time.Minute

// Negotiator implements the dispute protocol.
type Negotiator struct {
	store    ledger.Store
	settler  Settler
	locks    *syncutil.KeyedMutex
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	settleRetryAfter time.Duration
	batchSize        int
}

// NewNegotiator creates a Negotiator. locks should be the reconciler's lock
// table so dispute and payment work share one discipline.
func NewNegotiator(store ledger.Store, settler Settler, locks *syncutil.KeyedMutex) *Negotiator {
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	return &Negotiator{
		store:            store,
		settler:          settler,
		locks:            locks,
		notifier:         notify.Nop{},
		logger:           logging.Discard(),
		now:              time.Now,
		settleRetryAfter: DefaultSettleRetryAfter,
		batchSize:        200,
	}
}

// WithLogger sets the logger.
func (n *Negotiator) WithLogger(l *slog.Logger) *Negotiator {
	n.logger = l
	return n
}

// WithNotifier sets where dispute events go.
func (n *Negotiator) WithNotifier(nt notify.Notifier) *Negotiator {
	n.notifier = nt
	return n
}

// WithClock overrides time.Now (tests).
func (n *Negotiator) WithClock(now func() time.Time) *Negotiator {
	n.now = now
	return n
}

// WithSettleRetryAfter sets how long an unconfirmed settlement is given
// before FinalizeAccepted tries again.
func (n *Negotiator) WithSettleRetryAfter(d time.Duration) *Negotiator {
	n.settleRetryAfter = d
	return n
}

// Open starts a dispute on a funded invoice. Only the creator or payer may
// open one, and only while no other dispute is being negotiated or
// arbitrated.
func (n *Negotiator) Open(ctx context.Context, invoiceID, actor, reason string) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open", traces.InvoiceID(invoiceID))
	defer func() { traces.End(span, err) }()
	defer observe("open", time.Now())

	actor = validation.SanitizeAddress(actor)
	reason = validation.SanitizeString(reason, MaxReasonLength+1)
	if err := validation.Validate(
		validation.Required("reason", reason),
		validation.MinLength("reason", reason, MinReasonLength),
		validation.MaxLength("reason", reason, MaxReasonLength),
	).Err(); err != nil {
		return nil, err
	}

	unlock, err := n.locks.LockContext(ctx, LockKey(invoiceID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	inv, err := n.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.IsParty(actor) {
		return nil, ErrNotParty
	}
	if inv.Status != ledger.InvoiceFunded {
		return nil, fmt.Errorf("%w: invoice is %s", ErrNotFunded, inv.Status)
	}
	existing, err := n.store.ListDisputes(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, e := range existing {
		if e.Status == ledger.DisputeEscalated {
			return nil, fmt.Errorf("%w: dispute %s is in arbitration", ErrActiveDispute, e.ID)
		}
	}

	now := n.now().UTC()
	d = &ledger.Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		InvoiceID: invoiceID,
		OpenedBy:  actor,
		Reason:    reason,
		Status:    ledger.DisputeOpen,
		ExpiresAt: now.Add(ledger.DisputeWindow),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := n.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	n.emit(ctx, notify.Event{Type: notify.DisputeOpened, InvoiceID: invoiceID, DisputeID: d.ID, Actor: actor,
		Amount: inv.Amount, Data: map[string]any{"expiresAt": d.ExpiresAt}})
	logging.L(ctx, n.logger).Info("dispute opened", "dispute_id", d.ID, "invoice_id", invoiceID, "opened_by", actor)
	return d, nil
}

// Propose records a resolution on an open dispute. Refund and release
// cover the whole invoice amount; a split must name both amounts and they
// must add up to it.
func (n *Negotiator) Propose(ctx context.Context, disputeID, actor string, req ProposeRequest) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Propose", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("propose", time.Now())

	actor = validation.SanitizeAddress(actor)
	if !req.Resolution.Valid() {
		return nil, validation.Fail("resolution", "must be one of refund, release, split")
	}

	d, inv, unlock, err := n.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !inv.IsParty(actor) {
		return nil, ErrNotParty
	}
	if err := n.negotiable(d, ledger.DisputeOpen); err != nil {
		return nil, err
	}

	payer, creator := splitAmounts(req, inv.Amount)
	if req.Resolution == ledger.ResolutionSplit {
		if inv.ContractVersion == ledger.ContractV1 {
			return nil, ErrSplitUnsupported
		}
		if err := validation.Validate(
			validation.IntBetween("payerAmount", payer, 1, inv.Amount-1),
			validation.IntBetween("creatorAmount", creator, 1, inv.Amount-1),
		).Err(); err != nil {
			return nil, err
		}
		if payer+creator != inv.Amount {
			return nil, validation.Fail("payerAmount", fmt.Sprintf("payer and creator amounts must add up to %d", inv.Amount))
		}
	}

	now := n.now().UTC()
	d.Status = ledger.DisputeProposed
	d.Resolution = req.Resolution
	d.PayerAmount = payer
	d.CreatorAmount = creator
	d.ProposedBy = actor
	d.ProposedAt = &now
	d.UpdatedAt = now
	if err := n.store.UpdateDispute(ctx, d, ledger.DisputeOpen); err != nil {
		return nil, err
	}

	n.emit(ctx, notify.Event{Type: notify.ResolutionProposed, InvoiceID: d.InvoiceID, DisputeID: d.ID, Actor: actor,
		Data: map[string]any{"resolution": d.Resolution, "payerAmount": payer, "creatorAmount": creator}})
	logging.L(ctx, n.logger).Info("resolution proposed",
		"dispute_id", d.ID, "resolution", d.Resolution, "payer_amount", payer, "creator_amount", creator)
	return d, nil
}

// Accept agrees to the pending proposal and settles the escrow. The
// acceptance is claimed on the record before any chain call, so a
// concurrent or repeated accept fails with ledger.ErrAlreadyClaimed instead
// of moving funds twice.
//
// If the settlement is sent but not confirmed in time the dispute stays
// claimed and ErrSettlementPending is returned; FinalizeAccepted completes
// it. A confirmed settlement whose invoice update failed still resolves the
// dispute and returns the *reconciliation.SettlementError.
func (n *Negotiator) Accept(ctx context.Context, disputeID, actor string) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Accept", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("accept", time.Now())

	actor = validation.SanitizeAddress(actor)
	d, inv, unlock, err := n.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !inv.IsParty(actor) {
		return nil, ErrNotParty
	}
	if err := n.negotiable(d, ledger.DisputeProposed); err != nil {
		return nil, err
	}
	if d.ProposedBy == actor {
		return nil, ErrOwnProposal
	}

	claimed, err := n.store.ClaimAcceptance(ctx, d.ID, actor, n.now().UTC())
	if err != nil {
		return nil, err
	}
	return n.settle(ctx, claimed)
}

// Reject turns down the pending proposal. The dispute returns to open with
// the proposal cleared, keeping its identity for the next round.
func (n *Negotiator) Reject(ctx context.Context, disputeID, actor string) (d *ledger.Dispute, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Reject", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("reject", time.Now())

	actor = validation.SanitizeAddress(actor)
	d, inv, unlock, err := n.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !inv.IsParty(actor) {
		return nil, ErrNotParty
	}
	if err := n.negotiable(d, ledger.DisputeProposed); err != nil {
		return nil, err
	}
	if d.ProposedBy == actor {
		return nil, ErrOwnProposal
	}
	if d.AcceptedAt != nil {
		return nil, ledger.ErrAlreadyClaimed
	}

	rejected := d.Resolution
	d.ClearProposal()
	d.UpdatedAt = n.now().UTC()
	if err := n.store.UpdateDispute(ctx, d, ledger.DisputeProposed); err != nil {
		return nil, err
	}

	n.emit(ctx, notify.Event{Type: notify.ResolutionRejected, InvoiceID: d.InvoiceID, DisputeID: d.ID, Actor: actor,
		Data: map[string]any{"resolution": rejected}})
	logging.L(ctx, n.logger).Info("resolution rejected", "dispute_id", d.ID, "resolution", rejected, "by", actor)
	return d, nil
}

// SubmitEvidence appends a note to the dispute. Evidence is accepted until
// the dispute is resolved or expired.
func (n *Negotiator) SubmitEvidence(ctx context.Context, disputeID, actor string, req EvidenceRequest) (e *ledger.Evidence, err error) {
	ctx, span := traces.StartSpan(ctx, "dispute.SubmitEvidence", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("submit_evidence", time.Now())

	actor = validation.SanitizeAddress(actor)
	content := validation.SanitizeString(req.Content, MaxEvidenceLength+1)
	fileURL := strings.TrimSpace(req.FileURL)
	if err := validation.Validate(
		validation.Required("content", content),
		validation.MinLength("content", content, MinEvidenceLength),
		validation.MaxLength("content", content, MaxEvidenceLength),
		validFileURL(fileURL),
	).Err(); err != nil {
		return nil, err
	}

	d, err := n.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	inv, err := n.store.GetInvoice(ctx, d.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !inv.IsParty(actor) {
		return nil, ErrNotParty
	}
	if d.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidStatus, d.Status)
	}

	e = &ledger.Evidence{
		ID:          idgen.WithPrefix("evd_"),
		DisputeID:   d.ID,
		SubmittedBy: actor,
		Content:     content,
		FileURL:     fileURL,
		CreatedAt:   n.now().UTC(),
	}
	if err := n.store.AddEvidence(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns a dispute.
func (n *Negotiator) Get(ctx context.Context, disputeID string) (*ledger.Dispute, error) {
	return n.store.GetDispute(ctx, disputeID)
}

// Latest returns the invoice's most recent dispute.
func (n *Negotiator) Latest(ctx context.Context, invoiceID string) (*ledger.Dispute, error) {
	ds, err := n.store.ListDisputes(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, ledger.ErrDisputeNotFound
	}
	return ds[0], nil
}

// ListEvidence returns a dispute's evidence, oldest first.
func (n *Negotiator) ListEvidence(ctx context.Context, disputeID string) ([]*ledger.Evidence, error) {
	if _, err := n.store.GetDispute(ctx, disputeID); err != nil {
		return nil, err
	}
	return n.store.ListEvidence(ctx, disputeID)
}

// ExpireStale closes disputes whose window passed without a resolution.
// Funds stay in escrow and the invoice resumes its normal lifecycle, which
// re-enables auto-release. Disputes with a claimed acceptance are left to
// FinalizeAccepted.
func (n *Negotiator) ExpireStale(ctx context.Context) (int, error) {
	now := n.now().UTC()
	stale, err := n.store.ListExpiredDisputes(ctx, now, n.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expired disputes: %w", err)
	}

	expired := 0
	for _, s := range stale {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := n.expire(ctx, s.ID, now)
		if err != nil {
			logging.L(ctx, n.logger).Warn("dispute expiry failed", "dispute_id", s.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (n *Negotiator) expire(ctx context.Context, disputeID string, now time.Time) (bool, error) {
	d, _, unlock, err := n.lockDispute(ctx, disputeID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if !d.Status.IsActive() || d.AcceptedAt != nil || !now.After(d.ExpiresAt) {
		return false, nil
	}
	prev := d.Status
	d.Status = ledger.DisputeExpired
	d.UpdatedAt = now
	if err := n.store.UpdateDispute(ctx, d, prev); err != nil {
		return false, err
	}
	disputesExpiredTotal.Inc()
	n.emit(ctx, notify.Event{Type: notify.DisputeExpired, InvoiceID: d.InvoiceID, DisputeID: d.ID})
	logging.L(ctx, n.logger).Info("dispute expired", "dispute_id", d.ID, "invoice_id", d.InvoiceID)
	return true, nil
}

// FinalizeAccepted completes accepted disputes whose settlement did not
// finish: a crash between claim and settlement, or a settlement that went
// out unconfirmed. Settle reads the escrow first, so a settlement that did
// land is recorded without a second transaction.
func (n *Negotiator) FinalizeAccepted(ctx context.Context) (int, error) {
	accepted, err := n.store.ListAcceptedDisputes(ctx, n.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list accepted disputes: %w", err)
	}

	now := n.now()
	done := 0
	for _, a := range accepted {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if a.AcceptedAt != nil && now.Sub(*a.AcceptedAt) < n.settleRetryAfter {
			continue
		}
		d, err := n.finalize(ctx, a.ID)
		if err != nil {
			logging.L(ctx, n.logger).Warn("finalizing accepted dispute failed", "dispute_id", a.ID, "error", err)
			continue
		}
		if d.Status == ledger.DisputeResolved {
			done++
		}
	}
	return done, nil
}

func (n *Negotiator) finalize(ctx context.Context, disputeID string) (*ledger.Dispute, error) {
	d, _, unlock, err := n.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if d.Status != ledger.DisputeProposed || d.AcceptedAt == nil {
		return d, nil
	}
	return n.settle(ctx, d)
}

// settle makes the one Settle call for a claimed dispute and records the
// outcome. Caller holds the dispute lock.
func (n *Negotiator) settle(ctx context.Context, d *ledger.Dispute) (*ledger.Dispute, error) {
	outcome := reconciliation.Outcome{Resolution: d.Resolution, PayerAmount: d.PayerAmount}
	res, err := n.settler.Settle(ctx, d.InvoiceID, outcome)

	var stale *reconciliation.SettlementError
	switch {
	case err == nil, errors.As(err, &stale):
	case errors.Is(err, chain.ErrUnconfirmed):
		if res != nil && res.Receipt != nil && d.SettlementTxRef == "" {
			d.SettlementTxRef = res.Receipt.TxHash
			d.UpdatedAt = n.now().UTC()
			if uerr := n.store.UpdateDispute(ctx, d, ledger.DisputeProposed); uerr != nil {
				logging.L(ctx, n.logger).Warn("recording pending settlement failed", "dispute_id", d.ID, "error", uerr)
			}
		}
		return d, fmt.Errorf("%w: %v", ErrSettlementPending, err)
	case reconciliation.NoFundsMoved(err):
		n.releaseClaim(ctx, d)
		return nil, err
	default:
		// The transaction may or may not have gone out; keep the claim so
		// FinalizeAccepted re-reads the escrow before trying again.
		return nil, err
	}

	now := n.now().UTC()
	d.Status = ledger.DisputeResolved
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if res != nil && res.Receipt != nil {
		d.SettlementTxRef = res.Receipt.TxHash
	}
	if uerr := n.store.UpdateDispute(ctx, d, ledger.DisputeProposed); uerr != nil {
		logging.L(ctx, n.logger).Error("CRITICAL: dispute settled on-chain but dispute record update failed",
			"dispute_id", d.ID, "invoice_id", d.InvoiceID, "tx_ref", d.SettlementTxRef, "error", uerr)
		return nil, errors.Join(uerr, err)
	}
	disputesResolvedTotal.WithLabelValues(string(d.Resolution)).Inc()

	e := notify.Event{Type: notify.DisputeResolved, InvoiceID: d.InvoiceID, DisputeID: d.ID, Actor: d.AcceptedBy,
		TxRef: d.SettlementTxRef, Data: map[string]any{"resolution": d.Resolution, "payerAmount": d.PayerAmount, "creatorAmount": d.CreatorAmount}}
	n.emit(ctx, e)
	logging.L(ctx, n.logger).Info("dispute resolved",
		"dispute_id", d.ID, "invoice_id", d.InvoiceID, "resolution", d.Resolution, "tx_ref", d.SettlementTxRef)
	return d, err
}

// releaseClaim drops an acceptance whose settlement was rejected before
// anything was sent, so the parties can retry or renegotiate.
func (n *Negotiator) releaseClaim(ctx context.Context, d *ledger.Dispute) {
	d.AcceptedBy = ""
	d.AcceptedAt = nil
	d.UpdatedAt = n.now().UTC()
	if err := n.store.UpdateDispute(ctx, d, ledger.DisputeProposed); err != nil {
		logging.L(ctx, n.logger).Warn("releasing acceptance claim failed", "dispute_id", d.ID, "error", err)
	}
}

// lockDispute takes the dispute lock for the dispute's invoice and returns
// fresh copies of both records.
func (n *Negotiator) lockDispute(ctx context.Context, disputeID string) (*ledger.Dispute, *ledger.Invoice, func(), error) {
	d, err := n.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := n.locks.LockContext(ctx, LockKey(d.InvoiceID))
	if err != nil {
		return nil, nil, nil, err
	}
	if d, err = n.store.GetDispute(ctx, disputeID); err != nil {
		unlock()
		return nil, nil, nil, err
	}
	inv, err := n.store.GetInvoice(ctx, d.InvoiceID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return d, inv, unlock, nil
}

// negotiable checks the dispute is in want and still inside its window.
func (n *Negotiator) negotiable(d *ledger.Dispute, want ledger.DisputeStatus) error {
	switch {
	case d.Status == ledger.DisputeEscalated:
		return ErrEscalated
	case d.Status != want:
		return fmt.Errorf("%w: dispute is %s, need %s", ErrInvalidStatus, d.Status, want)
	case n.now().After(d.ExpiresAt):
		return ErrExpired
	}
	return nil
}

func (n *Negotiator) emit(ctx context.Context, e notify.Event) {
	n.notifier.Notify(ctx, notify.Stamp(e))
}

func validFileURL(u string) validation.Rule {
	return func() *validation.ValidationError {
		if u == "" {
			return nil
		}
		if err := security.ValidateEvidenceURI(u); err != nil {
			return &validation.ValidationError{Field: "fileUrl", Message: "must be an http(s) or ipfs URL without credentials"}
		}
		return nil
	}
}

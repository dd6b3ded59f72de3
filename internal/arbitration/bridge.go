package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/dispute"
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

// DefaultClaimTimeout is how long an execution claim blocks other
// executors before it is considered abandoned.
const DefaultClaimTimeout = 10 * time.Minute

// Evidence limits.
const (
	MaxEvidenceNameLength        = 200
	MaxEvidenceDescriptionLength = 5000
)

// Settler moves escrowed funds for a ruling and re-reads the escrow when a
// ruling was carried out elsewhere. *reconciliation.Reconciler implements
// it.
type Settler interface {
	dispute.Settler
	Reconcile(ctx context.Context, invoiceID string) (*reconciliation.Result, error)
}

// Bridge moves disputes into arbitration and rulings back onto the escrow.
type Bridge struct {
	store    ledger.Store
	settler  Settler
	court    Court
	pinner   Pinner
	net      chain.Network
	locks    *syncutil.KeyedMutex
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time

	claimTimeout time.Duration
	batchSize    int
}

// NewBridge creates a Bridge. court may be nil, in which case cases stay
// pending until a court is configured. locks should be the reconciler's
// lock table.
func NewBridge(store ledger.Store, settler Settler, court Court, locks *syncutil.KeyedMutex) *Bridge {
	if locks == nil {
		locks = syncutil.NewKeyedMutex()
	}
	return &Bridge{
		store:        store,
		settler:      settler,
		court:        court,
		net:          chain.ArcTestnet,
		locks:        locks,
		notifier:     notify.Nop{},
		logger:       logging.Discard(),
		now:          time.Now,
		claimTimeout: DefaultClaimTimeout,
		batchSize:    100,
	}
}

// WithPinner sets where evidence documents are pinned.
func (b *Bridge) WithPinner(p Pinner) *Bridge {
	b.pinner = p
	return b
}

// WithNetwork sets the network reported to the court.
func (b *Bridge) WithNetwork(net chain.Network) *Bridge {
	b.net = net
	return b
}

// WithLogger sets the logger.
func (b *Bridge) WithLogger(l *slog.Logger) *Bridge {
	b.logger = l
	return b
}

// WithNotifier sets where arbitration events go.
func (b *Bridge) WithNotifier(n notify.Notifier) *Bridge {
	b.notifier = n
	return b
}

// WithClock overrides time.Now (tests).
func (b *Bridge) WithClock(now func() time.Time) *Bridge {
	b.now = now
	return b
}

// WithClaimTimeout sets how long an execution claim is honored.
func (b *Bridge) WithClaimTimeout(d time.Duration) *Bridge {
	if d > 0 {
		b.claimTimeout = d
	}
	return b
}

// Escalate takes a dispute out of negotiation and opens a court case for
// it. The case is recorded before the court is contacted; if the court is
// unreachable the case stays pending without an external id and SyncCases
// submits it later.
func (b *Bridge) Escalate(ctx context.Context, disputeID, actor string) (c *ledger.KlerosCase, meta *MetaEvidence, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Escalate", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("escalate", time.Now())

	actor = validation.SanitizeAddress(actor)
	d, inv, unlock, err := b.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if !inv.IsParty(actor) {
		return nil, nil, dispute.ErrNotParty
	}
	switch {
	case d.Status == ledger.DisputeEscalated:
		return nil, nil, fmt.Errorf("%w: dispute %s is already in arbitration", ErrCaseExists, d.ID)
	case !d.Status.IsActive():
		return nil, nil, fmt.Errorf("%w: dispute is %s", ErrNotEscalatable, d.Status)
	case d.AcceptedAt != nil:
		return nil, nil, fmt.Errorf("%w: an accepted resolution is being settled", ErrNotEscalatable)
	case b.now().After(d.ExpiresAt):
		return nil, nil, dispute.ErrExpired
	case inv.EscrowAddress == "":
		return nil, nil, fmt.Errorf("%w: invoice has no escrow contract", ErrNotEscalatable)
	}

	m := NewMetaEvidence(inv.ShortCode, inv.Amount, d.Reason)
	now := b.now().UTC()
	c = &ledger.KlerosCase{
		ID:               idgen.WithPrefix("case_"),
		DisputeID:        d.ID,
		Status:           ledger.CasePending,
		EvidenceDeadline: now.Add(ledger.EvidencePeriod),
		MetaEvidenceURI:  b.pin(ctx, "meta-evidence-"+d.ID, m),
		FeePaidBy:        actor,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := b.store.CreateCase(ctx, c); err != nil {
		if !errors.Is(err, ErrCaseExists) {
			return nil, nil, err
		}
		// A previous attempt created the case but did not flip the dispute.
		if c, err = b.store.GetCaseByDispute(ctx, d.ID); err != nil {
			return nil, nil, err
		}
	}

	prev := d.Status
	d.Status = ledger.DisputeEscalated
	d.EscalatedAt = &now
	d.UpdatedAt = now
	if err := b.store.UpdateDispute(ctx, d, prev); err != nil {
		return nil, nil, err
	}

	if err := b.submit(ctx, c, d, inv, m); err != nil {
		logging.L(ctx, b.logger).Warn("court submission failed, case left pending",
			"case_id", c.ID, "dispute_id", d.ID, "error", err)
	}

	b.emit(ctx, notify.Event{Type: notify.DisputeEscalated, InvoiceID: inv.ID, DisputeID: d.ID, CaseID: c.ID,
		Actor: actor, Amount: inv.Amount, Data: map[string]any{"evidenceDeadline": c.EvidenceDeadline, "externalId": c.ExternalID}})
	logging.L(ctx, b.logger).Info("dispute escalated",
		"dispute_id", d.ID, "case_id", c.ID, "external_id", c.ExternalID, "by", actor)
	return c, &m, nil
}

// SubmitEvidence pins a piece of evidence for the dispute's case. Evidence
// is accepted while the case is pending or collecting evidence, up to the
// deadline.
func (b *Bridge) SubmitEvidence(ctx context.Context, disputeID, actor string, req EvidenceRequest) (e *ledger.CaseEvidence, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.SubmitEvidence", traces.DisputeID(disputeID))
	defer func() { traces.End(span, err) }()
	defer observe("submit_evidence", time.Now())

	actor = validation.SanitizeAddress(actor)
	req.Name = validation.SanitizeString(req.Name, MaxEvidenceNameLength+1)
	req.Description = validation.SanitizeString(req.Description, MaxEvidenceDescriptionLength+1)
	req.FileURI = strings.TrimSpace(req.FileURI)
	if err := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, MaxEvidenceNameLength),
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, MaxEvidenceDescriptionLength),
		validEvidenceURI(req.FileURI),
	).Err(); err != nil {
		return nil, err
	}

	_, inv, unlock, err := b.lockDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if !inv.IsParty(actor) {
		return nil, dispute.ErrNotParty
	}
	c, err := b.store.GetCaseByDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	now := b.now().UTC()
	if (c.Status != ledger.CasePending && c.Status != ledger.CaseInEvidence) || now.After(c.EvidenceDeadline) {
		return nil, fmt.Errorf("%w: case is %s, deadline %s", ErrEvidenceClosed, c.Status, c.EvidenceDeadline.Format(time.RFC3339))
	}

	e = &ledger.CaseEvidence{
		ID:          idgen.WithPrefix("kev_"),
		CaseID:      c.ID,
		SubmittedBy: actor,
		Name:        req.Name,
		Description: req.Description,
		URI:         b.pin(ctx, "evidence-"+c.ID, newEvidenceDocument(req)),
		CreatedAt:   now,
	}
	if err := b.store.AddCaseEvidence(ctx, e); err != nil {
		return nil, err
	}

	if c.Status == ledger.CasePending {
		c.Status = ledger.CaseInEvidence
		c.UpdatedAt = now
		if err := b.store.UpdateCase(ctx, c, ledger.CasePending); err != nil {
			logging.L(ctx, b.logger).Warn("moving case to evidence failed", "case_id", c.ID, "error", err)
		}
	}
	logging.L(ctx, b.logger).Info("arbitration evidence submitted", "case_id", c.ID, "evidence_id", e.ID, "uri", e.URI)
	return e, nil
}

// ApplyRuling records a court ruling on the case and its dispute. The case
// is looked up by the court's id, then by the internal dispute id. A
// repeated delivery of the same ruling returns the case unchanged; a
// different ruling for a resolved case is ErrRulingConflict. Funds are
// moved by Execute.
func (b *Bridge) ApplyRuling(ctx context.Context, req RulingRequest) (c *ledger.KlerosCase, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.ApplyRuling")
	defer func() { traces.End(span, err) }()
	defer observe("apply_ruling", time.Now())

	ref := strings.TrimSpace(req.CaseRef)
	if ref == "" {
		return nil, validation.Fail("disputeId", "is required")
	}
	if req.Ruling == nil {
		return nil, validation.Fail("ruling", "is required")
	}
	r := Ruling(*req.Ruling)
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRuling, *req.Ruling)
	}

	found, err := b.findCase(ctx, ref)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.CaseID(found.ID))

	c, d, inv, unlock, err := b.lockCase(ctx, found.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Status == ledger.CaseResolved {
		if c.Ruling != r.String() {
			return nil, fmt.Errorf("%w: case %s was ruled %s", ErrRulingConflict, c.ID, c.Ruling)
		}
		if err := b.resolveDispute(ctx, d, c, r); err != nil {
			return nil, err
		}
		return c, nil
	}

	payer, creator, err := r.Amounts(inv.Amount, req.PayerAmount)
	if err != nil {
		return nil, err
	}
	now := b.now().UTC()
	prev := c.Status
	c.Status = ledger.CaseResolved
	c.Ruling = r.String()
	c.PayerAmount = payer
	c.CreatorAmount = creator
	c.RulingAt = &now
	c.UpdatedAt = now
	if err := b.store.UpdateCase(ctx, c, prev); err != nil {
		return nil, err
	}
	if err := b.resolveDispute(ctx, d, c, r); err != nil {
		return nil, err
	}
	rulingsTotal.WithLabelValues(c.Ruling).Inc()

	b.emit(ctx, notify.Event{Type: notify.RulingReceived, InvoiceID: inv.ID, DisputeID: d.ID, CaseID: c.ID,
		TxRef: req.TxHash, Data: map[string]any{"ruling": c.Ruling, "payerAmount": payer, "creatorAmount": creator}})
	logging.L(ctx, b.logger).Info("ruling received",
		"case_id", c.ID, "dispute_id", d.ID, "ruling", c.Ruling, "payer_amount", payer, "creator_amount", creator)
	return c, nil
}

// Execute pushes a resolved case's ruling through the escrow. It moves
// funds at most once: an executed case is returned as is, and a concurrent
// executor loses the execution claim. If the escrow already settled, the
// reconciler records the observed state without another transaction.
func (b *Bridge) Execute(ctx context.Context, caseID string) (c *ledger.KlerosCase, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.Execute", traces.CaseID(caseID))
	defer func() { traces.End(span, err) }()
	defer observe("execute", time.Now())

	c, d, _, unlock, err := b.lockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Executed {
		return c, nil
	}
	if c.Status != ledger.CaseResolved {
		return nil, ErrNotResolved
	}
	r, err := ParseRuling(c.Ruling)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	claimed, err := b.store.ClaimExecution(ctx, c.ID, now, now.Add(-b.claimTimeout))
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyExecuted) {
			return b.store.GetCase(ctx, c.ID)
		}
		return nil, err
	}

	outcome := reconciliation.Outcome{Resolution: r.Resolution(), PayerAmount: claimed.PayerAmount}
	res, err := b.settler.Settle(ctx, d.InvoiceID, outcome)

	var stale *reconciliation.SettlementError
	switch {
	case err == nil, errors.As(err, &stale):
	case errors.Is(err, chain.ErrUnconfirmed):
		executionsTotal.WithLabelValues("unconfirmed").Inc()
		if res != nil && res.Receipt != nil && claimed.ExecutionTxRef == "" {
			claimed.ExecutionTxRef = res.Receipt.TxHash
			claimed.UpdatedAt = b.now().UTC()
			if uerr := b.store.UpdateCase(ctx, claimed, ledger.CaseResolved); uerr != nil {
				logging.L(ctx, b.logger).Warn("recording pending execution failed", "case_id", c.ID, "error", uerr)
			}
		}
		return claimed, fmt.Errorf("%w: %v", ErrExecutionPending, err)
	case reconciliation.NoFundsMoved(err):
		executionsTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx, b.logger).Error("ruling cannot be executed on this escrow, operator action required",
			"case_id", c.ID, "invoice_id", d.InvoiceID, "ruling", c.Ruling, "error", err)
		b.releaseClaim(ctx, claimed)
		return nil, err
	default:
		executionsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	done := b.now().UTC()
	claimed.Executed = true
	claimed.ExecutedAt = &done
	claimed.UpdatedAt = done
	if res != nil && res.Receipt != nil {
		claimed.ExecutionTxRef = res.Receipt.TxHash
	}
	if uerr := b.store.UpdateCase(ctx, claimed, ledger.CaseResolved); uerr != nil {
		logging.L(ctx, b.logger).Error("CRITICAL: ruling executed on-chain but case record update failed",
			"case_id", c.ID, "invoice_id", d.InvoiceID, "tx_ref", claimed.ExecutionTxRef, "error", uerr)
		return nil, errors.Join(uerr, err)
	}
	executionsTotal.WithLabelValues("executed").Inc()

	if claimed.ExecutionTxRef != "" && d.SettlementTxRef == "" {
		d.SettlementTxRef = claimed.ExecutionTxRef
		d.UpdatedAt = done
		if uerr := b.store.UpdateDispute(ctx, d, d.Status); uerr != nil {
			logging.L(ctx, b.logger).Warn("recording settlement on dispute failed", "dispute_id", d.ID, "error", uerr)
		}
	}

	b.emit(ctx, notify.Event{Type: notify.RulingExecuted, InvoiceID: d.InvoiceID, DisputeID: d.ID, CaseID: c.ID,
		TxRef: claimed.ExecutionTxRef, Data: map[string]any{"ruling": claimed.Ruling}})
	logging.L(ctx, b.logger).Info("ruling executed",
		"case_id", c.ID, "invoice_id", d.InvoiceID, "ruling", claimed.Ruling, "tx_ref", claimed.ExecutionTxRef)
	return claimed, err
}

// RecordExecution marks a resolved case as carried out by a settlement made
// outside Execute, such as an operator transfer completing a split that a
// V1 escrow cannot perform. The escrow is re-read first and must no longer
// hold the funds; until then the case stays unexecuted and auto-release
// stays off for the invoice.
func (b *Bridge) RecordExecution(ctx context.Context, caseID, txRef string) (c *ledger.KlerosCase, err error) {
	ctx, span := traces.StartSpan(ctx, "arbitration.RecordExecution", traces.CaseID(caseID), traces.TxRef(txRef))
	defer func() { traces.End(span, err) }()
	defer observe("record_execution", time.Now())

	txRef = strings.TrimSpace(txRef)
	if err := validation.Validate(validation.ValidTxRef("txRef", txRef)).Err(); err != nil {
		return nil, err
	}

	c, d, _, unlock, err := b.lockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Executed {
		if c.ExecutionTxRef == txRef {
			return c, nil
		}
		return nil, fmt.Errorf("%w: case %s settled by %s", ledger.ErrAlreadyExecuted, c.ID, c.ExecutionTxRef)
	}
	if c.Status != ledger.CaseResolved {
		return nil, ErrNotResolved
	}
	now := b.now().UTC()
	if c.ExecutionClaimedAt != nil && c.ExecutionClaimedAt.After(now.Add(-b.claimTimeout)) {
		return nil, ledger.ErrExecutionInProgress
	}

	res, err := b.settler.Reconcile(ctx, d.InvoiceID)
	if err != nil {
		return nil, err
	}
	if !res.Invoice.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: invoice %s is %s", ErrEscrowHeld, d.InvoiceID, res.Invoice.Status)
	}

	c.Executed = true
	c.ExecutedAt = &now
	c.ExecutionTxRef = txRef
	c.ExecutionClaimedAt = nil
	c.UpdatedAt = now
	if err := b.store.UpdateCase(ctx, c, ledger.CaseResolved); err != nil {
		return nil, err
	}
	executionsTotal.WithLabelValues("recorded").Inc()

	if d.SettlementTxRef == "" {
		d.SettlementTxRef = txRef
		d.UpdatedAt = now
		if uerr := b.store.UpdateDispute(ctx, d, d.Status); uerr != nil {
			logging.L(ctx, b.logger).Warn("recording settlement on dispute failed", "dispute_id", d.ID, "error", uerr)
		}
	}

	b.emit(ctx, notify.Event{Type: notify.RulingExecuted, InvoiceID: d.InvoiceID, DisputeID: d.ID, CaseID: c.ID,
		TxRef: txRef, Data: map[string]any{"ruling": c.Ruling, "recorded": true}})
	logging.L(ctx, b.logger).Info("ruling execution recorded",
		"case_id", c.ID, "invoice_id", d.InvoiceID, "ruling", c.Ruling, "tx_ref", txRef)
	return c, nil
}

// ExecutePending executes every resolved case that has not been executed.
func (b *Bridge) ExecutePending(ctx context.Context) (int, error) {
	cases, err := b.store.ListCasesToExecute(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list cases to execute: %w", err)
	}

	executed := 0
	for _, pc := range cases {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		c, err := b.Execute(ctx, pc.ID)
		if err != nil {
			if !errors.Is(err, ledger.ErrExecutionInProgress) {
				logging.L(ctx, b.logger).Warn("ruling execution failed", "case_id", pc.ID, "error", err)
			}
			continue
		}
		if c.Executed {
			executed++
		}
	}
	return executed, nil
}

// SyncCases submits cases the court never received and mirrors the
// court's status for the rest. Rulings found on the court are applied;
// ExecutePending moves the funds.
func (b *Bridge) SyncCases(ctx context.Context) (int, error) {
	if b.court == nil {
		return 0, nil
	}
	open, err := b.store.ListOpenCases(ctx, b.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list open cases: %w", err)
	}

	synced := 0
	for _, oc := range open {
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		ruling, err := b.syncCase(ctx, oc.ID)
		if err != nil {
			logging.L(ctx, b.logger).Warn("case sync failed", "case_id", oc.ID, "error", err)
			continue
		}
		if ruling != nil {
			if _, err := b.ApplyRuling(ctx, *ruling); err != nil {
				logging.L(ctx, b.logger).Warn("applying court ruling failed", "case_id", oc.ID, "error", err)
				continue
			}
		}
		synced++
	}
	return synced, nil
}

// syncCase brings one case up to date with the court and returns the
// court's ruling, if it has one.
func (b *Bridge) syncCase(ctx context.Context, caseID string) (*RulingRequest, error) {
	c, d, inv, unlock, err := b.lockCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if c.Status == ledger.CaseResolved {
		return nil, nil
	}
	if c.ExternalID == "" {
		return nil, b.submit(ctx, c, d, inv, NewMetaEvidence(inv.ShortCode, inv.Amount, d.Reason))
	}

	rc, err := b.court.Case(ctx, c.ExternalID)
	if err != nil {
		return nil, err
	}
	if rc.Ruling != nil && caseStatus(rc.Status) == ledger.CaseResolved {
		return &RulingRequest{CaseRef: c.ExternalID, Ruling: rc.Ruling}, nil
	}

	next := caseStatus(rc.Status)
	changed := false
	prev := c.Status
	if next != ledger.CaseResolved && caseRank(next) > caseRank(c.Status) {
		c.Status = next
		changed = true
	}
	if rc.EvidenceDeadline != nil && !rc.EvidenceDeadline.Equal(c.EvidenceDeadline) {
		c.EvidenceDeadline = rc.EvidenceDeadline.UTC()
		changed = true
	}
	if !changed {
		return nil, nil
	}
	c.UpdatedAt = b.now().UTC()
	return nil, b.store.UpdateCase(ctx, c, prev)
}

// Case returns the arbitration case for a dispute.
func (b *Bridge) Case(ctx context.Context, disputeID string) (*ledger.KlerosCase, error) {
	return b.store.GetCaseByDispute(ctx, disputeID)
}

// ListEvidence returns a case's evidence, oldest first.
func (b *Bridge) ListEvidence(ctx context.Context, caseID string) ([]*ledger.CaseEvidence, error) {
	if _, err := b.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}
	return b.store.ListCaseEvidence(ctx, caseID)
}

// submit files the case with the court and records its id. Caller holds
// the dispute lock.
func (b *Bridge) submit(ctx context.Context, c *ledger.KlerosCase, d *ledger.Dispute, inv *ledger.Invoice, m MetaEvidence) error {
	if b.court == nil {
		return ErrCourtUnavailable
	}
	if c.ExternalID != "" {
		return nil
	}
	externalID, err := b.court.Submit(ctx, Submission{
		CaseID:          c.ID,
		DisputeID:       d.ID,
		EscrowAddress:   inv.EscrowAddress,
		ChainID:         b.net.ChainID,
		Amount:          inv.Amount,
		MetaEvidence:    m,
		MetaEvidenceURI: c.MetaEvidenceURI,
	})
	if err != nil {
		return err
	}
	c.ExternalID = externalID
	c.UpdatedAt = b.now().UTC()
	if err := b.store.UpdateCase(ctx, c, c.Status); err != nil {
		return fmt.Errorf("record external id %s: %w", externalID, err)
	}
	return nil
}

// resolveDispute closes the dispute with the ruling's outcome. Caller holds
// the dispute lock.
func (b *Bridge) resolveDispute(ctx context.Context, d *ledger.Dispute, c *ledger.KlerosCase, r Ruling) error {
	if d.Status == ledger.DisputeResolved {
		return nil
	}
	now := b.now().UTC()
	prev := d.Status
	d.Status = ledger.DisputeResolved
	d.Resolution = r.Resolution()
	d.PayerAmount = c.PayerAmount
	d.CreatorAmount = c.CreatorAmount
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := b.store.UpdateDispute(ctx, d, prev); err != nil {
		return fmt.Errorf("resolve dispute %s: %w", d.ID, err)
	}
	return nil
}

// releaseClaim drops an execution claim whose settlement was rejected
// before anything was sent.
func (b *Bridge) releaseClaim(ctx context.Context, c *ledger.KlerosCase) {
	c.ExecutionClaimedAt = nil
	c.UpdatedAt = b.now().UTC()
	if err := b.store.UpdateCase(ctx, c, ledger.CaseResolved); err != nil {
		logging.L(ctx, b.logger).Warn("releasing execution claim failed", "case_id", c.ID, "error", err)
	}
}

// pin stores v with the pinner, falling back to a local reference when no
// pinner is configured or pinning fails.
func (b *Bridge) pin(ctx context.Context, name string, v any) string {
	if b.pinner != nil {
		uri, err := b.pinner.PinJSON(ctx, name, v)
		if err == nil {
			return uri
		}
		logging.L(ctx, b.logger).Warn("pinning failed, using local reference", "name", name, "error", err)
	}
	return fmt.Sprintf("local://%d", b.now().Unix())
}

func (b *Bridge) findCase(ctx context.Context, ref string) (*ledger.KlerosCase, error) {
	c, err := b.store.GetCaseByExternalID(ctx, ref)
	if err == nil || !errors.Is(err, ledger.ErrCaseNotFound) {
		return c, err
	}
	return b.store.GetCaseByDispute(ctx, ref)
}

// lockDispute takes the dispute lock for the dispute's invoice and returns
// fresh copies of the dispute and invoice.
func (b *Bridge) lockDispute(ctx context.Context, disputeID string) (*ledger.Dispute, *ledger.Invoice, func(), error) {
	d, err := b.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, nil, err
	}
	unlock, err := b.locks.LockContext(ctx, dispute.LockKey(d.InvoiceID))
	if err != nil {
		return nil, nil, nil, err
	}
	if d, err = b.store.GetDispute(ctx, disputeID); err != nil {
		unlock()
		return nil, nil, nil, err
	}
	inv, err := b.store.GetInvoice(ctx, d.InvoiceID)
	if err != nil {
		unlock()
		return nil, nil, nil, err
	}
	return d, inv, unlock, nil
}

// lockCase is lockDispute for a case; it also re-reads the case under the
// lock.
func (b *Bridge) lockCase(ctx context.Context, caseID string) (*ledger.KlerosCase, *ledger.Dispute, *ledger.Invoice, func(), error) {
	c, err := b.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	d, inv, unlock, err := b.lockDispute(ctx, c.DisputeID)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if c, err = b.store.GetCase(ctx, caseID); err != nil {
		unlock()
		return nil, nil, nil, nil, err
	}
	return c, d, inv, unlock, nil
}

func (b *Bridge) emit(ctx context.Context, e notify.Event) {
	b.notifier.Notify(ctx, notify.Stamp(e))
}

func validEvidenceURI(u string) validation.Rule {
	return func() *validation.ValidationError {
		if u == "" {
			return nil
		}
		if err := security.ValidateEvidenceURI(u); err != nil {
			return &validation.ValidationError{Field: "fileUri", Message: err.Error()}
		}
		return nil
	}
}

package dispute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/validation"
)

const (
	creator  = "0x1111111111111111111111111111111111111111"
	payer    = "0x2222222222222222222222222222222222222222"
	stranger = "0x4444444444444444444444444444444444444444"
)

// harness wires a negotiator to a real reconciler over the simulated chain.
type harness struct {
	sim    *escrow.SimulatedBackend
	store  *ledger.MemoryStore
	ledger *ledger.Ledger
	ads    *escrow.Adapters
	rec    *reconciliation.Reconciler
	neg    *Negotiator
	events *notify.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := escrow.NewSimulatedBackend(chain.ArcTestnet)
	client := chain.NewClient(sim).WithPollInterval(time.Millisecond).WithTimeout(100 * time.Millisecond)
	ads := escrow.NewAdapters(client, sim.Contracts())
	store := ledger.NewMemoryStore()
	events := notify.NewRecorder(128)
	rec := reconciliation.New(store, ads, client, chain.ArcTestnet).WithClock(sim.Now)
	neg := NewNegotiator(store, rec, rec.Locks()).WithNotifier(events).WithClock(sim.Now)
	return &harness{sim: sim, store: store, ledger: ledger.New(store), ads: ads, rec: rec, neg: neg, events: events}
}

// fundedInvoice creates and funds an escrow invoice. With milestones it is
// a V3 invoice with every milestone funded.
func (h *harness) fundedInvoice(t *testing.T, amount int64, milestones ...int64) *ledger.Invoice {
	t.Helper()
	ctx := context.Background()
	req := ledger.CreateInvoiceRequest{
		CreatorAddress: creator,
		Description:    "Mobile app MVP",
		Amount:         amount,
		Mode:           ledger.ModeEscrow,
	}
	for _, m := range milestones {
		req.Milestones = append(req.Milestones, ledger.MilestoneInput{Description: "Phase", Amount: m})
	}
	inv, ms, err := h.ledger.CreateInvoice(ctx, req)
	require.NoError(t, err)
	addr, err := h.sim.Deploy(inv.ContractVersion, creator, amount, inv.AutoReleaseDays, milestones)
	require.NoError(t, err)
	_, err = h.ledger.AttachEscrow(ctx, inv.ID, creator, addr)
	require.NoError(t, err)

	a, err := h.ads.For(inv.ContractVersion)
	require.NoError(t, err)
	ref := escrow.NewRef(chain.ArcTestnet, addr)
	if len(ms) == 0 {
		rcpt, err := a.Fund(ctx, ref, payer)
		require.NoError(t, err)
		_, err = h.rec.RecordFunding(ctx, inv.ID, rcpt.TxHash)
		require.NoError(t, err)
	}
	for i, m := range ms {
		rcpt, err := a.FundMilestone(ctx, ref, payer, i)
		require.NoError(t, err)
		_, err = h.rec.RecordMilestoneFunding(ctx, inv.ID, m.ID, rcpt.TxHash)
		require.NoError(t, err)
	}

	got, err := h.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.InvoiceFunded, got.Status)
	return got
}

// fakeSettler lets tests script Settle outcomes.
type fakeSettler struct {
	calls atomic.Int32
	fn    func(outcome reconciliation.Outcome) (*reconciliation.Result, error)
}

func (f *fakeSettler) Settle(ctx context.Context, invoiceID string, outcome reconciliation.Outcome) (*reconciliation.Result, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return &reconciliation.Result{Receipt: &chain.Receipt{TxHash: "0xsettled", Phase: chain.PhaseConfirmed}}, nil
	}
	return f.fn(outcome)
}

func TestNegotiation_RejectedProposalThenRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 50_000_000, 50_000_000)

	d, err := h.neg.Open(ctx, inv.ID, payer, "Deliverables do not match the brief")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
	assert.Equal(t, d.CreatedAt.Add(7*24*time.Hour), d.ExpiresAt)

	d, err = h.neg.Propose(ctx, d.ID, creator, ProposeRequest{
		Resolution: ledger.ResolutionSplit, PayerAmount: 20_000_000, CreatorAmount: 30_000_000,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeProposed, d.Status)

	d, err = h.neg.Reject(ctx, d.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
	assert.Empty(t, d.Resolution)
	assert.Empty(t, d.ProposedBy)
	assert.Nil(t, d.ProposedAt)
	firstID := d.ID

	d, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)
	assert.Equal(t, firstID, d.ID, "negotiation rounds keep the dispute identity")
	assert.Equal(t, int64(50_000_000), d.PayerAmount)
	assert.Zero(t, d.CreatorAmount)

	d, err = h.neg.Accept(ctx, d.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, d.Status)
	assert.NotNil(t, d.ResolvedAt)
	assert.NotEmpty(t, d.SettlementTxRef)

	got, err := h.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceRefunded, got.Status)
	assert.Equal(t, 1, h.sim.Calls("refund"))

	ds, err := h.store.ListDisputes(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, ds, 1)

	_, err = h.neg.Accept(ctx, d.ID, creator)
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, 1, h.sim.Calls("refund"))

	types := h.events.Types()
	assert.Contains(t, types, notify.DisputeOpened)
	assert.Contains(t, types, notify.ResolutionRejected)
	assert.Contains(t, types, notify.DisputeResolved)
}

func TestAccept_ReleaseAndSplit(t *testing.T) {
	ctx := context.Background()

	t.Run("v1 release", func(t *testing.T) {
		h := newHarness(t)
		inv := h.fundedInvoice(t, 10_000_000)
		d, err := h.neg.Open(ctx, inv.ID, creator, "Client stopped responding")
		require.NoError(t, err)
		d, err = h.neg.Propose(ctx, d.ID, creator, ProposeRequest{Resolution: ledger.ResolutionRelease})
		require.NoError(t, err)
		_, err = h.neg.Accept(ctx, d.ID, payer)
		require.NoError(t, err)

		got, _ := h.store.GetInvoice(ctx, inv.ID)
		assert.Equal(t, ledger.InvoiceReleased, got.Status)
		assert.Equal(t, 1, h.sim.Calls("release"))
	})

	t.Run("v3 split", func(t *testing.T) {
		h := newHarness(t)
		inv := h.fundedInvoice(t, 50_000_000, 25_000_000, 25_000_000)
		d, err := h.neg.Open(ctx, inv.ID, payer, "Second phase was only half done")
		require.NoError(t, err)
		d, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{
			Resolution: ledger.ResolutionSplit, PayerAmount: 20_000_000, CreatorAmount: 30_000_000,
		})
		require.NoError(t, err)
		payerBefore := h.sim.Balance(payer)
		_, err = h.neg.Accept(ctx, d.ID, creator)
		require.NoError(t, err)

		got, _ := h.store.GetInvoice(ctx, inv.ID)
		assert.Equal(t, ledger.InvoiceReleased, got.Status, "split resolves to released")
		assert.Equal(t, payerBefore+20_000_000, h.sim.Balance(payer))
		assert.Equal(t, 1, h.sim.Calls("splitFunds"))
	})
}

func TestOpen_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	_, err := h.neg.Open(ctx, inv.ID, payer, "too short")
	assert.ErrorIs(t, err, validation.ErrInvalid)

	_, err = h.neg.Open(ctx, inv.ID, stranger, "I am not part of this invoice")
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = h.neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = h.neg.Open(ctx, inv.ID, creator, "Opening a second dispute")
	assert.ErrorIs(t, err, ErrActiveDispute)

	pending, _, err := h.ledger.CreateInvoice(ctx, ledger.CreateInvoiceRequest{
		CreatorAddress: creator, Description: "Unpaid invoice", Amount: 5_000_000, Mode: ledger.ModeEscrow,
	})
	require.NoError(t, err)
	_, err = h.neg.Open(ctx, pending.ID, creator, "Nothing is funded yet")
	assert.ErrorIs(t, err, ErrNotFunded)
}

func TestPropose_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v1 := h.fundedInvoice(t, 10_000_000)
	d, err := h.neg.Open(ctx, v1.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{
		Resolution: ledger.ResolutionSplit, PayerAmount: 5_000_000, CreatorAmount: 5_000_000,
	})
	assert.ErrorIs(t, err, ErrSplitUnsupported)

	v3 := h.fundedInvoice(t, 10_000_000, 10_000_000)
	d3, err := h.neg.Open(ctx, v3.ID, payer, "Work has not been delivered")
	require.NoError(t, err)

	tests := []struct {
		name string
		req  ProposeRequest
	}{
		{"unknown resolution", ProposeRequest{Resolution: "halve"}},
		{"split does not add up", ProposeRequest{Resolution: ledger.ResolutionSplit, PayerAmount: 4_000_000, CreatorAmount: 5_000_000}},
		{"split missing creator", ProposeRequest{Resolution: ledger.ResolutionSplit, PayerAmount: 10_000_000}},
		{"negative amount", ProposeRequest{Resolution: ledger.ResolutionSplit, PayerAmount: -1, CreatorAmount: 10_000_001}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.neg.Propose(ctx, d3.ID, payer, tt.req)
			assert.ErrorIs(t, err, validation.ErrInvalid)
		})
	}

	_, err = h.neg.Propose(ctx, d3.ID, stranger, ProposeRequest{Resolution: ledger.ResolutionRefund})
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = h.neg.Propose(ctx, d3.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)
	_, err = h.neg.Propose(ctx, d3.ID, creator, ProposeRequest{Resolution: ledger.ResolutionRelease})
	assert.ErrorIs(t, err, ErrInvalidStatus, "a second proposal needs a reject first")

	_, err = h.neg.Accept(ctx, d3.ID, payer)
	assert.ErrorIs(t, err, ErrOwnProposal)
	_, err = h.neg.Reject(ctx, d3.ID, payer)
	assert.ErrorIs(t, err, ErrOwnProposal)
}

func TestEscalatedDisputeIsClosedToNegotiation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	d, err := h.neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	d, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)

	now := h.sim.Now()
	d.Status = ledger.DisputeEscalated
	d.EscalatedAt = &now
	require.NoError(t, h.store.UpdateDispute(ctx, d, ledger.DisputeProposed))

	_, err = h.neg.Accept(ctx, d.ID, creator)
	assert.ErrorIs(t, err, ErrEscalated)
	_, err = h.neg.Reject(ctx, d.ID, creator)
	assert.ErrorIs(t, err, ErrEscalated)
	_, err = h.neg.Propose(ctx, d.ID, creator, ProposeRequest{Resolution: ledger.ResolutionRelease})
	assert.ErrorIs(t, err, ErrEscalated)
	_, err = h.neg.Open(ctx, inv.ID, creator, "Trying to restart negotiation")
	assert.ErrorIs(t, err, ErrActiveDispute)
	assert.Zero(t, h.sim.Calls("refund"))
}

func TestAccept_ConcurrentSettlesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	settler := &fakeSettler{fn: func(reconciliation.Outcome) (*reconciliation.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return &reconciliation.Result{Receipt: &chain.Receipt{TxHash: "0xabc", Phase: chain.PhaseConfirmed}}, nil
	}}
	// Separate lock tables model two server instances racing.
	a := NewNegotiator(h.store, settler, nil).WithClock(h.sim.Now)
	b := NewNegotiator(h.store, settler, nil).WithClock(h.sim.Now)

	d, err := a.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = a.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		n := a
		if i%2 == 1 {
			n = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := n.Accept(ctx, d.ID, creator); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), settler.calls.Load())
}

func TestAccept_UnconfirmedThenFinalize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	d, err := h.neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)

	h.sim.HoldReceipts(true)
	_, err = h.neg.Accept(ctx, d.ID, creator)
	require.ErrorIs(t, err, ErrSettlementPending)

	got, err := h.neg.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeProposed, got.Status)
	assert.NotNil(t, got.AcceptedAt)
	assert.NotEmpty(t, got.SettlementTxRef)

	_, err = h.neg.Reject(ctx, d.ID, creator)
	assert.ErrorIs(t, err, ledger.ErrAlreadyClaimed)

	h.sim.HoldReceipts(false)
	n, err := h.neg.FinalizeAccepted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "too soon after the unconfirmed send")

	h.sim.Advance(DefaultSettleRetryAfter + time.Minute)
	n, err = h.neg.FinalizeAccepted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ = h.neg.Get(ctx, d.ID)
	assert.Equal(t, ledger.DisputeResolved, got.Status)
	inv, _ = h.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceRefunded, inv.Status)
	assert.Equal(t, 1, h.sim.Calls("refund"), "the landed refund is recorded, not resent")
}

func TestAccept_RejectedBeforeSendReleasesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	fail := true
	settler := &fakeSettler{fn: func(reconciliation.Outcome) (*reconciliation.Result, error) {
		if fail {
			return nil, fmt.Errorf("refund: %w", escrow.ErrInvalidState)
		}
		return &reconciliation.Result{}, nil
	}}
	neg := NewNegotiator(h.store, settler, nil).WithClock(h.sim.Now)

	d, err := neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)

	_, err = neg.Accept(ctx, d.ID, creator)
	require.ErrorIs(t, err, escrow.ErrInvalidState)
	got, _ := neg.Get(ctx, d.ID)
	assert.Nil(t, got.AcceptedAt)

	fail = false
	got, err = neg.Accept(ctx, d.ID, creator)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeResolved, got.Status)
	assert.Equal(t, int32(2), settler.calls.Load())
}

func TestAccept_StaleBookkeepingStillResolves(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	settler := &fakeSettler{fn: func(reconciliation.Outcome) (*reconciliation.Result, error) {
		return &reconciliation.Result{Receipt: &chain.Receipt{TxHash: "0xdead", Phase: chain.PhaseConfirmed}},
			&reconciliation.SettlementError{InvoiceID: inv.ID, TxRef: "0xdead", Err: errors.New("db down")}
	}}
	neg := NewNegotiator(h.store, settler, nil).WithClock(h.sim.Now)

	d, err := neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)
	_, err = neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	require.NoError(t, err)

	got, err := neg.Accept(ctx, d.ID, creator)
	require.ErrorIs(t, err, reconciliation.ErrStaleBookkeeping)
	require.NotNil(t, got)
	assert.Equal(t, ledger.DisputeResolved, got.Status)
	assert.Equal(t, "0xdead", got.SettlementTxRef)
}

func TestExpireStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)

	d, err := h.neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)

	n, err := h.neg.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.sim.Advance(ledger.DisputeWindow + time.Hour)
	_, err = h.neg.Propose(ctx, d.ID, payer, ProposeRequest{Resolution: ledger.ResolutionRefund})
	assert.ErrorIs(t, err, ErrExpired)

	n, err = h.neg.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.neg.Get(ctx, d.ID)
	assert.Equal(t, ledger.DisputeExpired, got.Status)
	assert.Contains(t, h.events.Types(), notify.DisputeExpired)

	// Funds stay put and a new dispute may be opened.
	inv, _ = h.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceFunded, inv.Status)
	_, err = h.neg.Open(ctx, inv.ID, creator, "Reopening after the window passed")
	assert.NoError(t, err)
}

func TestEvidence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inv := h.fundedInvoice(t, 10_000_000)
	d, err := h.neg.Open(ctx, inv.ID, payer, "Work has not been delivered")
	require.NoError(t, err)

	_, err = h.neg.SubmitEvidence(ctx, d.ID, payer, EvidenceRequest{Content: "short"})
	assert.ErrorIs(t, err, validation.ErrInvalid)
	_, err = h.neg.SubmitEvidence(ctx, d.ID, payer, EvidenceRequest{Content: "Screenshot of the chat", FileURL: "ftp://x"})
	assert.ErrorIs(t, err, validation.ErrInvalid)
	_, err = h.neg.SubmitEvidence(ctx, d.ID, stranger, EvidenceRequest{Content: "I have an opinion too"})
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = h.neg.SubmitEvidence(ctx, d.ID, payer, EvidenceRequest{Content: "Contract says delivery by May 1", FileURL: "ipfs://bafy123"})
	require.NoError(t, err)
	_, err = h.neg.SubmitEvidence(ctx, d.ID, creator, EvidenceRequest{Content: "Delivered on April 30, see repo"})
	require.NoError(t, err)

	list, err := h.neg.ListEvidence(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, payer, list[0].SubmittedBy)

	latest, err := h.neg.Latest(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, latest.ID)

	_, err = h.neg.ListEvidence(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrDisputeNotFound)
}

package reconciliation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/fees"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/notify"
)

const (
	creator = "0x1111111111111111111111111111111111111111"
	payer   = "0x2222222222222222222222222222222222222222"
)

// flakyStore fails the next n invoice updates.
type flakyStore struct {
	*ledger.MemoryStore
	failUpdates atomic.Int32
}

func (s *flakyStore) UpdateInvoice(ctx context.Context, inv *ledger.Invoice, expected ledger.InvoiceStatus) error {
	if s.failUpdates.Load() > 0 {
		s.failUpdates.Add(-1)
		return errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateInvoice(ctx, inv, expected)
}

type env struct {
	sim    *escrow.SimulatedBackend
	store  *flakyStore
	ledger *ledger.Ledger
	ads    *escrow.Adapters
	rec    *Reconciler
	events *notify.Recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sim := escrow.NewSimulatedBackend(chain.ArcTestnet)
	client := chain.NewClient(sim).WithPollInterval(time.Millisecond).WithTimeout(100 * time.Millisecond)
	ads := escrow.NewAdapters(client, sim.Contracts())
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	events := notify.NewRecorder(128)
	rec := New(store, ads, client, chain.ArcTestnet).WithNotifier(events).WithClock(sim.Now)
	return &env{sim: sim, store: store, ledger: ledger.New(store), ads: ads, rec: rec, events: events}
}

// escrowInvoice creates an invoice, deploys its escrow and attaches it.
func (e *env) escrowInvoice(t *testing.T, amount int64, milestones ...int64) (*ledger.Invoice, []*ledger.Milestone) {
	t.Helper()
	ctx := context.Background()
	req := ledger.CreateInvoiceRequest{
		CreatorAddress:  creator,
		Description:     "Brand identity and website redesign",
		Amount:          amount,
		Mode:            ledger.ModeEscrow,
		AutoReleaseDays: 14,
	}
	for _, m := range milestones {
		req.Milestones = append(req.Milestones, ledger.MilestoneInput{Description: "Deliverable", Amount: m})
	}
	inv, ms, err := e.ledger.CreateInvoice(ctx, req)
	require.NoError(t, err)

	addr, err := e.sim.Deploy(inv.ContractVersion, creator, amount, 14, milestones)
	require.NoError(t, err)
	inv, err = e.ledger.AttachEscrow(ctx, inv.ID, creator, addr)
	require.NoError(t, err)
	return inv, ms
}

func (e *env) adapter(t *testing.T, inv *ledger.Invoice) (escrow.Adapter, escrow.Ref) {
	t.Helper()
	a, err := e.ads.For(inv.ContractVersion)
	require.NoError(t, err)
	return a, escrow.NewRef(chain.ArcTestnet, inv.EscrowAddress)
}

func (e *env) fundV1(t *testing.T, inv *ledger.Invoice) string {
	t.Helper()
	a, ref := e.adapter(t, inv)
	rcpt, err := a.Fund(context.Background(), ref, payer)
	require.NoError(t, err)
	return rcpt.TxHash
}

func TestV1_FundThenPayerReleasePaysCreator(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 100_000_000)
	assert.Equal(t, ledger.ContractV1, inv.ContractVersion)

	res, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceFunded, res.Invoice.Status)
	assert.Equal(t, payer, res.Invoice.PayerAddress)
	assert.NotNil(t, res.Invoice.FundedAt)
	assert.Empty(t, res.Milestones)

	res, err = e.rec.Release(ctx, inv.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status)
	assert.Equal(t, res.Receipt.TxHash, res.Invoice.TxRef)
	assert.NotNil(t, res.Invoice.SettledAt)
	assert.Equal(t, fees.Compute(100_000_000).CreatorAmount, e.sim.Balance(creator))

	assert.Equal(t, []notify.EventType{notify.EscrowFunded, notify.FundsReleased}, e.events.Types())

	_, err = e.rec.Release(ctx, inv.ID, payer)
	assert.ErrorIs(t, err, ErrSettled)
}

func TestV3_MilestonesFundedAndReleasedInOrder(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, ms := e.escrowInvoice(t, 300_000_000, 100_000_000, 100_000_000, 100_000_000)
	require.Len(t, ms, 3)
	a, ref := e.adapter(t, inv)

	_, err := a.FundMilestone(ctx, ref, payer, 1)
	require.ErrorIs(t, err, escrow.ErrOutOfOrder)

	for i := range ms {
		rcpt, err := a.FundMilestone(ctx, ref, payer, i)
		require.NoError(t, err)
		res, err := e.rec.RecordMilestoneFunding(ctx, inv.ID, ms[i].ID, rcpt.TxHash)
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceFunded, res.Invoice.Status)
		assert.Equal(t, ledger.MilestoneFunded, res.Milestones[i].Status)
		assert.Equal(t, rcpt.TxHash, res.Milestones[i].TxRef)
	}

	for i := range ms {
		res, err := e.rec.ReleaseMilestone(ctx, inv.ID, ms[i].ID, payer)
		require.NoError(t, err)
		assert.Equal(t, ledger.MilestoneReleased, res.Milestones[i].Status)
		if i < len(ms)-1 {
			assert.Equal(t, ledger.InvoiceFunded, res.Invoice.Status, "released only after the last milestone")
		} else {
			assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status)
		}
	}
}

func TestRecordMilestoneFunding_NotYetOnChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, ms := e.escrowInvoice(t, 200_000_000, 100_000_000, 100_000_000)

	// A hash the chain never saw leaves everything pending.
	res, err := e.rec.RecordMilestoneFunding(ctx, inv.ID, ms[1].ID, "0x"+repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePending, res.Invoice.Status)
	assert.Equal(t, ledger.MilestonePending, res.Milestones[1].Status)

	_, err = e.rec.RecordMilestoneFunding(ctx, inv.ID, "nope", "0x"+repeat("ab", 32))
	assert.ErrorIs(t, err, ledger.ErrMilestoneNotFound)
}

func TestRecordFunding_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	tx := e.fundV1(t, inv)

	before := testutil.ToFloat64(transitionsTotal.WithLabelValues("pending", "funded"))
	first, err := e.rec.RecordFunding(ctx, inv.ID, tx)
	require.NoError(t, err)
	assert.True(t, first.Changed)

	again, err := e.rec.RecordFunding(ctx, inv.ID, tx)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, first.Invoice.UpdatedAt, again.Invoice.UpdatedAt)
	assert.Equal(t, before+1, testutil.ToFloat64(transitionsTotal.WithLabelValues("pending", "funded")))
	assert.Equal(t, []notify.EventType{notify.EscrowFunded}, e.events.Types())
}

func TestRecordFunding_ConcurrentCallbacks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	tx := e.fundV1(t, inv)

	var wg sync.WaitGroup
	var changed atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.rec.RecordFunding(ctx, inv.ID, tx)
			if assert.NoError(t, err) && res.Changed {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), changed.Load())
	assert.Equal(t, []notify.EventType{notify.EscrowFunded}, e.events.Types())
}

func TestRecordFunding_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)

	for _, ref := range []string{"", "0x123", "transak:", "stripe:pi_123", "0x" + repeat("zz", 32)} {
		_, err := e.rec.RecordFunding(ctx, inv.ID, ref)
		assert.ErrorIs(t, err, ErrInvalidTxRef, ref)
	}
	got, err := e.store.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePending, got.Status)
	assert.Empty(t, got.TxRef)

	_, err = e.rec.RecordFunding(ctx, "missing", "transak:abc-1")
	assert.ErrorIs(t, err, ledger.ErrInvoiceNotFound)
}

func TestRecordFunding_RevertedDeposit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	a, ref := e.adapter(t, inv)

	e.sim.RevertNext("deposit")
	rcpt, err := a.Fund(ctx, ref, payer)
	require.ErrorIs(t, err, chain.ErrTxFailed)

	_, err = e.rec.RecordFunding(ctx, inv.ID, rcpt.TxHash)
	assert.ErrorIs(t, err, ErrPaymentFailed)
}

func TestRecordFunding_Direct(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _, err := e.ledger.CreateInvoice(ctx, ledger.CreateInvoiceRequest{
		CreatorAddress: creator,
		Description:    "Consulting, March",
		Amount:         250_000_000,
		Mode:           ledger.ModeDirect,
	})
	require.NoError(t, err)

	res, err := e.rec.RecordFunding(ctx, inv.ID, "transak:order-8f2c")
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status, "direct payments settle immediately")
	assert.Equal(t, []notify.EventType{notify.PaymentReceived}, e.events.Types())

	res, err = e.rec.RecordFunding(ctx, inv.ID, "transak:order-other")
	require.NoError(t, err)
	assert.Equal(t, "transak:order-8f2c", res.Invoice.TxRef)
}

func TestRecordFunding_DirectUnconfirmedHash(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _, err := e.ledger.CreateInvoice(ctx, ledger.CreateInvoiceRequest{
		CreatorAddress: creator,
		Description:    "Consulting, April",
		Amount:         1_000_000,
		Mode:           ledger.ModeDirect,
	})
	require.NoError(t, err)

	hash := "0x" + repeat("cd", 32)
	res, err := e.rec.RecordFunding(ctx, inv.ID, hash)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePending, res.Invoice.Status)
	assert.Equal(t, hash, res.Invoice.TxRef)

	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	got, _ := e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoicePending, got.Status, "an unknown hash is never treated as settled")
}

func TestRelease_TimeoutIsUnknownNotFailed(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
	require.NoError(t, err)

	e.sim.HoldReceipts(true)
	res, err := e.rec.Release(ctx, inv.ID, payer)
	require.ErrorIs(t, err, chain.ErrUnconfirmed)
	require.NotNil(t, res)
	assert.Equal(t, chain.PhaseUnknown, res.Receipt.Phase)
	got, _ := e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceFunded, got.Status)

	// The release landed; the next sweep picks it up.
	e.sim.HoldReceipts(false)
	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	got, _ = e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceReleased, got.Status)
	assert.Equal(t, 1, e.sim.Calls("release"))
}

func TestRelease_StaleBookkeepingThenReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
	require.NoError(t, err)

	e.store.failUpdates.Store(2)
	res, err := e.rec.Release(ctx, inv.ID, payer)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleBookkeeping)
	var se *SettlementError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, res.Receipt.TxHash, se.TxRef)

	got, _ := e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceFunded, got.Status)

	res, err = e.rec.Reconcile(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status)
	assert.Equal(t, 1, e.sim.Calls("release"), "repair never sends a second transaction")
}

func TestRelease_WrongRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)
	_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
	require.NoError(t, err)

	_, err = e.rec.Release(ctx, inv.ID, creator)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
	_, err = e.rec.Refund(ctx, inv.ID, payer)
	assert.ErrorIs(t, err, escrow.ErrUnauthorized)
	assert.Zero(t, e.sim.Calls("release")+e.sim.Calls("refund"))
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("refund once", func(t *testing.T) {
		e := newEnv(t)
		inv, _ := e.escrowInvoice(t, 50_000_000)
		_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
		require.NoError(t, err)

		res, err := e.rec.Settle(ctx, inv.ID, Outcome{Resolution: ledger.ResolutionRefund})
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceRefunded, res.Invoice.Status)

		res, err = e.rec.Settle(ctx, inv.ID, Outcome{Resolution: ledger.ResolutionRefund})
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceRefunded, res.Invoice.Status)
		assert.Equal(t, 1, e.sim.Calls("refund"))
	})

	t.Run("release v1 from payer", func(t *testing.T) {
		e := newEnv(t)
		inv, _ := e.escrowInvoice(t, 50_000_000)
		_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
		require.NoError(t, err)

		res, err := e.rec.Settle(ctx, inv.ID, Outcome{Resolution: ledger.ResolutionRelease})
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status)
		assert.Equal(t, 1, e.sim.Calls("release"))
	})

	t.Run("split unsupported on v1", func(t *testing.T) {
		e := newEnv(t)
		inv, _ := e.escrowInvoice(t, 50_000_000)
		_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
		require.NoError(t, err)

		_, err = e.rec.Settle(ctx, inv.ID, Outcome{Resolution: ledger.ResolutionSplit, PayerAmount: 20_000_000})
		assert.ErrorIs(t, err, escrow.ErrUnsupported)
	})

	t.Run("split v3 capped at held", func(t *testing.T) {
		e := newEnv(t)
		inv, ms := e.escrowInvoice(t, 100_000_000, 40_000_000, 60_000_000)
		a, ref := e.adapter(t, inv)
		rcpt, err := a.FundMilestone(ctx, ref, payer, 0)
		require.NoError(t, err)
		_, err = e.rec.RecordMilestoneFunding(ctx, inv.ID, ms[0].ID, rcpt.TxHash)
		require.NoError(t, err)
		payerBefore := e.sim.Balance(payer)

		res, err := e.rec.Settle(ctx, inv.ID, Outcome{Resolution: ledger.ResolutionSplit, PayerAmount: 50_000_000})
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceReleased, res.Invoice.Status)
		assert.Equal(t, payerBefore+40_000_000, e.sim.Balance(payer))
		assert.Zero(t, e.sim.Balance(creator))
	})

	t.Run("invalid outcome", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.rec.Settle(ctx, "any", Outcome{Resolution: "halve"})
		assert.ErrorIs(t, err, ErrInvalidResolution)
	})
}

func TestV2Legacy_ApproveAndRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	addr, err := e.sim.Deploy(ledger.ContractV2Legacy, creator, 100_000_000, 14, []int64{30_000_000, 70_000_000})
	require.NoError(t, err)
	inv := &ledger.Invoice{
		ID: "inv-legacy", ShortCode: "LEGACY01", CreatorAddress: creator, Description: "Imported legacy invoice",
		Amount: 100_000_000, Mode: ledger.ModeEscrow, Status: ledger.InvoicePending, EscrowAddress: addr,
		AutoReleaseDays: 14, ContractVersion: ledger.ContractV2Legacy, CreatedAt: now, UpdatedAt: now,
	}
	ms := []*ledger.Milestone{
		{ID: "m0", InvoiceID: inv.ID, Index: 0, Amount: 30_000_000, Description: "Design", Status: ledger.MilestonePending, CreatedAt: now, UpdatedAt: now},
		{ID: "m1", InvoiceID: inv.ID, Index: 1, Amount: 70_000_000, Description: "Build", Status: ledger.MilestonePending, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, e.store.CreateInvoice(ctx, inv, ms))

	a, ref := e.adapter(t, inv)
	rcpt, err := a.FundMilestone(ctx, ref, payer, 1)
	require.NoError(t, err)
	res, err := e.rec.RecordMilestoneFunding(ctx, inv.ID, "m1", rcpt.TxHash)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceFunded, res.Invoice.Status)
	assert.Equal(t, ledger.MilestoneFunded, res.Milestones[0].Status, "v2 funds every milestone at once")

	_, err = e.rec.ReleaseMilestone(ctx, inv.ID, "m1", creator)
	assert.ErrorIs(t, err, escrow.ErrInvalidState, "not approved yet")

	res, err = e.rec.ApproveMilestone(ctx, inv.ID, "m1", payer)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneApproved, res.Milestones[1].Status)

	res, err = e.rec.ReleaseMilestone(ctx, inv.ID, "m1", creator)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneReleased, res.Milestones[1].Status)
	assert.Equal(t, ledger.InvoiceFunded, res.Invoice.Status)

	types := e.events.Types()
	assert.Contains(t, types, notify.MilestoneApproved)
	assert.Contains(t, types, notify.MilestoneReleased)
}

func TestSweep_AutoRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rec.WithAutoRelease(true)

	due, _ := e.escrowInvoice(t, 10_000_000)
	_, err := e.rec.RecordFunding(ctx, due.ID, e.fundV1(t, due))
	require.NoError(t, err)

	disputed, _ := e.escrowInvoice(t, 20_000_000)
	_, err = e.rec.RecordFunding(ctx, disputed.ID, e.fundV1(t, disputed))
	require.NoError(t, err)
	now := e.sim.Now()
	require.NoError(t, e.store.CreateDispute(ctx, &ledger.Dispute{
		ID: "d1", InvoiceID: disputed.ID, OpenedBy: payer, Reason: "Work was not delivered",
		Status: ledger.DisputeOpen, ExpiresAt: now.Add(ledger.DisputeWindow), CreatedAt: now, UpdatedAt: now,
	}))

	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Zero(t, report.AutoReleased, "window not elapsed")

	e.sim.Advance(15 * 24 * time.Hour)
	report, err = e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoReleased)
	assert.Zero(t, report.Failed)

	got, _ := e.store.GetInvoice(ctx, due.ID)
	assert.Equal(t, ledger.InvoiceReleased, got.Status)
	got, _ = e.store.GetInvoice(ctx, disputed.ID)
	assert.Equal(t, ledger.InvoiceFunded, got.Status, "disputed escrows are never auto-released")

	_, err = e.rec.AutoRelease(ctx, disputed.ID)
	assert.ErrorIs(t, err, ErrDisputed)
}

func TestAutoRelease_WaitsForUnexecutedRuling(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rec.WithAutoRelease(true)

	inv, _ := e.escrowInvoice(t, 10_000_000)
	_, err := e.rec.RecordFunding(ctx, inv.ID, e.fundV1(t, inv))
	require.NoError(t, err)

	now := e.sim.Now()
	require.NoError(t, e.store.CreateDispute(ctx, &ledger.Dispute{
		ID: "d1", InvoiceID: inv.ID, OpenedBy: payer, Reason: "Half the work was delivered",
		Status: ledger.DisputeResolved, Resolution: ledger.ResolutionSplit, PayerAmount: 5_000_000, CreatorAmount: 5_000_000,
		ExpiresAt: now.Add(ledger.DisputeWindow), CreatedAt: now, UpdatedAt: now,
	}))
	c := &ledger.KlerosCase{
		ID: "case_1", DisputeID: "d1", Status: ledger.CaseResolved, Ruling: "split",
		PayerAmount: 5_000_000, CreatorAmount: 5_000_000, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateCase(ctx, c))

	e.sim.Advance(30 * 24 * time.Hour)
	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.AutoReleased)
	assert.Zero(t, e.sim.Calls("autoRelease"))
	got, _ := e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceFunded, got.Status, "a recorded ruling outranks auto-release")

	_, err = e.rec.AutoRelease(ctx, inv.ID)
	assert.ErrorIs(t, err, ErrDisputed)

	// Once the ruling is carried out the guard lifts.
	c.Executed = true
	require.NoError(t, e.store.UpdateCase(ctx, c, ledger.CaseResolved))
	report, err = e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AutoReleased)
}

func TestSweep_ChainStateWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inv, _ := e.escrowInvoice(t, 10_000_000)

	// Funded and refunded on-chain without any callback reaching us.
	e.fundV1(t, inv)
	a, ref := e.adapter(t, inv)
	_, err := a.Refund(ctx, ref, creator)
	require.NoError(t, err)

	report, err := e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	got, _ := e.store.GetInvoice(ctx, inv.ID)
	assert.Equal(t, ledger.InvoiceRefunded, got.Status)
	assert.Equal(t, payer, got.PayerAddress)

	report, err = e.rec.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked, "settled invoices leave the sweep")
}

func TestTimer_StartStop(t *testing.T) {
	e := newEnv(t)
	timer := NewTimer(e.rec, 5*time.Millisecond, e.rec.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool { return !timer.LastRun().IsZero() }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

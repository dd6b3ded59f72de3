package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/logging"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked      int           `json:"checked"`
	Updated      int           `json:"updated"`
	AutoReleased int           `json:"autoReleased"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Sweep reconciles every unsettled invoice the chain can tell us about:
// those with an escrow address, and direct payments whose transaction was
// not final when reported. Invoices are independent, so they run
// concurrently up to the configured limit; the per-invoice lock keeps each
// one serialized with request traffic. When auto-release is enabled,
// eligible undisputed escrows are released afterwards.
//
// Per-invoice failures (including chain timeouts) are counted and logged,
// never fatal: the next sweep retries them.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	invoices, err := r.store.ListReconcilable(ctx, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable invoices: %w", err)
	}

	var checked, updated, released, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, inv := range invoices {
		g.Go(func() error {
			checked.Add(1)
			res, err := r.Reconcile(gctx, inv.ID)
			if err != nil {
				failed.Add(1)
				logging.L(gctx, r.logger).Warn("sweep: reconcile failed", "invoice_id", inv.ID, "error", err)
				return nil
			}
			if res.Changed {
				updated.Add(1)
			}
			if !r.autoRelease || !r.dueForAutoRelease(res) {
				return nil
			}
			if _, err := r.AutoRelease(gctx, inv.ID); err != nil {
				if errors.Is(err, ErrDisputed) || errors.Is(err, escrow.ErrTooEarly) {
					return nil
				}
				failed.Add(1)
				logging.L(gctx, r.logger).Warn("sweep: auto-release failed", "invoice_id", inv.ID, "error", err)
				return nil
			}
			released.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := &SweepReport{
		Checked:      int(checked.Load()),
		Updated:      int(updated.Load()),
		AutoReleased: int(released.Load()),
		Failed:       int(failed.Load()),
		Duration:     time.Since(start),
	}
	sweepDuration.Observe(report.Duration.Seconds())
	sweepInvoices.WithLabelValues("checked").Set(float64(report.Checked))
	sweepInvoices.WithLabelValues("updated").Set(float64(report.Updated))
	sweepInvoices.WithLabelValues("auto_released").Set(float64(report.AutoReleased))
	sweepInvoices.WithLabelValues("failed").Set(float64(report.Failed))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// dueForAutoRelease is a local pre-check; the adapter checks the window
// against block time before sending anything.
func (r *Reconciler) dueForAutoRelease(res *Result) bool {
	if res == nil || res.Escrow == nil || res.Invoice.Status != ledger.InvoiceFunded {
		return false
	}
	if res.Invoice.ContractVersion == ledger.ContractV3 || res.Escrow.Lifecycle != escrow.LifecycleFunded {
		return false
	}
	at := res.Escrow.AutoReleaseAt()
	return at != nil && !r.now().Before(*at)
}

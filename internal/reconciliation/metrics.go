package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "operations_total",
		Help:      "Reconciler operations by type.",
	}, []string{"op"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "operation_duration_seconds",
		Help:      "Reconciler operation duration in seconds, chain waits included.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"op"})

	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "invoice_transitions_total",
		Help:      "Invoice status transitions applied by the reconciler.",
	}, []string{"from", "to"})

	milestoneTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "milestone_transitions_total",
		Help:      "Milestone status transitions applied by the reconciler.",
	}, []string{"from", "to"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "settlements_total",
		Help:      "Dispute settlements by resolution and chain outcome.",
	}, []string{"resolution", "outcome"})

	staleBookkeepingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "stale_bookkeeping_total",
		Help:      "Confirmed fund movements whose ledger write failed.",
	})

	divergenceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "divergence_total",
		Help:      "Settled invoices whose escrow state disagrees with the ledger.",
	})

	autoReleasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "auto_releases_total",
		Help:      "Escrows auto-released after their window.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepInvoices = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arcinvoice",
		Subsystem: "reconciliation",
		Name:      "sweep_invoices",
		Help:      "Invoices handled in the last sweep by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		opsTotal,
		opDuration,
		transitionsTotal,
		milestoneTransitionsTotal,
		settlementsTotal,
		staleBookkeepingTotal,
		divergenceTotal,
		autoReleasesTotal,
		sweepDuration,
		sweepInvoices,
	)
}

func observe(op string, start time.Time) {
	opsTotal.WithLabelValues(op).Inc()
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

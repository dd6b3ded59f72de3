package arbitration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "arbitration",
		Name:      "operations_total",
		Help:      "Arbitration operations by type.",
	}, []string{"op"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arcinvoice",
		Subsystem: "arbitration",
		Name:      "operation_duration_seconds",
		Help:      "Arbitration operation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"op"})

	rulingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "arbitration",
		Name:      "rulings_total",
		Help:      "Court rulings recorded, by ruling.",
	}, []string{"ruling"})

	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "arbitration",
		Name:      "executions_total",
		Help:      "Ruling execution attempts by outcome (executed, recorded, unconfirmed, rejected, error).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, rulingsTotal, executionsTotal)
}

func observe(op string, start time.Time) {
	opsTotal.WithLabelValues(op).Inc()
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

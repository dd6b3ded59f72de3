package dispute

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "dispute",
		Name:      "operations_total",
		Help:      "Dispute operations by type.",
	}, []string{"op"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arcinvoice",
		Subsystem: "dispute",
		Name:      "operation_duration_seconds",
		Help:      "Dispute operation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"op"})

	disputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "dispute",
		Name:      "resolved_total",
		Help:      "Disputes resolved by negotiation, by resolution.",
	}, []string{"resolution"})

	disputesExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "dispute",
		Name:      "expired_total",
		Help:      "Disputes closed after their window passed.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opDuration, disputesResolvedTotal, disputesExpiredTotal)
}

func observe(op string, start time.Time) {
	opsTotal.WithLabelValues(op).Inc()
	opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

package chain

import "github.com/prometheus/client_golang/prometheus"

var (
	callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "chain",
		Name:      "calls_total",
		Help:      "Read-only contract calls by outcome.",
	}, []string{"outcome"})

	submitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "chain",
		Name:      "submits_total",
		Help:      "Submitted transactions by final phase.",
	}, []string{"phase"})

	confirmDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arcinvoice",
		Subsystem: "chain",
		Name:      "confirm_duration_seconds",
		Help:      "Time from send to final phase.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})
)

func init() {
	prometheus.MustRegister(callsTotal, submitsTotal, confirmDuration)
}

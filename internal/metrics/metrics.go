// Package metrics holds the service's Prometheus collectors. Everything is
// registered on the default registry under the "arcinvoice" namespace and
// exposed by Handler.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arcinvoice"

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

var (
	HTTPRequestsTotal = counterVec("http_requests_total",
		"HTTP requests by method, route pattern and status class.", "method", "route", "status")

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route pattern.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
	}, []string{"method", "route"})

	// InvoicesCreatedTotal is labelled by payment mode and escrow contract version.
	InvoicesCreatedTotal = counterVec("invoices_created_total",
		"Invoices created by payment mode and escrow version.", "mode", "version")

	// FundingCallbacksTotal: recorded, pending or rejected.
	FundingCallbacksTotal = counterVec("funding_callbacks_total",
		"Funding callbacks from payment pages by result.", "result")

	// RulingWebhooksTotal: applied, rejected, invalid or invalid_signature.
	RulingWebhooksTotal = counterVec("ruling_webhooks_total",
		"Inbound arbitration ruling webhooks by result.", "result")

	// WorkerRunsTotal counts background job runs: ok, error or panic.
	WorkerRunsTotal = counterVec("worker_runs_total",
		"Background job runs by job name and result.", "worker", "result")

	WorkerRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_run_duration_seconds",
		Help:      "Background job run time.",
		Buckets:   []float64{.01, .05, .25, 1, 5, 15, 60, 180},
	}, []string{"worker"})

	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Connected live status WebSocket clients.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		InvoicesCreatedTotal,
		FundingCallbacksTotal,
		RulingWebhooksTotal,
		WorkerRunsTotal,
		WorkerRunDuration,
		ActiveWebSocketClients,
	)
}

// RegisterDB exports connection pool stats for db. Only the first pool
// registered in a process is exported; later calls are no-ops.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		return nil
	}
	return err
}

// Middleware records request count and latency per route pattern, so path
// parameters such as invoice ids never become label values. Unmatched
// routes are reported as "unmatched".
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of inbound requests handled per route",
		},
		[]string{"route", "method", "status"},
	)

	GatewayUpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_upstream_errors_total",
			Help: "Total number of forwarded requests that failed, by error kind",
		},
		[]string{"route", "kind"},
	)

	GatewayStatusChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_status_checks_total",
			Help: "Backend liveness probes by result",
		},
		[]string{"route", "result"},
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Latency of requests issued by the transport client",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"destination", "outcome"},
	)

	BatchEntities = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_entities_total",
			Help: "Entities processed by batch runs, by result",
		},
		[]string{"operation", "result"},
	)

	BatchRunsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_runs_active",
			Help: "Number of batch runs in progress",
		},
		[]string{"operation"},
	)

	TaskPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_polls_total",
			Help: "Async task status polls by observed status",
		},
		[]string{"status"},
	)
)

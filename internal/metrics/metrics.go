// Package metrics holds the Prometheus collectors for the sync engine and the
// remote table server.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	SyncOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicsync_ops_total",
			Help: "Queue entries processed by batch passes, by outcome.",
		},
		[]string{"table", "operation", "outcome"},
	)

	SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicsync_passes_total",
			Help: "Sync passes started, by final status.",
		},
		[]string{"status"},
	)

	SyncPassDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clinicsync_pass_duration_seconds",
			Help:    "Duration of full sync passes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	QueueEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "clinicsync_queue_entries",
			Help: "Sync queue entries by status.",
		},
		[]string{"status"},
	)

	ConflictsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicsync_conflicts_resolved_total",
			Help: "Conflict resolutions applied.",
		},
		[]string{"resolution", "mode"},
	)

	AuditFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "clinicsync_audit_fallback_total",
			Help: "Audit entries queued locally because the remote sink failed.",
		},
	)

	RemoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clinicsync_remote_calls_total",
			Help: "Calls made to the remote table API by the client.",
		},
		[]string{"method", "outcome"},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector with the default registry, labelled
// with the service name. Later calls are no-ops.
func MustRegister(serviceName string) {
	registerOnce.Do(func() {
		reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
		reg.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDurationSeconds,
			SyncOpsTotal,
			SyncPassesTotal,
			SyncPassDurationSeconds,
			QueueEntries,
			ConflictsResolvedTotal,
			AuditFallbackTotal,
			RemoteCallsTotal,
		)
	})
}

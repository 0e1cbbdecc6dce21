// Package metrics holds the daemon's prometheus collectors, served on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pilotd_sessions_active",
		Help: "Registered sessions.",
	})

	AttachmentsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pilotd_attachments_active",
		Help: "Live viewer attachments by mode.",
	}, []string{"mode"})

	PermissionResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pilotd_permission_resolutions_total",
		Help: "Resolved permission requests by resolution and reason.",
	}, []string{"resolution", "reason"})

	SnapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pilotd_snapshot_capture_seconds",
		Help:    "Latency of pane snapshot captures.",
		Buckets: prometheus.DefBuckets,
	})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pilotd_backend_errors_total",
		Help: "Failed backend operations by machine.",
	}, []string{"machine"})
)

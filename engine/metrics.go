package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRunCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldbrew_backup_runs_total",
		Help: "Number of backup runs by kind and status.",
	}, []string{"kind", "status"})

	metricRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coldbrew_backup_run_duration_seconds",
		Help:    "Duration of backup runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"kind"})

	metricArtifactBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coldbrew_backup_artifact_bytes",
		Help: "Size of the most recent artifact per source kind.",
	}, []string{"source"})

	metricRetentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coldbrew_retention_deleted_total",
		Help: "Number of artifacts removed by the retention sweep.",
	})

	metricRemoteSyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coldbrew_remote_sync_failures_total",
		Help: "Number of failed remote mirror syncs.",
	}, []string{"remote"})
)

// Package metrics declares the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cnpjsync_build_info",
			Help: "Build information of cnpjsync",
		},
		[]string{"version", "commit"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnpjsync_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cnpjsync_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)

	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_transfers_total",
			Help: "Total number of archive transfers by outcome",
		},
		[]string{"status"},
	)

	TransferBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cnpjsync_transfer_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cnpjsync_transfer_duration_seconds",
			Help:    "Duration of successful archive downloads",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68 minutes
		},
	)

	ArchivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_archives_total",
			Help: "Total number of archives consolidated by entity and outcome",
		},
		[]string{"entity", "status"},
	)

	RowsConsolidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_rows_consolidated_total",
			Help: "Total number of rows written to artifacts",
		},
		[]string{"entity"},
	)

	RowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_rows_rejected_total",
			Help: "Total number of rows dropped by coercion",
		},
		[]string{"entity"},
	)

	LoadBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_load_batches_total",
			Help: "Total number of load batches by entity and outcome",
		},
		[]string{"entity", "status"},
	)

	LoadBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cnpjsync_load_batch_duration_seconds",
			Help:    "Duration of load batches",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s to ~102s
		},
		[]string{"entity"},
	)

	RowsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_rows_loaded_total",
			Help: "Total number of rows written to the target store",
		},
		[]string{"entity"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cnpjsync_status_http_requests_total",
			Help: "Total number of status server requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Package metrics provides Prometheus metrics for the export pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	ExportsRequested      prometheus.Counter
	ExportsCompleted      *prometheus.CounterVec
	ExportsFailed         prometheus.Counter
	ExportDuration        prometheus.Histogram
	ArtifactBytes         *prometheus.HistogramVec
	RecordsCollected      *prometheus.CounterVec
	ActiveExports         prometheus.Gauge
	DownloadsServed       prometheus.Counter
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		ExportsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exports_requested_total",
			Help: "Total export requests accepted",
		}),
		ExportsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exports_completed_total",
			Help: "Total exports completed, by format",
		}, []string{"format"}),
		ExportsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exports_failed_total",
			Help: "Total failed exports",
		}),
		ExportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_processing_duration_seconds",
			Help:    "End-to-end export processing duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ArtifactBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "export_artifact_bytes",
			Help:    "Generated artifact size in bytes, by format",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}, []string{"format"}),
		RecordsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_records_collected_total",
			Help: "Total records collected, by category",
		}, []string{"category"}),
		ActiveExports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exports_active",
			Help: "Exports currently being processed",
		}),
		DownloadsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_downloads_served_total",
			Help: "Total artifact downloads served",
		}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.ExportsRequested,
		m.ExportsCompleted,
		m.ExportsFailed,
		m.ExportDuration,
		m.ArtifactBytes,
		m.RecordsCollected,
		m.ActiveExports,
		m.DownloadsServed,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

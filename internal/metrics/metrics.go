package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	EmailsIngested      prometheus.Counter
	EmailsDeduplicated  prometheus.Counter
	SyncFailures        prometheus.Counter
	ClassifierFallbacks prometheus.Counter
	AttachmentsStored   prometheus.Counter
	ProcessingTime      prometheus.Histogram
	ActiveAccounts      prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EmailsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "email_intel_emails_ingested_total",
			Help: "Total number of emails ingested and processed",
		}),
		EmailsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "email_intel_emails_deduplicated_total",
			Help: "Total number of emails skipped as already ingested",
		}),
		SyncFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "email_intel_sync_failures_total",
			Help: "Total number of failed account sync attempts",
		}),
		ClassifierFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "email_intel_classifier_fallbacks_total",
			Help: "Total number of classifications that used the fallback result",
		}),
		AttachmentsStored: promauto.NewCounter(prometheus.CounterOpts{
			Name: "email_intel_attachments_stored_total",
			Help: "Total number of attachments persisted to storage",
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "email_intel_processing_duration_seconds",
			Help:    "Time spent processing a single email",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "email_intel_active_accounts",
			Help: "Number of currently active email accounts",
		}),
	}
}

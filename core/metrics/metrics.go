/*Package metrics exposes the ingestion pipeline's prometheus collectors.

The external observability stack scrapes these through the /metrics route
installed by Handler().
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors. Create one per process with New()
// and pass it down to the pipeline builder.
type Metrics struct {
	registry *prometheus.Registry

	Quarantined   *prometheus.CounterVec
	Accepted      prometheus.Counter
	IntakeDepth   prometheus.Gauge
	BatchSize     prometheus.Gauge
	FlushDuration prometheus.Histogram
	FlushRetries  prometheus.Counter
}

// New creates and registers all pipeline collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "quarantined_total",
			Help:      "Messages diverted to quarantine, by reason code.",
		}, []string{"reason"}),
		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "accepted_total",
			Help:      "Telemetry records accepted into the batch writer.",
		}),
		IntakeDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "intake_queue_depth",
			Help:      "Messages waiting in the intake queue.",
		}),
		BatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ingest",
			Name:      "batch_buffered_records",
			Help:      "Records currently buffered by the batch writer.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "batch_flush_seconds",
			Help:      "Latency of batch flushes to the time-series store.",
			Buckets:   prometheus.DefBuckets,
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "batch_flush_retries_total",
			Help:      "Transient flush failures that were retried.",
		}),
	}
	m.registry.MustRegister(m.Quarantined, m.Accepted, m.IntakeDepth,
		m.BatchSize, m.FlushDuration, m.FlushRetries)
	return m
}

// Handler returns the http handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

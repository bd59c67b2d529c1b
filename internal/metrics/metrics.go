// Package metrics holds the Prometheus collectors of the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the pipeline collectors
type Metrics struct {
	QuotaAcquire      *prometheus.CounterVec
	RemoteCalls       *prometheus.CounterVec
	RemoteRetries     *prometheus.CounterVec
	Chunks            *prometheus.CounterVec
	MessagesPublished prometheus.Counter
	Runs              *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	PollInterval      prometheus.Histogram
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QuotaAcquire: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_quota_acquire_total",
				Help: "Quota bucket acquire attempts by result",
			},
			[]string{"bucket", "result"},
		),
		RemoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_remote_calls_total",
				Help: "Mail provider calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		RemoteRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_remote_retries_total",
				Help: "Mail provider call retries by operation",
			},
			[]string{"op"},
		),
		Chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Processed chunks by result",
			},
			[]string{"result"},
		),
		MessagesPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_messages_published_total",
				Help: "Normalized messages handed to the broker",
			},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_runs_total",
				Help: "Finished ingestion runs by final status",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_run_duration_seconds",
				Help:    "Duration of ingestion runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		PollInterval: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_poll_interval_minutes",
				Help:    "Intervals chosen by the polling strategy",
				Buckets: []float64{1, 2, 3, 5, 10, 15, 20, 30, 60},
			},
		),
	}

	reg.MustRegister(
		m.QuotaAcquire,
		m.RemoteCalls,
		m.RemoteRetries,
		m.Chunks,
		m.MessagesPublished,
		m.Runs,
		m.RunDuration,
		m.PollInterval,
	)
	return m
}

// Discard returns collectors registered on a private registry
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the given gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

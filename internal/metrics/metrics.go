// Package metrics provides Prometheus metrics for the HAR harvester.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Test outcomes recorded in tests_total.
const (
	OutcomeHarvested = "harvested"
	OutcomeNotFound  = "not_found"
	OutcomeUpToDate  = "up_to_date"
	OutcomeFiltered  = "filtered"
)

// Metrics holds all Prometheus metrics for the harvester.
type Metrics struct {
	// Cycle metrics
	Cycles        *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	LastSuccess   prometheus.Gauge

	// Per-test metrics
	Tests              *prometheus.CounterVec
	RecordsEmitted     *prometheus.CounterVec
	CheckpointAdvances prometheus.Counter
	ArchiveBytes       prometheus.Histogram

	// Remote API
	APIRequests *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"` // e.g. ":9090"
	Namespace string `yaml:"namespace"`
}

var defaultMetrics *Metrics

// Init registers the metrics with the default registry and makes them
// available through Get. Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(prometheus.DefaultRegisterer, namespace)
	return defaultMetrics
}

// New registers a fresh set of metrics with reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "har_harvester"
	}
	factory := promauto.With(reg)

	return &Metrics{
		Cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of poll cycles by final status",
			},
			[]string{"status"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Wall time of a poll cycle",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
		),
		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful poll cycle",
			},
		),
		Tests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tests_total",
				Help:      "Tests visited by outcome",
			},
			[]string{"outcome"},
		),
		RecordsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_emitted_total",
				Help:      "Records handed to the sink by kind",
			},
			[]string{"kind"},
		),
		CheckpointAdvances: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checkpoint_advances_total",
				Help:      "Checkpoint updates after a harvested run",
			},
		),
		ArchiveBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "archive_bytes",
				Help:      "Size of fetched archive documents in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
		),
		APIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Requests made to the remote API by endpoint",
			},
			[]string{"endpoint"},
		),
	}
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler returns the scrape and health mux for the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// ObserveCycle records the end of a poll cycle.
func (m *Metrics) ObserveCycle(status string, elapsed time.Duration) {
	m.Cycles.WithLabelValues(status).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	if status == "success" {
		m.LastSuccess.SetToCurrentTime()
	}
}

// IncTests increments the per-outcome test counter.
func (m *Metrics) IncTests(outcome string) {
	m.Tests.WithLabelValues(outcome).Inc()
}

// AddRecordsEmitted adds to the emitted records counter.
func (m *Metrics) AddRecordsEmitted(kind string, count float64) {
	m.RecordsEmitted.WithLabelValues(kind).Add(count)
}

// IncCheckpointAdvances increments the checkpoint advance counter.
func (m *Metrics) IncCheckpointAdvances() {
	m.CheckpointAdvances.Inc()
}

// ObserveArchiveBytes records the size of a fetched archive.
func (m *Metrics) ObserveArchiveBytes(n int) {
	m.ArchiveBytes.Observe(float64(n))
}

// AddAPIRequests adds to the per-endpoint request counter.
func (m *Metrics) AddAPIRequests(endpoint string, count int64) {
	if count > 0 {
		m.APIRequests.WithLabelValues(endpoint).Add(float64(count))
	}
}

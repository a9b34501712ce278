// Package metrics provides Prometheus metrics for the Segment Merger.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the Segment Merger.
type Metrics struct {
	// Segment metrics
	SegmentsPublished *prometheus.CounterVec
	SegmentsSkipped   *prometheus.CounterVec
	SegmentsFailed    *prometheus.CounterVec

	// Partial input metrics
	PartialsFetched *prometheus.CounterVec
	RowsMerged      *prometheus.CounterVec

	// Timing metrics
	FetchDuration   *prometheus.HistogramVec
	MergeDuration   *prometheus.HistogramVec
	PublishDuration *prometheus.HistogramVec

	// Size metrics
	SegmentRows  *prometheus.HistogramVec
	SegmentBytes *prometheus.HistogramVec

	// Pipeline metrics
	WorkerQueueDepth prometheus.Gauge
	SequencerPending prometheus.Gauge
	InFlightBuckets  prometheus.Gauge

	// Error metrics
	FetchErrors   *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
	CatalogErrors *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "segment_merger"
	}

	m := &Metrics{
		SegmentsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_published_total",
				Help:      "Total number of merged segments published",
			},
			[]string{"dataset", "version"},
		),
		SegmentsSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_skipped_total",
				Help:      "Total number of segments skipped (already exist)",
			},
			[]string{"dataset", "version"},
		),
		SegmentsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "segments_failed_total",
				Help:      "Total number of segments that failed to merge",
			},
			[]string{"dataset", "version"},
		),
		PartialsFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partials_fetched_total",
				Help:      "Total number of partial partitions fetched",
			},
			[]string{"dataset", "version"},
		),
		RowsMerged: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_merged_total",
				Help:      "Total number of rows written into merged segments",
			},
			[]string{"dataset", "version"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Time to fetch the partial partitions for one bucket",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"dataset", "version"},
		),
		MergeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "merge_duration_seconds",
				Help:      "Time to merge and encode one bucket (k-way merge + parquet)",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
			},
			[]string{"dataset", "version"},
		),
		PublishDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_duration_seconds",
				Help:      "Total time to publish one segment (upload + manifest + catalog)",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
			},
			[]string{"dataset", "version"},
		),
		SegmentRows: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_rows",
				Help:      "Number of rows per merged segment",
				Buckets:   prometheus.ExponentialBuckets(100, 2, 10), // 100 to ~100k
			},
			[]string{"dataset", "version"},
		),
		SegmentBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "segment_bytes",
				Help:      "Size of merged segments in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"dataset", "version"},
		),
		WorkerQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_queue_depth",
				Help:      "Current number of bucket jobs in the worker queue",
			},
		),
		SequencerPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sequencer_pending",
				Help:      "Number of merged buckets pending sequencer publish",
			},
		),
		InFlightBuckets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_buckets",
				Help:      "Number of buckets currently being merged",
			},
		),
		FetchErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_errors_total",
				Help:      "Total number of partial fetch errors",
			},
			[]string{"dataset"},
		),
		StorageErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage write errors",
			},
			[]string{"dataset", "backend"},
		),
		CatalogErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of metadata catalog errors",
			},
			[]string{"dataset"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"dataset", "operation"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Dataset   string
	Version   string
	Backend   string
	Operation string
}

// IncSegmentsPublished increments the segments published counter.
func (m *Metrics) IncSegmentsPublished(l Labels) {
	m.SegmentsPublished.WithLabelValues(l.Dataset, l.Version).Inc()
}

// IncSegmentsSkipped increments the segments skipped counter.
func (m *Metrics) IncSegmentsSkipped(l Labels) {
	m.SegmentsSkipped.WithLabelValues(l.Dataset, l.Version).Inc()
}

// IncSegmentsFailed increments the segments failed counter.
func (m *Metrics) IncSegmentsFailed(l Labels) {
	m.SegmentsFailed.WithLabelValues(l.Dataset, l.Version).Inc()
}

// AddPartialsFetched adds to the partials fetched counter.
func (m *Metrics) AddPartialsFetched(l Labels, count float64) {
	m.PartialsFetched.WithLabelValues(l.Dataset, l.Version).Add(count)
}

// AddRowsMerged adds to the rows merged counter.
func (m *Metrics) AddRowsMerged(l Labels, count float64) {
	m.RowsMerged.WithLabelValues(l.Dataset, l.Version).Add(count)
}

// ObserveFetchDuration records the partial fetch time for one bucket.
func (m *Metrics) ObserveFetchDuration(l Labels, seconds float64) {
	m.FetchDuration.WithLabelValues(l.Dataset, l.Version).Observe(seconds)
}

// ObserveMergeDuration records the merge and encode time for one bucket.
func (m *Metrics) ObserveMergeDuration(l Labels, seconds float64) {
	m.MergeDuration.WithLabelValues(l.Dataset, l.Version).Observe(seconds)
}

// ObservePublishDuration records the total publish time for one segment.
func (m *Metrics) ObservePublishDuration(l Labels, seconds float64) {
	m.PublishDuration.WithLabelValues(l.Dataset, l.Version).Observe(seconds)
}

// ObserveSegmentRows records the number of rows in a merged segment.
func (m *Metrics) ObserveSegmentRows(l Labels, rows float64) {
	m.SegmentRows.WithLabelValues(l.Dataset, l.Version).Observe(rows)
}

// ObserveSegmentBytes records the size of a merged segment in bytes.
func (m *Metrics) ObserveSegmentBytes(l Labels, bytes float64) {
	m.SegmentBytes.WithLabelValues(l.Dataset, l.Version).Observe(bytes)
}

// SetWorkerQueueDepth sets the current worker queue depth.
func (m *Metrics) SetWorkerQueueDepth(depth float64) {
	m.WorkerQueueDepth.Set(depth)
}

// SetSequencerPending sets the number of buckets pending publish.
func (m *Metrics) SetSequencerPending(pending float64) {
	m.SequencerPending.Set(pending)
}

// SetInFlightBuckets sets the number of in-flight buckets.
func (m *Metrics) SetInFlightBuckets(count float64) {
	m.InFlightBuckets.Set(count)
}

// IncFetchErrors increments the fetch errors counter.
func (m *Metrics) IncFetchErrors(l Labels) {
	m.FetchErrors.WithLabelValues(l.Dataset).Inc()
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Dataset, l.Backend).Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors(l Labels) {
	m.CatalogErrors.WithLabelValues(l.Dataset).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(l Labels) {
	m.RetryAttempts.WithLabelValues(l.Dataset, l.Operation).Inc()
}

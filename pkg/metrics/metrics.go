// Package metrics defines the Prometheus collectors used by rpmctl and
// contentd and exposes an HTTP handler for scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so library code can take one optionally.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	ChunksSubmittedTotal  *prometheus.CounterVec
	UploadBytesTotal      prometheus.Counter
	ChunkLatency          prometheus.Histogram
	SessionTransitions    *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	PagesProcessedTotal   *prometheus.CounterVec
	RecordsProcessedTotal *prometheus.CounterVec
	IngestChunksTotal     *prometheus.CounterVec
	IngestBytesTotal      prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ChunksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_chunks_submitted_total",
				Help: "Chunk submissions by result (acked, transient, rejected).",
			},
			[]string{"result"},
		),
		UploadBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "upload_bytes_acknowledged_total",
				Help: "Bytes acknowledged by the ingestion endpoint.",
			},
		),
		ChunkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "upload_chunk_latency_seconds",
				Help:    "Round-trip time of a chunk submission.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
			},
		),
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upload_session_transitions_total",
				Help: "Upload session state transitions by target status.",
			},
			[]string{"status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "upload_sessions_active",
				Help: "Sessions created or uploading in this process.",
			},
		),
		PagesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_pages_processed_total",
				Help: "Pages handled by bulk workflows by workflow and result.",
			},
			[]string{"workflow", "result"},
		),
		RecordsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_records_processed_total",
				Help: "Records handled by bulk workflows.",
			},
			[]string{"workflow"},
		),
		IngestChunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Chunks received by the ingestion server by outcome (appended, duplicate, rejected).",
			},
			[]string{"outcome"},
		),
		IngestBytesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_bytes_written_total",
				Help: "Bytes appended to upload files by the ingestion server.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ChunksSubmittedTotal,
		m.UploadBytesTotal,
		m.ChunkLatency,
		m.SessionTransitions,
		m.ActiveSessions,
		m.PagesProcessedTotal,
		m.RecordsProcessedTotal,
		m.IngestChunksTotal,
		m.IngestBytesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveChunk records the outcome of one chunk submission.
func (m *Metrics) ObserveChunk(result string, bytes int, seconds float64) {
	if m == nil {
		return
	}
	m.ChunksSubmittedTotal.WithLabelValues(result).Inc()
	m.ChunkLatency.Observe(seconds)
	if result == "acked" {
		m.UploadBytesTotal.Add(float64(bytes))
	}
}

// SessionTransition records a session moving to status. Entering a terminal
// status lowers the active gauge, creating one raises it.
func (m *Metrics) SessionTransition(status string, terminal bool) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(status).Inc()
	switch {
	case status == "created":
		m.ActiveSessions.Inc()
	case terminal:
		m.ActiveSessions.Dec()
	}
}

// ObservePage records one page of a bulk workflow.
func (m *Metrics) ObservePage(workflow string, records int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PagesProcessedTotal.WithLabelValues(workflow, result).Inc()
	if err == nil {
		m.RecordsProcessedTotal.WithLabelValues(workflow).Add(float64(records))
	}
}

// ObserveIngest records one chunk arriving at the ingestion server.
func (m *Metrics) ObserveIngest(outcome string, written int) {
	if m == nil {
		return
	}
	m.IngestChunksTotal.WithLabelValues(outcome).Inc()
	m.IngestBytesTotal.Add(float64(written))
}

// SetBreakerState mirrors a circuit breaker state into the gauge.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

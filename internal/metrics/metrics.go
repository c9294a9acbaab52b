// Package metrics registers the Prometheus metrics emitted by the question
// and ingestion pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared across registrations.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Chunk disposition label values for ingestChunksTotal.
const (
	ChunkIndexed   = "indexed"
	ChunkSkipped   = "skipped"
	ChunkRefreshed = "refreshed"
)

// Metrics holds all Prometheus metrics owned by the application. A single
// instance is created at startup and handed to the orchestrator; tests inject
// a fresh prometheus.Registry without polluting the default one.
type Metrics struct {
	// askRequestsTotal counts completed questions, partitioned by outcome.
	askRequestsTotal *prometheus.CounterVec

	// askDurationSeconds records the wall-clock duration of each question
	// from receipt to persisted answer.
	askDurationSeconds *prometheus.HistogramVec

	// agentTurns records how many model invocations each question took.
	agentTurns prometheus.Histogram

	// toolCallsTotal counts tool invocations made by the agent,
	// partitioned by tool name.
	toolCallsTotal *prometheus.CounterVec

	// ingestFilesTotal counts files pushed through the ingestion pipeline,
	// partitioned by outcome.
	ingestFilesTotal *prometheus.CounterVec

	// ingestChunksTotal counts chunks produced during ingestion,
	// partitioned by disposition: indexed, skipped, or refreshed.
	ingestChunksTotal *prometheus.CounterVec
}

// New registers all application metrics against reg and returns the populated
// Metrics. promauto.With(reg) is used so that each call registers into the
// provided registry rather than the global default — this keeps unit tests
// hermetic.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		askRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Total number of questions answered, partitioned by outcome.",
		}, []string{"outcome"}),

		askDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "docchat",
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of questions from receipt to persisted answer.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		agentTurns: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docchat",
			Subsystem: "agent",
			Name:      "turns",
			Help:      "Number of model invocations per question.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8},
		}),

		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Total number of tool invocations made by the agent, partitioned by tool name.",
		}, []string{"tool"}),

		ingestFilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Total number of files pushed through the ingestion pipeline, partitioned by outcome.",
		}, []string{"outcome"}),

		ingestChunksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docchat",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Total number of chunks produced during ingestion, partitioned by disposition.",
		}, []string{"disposition"}),
	}
}

// ObserveAsk records one completed question.
func (m *Metrics) ObserveAsk(outcome string, seconds float64, turns int) {
	if m == nil {
		return
	}
	m.askRequestsTotal.WithLabelValues(outcome).Inc()
	m.askDurationSeconds.WithLabelValues(outcome).Observe(seconds)
	if turns > 0 {
		m.agentTurns.Observe(float64(turns))
	}
}

// ObserveToolCall records one tool invocation.
func (m *Metrics) ObserveToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool).Inc()
}

// ObserveIngest records one file run through the ingestion pipeline.
func (m *Metrics) ObserveIngest(outcome string, indexed, skipped, refreshed int) {
	if m == nil {
		return
	}
	m.ingestFilesTotal.WithLabelValues(outcome).Inc()
	m.ingestChunksTotal.WithLabelValues(ChunkIndexed).Add(float64(indexed))
	m.ingestChunksTotal.WithLabelValues(ChunkSkipped).Add(float64(skipped))
	m.ingestChunksTotal.WithLabelValues(ChunkRefreshed).Add(float64(refreshed))
}

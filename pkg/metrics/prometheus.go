// Package metrics holds the Prometheus collectors for the enrichment pipeline,
// the memory store and the evolution tracker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "lia"
)

// StageBuckets defines histogram buckets for stage latency (in seconds).
var StageBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// =============================================================================
// Pipeline Metrics
// =============================================================================

var (
	// PipelineRuns counts completed pipeline runs by outcome ("ok", "failed").
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs",
		},
		[]string{"outcome"},
	)

	// StageDuration tracks per-stage processing latency.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage processing latency in seconds",
			Buckets:   StageBuckets,
		},
		[]string{"stage"},
	)

	// StageFailures counts stage errors by kind.
	StageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of stage failures",
		},
		[]string{"stage", "kind"},
	)

	// StageRetries counts stage retry attempts.
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Total number of stage retries",
		},
		[]string{"stage"},
	)
)

// =============================================================================
// Memory Metrics
// =============================================================================

var (
	// MemoryRecords tracks live records per category.
	MemoryRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_records",
			Help:      "Number of live memory records",
		},
		[]string{"category"},
	)

	// MemoryAdmissions counts admitted records per category.
	MemoryAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_admissions_total",
			Help:      "Total number of admitted memory records",
		},
		[]string{"category"},
	)

	// CompressionPasses counts compression invocations by outcome ("ok", "partial", "noop").
	CompressionPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_passes_total",
			Help:      "Total number of compression passes",
		},
		[]string{"outcome"},
	)

	// CompressionAbsorbed counts records absorbed into compressed groups.
	CompressionAbsorbed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_absorbed_records_total",
			Help:      "Total number of records absorbed by compression",
		},
	)

	// CompressionGroupFailures counts groups whose summarization or commit failed.
	CompressionGroupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compression_group_failures_total",
			Help:      "Total number of compression groups that failed to commit",
		},
	)
)

// =============================================================================
// Evolution Metrics
// =============================================================================

var (
	// EvolutionSamples counts appended evolution samples.
	EvolutionSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evolution_samples_total",
			Help:      "Total number of recorded evolution samples",
		},
	)

	// EvolutionStage reports the current evolution stage.
	EvolutionStage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evolution_stage",
			Help:      "Current evolution stage",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the transcription
// pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StagesTotal counts completed pipeline stages.
	// Labels: stage (resolve/fetch/upload/transcribe/refine/reconcile), status (success/error)
	StagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castscribe_pipeline_stages_total",
			Help: "Total number of pipeline stages executed by stage and status",
		},
		[]string{"stage", "status"},
	)

	// ErrorsTotal counts pipeline errors by stage and error code.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castscribe_pipeline_errors_total",
			Help: "Total number of pipeline errors by stage and error code",
		},
		[]string{"stage", "error_code"},
	)

	// StageDuration is the per-stage latency histogram.
	// Buckets span quick metadata calls to multi-minute engine runs.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "castscribe_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// EngineOutcomesTotal counts transcription engine race outcomes.
	// Labels: engine, outcome (primary/fallback/abandoned/failed)
	EngineOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "castscribe_engine_outcomes_total",
			Help: "Total number of engine race outcomes by engine and outcome",
		},
		[]string{"engine", "outcome"},
	)

	// DownloadedBytesTotal counts bytes fetched from media hosts.
	DownloadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castscribe_downloaded_bytes_total",
			Help: "Total bytes downloaded from media hosts",
		},
	)

	// RefinementDegradedTotal counts refinement calls that degraded at least
	// one chunk to its original text.
	RefinementDegradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "castscribe_refinement_degraded_total",
			Help: "Total number of refinement calls with at least one degraded chunk",
		},
	)
)

// RecordStage records a finished stage with its outcome and duration.
func RecordStage(stage string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	StagesTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordError records a pipeline error by stage and code.
func RecordError(stage, errorCode string) {
	ErrorsTotal.WithLabelValues(stage, errorCode).Inc()
}

// RecordEngineOutcome records how an engine finished a race.
func RecordEngineOutcome(engine, outcome string) {
	EngineOutcomesTotal.WithLabelValues(engine, outcome).Inc()
}

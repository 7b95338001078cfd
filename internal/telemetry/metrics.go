package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubjectsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_subjects_processed_total", Help: "Subjects completed by a stage"}, []string{"stage"})
	SubjectsFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_subjects_failed_total", Help: "Subjects that failed within a stage"}, []string{"stage"})
	BatchesCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_batches_total", Help: "Batches checkpointed"}, []string{"stage"})
	Invocations       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_invocations_total", Help: "Stage invocations by outcome"}, []string{"stage", "outcome"})
	RecordsHarvested  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_records_harvested_total", Help: "Harvested records newly stored"}, []string{"stage"})
	TriggerRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_trigger_rate_limit_rejects_total", Help: "Run requests rejected by rate limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Invocations waiting to run"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_inflight", Help: "Invocations currently leased"})
	AggregationRuns   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "spend_aggregations_total", Help: "Spend summaries recomputed by result"}, []string{"result"})
	AggregationTime   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "spend_aggregation_seconds", Help: "Time to aggregate one buyer", Buckets: prometheus.DefBuckets})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubjectsProcessed,
			SubjectsFailed,
			BatchesCompleted,
			Invocations,
			RecordsHarvested,
			TriggerRejects,
			QueueDepthGauge,
			InFlightGauge,
			AggregationRuns,
			AggregationTime,
		)
	})
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsEvaluatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_events_evaluated_total",
		Help: "Exit events evaluated, by outcome status and discard reason",
	}, []string{"status", "reason"})
	EvaluationDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geofence_evaluation_duration_ms",
		Help:    "Time to evaluate one exit event in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	})
	EvaluationErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofence_evaluation_errors_total",
		Help: "Evaluations aborted by a store or transport failure",
	})
	UnvalidatedViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofence_unvalidated_violations_total",
		Help: "Violations recorded without geometry validation",
	})
	BackfillRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_backfill_runs_total",
		Help: "Backfill invocations by result",
	}, []string{"result"})
	CallbackFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofence_stream_callback_failures_total",
		Help: "Streaming callbacks that returned an error or panicked",
	})
	FeedReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofence_feed_reconnects_total",
		Help: "Times the live event feed was re-subscribed after a failure",
	})
	ZoneCacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_zone_cache_hits_total",
		Help: "Zone polygon cache hits by layer",
	}, []string{"layer"})
	ZoneCacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofence_zone_cache_misses_total",
		Help: "Zone polygon cache misses by layer",
	}, []string{"layer"})
)

func init() {
	prometheus.MustRegister(EventsEvaluatedTotal)
	prometheus.MustRegister(EvaluationDurationMs)
	prometheus.MustRegister(EvaluationErrorsTotal)
	prometheus.MustRegister(UnvalidatedViolationsTotal)
	prometheus.MustRegister(BackfillRunsTotal)
	prometheus.MustRegister(CallbackFailuresTotal)
	prometheus.MustRegister(FeedReconnectsTotal)
	prometheus.MustRegister(ZoneCacheHitsTotal)
	prometheus.MustRegister(ZoneCacheMissesTotal)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler { return promhttp.Handler() }

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SyncPredictions     = prometheus.NewCounter(prometheus.CounterOpts{Name: "predictions_sync_total", Help: "Synchronous predictions served"})
	EnqueueCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Async jobs accepted and enqueued"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "predict_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached the failed state"}, []string{"kind"})
	WorkerRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Engine failures re-enqueued for another attempt"})
	Redeliveries        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_redelivered_total", Help: "Queue entries reclaimed after the visibility timeout"})
	DuplicateDeliveries = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_duplicate_deliveries_total", Help: "Deliveries skipped because the job was in flight or terminal"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Outstanding queue entries (unread and unacknowledged)"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently being computed by this process"})
	ComputeDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "prediction_compute_seconds",
		Help:    "Inference engine latency",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 15, 20, 30},
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SyncPredictions,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerRetries,
			Redeliveries,
			DuplicateDeliveries,
			QueueDepthGauge,
			InFlightGauge,
			ComputeDuration,
		)
	})
	return promhttp.Handler()
}

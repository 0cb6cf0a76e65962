// Package metrics exposes Prometheus collectors for the mirror.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	pacingWaitSeconds          prometheus.Histogram
	itemsTotal                 *prometheus.CounterVec
	bytesWrittenTotal          prometheus.Counter
	activeWorkers              prometheus.Gauge
	libraryCommitsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_fetch_attempts_total",
				Help: "Outbound fetch attempts, labeled by outcome (success, retry, failure).",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mirror_fetch_duration_seconds",
				Help:    "Histogram of single fetch attempt latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		pacingWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mirror_pacing_wait_seconds",
				Help:    "Histogram of time spent waiting on the global pacing gate.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_items_total",
				Help: "Bookmarks processed by the scheduler, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		bytesWrittenTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mirror_bytes_written_total",
				Help: "Payload bytes written to the content store.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mirror_active_workers",
				Help: "Number of workers currently processing a bookmark.",
			},
		)

		libraryCommitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mirror_library_commits_total",
				Help: "Library upserts, labeled by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// ObservePacingWait records the time a caller spent blocked on the pacing gate.
func ObservePacingWait(duration time.Duration) {
	Init()
	pacingWaitSeconds.Observe(duration.Seconds())
}

// ObserveItem increments the item counter for the given outcome.
func ObserveItem(outcome string) {
	Init()
	itemsTotal.WithLabelValues(outcome).Inc()
}

// AddBytesWritten adds n to the written payload byte counter.
func AddBytesWritten(n int64) {
	Init()
	if n > 0 {
		bytesWrittenTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveCommit increments the library commit counter.
func ObserveCommit(backend, outcome string) {
	Init()
	libraryCommitsTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

package offline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_fetch_total",
			Help: "Fetch events by outcome",
		},
		[]string{"kind"},
	)

	LifecycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_lifecycle_total",
			Help: "Lifecycle events by result",
		},
		[]string{"event", "result"},
	)

	CacheWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_cache_write_failures_total",
			Help: "Best-effort cache writes that failed or were dropped",
		},
	)

	ResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline0_response_size_bytes",
			Help:    "Response body size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"kind"},
	)
)

func observeLifecycle(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LifecycleTotal.WithLabelValues(event, result).Inc()
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

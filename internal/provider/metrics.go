package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contestsync"

var (
	providerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Provider requests by outcome",
		},
		[]string{"outcome"},
	)

	providerRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Time spent waiting for the provider",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)
)

// recordRequest records a finished provider request.
func recordRequest(r Result, duration time.Duration) {
	outcome := "success"
	if !r.Success {
		outcome = string(r.Kind)
	}
	providerRequests.WithLabelValues(outcome).Inc()
	providerRequestDuration.Observe(duration.Seconds())
}

package updater

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "contestsync"

var (
	queuesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "queues_created_total",
			Help:      "Total update queues created by initiator kind",
		},
		[]string{"initiator"},
	)

	queuesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "queues_finished_total",
			Help:      "Total update queues that stopped running, by outcome",
		},
		[]string{"outcome"},
	)

	batchesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "batches_total",
			Help:      "Batch Processor invocations by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	accountsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "accounts_processed_total",
			Help:      "Accounts folded into queue state by final status",
		},
		[]string{"status"},
	)

	queuesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "queues_running",
			Help:      "Queues observed running at the last throttle check",
		},
	)

	throttleDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "updater",
			Name:      "throttle_delay_seconds",
			Help:      "Cooperative delay inserted before dispatching a batch",
			Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5},
		},
	)
)

func recordQueueCreated(kind InitiatorKind) {
	queuesCreated.WithLabelValues(string(kind)).Inc()
}

func recordQueueFinished(outcome string) {
	queuesFinished.WithLabelValues(outcome).Inc()
}

func recordBatch(mode Mode, outcome string) {
	batchesProcessed.WithLabelValues(string(mode), outcome).Inc()
}

func recordAccount(status AccountStatus) {
	accountsProcessed.WithLabelValues(string(status)).Inc()
}

func recordThrottle(running int, delay time.Duration) {
	queuesRunning.Set(float64(running))
	if delay > 0 {
		throttleDelay.Observe(delay.Seconds())
	}
}

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	pushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storesync",
			Name:      "pushes_total",
			Help:      "Push attempts by result (accepted, rejected, conflict, transient).",
		},
		[]string{"result"},
	)

	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "storesync",
			Name:      "conflicts_total",
			Help:      "Resolved conflicts by strategy.",
		},
		[]string{"strategy"},
	)

	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "storesync",
			Name:      "critical_escalations_total",
			Help:      "Critical-priority items that exceeded the failure threshold.",
		},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "storesync",
			Name:      "queue_depth",
			Help:      "Queue items by status.",
		},
		[]string{"status"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(pushes, conflicts, escalations, queueDepth)
	})
}

// IncPush increments the push counter for a result label.
func IncPush(result string) {
	pushes.WithLabelValues(result).Inc()
}

// IncConflict increments the conflict counter for a strategy label.
func IncConflict(strategy string) {
	conflicts.WithLabelValues(strategy).Inc()
}

// IncEscalation counts a critical escalation.
func IncEscalation() {
	escalations.Inc()
}

// SetQueueDepth records the current queue depth for a status label.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

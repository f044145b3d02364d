package dora

import "github.com/prometheus/client_golang/prometheus"

var (
	xctCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydora",
			Subsystem: "env",
			Name:      "xct_total",
			Help:      "Counter of decided transactions.",
		}, []string{"type", "decision"})

	xctDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tinydora",
			Subsystem: "env",
			Name:      "xct_duration_seconds",
			Help:      "Bucketed histogram of transaction latency from submit to decision.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 18),
		}, []string{"type"})

	actionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydora",
			Subsystem: "partition",
			Name:      "action_total",
			Help:      "Counter of actions served by the partition workers.",
		}, []string{"table", "decision"})

	lockConflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinydora",
			Subsystem: "partition",
			Name:      "lock_conflict_total",
			Help:      "Counter of actions parked because of a lock conflict.",
		}, []string{"table"})

	queueLenGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tinydora",
			Subsystem: "partition",
			Name:      "queue_length",
			Help:      "Actions waiting in a partition input queue.",
		}, []string{"table", "partition"})

	inFlightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tinydora",
			Subsystem: "env",
			Name:      "xct_in_flight",
			Help:      "Transactions submitted and not decided yet.",
		})
)

func init() {
	prometheus.MustRegister(xctCounter)
	prometheus.MustRegister(xctDuration)
	prometheus.MustRegister(actionCounter)
	prometheus.MustRegister(lockConflictCounter)
	prometheus.MustRegister(queueLenGauge)
	prometheus.MustRegister(inFlightGauge)
}

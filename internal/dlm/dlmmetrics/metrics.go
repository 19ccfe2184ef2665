// Package dlmmetrics registers the Prometheus metrics the lock engine,
// directory, and recovery coordinator update as they run.
//
// Grounded on pkg/metadata/lock/metrics.go's label/const layout: a single
// Metrics struct of CounterVec/GaugeVec/HistogramVec fields, constructed
// once and passed down by reference, with small string-constant packages
// for label names and label values instead of ad-hoc literals.
package dlmmetrics

import "github.com/prometheus/client_golang/prometheus"

// Label names used across the metric families below.
const (
	LabelResult = "result"
	LabelMode   = "mode"
	LabelPhase  = "phase"
)

// Result label values.
const (
	ResultGranted  = "granted"
	ResultQueued   = "queued"
	ResultDenied   = "denied"
	ResultDeadlock = "deadlock"
	ResultCancelled = "cancelled"
	ResultTimedOut  = "timed_out"
)

// Metrics holds every counter/gauge/histogram the engine and recovery
// coordinator update.
type Metrics struct {
	Requests      *prometheus.CounterVec
	Conversions   *prometheus.CounterVec
	Unlocks       prometheus.Counter
	Cancels       *prometheus.CounterVec
	Deadlocks     prometheus.Counter
	ASTQueueDepth prometheus.Gauge
	GrantLatency  prometheus.Histogram
	RecoveryPhase *prometheus.GaugeVec
	Recoveries    prometheus.Counter
	Resources     prometheus.Gauge
	WaitersTotal  prometheus.Gauge
}

// New builds and registers every metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "requests_total",
			Help:      "Lock requests by mode and outcome.",
		}, []string{LabelMode, LabelResult}),
		Conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "conversions_total",
			Help:      "Lock conversions by mode and outcome.",
		}, []string{LabelMode, LabelResult}),
		Unlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "unlocks_total",
			Help:      "Unlock operations.",
		}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "cancels_total",
			Help:      "Cancel operations by outcome.",
		}, []string{LabelResult}),
		Deadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "conversion_deadlocks_total",
			Help:      "Conversions rejected to prevent a deadlock cycle.",
		}),
		ASTQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm",
			Name:      "ast_queue_depth",
			Help:      "Number of ASTs queued for delivery.",
		}),
		GrantLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dlm",
			Name:      "grant_latency_seconds",
			Help:      "Time from request to grant.",
			Buckets:   prometheus.DefBuckets,
		}),
		RecoveryPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dlm",
			Name:      "recovery_phase",
			Help:      "1 if the lockspace is currently in the named recovery phase.",
		}, []string{LabelPhase}),
		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dlm",
			Name:      "recoveries_total",
			Help:      "Completed recovery cycles.",
		}),
		Resources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm",
			Name:      "resources",
			Help:      "Resources currently mastered by this node.",
		}),
		WaitersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dlm",
			Name:      "waiters",
			Help:      "Outstanding remote waiter table entries.",
		}),
	}

	reg.MustRegister(
		m.Requests, m.Conversions, m.Unlocks, m.Cancels, m.Deadlocks,
		m.ASTQueueDepth, m.GrantLatency, m.RecoveryPhase, m.Recoveries,
		m.Resources, m.WaitersTotal,
	)
	return m
}

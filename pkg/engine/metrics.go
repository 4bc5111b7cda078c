package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	assignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "assignments_total", Help: "Variant assignments served, including fail-closed fallbacks."},
		[]string{"experiment_id", "variant_id"},
	)
	assignFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "assign_fallbacks_total", Help: "Assignments that failed closed to the control variant."},
		[]string{"experiment_id", "reason"},
	)
	exposuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "exposures_total", Help: "First-time exposures recorded."},
		[]string{"experiment_id", "variant_id"},
	)
	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "outcomes_total", Help: "Outcome events folded into aggregates."},
		[]string{"experiment_id", "metric"},
	)
	outcomesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "outcomes_dropped_total", Help: "Outcome events dropped before aggregation."},
		[]string{"experiment_id", "reason"},
	)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "lifecycle_transitions_total", Help: "Applied lifecycle transitions."},
		[]string{"experiment_id", "event"},
	)
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "splitlab", Subsystem: "engine", Name: "evaluations_total", Help: "Statistical evaluations served."},
		[]string{"experiment_id"},
	)
)

func init() {
	_ = prometheus.Register(assignmentsTotal)
	_ = prometheus.Register(assignFallbacks)
	_ = prometheus.Register(exposuresTotal)
	_ = prometheus.Register(outcomesTotal)
	_ = prometheus.Register(outcomesDropped)
	_ = prometheus.Register(transitionsTotal)
	_ = prometheus.Register(evaluationsTotal)
}

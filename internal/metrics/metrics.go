// Package metrics exports engine counters on a private registry so tests can
// build as many instances as they like.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BlackWatch0/avocado/internal/model"
)

type Metrics struct {
	Registry *prometheus.Registry

	SyncRuns       *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ChangesApplied prometheus.Counter
	Conflicts      prometheus.Counter
	PlannerCalls   prometheus.Counter
	PlannerSkips   prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		Registry: registry,
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avocado_sync_runs_total",
			Help: "Sync runs by status and trigger.",
		}, []string{"status", "trigger"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "avocado_sync_run_duration_seconds",
			Help:    "Wall time of one reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
		ChangesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "avocado_planner_changes_applied_total",
			Help: "Planner edits written to the user layer.",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "avocado_planner_conflicts_total",
			Help: "Planner edits rejected by version or policy gates.",
		}),
		PlannerCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "avocado_planner_requests_total",
			Help: "Chat completion requests sent to the planner.",
		}),
		PlannerSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "avocado_planner_skips_total",
			Help: "Planning passes skipped because the payload was unchanged.",
		}),
	}
}

// ObserveRun records one finished run. Safe on a nil receiver so bare engine
// tests need no registry.
func (m *Metrics) ObserveRun(result model.SyncResult) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result.Status, result.Trigger).Inc()
	m.RunDuration.Observe(float64(result.DurationMS) / 1000)
	m.ChangesApplied.Add(float64(result.ChangesApplied))
	m.Conflicts.Add(float64(result.Conflicts))
}

// ObservePlannerCall counts one chat completion request.
func (m *Metrics) ObservePlannerCall() {
	if m == nil {
		return
	}
	m.PlannerCalls.Inc()
}

// ObservePlannerSkip counts one planning pass suppressed by the payload
// fingerprint.
func (m *Metrics) ObservePlannerSkip() {
	if m == nil {
		return
	}
	m.PlannerSkips.Inc()
}

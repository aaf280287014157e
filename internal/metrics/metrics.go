// Package metrics collects operational counters for the control
// plane and the export pipeline. Counters are prometheus collectors
// held in a private registry; a flat snapshot can be published on the
// metrics channel for CLI display.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry bundles the core counters with their prometheus registry.
type Registry struct {
	prom *prometheus.Registry

	MessagesPublished  *prometheus.CounterVec
	CommandsDispatched *prometheus.CounterVec
	QueriesExecuted    *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	PagesExported      prometheus.Counter
	ExportErrors       prometheus.Counter
}

// NewRegistry creates the registry with all core metrics plus Go
// runtime collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsexport_messages_published_total",
			Help: "Messages published on the bus, by channel.",
		}, []string{"channel"}),
		CommandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsexport_commands_dispatched_total",
			Help: "Commands dispatched, by type and outcome.",
		}, []string{"type", "outcome"}),
		QueriesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsexport_queries_executed_total",
			Help: "Queries executed, by type and outcome.",
		}, []string{"type", "outcome"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsexport_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by breaker and target state.",
		}, []string{"breaker", "to"}),
		PagesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsexport_pages_exported_total",
			Help: "Pages written by the exporter.",
		}),
		ExportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsexport_export_errors_total",
			Help: "Pages the exporter failed to write.",
		}),
	}

	r.prom.MustRegister(
		r.MessagesPublished,
		r.CommandsDispatched,
		r.QueriesExecuted,
		r.BreakerTransitions,
		r.PagesExported,
		r.ExportErrors,
	)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry returns the underlying registry, for callers
// that want to attach their own collectors.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// Snapshot gathers all metric families into a flat name→value map,
// with label pairs folded into the name. Suitable for publishing on
// the metrics channel or printing.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.prom.Gather()
	if err != nil {
		return nil, fmt.Errorf("metrics: gather: %w", err)
	}

	snap := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			name := family.GetName()
			for _, label := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%s}", label.GetName(), label.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				snap[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				snap[name] = m.GetGauge().GetValue()
			}
		}
	}
	return snap, nil
}

// Package metrics exposes the engine's Prometheus counters: action
// outcomes by state, and pipeline outcomes by host. A Worker or CLI
// frontend mounts Handler() under /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a self-contained set of collectors, so tests and
// multiple Worker instances in one process don't collide on the
// default global registerer.
type Registry struct {
	reg *prometheus.Registry

	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	PipelinesTotal *prometheus.CounterVec
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		reg: reg,
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transilience",
			Name:      "actions_total",
			Help:      "Actions executed, partitioned by terminal state.",
		}, []string{"state", "type"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "transilience",
			Name:      "action_duration_seconds",
			Help:      "Wall-clock time an action's Run took to complete.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		PipelinesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "transilience",
			Name:      "pipelines_total",
			Help:      "Per-host pipelines closed, partitioned by whether they ended failed.",
		}, []string{"host", "failed"}),
	}
	return m
}

// Handler returns the HTTP handler serving this registry's metrics in
// the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveAction records one action's terminal state, type tag, and
// elapsed duration.
func (m *Registry) ObserveAction(state, typeTag string, seconds float64) {
	m.ActionsTotal.WithLabelValues(state, typeTag).Inc()
	m.ActionDuration.WithLabelValues(typeTag).Observe(seconds)
}

// ObservePipeline records one pipeline's closure outcome for host.
func (m *Registry) ObservePipeline(host string, failed bool) {
	label := "false"
	if failed {
		label = "true"
	}
	m.PipelinesTotal.WithLabelValues(host, label).Inc()
}

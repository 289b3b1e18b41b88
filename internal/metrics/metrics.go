// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracelight-project/tracelight/internal/core"
)

// Metrics implements core.Observer over a private registry, so multiple
// instances (one per test, one per daemon) never collide.
type Metrics struct {
	registry *prometheus.Registry

	EventsStored  *prometheus.CounterVec
	EventsDropped *prometheus.CounterVec
	ModuleCalls   *prometheus.CounterVec
	ModuleSeconds *prometheus.HistogramVec
	ScansFinished *prometheus.CounterVec
}

// New creates a metrics set with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		EventsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_events_stored_total",
			Help: "Events accepted by the store, by dedup result",
		}, []string{"result"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_events_dropped_total",
			Help: "Events dropped before storage, by reason",
		}, []string{"reason"}),
		ModuleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_module_calls_total",
			Help: "Module executions, by module and outcome",
		}, []string{"module", "status"}),
		ModuleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracelight_module_duration_seconds",
			Help:    "Module execution duration",
			Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60, 120},
		}, []string{"module"}),
		ScansFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tracelight_scans_finished_total",
			Help: "Scans reaching a terminal status",
		}, []string{"status"}),
	}
}

// EventStored implements core.Observer.
func (m *Metrics) EventStored(result core.PutResult) {
	m.EventsStored.WithLabelValues(result.String()).Inc()
}

// EventDropped implements core.Observer.
func (m *Metrics) EventDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// ModuleCall implements core.Observer.
func (m *Metrics) ModuleCall(module, status string, d time.Duration) {
	m.ModuleCalls.WithLabelValues(module, status).Inc()
	m.ModuleSeconds.WithLabelValues(module).Observe(d.Seconds())
}

// ScanFinished implements core.Observer.
func (m *Metrics) ScanFinished(status core.ScanStatus) {
	m.ScansFinished.WithLabelValues(string(status)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ core.Observer = (*Metrics)(nil)

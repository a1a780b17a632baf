// Package metrics exposes Prometheus collectors for the shell session
// lifecycle.
//
// A nil *Metrics is a valid no-op receiver, so callers never need to
// nil-check.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellhost"

// Metrics holds the session collectors.
type Metrics struct {
	SessionsOpen   prometheus.Gauge
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	OpenFailures   *prometheus.CounterVec
	OutputBytes    prometheus.Counter
	DroppedChunks  prometheus.Counter
	WrittenBytes   prometheus.Counter
	CommandErrors  *prometheus.CounterVec
	WSClients      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_open",
			Help:      "Number of registered shell sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of shell sessions opened",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of shell sessions removed from the registry",
		}, []string{"reason"}),
		OpenFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_failures_total",
			Help:      "Total number of failed shell opens",
		}, []string{"kind"}),
		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Bytes of shell output published",
		}),
		DroppedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_dropped_chunks_total",
			Help:      "Output chunks dropped because they were not valid UTF-8",
		}),
		WrittenBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Bytes written to shells",
		}),
		CommandErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Commands that returned an error, by error kind",
		}, []string{"command", "kind"}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_clients",
			Help:      "Connected event bus clients",
		}),
		gatherer: g,
	}
}

// SessionOpened records a successful open.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
	m.SessionsOpened.Inc()
}

// SessionClosed records a registry removal.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// OpenFailed records a failed open by error kind.
func (m *Metrics) OpenFailed(kind string) {
	if m == nil {
		return
	}
	m.OpenFailures.WithLabelValues(kind).Inc()
}

// Output records n bytes of published output.
func (m *Metrics) Output(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

// Dropped records an output chunk that was discarded.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.DroppedChunks.Inc()
}

// Written records n bytes of input.
func (m *Metrics) Written(n int) {
	if m == nil {
		return
	}
	m.WrittenBytes.Add(float64(n))
}

// CommandFailed records a command error.
func (m *Metrics) CommandFailed(command, kind string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(command, kind).Inc()
}

// ClientConnected adjusts the connected client gauge by delta.
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.WSClients.Add(float64(delta))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

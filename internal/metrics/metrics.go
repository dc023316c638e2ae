// Package metrics provides Prometheus metrics for the telemetry agent.
//
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	EventsTotal  *prometheus.CounterVec
	FlushesTotal *prometheus.CounterVec
	DrainsTotal  *prometheus.CounterVec
	SpoolRecords prometheus.Gauge
	SendDuration *prometheus.HistogramVec
	ErrorsTotal  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_events_total",
				Help: "Editor events ingested by classification.",
			},
			[]string{"kind"},
		),
		FlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_flushes_total",
				Help: "Aggregate flushes by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		DrainsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_spool_drains_total",
				Help: "Offline spool drain attempts by result.",
			},
			[]string{"result"},
		),
		SpoolRecords: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "codetime_spool_records",
				Help: "Payloads currently waiting in the offline spool.",
			},
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codetime_send_duration_seconds",
				Help:    "Remote send duration by API path.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codetime_errors_total",
				Help: "Errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(m.FlushesTotal)
	reg.MustRegister(m.DrainsTotal)
	reg.MustRegister(m.SpoolRecords)
	reg.MustRegister(m.SendDuration)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(collectors.NewGoCollector())

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent counts an ingested event.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// RecordFlush counts a flush outcome.
func (m *Metrics) RecordFlush(trigger, outcome string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(trigger, outcome).Inc()
}

// RecordDrain counts a spool drain attempt.
func (m *Metrics) RecordDrain(result string) {
	if m == nil {
		return
	}
	m.DrainsTotal.WithLabelValues(result).Inc()
}

// SetSpoolRecords sets the spool size gauge.
func (m *Metrics) SetSpoolRecords(n int) {
	if m == nil {
		return
	}
	m.SpoolRecords.Set(float64(n))
}

// ObserveSend records a remote send duration.
func (m *Metrics) ObserveSend(path string, seconds float64) {
	if m == nil {
		return
	}
	m.SendDuration.WithLabelValues(path).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

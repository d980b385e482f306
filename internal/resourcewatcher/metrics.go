// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package resourcewatcher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/velero-relay/core/resource"
)

const metricsNamespace = "velero_relay"

// Metrics collects watcher statistics. A nil *Metrics discards them.
type Metrics struct {
	subscriptions prometheus.Gauge
	events        *prometheus.CounterVec
	restarts      *prometheus.CounterVec
}

// NewMetrics returns a Metrics ready to be registered.
func NewMetrics() *Metrics {
	return &Metrics{
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "watcher",
			Name:      "subscriptions",
			Help:      "Number of active watch subscriptions.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Watch events delivered to sinks.",
		}, []string{"kind", "event_type"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "watcher",
			Name:      "restarts_total",
			Help:      "Watch streams restarted, by reason.",
		}, []string{"kind", "reason"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.subscriptions.Describe(ch)
	m.events.Describe(ch)
	m.restarts.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.subscriptions.Collect(ch)
	m.events.Collect(ch)
	m.restarts.Collect(ch)
}

func (m *Metrics) setSubscriptions(n int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(n))
}

func (m *Metrics) delivered(kind string, eventType resource.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, string(eventType)).Inc()
}

func (m *Metrics) restarted(kind, reason string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(kind, reason).Inc()
}

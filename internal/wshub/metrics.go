// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package wshub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects hub statistics. A nil *Metrics discards them.
type Metrics struct {
	connections  *prometheus.GaugeVec
	dropped      *prometheus.CounterVec
	authFailures *prometheus.CounterVec
}

// NewMetrics returns a Metrics ready to be registered.
func NewMetrics() *Metrics {
	return &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "velero_relay",
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Open websocket connections by handshake state.",
		}, []string{"state"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velero_relay",
			Subsystem: "hub",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped, by reason.",
		}, []string{"reason"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velero_relay",
			Subsystem: "hub",
			Name:      "auth_failures_total",
			Help:      "Failed websocket handshakes, by reason.",
		}, []string{"reason"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.connections.Describe(ch)
	m.dropped.Describe(ch)
	m.authFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.connections.Collect(ch)
	m.dropped.Collect(ch)
	m.authFailures.Collect(ch)
}

func (m *Metrics) connectionOpened(state string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(state).Inc()
}

func (m *Metrics) connectionClosed(state string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(state).Dec()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) authFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

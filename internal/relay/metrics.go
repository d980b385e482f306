// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var states = []State{StateDisconnected, StateConnecting, StateRegistering, StateReady}

// Metrics collects bridge statistics. A nil *Metrics discards them.
type Metrics struct {
	state         *prometheus.GaugeVec
	requests      *prometheus.CounterVec
	registrations *prometheus.CounterVec
	snapshots     *prometheus.CounterVec
}

// NewMetrics returns a Metrics ready to be registered.
func NewMetrics() *Metrics {
	return &Metrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "velero_relay",
			Subsystem: "bridge",
			Name:      "state",
			Help:      "Set to 1 for the current bridge state.",
		}, []string{"state"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velero_relay",
			Subsystem: "bridge",
			Name:      "requests_total",
			Help:      "Relayed calls, by result.",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velero_relay",
			Subsystem: "bridge",
			Name:      "registration_attempts_total",
			Help:      "Registration attempts, by result.",
		}, []string{"result"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velero_relay",
			Subsystem: "bridge",
			Name:      "snapshots_total",
			Help:      "Snapshot runs, by job and result.",
		}, []string{"job", "result"}),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.state.Describe(ch)
	m.requests.Describe(ch)
	m.registrations.Describe(ch)
	m.snapshots.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.state.Collect(ch)
	m.requests.Collect(ch)
	m.registrations.Collect(ch)
	m.snapshots.Collect(ch)
}

func (m *Metrics) setState(current State) {
	if m == nil {
		return
	}
	for _, state := range states {
		value := 0.0
		if state == current {
			value = 1
		}
		m.state.WithLabelValues(string(state)).Set(value)
	}
}

func (m *Metrics) request(result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
}

func (m *Metrics) registrationAttempt(ok bool) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome(ok)).Inc()
}

func (m *Metrics) snapshot(job string, ok bool) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(job, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

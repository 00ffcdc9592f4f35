// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package locksession

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/showrunner/stagelock/core/lease"
)

// sessionMetrics counts the session's traffic. It is registered for the
// worker's lifetime when the config carries a PrometheusRegisterer.
type sessionMetrics struct {
	polls           prometheus.Counter
	acquires        prometheus.Counter
	acquireFailures prometheus.Counter
	renewals        prometheus.Counter
	renewalFailures prometheus.Counter
}

func newSessionMetrics(key lease.Key) *sessionMetrics {
	labels := prometheus.Labels{
		"entity_type": key.EntityType,
		"entity_id":   key.EntityID,
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "stagelock",
			Subsystem:   "session",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &sessionMetrics{
		polls:           counter("polls_total", "Lease record polls issued."),
		acquires:        counter("acquires_total", "Acquire requests issued."),
		acquireFailures: counter("acquire_failures_total", "Acquire requests rejected or failed."),
		renewals:        counter("renewals_total", "Renewal ticks fired."),
		renewalFailures: counter("renewal_failures_total", "Renewals rejected or failed."),
	}
}

// Describe is part of prometheus.Collector.
func (m *sessionMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.polls.Describe(ch)
	m.acquires.Describe(ch)
	m.acquireFailures.Describe(ch)
	m.renewals.Describe(ch)
	m.renewalFailures.Describe(ch)
}

// Collect is part of prometheus.Collector.
func (m *sessionMetrics) Collect(ch chan<- prometheus.Metric) {
	m.polls.Collect(ch)
	m.acquires.Collect(ch)
	m.acquireFailures.Collect(ch)
	m.renewals.Collect(ch)
	m.renewalFailures.Collect(ch)
}

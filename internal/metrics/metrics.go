// Copyright 2025 The CTT Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics gathers the daemon's Prometheus instrumentation into a
// single registry served on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ctt"

// Scheduler action label values.
const (
	ActionOffline = "offline"
	ActionRelease = "release"
)

// Metrics holds the daemon's collectors. One instance is built in main
// and shared by the reconciler, the changelog, and the HTTP server.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal       prometheus.Counter
	TickFailures     prometheus.Counter
	TickDuration     prometheus.Histogram
	SchedulerActions *prometheus.CounterVec
	EventsDropped    prometheus.Counter
	OpenIssues       prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
}

// New builds the collector set and registers it, together with the
// standard Go and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Count of reconciler ticks started.",
		}),
		TickFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Count of reconciler ticks aborted by a scheduler or store error.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent per reconciler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		SchedulerActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_actions_total",
			Help:      "Count of offline and release calls issued to the scheduler.",
		}, []string{"action"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changelog_dropped_events_total",
			Help:      "Count of changelog events dropped because the channel was full.",
		}),
		OpenIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_issues",
			Help:      "Number of issues currently in the Opening or Open phase.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests by path and response code.",
		}, []string{"path", "code"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TicksTotal,
		m.TickFailures,
		m.TickDuration,
		m.SchedulerActions,
		m.EventsDropped,
		m.OpenIssues,
		m.RequestsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

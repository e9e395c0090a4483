// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package metering holds the collector's Prometheus metrics and the
// HTTP endpoint that exposes them.
//
// Every component receives the same *Metrics. Metrics live in their
// own registry rather than the global default so tests can build as
// many collectors as they like.
package metering

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "vigil"

// Drop reasons used as the "reason" label of RecordsDropped.
const (
	DropOverrun    = "overrun"
	DropTooLarge   = "too_large"
	DropEmpty      = "empty"
	DropStoreFull  = "store_full"
	DropWriteError = "write_error"
)

// Metrics is the set of collector metrics.
type Metrics struct {
	registry *prometheus.Registry

	RecordsReceived  prometheus.Counter
	RecordsSubmitted prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	RecordsReleased  prometheus.Counter
	Outstanding      prometheus.Gauge

	Cycles        prometheus.Counter
	CycleDuration prometheus.Histogram

	Workers   *prometheus.GaugeVec
	Evictions prometheus.Counter
	Crashes   prometheus.Counter
	Restarts  prometheus.Counter
}

// New creates the metrics and registers them, together with the Go
// runtime and process collectors, in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RecordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "received_total",
			Help:      "Records offered to the exporter",
		}),
		RecordsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "submitted_total",
			Help:      "Records written to the exchange channel",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "dropped_total",
			Help:      "Records dropped before reaching modules",
		}, []string{"reason"}),
		RecordsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "released_total",
			Help:      "Records released after a notification cycle",
		}),
		Outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "outstanding",
			Help:      "Records written but not yet released",
		}),

		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cycles_total",
			Help:      "Notification cycles run",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "cycle_duration_seconds",
			Help:      "Time from notifying modules to all of them finishing or being evicted",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),

		Workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "count",
			Help:      "Registered modules by lifecycle state",
		}, []string{"state"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "evictions_total",
			Help:      "Modules terminated for missing the cycle deadline",
		}),
		Crashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "crashes_total",
			Help:      "Modules that exited with a failure status or signal",
		}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "restarts_total",
			Help:      "Crashed modules started again",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RecordsReceived, m.RecordsSubmitted, m.RecordsDropped, m.RecordsReleased, m.Outstanding,
		m.Cycles, m.CycleDuration,
		m.Workers, m.Evictions, m.Crashes, m.Restarts,
	)
	return m
}

// Registry returns the registry the metrics are registered in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordDrop counts one dropped record.
func (m *Metrics) RecordDrop(reason string) {
	m.RecordsDropped.WithLabelValues(reason).Inc()
}

// RecordCycle counts a finished notification cycle.
func (m *Metrics) RecordCycle(duration time.Duration) {
	m.Cycles.Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// SetWorkers replaces the per-state worker gauges. States absent from
// counts are reset to zero.
func (m *Metrics) SetWorkers(counts map[string]int) {
	m.Workers.Reset()
	for state, n := range counts {
		m.Workers.WithLabelValues(state).Set(float64(n))
	}
}

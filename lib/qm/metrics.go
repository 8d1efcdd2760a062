// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qm

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enqueued   prometheus.Counter
	overflowed prometheus.Counter
	dropped    prometheus.Counter
	executed   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	busy       prometheus.Gauge
}

func newMetrics(m *Manager) *metrics {
	return &metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "jobs_enqueued_total",
			Help:      "Jobs admitted to the job queue.",
		}),
		overflowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "jobs_overflowed_total",
			Help:      "Jobs parked on the overflow list because the job queue was full.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "jobs_dropped_total",
			Help:      "Jobs whose bundle was released because neither the queue nor the pool had room.",
		}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "jobs_executed_total",
			Help:      "Stage executions by state.",
		}, []string{"state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in one stage execution.",
			Buckets:   []float64{0.00001, 0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"state"}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "workers_busy",
			Help:      "Workers currently running a stage.",
		}),
	}
}

// register adds the collectors, plus gauges reading the live queue
// depths, to registerer.
func (mt *metrics) register(registerer prometheus.Registerer, m *Manager) error {
	collectors := []prometheus.Collector{
		mt.enqueued, mt.overflowed, mt.dropped, mt.executed, mt.duration, mt.busy,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "job_queue_depth",
			Help:      "Jobs waiting in the job queue.",
		}, func() float64 { return float64(m.jobs.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bpagent",
			Subsystem: "qm",
			Name:      "overflow_depth",
			Help:      "Jobs parked on the overflow list.",
		}, func() float64 { return float64(m.OverflowLen()) }),
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return fmt.Errorf("registering queue manager metrics: %w", err)
		}
	}
	return nil
}

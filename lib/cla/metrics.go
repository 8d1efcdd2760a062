// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cla

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts frames and connections for every adapter that shares
// it. One Metrics is registered per process.
type Metrics struct {
	frames      *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	connections *prometheus.CounterVec
}

// NewMetrics creates adapter metrics and registers them when
// registerer is not nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "cla",
			Name:      "frames_total",
			Help:      "Bundle frames by contact and direction (in, out, refused, oversize).",
		}, []string{"contact", "direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "cla",
			Name:      "bytes_total",
			Help:      "Bundle bytes by contact and direction.",
		}, []string{"contact", "direction"}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "cla",
			Name:      "connections_total",
			Help:      "Connections served by contact.",
		}, []string{"contact"}),
	}
	if registerer == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{m.frames, m.bytes, m.connections} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("registering cla metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) frame(contactID int, direction string, size int) {
	if m == nil {
		return
	}
	contact := strconv.Itoa(contactID)
	m.frames.WithLabelValues(contact, direction).Inc()
	if size > 0 {
		m.bytes.WithLabelValues(contact, direction).Add(float64(size))
	}
}

func (m *Metrics) connected(contactID int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(strconv.Itoa(contactID)).Inc()
}

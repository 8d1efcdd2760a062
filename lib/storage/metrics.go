// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	rows *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpagent",
			Subsystem: "storage",
			Name:      "bundles_total",
			Help:      "Stored bundle rows by outcome: stored, duplicate, rejected, loaded, returned, corrupt, expired.",
		}, []string{"outcome"}),
	}
}

func (m *metrics) register(registerer prometheus.Registerer) error {
	if err := registerer.Register(m.rows); err != nil {
		return fmt.Errorf("registering storage metrics: %w", err)
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/bpagent/lib/mpool"
)

type event uint8

const (
	eventReceived event = iota
	eventOriginated
	eventForwarded
	eventDelivered
	eventStored
	eventDeleted
	eventExpired
	eventMalformed
	eventAdminRecord
	eventUndecryptable
	eventCount
)

var eventNames = [eventCount]string{
	eventReceived:   "received",
	eventOriginated: "originated",
	eventForwarded:  "forwarded",
	eventDelivered:  "delivered",
	eventStored:     "stored",
	eventDeleted:    "deleted",
	eventExpired:    "expired",
	eventMalformed:  "malformed",

	eventAdminRecord:   "admin_record",
	eventUndecryptable: "undecryptable",
}

// Counters are the instance's lifetime bundle counts.
type Counters struct {
	// Received from a contact through Ingress.
	Received uint64
	// Originated by a local application through Send.
	Originated uint64
	// Forwarded to a contact through Egress.
	Forwarded uint64
	// Delivered to a local application through Receive.
	Delivered uint64
	// Stored for later forwarding.
	Stored uint64
	// Deleted for any reason, expiry and malformation included.
	Deleted   uint64
	Expired   uint64
	Malformed uint64
	// AdminRecords reached a local channel and were not delivered.
	AdminRecords uint64
	// Undecryptable bundles carried a ciphertext payload.
	Undecryptable uint64
}

// Counters returns a snapshot of the bundle counts.
func (i *Instance) Counters() Counters {
	return Counters{
		Received:   i.events[eventReceived].Load(),
		Originated: i.events[eventOriginated].Load(),
		Forwarded:  i.events[eventForwarded].Load(),
		Delivered:  i.events[eventDelivered].Load(),
		Stored:     i.events[eventStored].Load(),
		Deleted:    i.events[eventDeleted].Load(),
		Expired:    i.events[eventExpired].Load(),
		Malformed:  i.events[eventMalformed].Load(),

		AdminRecords:  i.events[eventAdminRecord].Load(),
		Undecryptable: i.events[eventUndecryptable].Load(),
	}
}

func (i *Instance) count(e event) { i.countN(e, 1) }

func (i *Instance) countN(e event, n int) {
	i.events[e].Add(uint64(n))
	i.bundles.WithLabelValues(eventNames[e]).Add(float64(n))
}

func newBundleCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bpagent",
		Name:      "bundles_total",
		Help:      "Bundles by pipeline event.",
	}, []string{"event"})
}

// registerMetrics adds the bundle counter and gauges reading the pool
// to registerer.
func registerMetrics(registerer prometheus.Registerer, bundles *prometheus.CounterVec, pool *mpool.Pool) error {
	poolGauge := func(name, help string, read func(mpool.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bpagent",
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(pool.Stats())) })
	}
	collectors := []prometheus.Collector{
		bundles,
		poolGauge("free_chunks", "Chunks on the free list.", func(s mpool.Stats) int { return s.Free }),
		poolGauge("in_use_chunks", "Chunks allocated, pending recycle included.", func(s mpool.Stats) int { return s.InUse }),
		poolGauge("pending_chunks", "Chunks recycled but not yet collected.", func(s mpool.Stats) int { return s.Pending }),
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return fmt.Errorf("registering agent metrics: %w", err)
		}
	}
	return nil
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/qm"
)

const (
	DefaultEgressDepth         = 64
	DefaultMaintenanceInterval = time.Second
	DefaultCollectBatch        = 256
	DefaultOverflowBatch       = 64
	DefaultScanBatch           = 32

	// DefaultPriority is used for bundles from a contact, whose
	// priority is unknown until they are decoded.
	DefaultPriority uint8 = 128
)

// Config holds the parameters for New.
type Config struct {
	// LocalNode is this agent's ipn node number. The agent's own
	// endpoint is ipn:LocalNode.0.
	LocalNode uint64

	// Pool holds every bundle. Required.
	Pool *mpool.Pool

	// Storage holds unroutable bundles. Nil deletes them instead.
	Storage Storage

	// Workers, JobQueueDepth and PollInterval configure the queue
	// manager; zero values take its defaults.
	Workers       int
	JobQueueDepth int
	PollInterval  time.Duration

	// EgressDepth bounds each contact and channel egress queue.
	EgressDepth int

	// MaintenanceInterval is the period of the maintenance loop in Run.
	MaintenanceInterval time.Duration

	// CollectBatch, OverflowBatch and ScanBatch bound the work of one
	// maintenance pass.
	CollectBatch  int
	OverflowBatch int
	ScanBatch     int

	Registerer prometheus.Registerer
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Instance is one bundle protocol agent.
type Instance struct {
	local   bpv7.EID
	pool    *mpool.Pool
	arena   *bundle.Arena
	manager *qm.Manager
	storage Storage
	clock   clock.Clock
	logger  *slog.Logger

	egressDepth   int
	interval      time.Duration
	collectBatch  int
	overflowBatch int
	scanBatch     int

	mu       sync.RWMutex
	contacts map[int]*contact
	channels map[int]*channel

	sequenceMu   sync.Mutex
	lastCreation uint64
	sequence     uint64

	events  [eventCount]atomic.Uint64
	bundles *prometheus.CounterVec
}

// New creates an instance with no contacts or channels.
func New(config Config) (*Instance, error) {
	if config.Pool == nil {
		return nil, errors.New("bpa: Pool is required")
	}
	if config.LocalNode == 0 {
		return nil, errors.New("bpa: LocalNode is required")
	}
	if config.EgressDepth <= 0 {
		config.EgressDepth = DefaultEgressDepth
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if config.CollectBatch <= 0 {
		config.CollectBatch = DefaultCollectBatch
	}
	if config.OverflowBatch <= 0 {
		config.OverflowBatch = DefaultOverflowBatch
	}
	if config.ScanBatch <= 0 {
		config.ScanBatch = DefaultScanBatch
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	instance := &Instance{
		local:         bpv7.IPN(config.LocalNode, 0),
		pool:          config.Pool,
		arena:         bundle.NewArena(config.Pool),
		storage:       config.Storage,
		clock:         config.Clock,
		logger:        config.Logger,
		egressDepth:   config.EgressDepth,
		interval:      config.MaintenanceInterval,
		collectBatch:  config.CollectBatch,
		overflowBatch: config.OverflowBatch,
		scanBatch:     config.ScanBatch,
		contacts:      make(map[int]*contact),
		channels:      make(map[int]*channel),
		bundles:       newBundleCounter(),
	}

	manager, err := qm.New(qm.Config{
		Pool:          config.Pool,
		Handler:       instance,
		Workers:       config.Workers,
		JobQueueDepth: config.JobQueueDepth,
		PollInterval:  config.PollInterval,
		Registerer:    config.Registerer,
		Clock:         config.Clock,
		Logger:        config.Logger.With("component", "qm"),
	})
	if err != nil {
		return nil, err
	}
	instance.manager = manager

	if config.Registerer != nil {
		if err := registerMetrics(config.Registerer, instance.bundles, config.Pool); err != nil {
			manager.Close()
			return nil, err
		}
	}
	return instance, nil
}

// Local returns the agent's own endpoint.
func (i *Instance) Local() bpv7.EID { return i.local }

// Arena returns the typed block layer over the instance's pool.
func (i *Instance) Arena() *bundle.Arena { return i.arena }

// Manager returns the instance's queue manager.
func (i *Instance) Manager() *qm.Manager { return i.manager }

// Run executes the pipeline and the maintenance loop until ctx is
// done.
func (i *Instance) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return i.manager.Run(groupCtx)
	})
	group.Go(func() error {
		return i.maintain(groupCtx)
	})
	return group.Wait()
}

func (i *Instance) maintain(ctx context.Context) error {
	ticker := i.clock.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := i.Maintain(ctx); err != nil && ctx.Err() == nil {
				i.logger.Error("maintenance pass failed", "error", err)
			}
		}
	}
}

// Maintain runs one maintenance pass: collect recycled blocks, move
// parked jobs back into the job queue, flush and scan storage, and drop
// expired stored bundles.
func (i *Instance) Maintain(ctx context.Context) error {
	collected := i.pool.Collect(i.collectBatch)
	flushed := i.manager.FlushOverflow(i.overflowBatch)
	if collected > 0 || flushed > 0 {
		i.logger.Debug("maintenance", "collected", collected, "overflow_flushed", flushed)
	}
	if i.storage == nil {
		return nil
	}

	var errs []error
	if flusher, ok := i.storage.(Flusher); ok {
		if err := flusher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing storage: %w", err))
		}
	}
	if _, err := i.storage.ScanCache(ctx, i.scanBatch); err != nil {
		errs = append(errs, fmt.Errorf("scanning storage: %w", err))
	}
	if expirer, ok := i.storage.(Expirer); ok {
		expired, err := expirer.Expire(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring stored bundles: %w", err))
		}
		if expired > 0 {
			i.countN(eventExpired, expired)
			i.countN(eventDeleted, expired)
			i.logger.Info("expired stored bundles", "count", expired)
		}
	}
	return errors.Join(errs...)
}

// Close releases every bundle the queue manager still holds and
// collects the pool. Run must have returned.
func (i *Instance) Close() {
	i.manager.Close()
	for i.pool.Collect(i.pool.Capacity()) > 0 {
		// Each pass reclaims the children released by the last.
	}
}

// nextTimestamp returns a creation timestamp unique among the bundles
// this instance creates.
func (i *Instance) nextTimestamp() bpv7.CreationTimestamp {
	now := clock.DTNNow(i.clock)
	i.sequenceMu.Lock()
	defer i.sequenceMu.Unlock()
	if now <= i.lastCreation {
		now = i.lastCreation
		i.sequence++
	} else {
		i.lastCreation = now
		i.sequence = 0
	}
	return bpv7.CreationTimestamp{Time: now, Sequence: i.sequence}
}

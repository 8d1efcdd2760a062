// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

const (
	DefaultWorkers       = 4
	DefaultJobQueueDepth = 256
	DefaultPollInterval  = 100 * time.Millisecond
)

// Config holds the parameters for New.
type Config struct {
	// Pool holds the bundles and the overflow list. Required.
	Pool *mpool.Pool

	// Handler runs each stage. Required.
	Handler Handler

	// Workers is the number of stage goroutines started by Run.
	Workers int

	// JobQueueDepth bounds the job queue.
	JobQueueDepth int

	// PollInterval bounds each blocking wait in Run, and so how long
	// Run takes to notice cancellation.
	PollInterval time.Duration

	// Registerer receives the manager's metrics. Nil skips
	// registration.
	Registerer prometheus.Registerer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats counts jobs over the manager's lifetime.
type Stats struct {
	Enqueued   uint64
	Overflowed uint64
	Dropped    uint64
	Executed   uint64
}

// Manager owns the job queue, the overflow list and the egress queues.
type Manager struct {
	pool    *mpool.Pool
	handler Handler
	clock   clock.Clock
	logger  *slog.Logger
	workers int
	poll    time.Duration
	metrics *metrics

	jobs *waitqueue.Queue[Job]

	overflowMu sync.Mutex
	overflow   mpool.Ref

	egressMu sync.RWMutex
	egress   map[egressKey]*waitqueue.Queue[mpool.Ref]

	enqueued   atomic.Uint64
	overflowed atomic.Uint64
	dropped    atomic.Uint64
	executed   atomic.Uint64
}

// New creates a manager. The overflow list head is allocated from the
// pool and held until Close.
func New(config Config) (*Manager, error) {
	if config.Pool == nil {
		return nil, errors.New("qm: Pool is required")
	}
	if config.Handler == nil {
		return nil, errors.New("qm: Handler is required")
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.JobQueueDepth <= 0 {
		config.JobQueueDepth = DefaultJobQueueDepth
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	overflow, err := config.Pool.NewList()
	if err != nil {
		return nil, fmt.Errorf("qm: allocating overflow list: %w", err)
	}

	manager := &Manager{
		pool:     config.Pool,
		handler:  config.Handler,
		clock:    config.Clock,
		logger:   config.Logger,
		workers:  config.Workers,
		poll:     config.PollInterval,
		jobs:     waitqueue.New[Job](config.Clock, config.JobQueueDepth),
		overflow: overflow,
		egress:   make(map[egressKey]*waitqueue.Queue[mpool.Ref]),
	}
	manager.metrics = newMetrics(manager)
	if config.Registerer != nil {
		if err := manager.metrics.register(config.Registerer, manager); err != nil {
			config.Pool.Recycle(overflow)
			return nil, err
		}
	}
	return manager, nil
}

// Enqueue admits job to the pipeline, waiting up to timeout for queue
// space. A job that still does not fit is parked on the overflow list.
// If the pool cannot hold the parked job, the bundle is released and
// Enqueue returns false. Either way the caller no longer owns the
// bundle.
func (m *Manager) Enqueue(job Job, timeout waitqueue.Timeout) bool {
	if m.jobs.TryPush(job, timeout) {
		m.enqueued.Add(1)
		m.metrics.enqueued.Inc()
		return true
	}
	if m.park(job) {
		m.overflowed.Add(1)
		m.metrics.overflowed.Inc()
		return true
	}
	m.dropped.Add(1)
	m.metrics.dropped.Inc()
	m.logger.Warn("dropping bundle: job queue and pool full",
		"bundle", job.Bundle,
		"state", job.State,
	)
	m.pool.Release(job.Bundle)
	return false
}

func (m *Manager) park(job Job) bool {
	ref, err := m.pool.AllocBlock(mpool.TypeJob, 0, job)
	if err != nil {
		return false
	}
	m.overflowMu.Lock()
	defer m.overflowMu.Unlock()
	m.pool.InsertBefore(m.overflow, ref)
	return true
}

// FlushOverflow moves up to limit parked jobs into the job queue, in
// the order they were parked, and returns how many moved. It stops
// early when the job queue is full.
func (m *Manager) FlushOverflow(limit int) int {
	m.overflowMu.Lock()
	defer m.overflowMu.Unlock()

	moved := 0
	for moved < limit {
		ref := m.pool.First(m.overflow)
		if ref == mpool.NilRef {
			break
		}
		job, ok := mpool.As[Job](m.pool, ref, mpool.TypeJob)
		if ok && !m.jobs.TryPush(job, waitqueue.NoWait) {
			break
		}
		m.pool.Extract(ref)
		m.pool.Recycle(ref)
		if ok {
			m.enqueued.Add(1)
			m.metrics.enqueued.Inc()
			moved++
		}
	}
	return moved
}

// OverflowLen returns the number of parked jobs.
func (m *Manager) OverflowLen() int {
	m.overflowMu.Lock()
	defer m.overflowMu.Unlock()
	if m.overflow == mpool.NilRef {
		return 0
	}
	return m.pool.ListLen(m.overflow)
}

// QueueLen returns the number of jobs waiting in the job queue.
func (m *Manager) QueueLen() int { return m.jobs.Len() }

// Stats returns the lifetime job counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Enqueued:   m.enqueued.Load(),
		Overflowed: m.overflowed.Load(),
		Dropped:    m.dropped.Load(),
		Executed:   m.executed.Load(),
	}
}

// Step pulls one job, waiting up to timeout, and runs it on the
// calling goroutine. It reports whether a job ran.
func (m *Manager) Step(ctx context.Context, timeout waitqueue.Timeout) bool {
	job, ok := m.jobs.TryPull(timeout)
	if !ok {
		return false
	}
	m.execute(ctx, job)
	return true
}

// execute runs one stage and re-admits the bundle at the next state.
func (m *Manager) execute(ctx context.Context, job Job) {
	start := m.clock.Now()
	next := m.handler.Handle(ctx, job)
	label := job.State.String()
	m.metrics.executed.WithLabelValues(label).Inc()
	m.metrics.duration.WithLabelValues(label).Observe(m.clock.Now().Sub(start).Seconds())
	m.executed.Add(1)

	if next == NoNextState {
		return
	}
	if !next.Valid() {
		m.logger.Error("stage returned an undefined state; releasing bundle",
			"state", job.State,
			"next", next,
			"bundle", job.Bundle,
		)
		m.pool.Release(job.Bundle)
		return
	}
	job.State = next
	// Never block a worker on its own queue; a full queue parks.
	m.Enqueue(job, waitqueue.NoWait)
}

type worker struct {
	assign chan Job
}

// Run executes jobs on the configured number of workers until ctx is
// done, then waits for in-flight stages to return. Jobs still queued
// stay queued; Close releases them.
func (m *Manager) Run(ctx context.Context) error {
	free := waitqueue.New[*worker](m.clock, m.workers)
	workers := make([]*worker, m.workers)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = &worker{assign: make(chan Job, 1)}
		free.TryPush(workers[i], waitqueue.NoWait)
		wg.Add(1)
		go m.runWorker(ctx, workers[i], free, &wg)
	}
	m.logger.Info("queue manager running", "workers", m.workers)

	m.dispatch(ctx, free)

	for _, w := range workers {
		close(w.assign)
	}
	wg.Wait()
	m.logger.Info("queue manager stopped", "queued", m.jobs.Len(), "overflow", m.OverflowLen())
	return nil
}

// dispatch hands each job to an idle worker until ctx is done.
func (m *Manager) dispatch(ctx context.Context, free *waitqueue.Queue[*worker]) {
	for ctx.Err() == nil {
		job, ok := m.jobs.TryPull(waitqueue.After(m.poll))
		if !ok {
			continue
		}
		var idle *worker
		for idle == nil {
			if ctx.Err() != nil {
				// Put the job back for whoever drains the queue.
				m.Enqueue(job, waitqueue.NoWait)
				return
			}
			idle, _ = free.TryPull(waitqueue.After(m.poll))
		}
		m.metrics.busy.Inc()
		idle.assign <- job
	}
}

func (m *Manager) runWorker(ctx context.Context, w *worker, free *waitqueue.Queue[*worker], wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range w.assign {
		m.execute(ctx, job)
		m.metrics.busy.Dec()
		// Capacity equals the worker count, so this never waits.
		free.TryPush(w, waitqueue.Forever)
	}
}

// Close releases the bundles of every queued job, parked job and
// egress queue entry, and frees the overflow list. The manager must not
// be running.
func (m *Manager) Close() {
	for _, job := range m.jobs.Drain() {
		m.pool.Release(job.Bundle)
	}

	m.overflowMu.Lock()
	m.pool.ForEach(m.overflow, func(ref mpool.Ref) bool {
		if job, ok := mpool.As[Job](m.pool, ref, mpool.TypeJob); ok {
			m.pool.Release(job.Bundle)
		}
		return true
	})
	m.pool.Recycle(m.overflow)
	m.overflow = mpool.NilRef
	m.overflowMu.Unlock()

	m.egressMu.Lock()
	for key, queue := range m.egress {
		for _, ref := range queue.Close() {
			m.pool.Release(ref)
		}
		delete(m.egress, key)
	}
	m.egressMu.Unlock()
}

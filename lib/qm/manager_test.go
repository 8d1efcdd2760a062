// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/testutil"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

func newTestPool(t *testing.T, capacity int) *mpool.Pool {
	t.Helper()
	pool, err := mpool.New(mpool.Config{Capacity: capacity, Clock: clock.Real()})
	if err != nil {
		t.Fatalf("mpool.New: %v", err)
	}
	return pool
}

func newBundle(t *testing.T, pool *mpool.Pool) mpool.Ref {
	t.Helper()
	ref, err := pool.AllocBlock(mpool.TypePrimary, 0, nil)
	if err != nil {
		t.Fatalf("allocating bundle: %v", err)
	}
	return ref
}

func requireDrained(t *testing.T, pool *mpool.Pool, keep int) {
	t.Helper()
	pool.Collect(pool.Capacity() * 2)
	if stats := pool.Stats(); stats.InUse != keep {
		t.Fatalf("InUse = %d, want %d", stats.InUse, keep)
	}
}

// twoStage moves contact ingress jobs one stage on and then frees them.
func twoStage(pool *mpool.Pool, visits *atomic.Int64) Handler {
	return HandlerFunc(func(_ context.Context, job Job) State {
		visits.Add(1)
		switch job.State {
		case ContactInBIToEBP:
			return ContactInEBPToCT
		default:
			pool.Release(job.Bundle)
			return NoNextState
		}
	})
}

func TestStepRunsUntilTerminal(t *testing.T) {
	pool := newTestPool(t, 16)
	var visits atomic.Int64
	manager, err := New(Config{Pool: pool, Handler: twoStage(pool, &visits), JobQueueDepth: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ContactInBIToEBP}, waitqueue.NoWait) {
		t.Fatal("Enqueue failed")
	}
	steps := 0
	for manager.Step(context.Background(), waitqueue.NoWait) {
		steps++
	}
	if steps != 2 || visits.Load() != 2 {
		t.Fatalf("steps = %d visits = %d, want 2 and 2", steps, visits.Load())
	}
	if stats := manager.Stats(); stats.Executed != 2 || stats.Enqueued != 2 {
		t.Fatalf("Stats = %+v", stats)
	}
	manager.Close()
	requireDrained(t, pool, 0)
}

func TestEnqueueOverflowAndFlush(t *testing.T) {
	pool := newTestPool(t, 16)
	var visits atomic.Int64
	manager, err := New(Config{Pool: pool, Handler: twoStage(pool, &visits), JobQueueDepth: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if !manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ContactOutBIToCLA}, waitqueue.NoWait) {
			t.Fatalf("Enqueue %d failed", i)
		}
	}
	if manager.QueueLen() != 1 || manager.OverflowLen() != 2 {
		t.Fatalf("queue = %d overflow = %d, want 1 and 2", manager.QueueLen(), manager.OverflowLen())
	}
	if moved := manager.FlushOverflow(10); moved != 0 {
		t.Fatalf("FlushOverflow into a full queue moved %d", moved)
	}

	for i := 0; i < 3; i++ {
		if !manager.Step(context.Background(), waitqueue.NoWait) {
			t.Fatalf("Step %d found no job", i)
		}
		manager.FlushOverflow(10)
	}
	if manager.OverflowLen() != 0 || visits.Load() != 3 {
		t.Fatalf("overflow = %d visits = %d", manager.OverflowLen(), visits.Load())
	}
	if stats := manager.Stats(); stats.Overflowed != 2 {
		t.Fatalf("Overflowed = %d, want 2", stats.Overflowed)
	}
	manager.Close()
	requireDrained(t, pool, 0)
}

func TestEnqueueDropsWhenPoolIsFull(t *testing.T) {
	// One chunk for the overflow list, two for bundles.
	pool := newTestPool(t, 3)
	manager, err := New(Config{
		Pool:          pool,
		Handler:       HandlerFunc(func(context.Context, Job) State { return NoNextState }),
		JobQueueDepth: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, second := newBundle(t, pool), newBundle(t, pool)

	if !manager.Enqueue(Job{Bundle: first, State: ContactInBIToEBP}, waitqueue.NoWait) {
		t.Fatal("first Enqueue failed")
	}
	if manager.Enqueue(Job{Bundle: second, State: ContactInBIToEBP}, waitqueue.NoWait) {
		t.Fatal("second Enqueue succeeded with no queue or pool space")
	}
	if stats := manager.Stats(); stats.Dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", stats.Dropped)
	}
	if pool.RefCount(second) != 0 {
		t.Fatal("dropped bundle was not released")
	}

	manager.Close()
	requireDrained(t, pool, 0)
}

func TestUndefinedStateReleasesBundle(t *testing.T) {
	pool := newTestPool(t, 4)
	manager, err := New(Config{
		Pool:    pool,
		Handler: HandlerFunc(func(context.Context, Job) State { return State(200) }),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ChannelInPIToEBP}, waitqueue.NoWait)
	manager.Step(context.Background(), waitqueue.NoWait)
	if manager.QueueLen() != 0 {
		t.Fatal("job with undefined next state was re-enqueued")
	}
	requireDrained(t, pool, 1)
	manager.Close()
}

func TestRunExecutesEveryJob(t *testing.T) {
	const bundles = 200
	// Room for every bundle plus a parked job for each.
	pool := newTestPool(t, 2*bundles+8)
	var visits atomic.Int64
	done := make(chan struct{})
	var once sync.Once
	handler := HandlerFunc(func(ctx context.Context, job Job) State {
		next := twoStage(pool, &visits).Handle(ctx, job)
		if visits.Load() == 2*bundles {
			once.Do(func() { close(done) })
		}
		return next
	})
	manager, err := New(Config{
		Pool:          pool,
		Handler:       handler,
		Workers:       4,
		JobQueueDepth: 16,
		PollInterval:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- manager.Run(ctx) }()

	for i := 0; i < bundles; i++ {
		manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ContactInBIToEBP}, waitqueue.After(time.Second))
	}
	for {
		manager.FlushOverflow(bundles)
		select {
		case <-done:
		case <-time.After(5 * time.Millisecond): //nolint:realclock flush cadence while workers drain
			continue
		}
		break
	}
	cancel()
	if err := testutil.RequireReceive(t, stopped, 5*time.Second, "waiting for Run to return"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats := manager.Stats(); stats.Executed != 2*bundles || stats.Dropped != 0 {
		t.Fatalf("Stats = %+v", stats)
	}
	manager.Close()
	requireDrained(t, pool, 0)
}

func TestEgressQueues(t *testing.T) {
	pool := newTestPool(t, 8)
	manager, err := New(Config{Pool: pool, Handler: HandlerFunc(func(context.Context, Job) State { return NoNextState })})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := manager.AddEgressQueue(EgressChannel, 3, 2); err != nil {
		t.Fatalf("AddEgressQueue: %v", err)
	}
	if err := manager.AddEgressQueue(EgressChannel, 3, 2); !errors.Is(err, ErrEgressQueueExists) {
		t.Fatalf("duplicate AddEgressQueue err = %v", err)
	}
	if err := manager.PushEgress(EgressContact, 3, newBundle(t, pool), waitqueue.NoWait); !errors.Is(err, ErrNoEgressQueue) {
		t.Fatalf("push to missing queue err = %v", err)
	}

	a, b, c := newBundle(t, pool), newBundle(t, pool), newBundle(t, pool)
	manager.PushEgress(EgressChannel, 3, a, waitqueue.NoWait)
	manager.PushEgress(EgressChannel, 3, b, waitqueue.NoWait)
	if err := manager.PushEgress(EgressChannel, 3, c, waitqueue.NoWait); !errors.Is(err, ErrEgressFull) {
		t.Fatalf("push to full queue err = %v", err)
	}
	pool.Release(c)

	ref, ok, err := manager.PullEgress(EgressChannel, 3, waitqueue.NoWait)
	if err != nil || !ok || ref != a {
		t.Fatalf("PullEgress = (%v, %v, %v), want (%v, true, nil)", ref, ok, err, a)
	}
	pool.Release(ref)

	if released := manager.RemoveEgressQueue(EgressChannel, 3); released != 1 {
		t.Fatalf("RemoveEgressQueue released %d, want 1", released)
	}
	if _, _, err := manager.PullEgress(EgressChannel, 3, waitqueue.NoWait); !errors.Is(err, ErrNoEgressQueue) {
		t.Fatalf("pull after remove err = %v", err)
	}
	manager.Close()
	// The bundle offered to the missing contact queue is still owned
	// here.
	requireDrained(t, pool, 1)
}

func TestPushToRemovedQueueKeepsOwnership(t *testing.T) {
	pool := newTestPool(t, 8)
	manager, err := New(Config{Pool: pool, Handler: HandlerFunc(func(context.Context, Job) State { return NoNextState })})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := manager.AddEgressQueue(EgressContact, 4, 2); err != nil {
		t.Fatalf("AddEgressQueue: %v", err)
	}

	// A pusher that looked the queue up before it was removed must not
	// leave the bundle in it.
	queue, err := manager.egressQueue(EgressContact, 4)
	if err != nil {
		t.Fatalf("egressQueue: %v", err)
	}
	manager.RemoveEgressQueue(EgressContact, 4)
	ref := newBundle(t, pool)
	if queue.TryPush(ref, waitqueue.NoWait) {
		t.Fatal("push into a removed egress queue succeeded")
	}
	if err := manager.PushEgress(EgressContact, 4, ref, waitqueue.NoWait); !errors.Is(err, ErrNoEgressQueue) {
		t.Fatalf("PushEgress after remove err = %v, want ErrNoEgressQueue", err)
	}
	pool.Release(ref)
	manager.Close()
	requireDrained(t, pool, 0)
}

func TestCloseReleasesQueuedBundles(t *testing.T) {
	pool := newTestPool(t, 16)
	manager, err := New(Config{
		Pool:          pool,
		Handler:       HandlerFunc(func(context.Context, Job) State { return NoNextState }),
		JobQueueDepth: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	manager.AddEgressQueue(EgressContact, 1, 4)
	for i := 0; i < 4; i++ {
		manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ContactInBIToEBP}, waitqueue.NoWait)
	}
	manager.PushEgress(EgressContact, 1, newBundle(t, pool), waitqueue.NoWait)

	manager.Close()
	requireDrained(t, pool, 0)
}

func TestMetricsRegistration(t *testing.T) {
	pool := newTestPool(t, 8)
	registry := prometheus.NewRegistry()
	manager, err := New(Config{
		Pool:       pool,
		Handler:    HandlerFunc(func(context.Context, Job) State { return NoNextState }),
		Registerer: registry,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	manager.Enqueue(Job{Bundle: newBundle(t, pool), State: ContactInBIToEBP}, waitqueue.NoWait)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			if counter := metric.GetCounter(); counter != nil {
				values[family.GetName()] = counter.GetValue()
			}
			if gauge := metric.GetGauge(); gauge != nil {
				values[family.GetName()] = gauge.GetValue()
			}
		}
	}
	if values["bpagent_qm_jobs_enqueued_total"] != 1 {
		t.Errorf("jobs_enqueued_total = %v, want 1", values["bpagent_qm_jobs_enqueued_total"])
	}
	if values["bpagent_qm_job_queue_depth"] != 1 {
		t.Errorf("job_queue_depth = %v, want 1", values["bpagent_qm_job_queue_depth"])
	}

	if _, err := New(Config{
		Pool:       pool,
		Handler:    HandlerFunc(func(context.Context, Job) State { return NoNextState }),
		Registerer: registry,
	}); err == nil {
		t.Fatal("second registration on the same registry succeeded")
	}
	manager.Close()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package qm is the queue manager: it moves bundles between pipeline
// stages as jobs.
//
// A [Job] pairs a bundle reference with the [State] naming the stage
// that runs next. [Manager.Enqueue] is the single way into the
// pipeline; ingress, storage re-admission and the manager itself after
// each stage all use it. A worker pulls the job, calls the [Handler]
// for its state, and re-enqueues the bundle at the returned state
// unless that is [NoNextState].
//
// Every job ends in exactly one of four ways: re-enqueue, persist,
// queue for egress, or free. The manager does the re-enqueue; the
// handler must do one of the other three before returning
// NoNextState. When the job queue is full, jobs are parked on an
// overflow list of pool blocks and re-admitted by
// [Manager.FlushOverflow]; if the pool cannot even hold the parked job
// the bundle is released and counted as dropped.
//
// [Manager.Run] drives N workers. A dispatcher pulls each job and hands
// a copy to an idle worker taken from a free-worker queue; the worker
// puts itself back on that queue when the stage returns. Stages are not
// preempted. Cancellation is cooperative: the dispatcher polls with a
// short timeout and stops once the context is done.
//
// Egress queues hold bundles waiting for a CLA or an application to
// pull them, one bounded queue per contact or channel id.
package qm

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package waitqueue provides the bounded FIFO that connects pipeline
// stages, and the [Timeout] type every blocking call in the agent
// takes.
//
// A [Queue] is a fixed-capacity circular buffer guarded by one mutex
// with two condition variables: one signalled when the queue stops
// being full, one when it stops being empty. TryPush and TryPull wait
// on those conditions for at most the given Timeout:
//
//   - [NoWait] polls and returns immediately.
//   - [Forever] blocks until the operation succeeds.
//   - [After] bounds the wait by a duration measured on the queue's
//     clock.
//
// There is no cancellation token. A caller that must stay responsive
// to shutdown uses a short timeout and loops.
//
// Queues hold copies of their values. A queue of bundle references
// does not own the bundles; whoever pulls a reference takes over the
// obligation to release it.
package waitqueue

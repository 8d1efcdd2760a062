// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the bundle
// agent.
//
// Every component that measures a timeout, stamps a creation time, or
// checks a bundle lifetime takes a [Clock] instead of calling the time
// package directly. Production wiring passes [Real]; tests pass a
// [FakeClock] and move time with [FakeClock.Advance], so queue and
// allocation timeouts can be asserted without sleeping.
//
// Bundle Protocol timestamps count milliseconds since the DTN epoch
// (2000-01-01T00:00:00Z). [ToDTN] and [FromDTN] convert between that
// representation and [time.Time].
//
// # Fake clock synchronization
//
// A goroutine that blocks in a timed wait registers a timer on the fake
// clock. Tests call [FakeClock.WaitForTimers] before Advance so the
// advance cannot race ahead of the registration:
//
//	fake := clock.Fake(start)
//	go func() { done <- queue.TryPull(waitqueue.After(time.Second)) }()
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package waitqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/bureau-foundation/bpagent/lib/clock"
)

type timeoutKind uint8

const (
	noWait timeoutKind = iota
	forever
	bounded
)

// Timeout bounds a blocking call. The zero value is NoWait.
type Timeout struct {
	kind     timeoutKind
	duration time.Duration
}

var (
	// NoWait makes a blocking call fail immediately instead of waiting.
	NoWait = Timeout{kind: noWait}

	// Forever waits until the call succeeds.
	Forever = Timeout{kind: forever}
)

// After returns a Timeout bounded by d. A non-positive d is NoWait.
func After(d time.Duration) Timeout {
	if d <= 0 {
		return NoWait
	}
	return Timeout{kind: bounded, duration: d}
}

// FromMillis maps the integer convention used in configuration files:
// 0 is NoWait, any negative value is Forever, a positive value is that
// many milliseconds.
func FromMillis(milliseconds int) Timeout {
	switch {
	case milliseconds == 0:
		return NoWait
	case milliseconds < 0:
		return Forever
	default:
		return After(time.Duration(milliseconds) * time.Millisecond)
	}
}

// IsNoWait reports whether t never blocks.
func (t Timeout) IsNoWait() bool { return t.kind == noWait }

// IsForever reports whether t never expires.
func (t Timeout) IsForever() bool { return t.kind == forever }

// Duration returns the bound of an After timeout, 0 otherwise.
func (t Timeout) Duration() time.Duration {
	if t.kind != bounded {
		return 0
	}
	return t.duration
}

func (t Timeout) String() string {
	switch t.kind {
	case noWait:
		return "nowait"
	case forever:
		return "forever"
	default:
		return fmt.Sprintf("%v", t.duration)
	}
}

// Wait blocks on cond until ready reports true or timeout expires, and
// reports whether ready became true. The caller must hold cond.L; it
// is held again when Wait returns. ready is evaluated with cond.L held.
//
// Bounded waits arm a timer on c that broadcasts cond when it fires,
// so every waiter on cond must re-check its own predicate after waking.
func Wait(c clock.Clock, cond *sync.Cond, timeout Timeout, ready func() bool) bool {
	if ready() {
		return true
	}
	if timeout.kind == noWait {
		return false
	}

	expired := false
	if timeout.kind == bounded {
		timer := c.AfterFunc(timeout.duration, func() {
			cond.L.Lock()
			expired = true
			cond.Broadcast()
			cond.L.Unlock()
		})
		defer timer.Stop()
	}

	for !ready() {
		if expired {
			return false
		}
		cond.Wait()
	}
	return true
}

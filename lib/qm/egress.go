// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package qm

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// EgressKind says whether an egress queue feeds a contact or a channel.
type EgressKind uint8

const (
	EgressContact EgressKind = iota
	EgressChannel
)

func (k EgressKind) String() string {
	if k == EgressChannel {
		return "channel"
	}
	return "contact"
}

var (
	// ErrNoEgressQueue means no egress queue exists for the id.
	ErrNoEgressQueue = errors.New("qm: no egress queue")

	// ErrEgressQueueExists means AddEgressQueue found one already.
	ErrEgressQueueExists = errors.New("qm: egress queue already exists")

	// ErrEgressFull means PushEgress timed out waiting for space.
	ErrEgressFull = errors.New("qm: egress queue full")
)

type egressKey struct {
	kind EgressKind
	id   int
}

// AddEgressQueue creates the bounded egress queue for a contact or
// channel.
func (m *Manager) AddEgressQueue(kind EgressKind, id, depth int) error {
	if depth <= 0 {
		return fmt.Errorf("qm: %s %d egress depth must be positive, got %d", kind, id, depth)
	}
	m.egressMu.Lock()
	defer m.egressMu.Unlock()
	key := egressKey{kind, id}
	if _, exists := m.egress[key]; exists {
		return fmt.Errorf("%w: %s %d", ErrEgressQueueExists, kind, id)
	}
	m.egress[key] = waitqueue.New[mpool.Ref](m.clock, depth)
	return nil
}

// RemoveEgressQueue deletes an egress queue and releases every bundle
// still in it, returning how many were released.
func (m *Manager) RemoveEgressQueue(kind EgressKind, id int) int {
	m.egressMu.Lock()
	queue, exists := m.egress[egressKey{kind, id}]
	delete(m.egress, egressKey{kind, id})
	m.egressMu.Unlock()
	if !exists {
		return 0
	}
	released := queue.Close()
	for _, ref := range released {
		m.pool.Release(ref)
	}
	return len(released)
}

func (m *Manager) egressQueue(kind EgressKind, id int) (*waitqueue.Queue[mpool.Ref], error) {
	m.egressMu.RLock()
	defer m.egressMu.RUnlock()
	queue, exists := m.egress[egressKey{kind, id}]
	if !exists {
		return nil, fmt.Errorf("%w: %s %d", ErrNoEgressQueue, kind, id)
	}
	return queue, nil
}

// PushEgress queues a bundle for egress, waiting up to timeout for
// space. On error the caller still owns the bundle.
func (m *Manager) PushEgress(kind EgressKind, id int, bundle mpool.Ref, timeout waitqueue.Timeout) error {
	queue, err := m.egressQueue(kind, id)
	if err != nil {
		return err
	}
	if !queue.TryPush(bundle, timeout) {
		// Removed between the lookup and the push.
		if queue.Closed() {
			return fmt.Errorf("%w: %s %d", ErrNoEgressQueue, kind, id)
		}
		return fmt.Errorf("%w: %s %d", ErrEgressFull, kind, id)
	}
	return nil
}

// PullEgress takes the oldest bundle from an egress queue, waiting up
// to timeout. The caller owns the returned bundle.
func (m *Manager) PullEgress(kind EgressKind, id int, timeout waitqueue.Timeout) (mpool.Ref, bool, error) {
	queue, err := m.egressQueue(kind, id)
	if err != nil {
		return mpool.NilRef, false, err
	}
	ref, ok := queue.TryPull(timeout)
	return ref, ok, nil
}

// EgressLen returns the number of bundles waiting in an egress queue.
func (m *Manager) EgressLen(kind EgressKind, id int) int {
	queue, err := m.egressQueue(kind, id)
	if err != nil {
		return 0
	}
	return queue.Len()
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/qm"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// Ingress takes the raw bytes of one bundle received on a contact. The
// bytes are copied into the pool and decoded by the first pipeline
// stage; timeout bounds both the pool allocation and the job queue
// admission.
func (i *Instance) Ingress(contactID int, data []byte, timeout waitqueue.Timeout) error {
	if err := i.startedContact(contactID); err != nil {
		return err
	}
	ref, err := i.arena.Ingest(data, DefaultPriority, timeout)
	if err != nil {
		return fmt.Errorf("contact %d ingress: %w", contactID, err)
	}
	primary, _ := i.arena.Primary(ref)
	primary.ReceivedAt = i.clock.Now()
	i.count(eventReceived)

	job := qm.Job{Bundle: ref, State: qm.ContactInBIToEBP, Priority: DefaultPriority}
	if !i.manager.Enqueue(job, timeout) {
		i.count(eventDeleted)
		return fmt.Errorf("contact %d ingress: %w", contactID, ErrDropped)
	}
	return nil
}

// Egress copies the encoding of the next bundle queued for a contact
// into buf and returns its length. A bundle larger than buf goes back
// to storage and Egress reports bundle.ErrShortBuffer.
func (i *Instance) Egress(ctx context.Context, contactID int, buf []byte, timeout waitqueue.Timeout) (int, error) {
	ref, ok, err := i.manager.PullEgress(qm.EgressContact, contactID, timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnknownContact, err)
	}
	if !ok {
		return 0, ErrTimeout
	}

	size, err := i.arena.EncodedSize(ref)
	if err != nil {
		i.discard(ref, eventDeleted, "encode failed")
		return 0, fmt.Errorf("contact %d egress: %w", contactID, err)
	}
	if size > len(buf) {
		i.store(ctx, ref)
		return 0, fmt.Errorf("contact %d egress: %w: bundle needs %d bytes, buffer has %d",
			contactID, bundle.ErrShortBuffer, size, len(buf))
	}
	n, err := i.arena.CopyOut(ref, buf)
	if err != nil {
		i.discard(ref, eventDeleted, "copy out failed")
		return 0, fmt.Errorf("contact %d egress: %w", contactID, err)
	}
	i.arena.Release(ref)
	i.count(eventForwarded)
	return n, nil
}

// Send wraps adu in a bundle from the channel's local endpoint to its
// configured destination and admits it to the pipeline.
func (i *Instance) Send(channelID int, adu []byte, timeout waitqueue.Timeout) error {
	config, err := i.startedChannel(channelID)
	if err != nil {
		return err
	}
	block := bpv7.PrimaryBlock{
		Version:     bpv7.Version,
		Flags:       config.Flags,
		CRCType:     config.CRCType,
		Destination: config.Destination,
		Source:      config.Local,
		ReportTo:    config.ReportTo,
		Timestamp:   i.nextTimestamp(),
		Lifetime:    uint64(config.Lifetime.Milliseconds()),
	}
	ref, err := i.arena.Build(block, adu, config.Priority, timeout)
	if err != nil {
		return fmt.Errorf("channel %d send: %w", channelID, err)
	}
	primary, _ := i.arena.Primary(ref)
	primary.ReceivedAt = i.clock.Now()
	primary.Route = channelID
	i.count(eventOriginated)

	job := qm.Job{Bundle: ref, State: qm.ChannelInPIToEBP, Priority: config.Priority}
	if !i.manager.Enqueue(job, timeout) {
		i.count(eventDeleted)
		return fmt.Errorf("channel %d send: %w", channelID, ErrDropped)
	}
	return nil
}

// Receive copies the payload of the next bundle delivered to a
// channel into buf and returns its length. A payload larger than buf
// goes back to storage and Receive reports bundle.ErrShortBuffer.
func (i *Instance) Receive(ctx context.Context, channelID int, buf []byte, timeout waitqueue.Timeout) (int, error) {
	ref, ok, err := i.manager.PullEgress(qm.EgressChannel, channelID, timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnknownContact, err)
	}
	if !ok {
		return 0, ErrTimeout
	}

	payload, ok := i.arena.Payload(ref)
	if !ok {
		i.discard(ref, eventMalformed, "no payload block")
		return 0, fmt.Errorf("channel %d receive: %w", channelID, ErrNoPayload)
	}
	if len(payload) > len(buf) {
		i.store(ctx, ref)
		return 0, fmt.Errorf("channel %d receive: %w: payload is %d bytes, buffer has %d",
			channelID, bundle.ErrShortBuffer, len(payload), len(buf))
	}
	n := copy(buf, payload)
	i.arena.Release(ref)
	i.count(eventDelivered)
	return n, nil
}

// Admit re-enters a bundle loaded from storage at the router, through
// the same admission as ingress. The instance owns the bundle
// afterwards whether or not it was admitted.
func (i *Instance) Admit(ref mpool.Ref) bool {
	priority := DefaultPriority
	if primary, ok := i.arena.Primary(ref); ok {
		priority = primary.Priority
	}
	job := qm.Job{Bundle: ref, State: qm.ContactInCTToSTOR, Priority: priority}
	if !i.manager.Enqueue(job, waitqueue.NoWait) {
		i.count(eventDeleted)
		return false
	}
	return true
}

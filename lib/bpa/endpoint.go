// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"context"
	"fmt"
	"time"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/qm"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// ChannelConfig describes the bundles a local application sends and
// the endpoint it receives on.
type ChannelConfig struct {
	// Local is the application's endpoint: the source of bundles it
	// sends and the destination of bundles delivered to it.
	Local bpv7.EID

	// Destination of every bundle sent on the channel.
	Destination bpv7.EID

	// ReportTo defaults to dtn:none.
	ReportTo bpv7.EID

	Lifetime time.Duration
	CRCType  bpv7.CRCType
	Flags    bpv7.BundleFlags
	Priority uint8

	// HopLimit adds a hop count block when positive.
	HopLimit uint64

	// Custody adds a custody tracking block and retains a stored copy
	// of each bundle on contact egress.
	Custody bool
}

type contact struct {
	destinations []bpv7.Pattern
	started      bool
}

type channel struct {
	config  ChannelConfig
	started bool
}

// AddContact registers a stopped contact that forwards bundles whose
// destination matches any of destinations.
func (i *Instance) AddContact(id int, destinations []bpv7.Pattern) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.contacts[id]; exists {
		return fmt.Errorf("%w: contact %d", ErrExists, id)
	}
	if err := i.manager.AddEgressQueue(qm.EgressContact, id, i.egressDepth); err != nil {
		return err
	}
	i.contacts[id] = &contact{destinations: append([]bpv7.Pattern(nil), destinations...)}
	return nil
}

// StartContact makes the contact a route and asks storage for the
// bundles already waiting for it.
func (i *Instance) StartContact(ctx context.Context, id int) error {
	if err := i.setStarted(id, false, true); err != nil {
		return err
	}
	i.logger.Info("contact started", "contact", id)
	return i.egressStored(ctx, id, false)
}

// StopContact withdraws the contact as a route. Bundles already queued
// for it stay queued.
func (i *Instance) StopContact(id int) error {
	if err := i.setStarted(id, false, false); err != nil {
		return err
	}
	i.logger.Info("contact stopped", "contact", id)
	return nil
}

// RemoveContact deletes a contact. Bundles still in its egress queue
// go to storage.
func (i *Instance) RemoveContact(ctx context.Context, id int) error {
	i.mu.Lock()
	_, exists := i.contacts[id]
	delete(i.contacts, id)
	i.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: contact %d", ErrUnknownContact, id)
	}
	i.drainEgress(ctx, qm.EgressContact, id)
	return nil
}

// AddChannel registers a stopped channel for a local application.
func (i *Instance) AddChannel(id int, config ChannelConfig) error {
	if config.Local.Scheme != bpv7.SchemeIPN {
		return fmt.Errorf("channel %d: local endpoint %s: %w", id, config.Local, bpv7.ErrInvalidEID)
	}
	if config.ReportTo == (bpv7.EID{}) {
		config.ReportTo = bpv7.None
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.channels[id]; exists {
		return fmt.Errorf("%w: channel %d", ErrExists, id)
	}
	if err := i.manager.AddEgressQueue(qm.EgressChannel, id, i.egressDepth); err != nil {
		return err
	}
	i.channels[id] = &channel{config: config}
	return nil
}

// StartChannel opens the channel for Send and Receive and asks storage
// for bundles already addressed to it.
func (i *Instance) StartChannel(ctx context.Context, id int) error {
	if err := i.setStarted(id, true, true); err != nil {
		return err
	}
	i.logger.Info("channel started", "channel", id)
	return i.egressStored(ctx, id, true)
}

// StopChannel closes the channel for Send and withdraws it as a route.
func (i *Instance) StopChannel(id int) error {
	if err := i.setStarted(id, true, false); err != nil {
		return err
	}
	i.logger.Info("channel stopped", "channel", id)
	return nil
}

// RemoveChannel deletes a channel. Undelivered bundles go to storage.
func (i *Instance) RemoveChannel(ctx context.Context, id int) error {
	i.mu.Lock()
	_, exists := i.channels[id]
	delete(i.channels, id)
	i.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: channel %d", ErrUnknownContact, id)
	}
	i.drainEgress(ctx, qm.EgressChannel, id)
	return nil
}

func (i *Instance) setStarted(id int, isChannel, started bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if isChannel {
		ch, exists := i.channels[id]
		if !exists {
			return fmt.Errorf("%w: channel %d", ErrUnknownContact, id)
		}
		ch.started = started
		return nil
	}
	c, exists := i.contacts[id]
	if !exists {
		return fmt.Errorf("%w: contact %d", ErrUnknownContact, id)
	}
	c.started = started
	return nil
}

func (i *Instance) egressStored(ctx context.Context, id int, isChannel bool) error {
	if i.storage == nil {
		return nil
	}
	count, err := i.storage.EgressForID(ctx, id, isChannel)
	if err != nil {
		return fmt.Errorf("re-admitting stored bundles for %d: %w", id, err)
	}
	if count > 0 {
		i.logger.Info("re-admitted stored bundles", "id", id, "channel", isChannel, "count", count)
	}
	return nil
}

// drainEgress moves every bundle still queued for a removed contact or
// channel to storage, then deletes the queue.
func (i *Instance) drainEgress(ctx context.Context, kind qm.EgressKind, id int) {
	for {
		ref, ok, err := i.manager.PullEgress(kind, id, waitqueue.NoWait)
		if err != nil || !ok {
			break
		}
		i.store(ctx, ref)
	}
	// Anything routed here after the drain is lost with the queue.
	if released := i.manager.RemoveEgressQueue(kind, id); released > 0 {
		i.countN(eventDeleted, released)
	}
}

// startedContact fails unless the contact exists and is started.
func (i *Instance) startedContact(id int) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	c, exists := i.contacts[id]
	if !exists {
		return fmt.Errorf("%w: contact %d", ErrUnknownContact, id)
	}
	if !c.started {
		return fmt.Errorf("%w: contact %d", ErrNotStarted, id)
	}
	return nil
}

func (i *Instance) startedChannel(id int) (ChannelConfig, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ch, exists := i.channels[id]
	if !exists {
		return ChannelConfig{}, fmt.Errorf("%w: channel %d", ErrUnknownContact, id)
	}
	if !ch.started {
		return ChannelConfig{}, fmt.Errorf("%w: channel %d", ErrNotStarted, id)
	}
	return ch.config, nil
}

func (i *Instance) channelConfig(id int) (ChannelConfig, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ch, exists := i.channels[id]
	if !exists {
		return ChannelConfig{}, false
	}
	return ch.config, true
}

// Destinations returns the endpoints a contact or channel accepts. A
// channel accepts exactly its local endpoint.
func (i *Instance) Destinations(id int, isChannel bool) []bpv7.Pattern {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if isChannel {
		ch, exists := i.channels[id]
		if !exists {
			return nil
		}
		local := ch.config.Local
		return []bpv7.Pattern{{
			NodeMin: local.Node, NodeMax: local.Node,
			ServiceMin: local.Service, ServiceMax: local.Service,
		}}
	}
	c, exists := i.contacts[id]
	if !exists {
		return nil
	}
	return append([]bpv7.Pattern(nil), c.destinations...)
}

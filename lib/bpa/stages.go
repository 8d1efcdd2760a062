// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import (
	"context"
	"time"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/qm"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// Handle runs the stage for job.State and returns the state the bundle
// moves to. NoNextState means the stage stored, queued or released the
// bundle.
func (i *Instance) Handle(ctx context.Context, job qm.Job) qm.State {
	bundleRef := job.Bundle
	switch job.State {
	case qm.ContactInBIToEBP:
		return i.receiveExtensions(bundleRef)
	case qm.ContactInEBPToCT:
		return i.acceptCustody(bundleRef, qm.ContactInCTToSTOR)
	case qm.ContactInCTToSTOR, qm.ChannelInCTToSTOR:
		return i.route(ctx, bundleRef)
	case qm.ContactOutSTORToCT:
		return i.retainCustody(ctx, bundleRef)
	case qm.ContactOutCTToEBP:
		return i.forwardExtensions(bundleRef)
	case qm.ContactOutEBPToBI:
		return i.prepareEncoding(bundleRef)
	case qm.ContactOutBIToCLA:
		return i.queueEgress(ctx, bundleRef, qm.EgressContact)
	case qm.ChannelInPIToEBP:
		return i.originateExtensions(bundleRef)
	case qm.ChannelInEBPToCT:
		return i.acceptCustody(bundleRef, qm.ChannelInCTToSTOR)
	case qm.ChannelOutSTORToCT:
		return i.releaseCustody(bundleRef)
	case qm.ChannelOutCTToEBP:
		return i.checkLifetime(bundleRef, qm.ChannelOutEBPToPI)
	case qm.ChannelOutEBPToPI:
		return i.checkPayload(bundleRef)
	case qm.ChannelOutPIToADU:
		return i.queueEgress(ctx, bundleRef, qm.EgressChannel)
	case qm.NoNextState:
		i.discard(bundleRef, eventDeleted, "job carried no state")
		return qm.NoNextState
	default:
		i.discard(bundleRef, eventDeleted, "job carried an undefined state")
		return qm.NoNextState
	}
}

// primary returns the bundle's primary content, releasing the bundle
// when ref does not hold one.
func (i *Instance) primary(ref mpool.Ref) (*bundle.Primary, bool) {
	primary, ok := i.arena.Primary(ref)
	if !ok {
		i.logger.Error("job does not reference a primary block", "bundle", ref, "kind", i.pool.Kind(ref))
		i.pool.Release(ref)
		i.count(eventDeleted)
	}
	return primary, ok
}

// discard releases a bundle and counts it deleted, plus reason's event
// when that is not eventDeleted itself.
func (i *Instance) discard(ref mpool.Ref, e event, reason string) {
	i.logger.Debug("deleting bundle", "bundle", ref, "reason", reason)
	if e != eventDeleted {
		i.count(e)
	}
	i.count(eventDeleted)
	i.arena.Release(ref)
}

// expiresAt returns when the bundle's lifetime ends, or the zero time
// when neither its creation time nor its arrival time is known. A
// bundle from a source without a clock ages by its bundle age block.
func (i *Instance) expiresAt(ref mpool.Ref, primary *bundle.Primary) time.Time {
	if expires := primary.Block.ExpiresAt(); !expires.IsZero() {
		return expires
	}
	if primary.ReceivedAt.IsZero() {
		return time.Time{}
	}
	remaining := primary.Block.LifetimeDuration()
	if _, block, found := i.arena.Find(ref, bpv7.BlockBundleAge); found {
		if age, ok := block.Extension.(uint64); ok {
			remaining -= time.Duration(age) * time.Millisecond
		}
	}
	return primary.ReceivedAt.Add(remaining)
}

func (i *Instance) expired(ref mpool.Ref, primary *bundle.Primary) bool {
	expires := i.expiresAt(ref, primary)
	return !expires.IsZero() && !i.clock.Now().Before(expires)
}

// receiveExtensions decodes a bundle from a contact, drops it if it
// is expired or has exhausted its hop limit, and counts this hop.
func (i *Instance) receiveExtensions(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if err := i.arena.Decode(ref); err != nil {
		i.logger.Warn("discarding malformed bundle", "bundle", ref, "error", err)
		i.discard(ref, eventMalformed, "malformed")
		return qm.NoNextState
	}
	if i.expired(ref, primary) {
		i.discard(ref, eventExpired, "lifetime expired")
		return qm.NoNextState
	}
	if hopRef, block, found := i.arena.Find(ref, bpv7.BlockHopCount); found {
		hops, _ := block.Extension.(bpv7.HopCount)
		hops.Count++
		if hops.Exceeded() {
			i.discard(ref, eventDeleted, "hop limit exceeded")
			return qm.NoNextState
		}
		if err := i.arena.SetExtension(hopRef, hops); err != nil {
			i.logger.Error("updating hop count", "bundle", ref, "error", err)
			i.discard(ref, eventDeleted, "hop count update failed")
			return qm.NoNextState
		}
	}
	return qm.ContactInEBPToCT
}

// originateExtensions adds the extension blocks the originating
// channel asks for to a locally created bundle.
func (i *Instance) originateExtensions(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	config, ok := i.channelConfig(primary.Route)
	if !ok {
		return qm.ChannelInEBPToCT
	}
	if config.HopLimit > 0 {
		if err := i.putExtension(ref, primary, bpv7.BlockHopCount, bpv7.HopCount{Limit: config.HopLimit}); err != nil {
			i.logger.Warn("adding hop count block", "bundle", ref, "error", err)
			i.discard(ref, eventDeleted, "extension allocation failed")
			return qm.NoNextState
		}
	}
	if config.Custody {
		if err := i.putExtension(ref, primary, bpv7.BlockCustodyTracking, i.local); err != nil {
			i.logger.Warn("adding custody tracking block", "bundle", ref, "error", err)
			i.discard(ref, eventDeleted, "extension allocation failed")
			return qm.NoNextState
		}
		primary.Delivery = bundle.DeliveryCustody
	}
	return qm.ChannelInEBPToCT
}

// putExtension replaces the value of the bundle's extension block of
// the given type, adding the block if the bundle has none.
func (i *Instance) putExtension(ref mpool.Ref, primary *bundle.Primary, blockType bpv7.BlockType, value any) error {
	if blockRef, _, found := i.arena.Find(ref, blockType); found {
		return i.arena.SetExtension(blockRef, value)
	}
	blockRef, err := i.arena.AppendCanonical(ref, bpv7.CanonicalBlock{
		Type:    blockType,
		Number:  i.arena.NextBlockNumber(ref),
		CRCType: primary.Block.CRCType,
	})
	if err != nil {
		return err
	}
	if err := i.arena.SetExtension(blockRef, value); err != nil {
		i.arena.RemoveCanonical(blockRef)
		return err
	}
	return nil
}

// acceptCustody records this agent as the custodian of a bundle that
// asks for custody transfer.
func (i *Instance) acceptCustody(ref mpool.Ref, next qm.State) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if primary.Delivery != bundle.DeliveryCustody {
		return next
	}
	custodyRef, block, found := i.arena.Find(ref, bpv7.BlockCustodyTracking)
	if !found {
		return next
	}
	if custodian, _ := block.Extension.(bpv7.EID); custodian == i.local {
		return next
	}
	if err := i.arena.SetExtension(custodyRef, i.local); err != nil {
		i.logger.Warn("taking custody", "bundle", ref, "error", err)
	}
	return next
}

// route picks the bundle's egress: a started channel for its
// destination, else a started contact whose patterns match, else
// storage. Both scans are linear.
func (i *Instance) route(ctx context.Context, ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	destination := primary.Block.Destination

	kind, id, found := i.lookupRoute(destination)
	if !found {
		i.store(ctx, ref)
		return qm.NoNextState
	}
	primary.Route = id
	if kind == qm.EgressChannel {
		return qm.ChannelOutSTORToCT
	}
	return qm.ContactOutSTORToCT
}

// lookupRoute returns the lowest numbered started channel or contact
// that accepts destination, channels first.
func (i *Instance) lookupRoute(destination bpv7.EID) (qm.EgressKind, int, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	best, found := 0, false
	for id, ch := range i.channels {
		if ch.started && ch.config.Local == destination && (!found || id < best) {
			best, found = id, true
		}
	}
	if found {
		return qm.EgressChannel, best, true
	}
	for id, c := range i.contacts {
		if !c.started || (found && id > best) {
			continue
		}
		for _, pattern := range c.destinations {
			if pattern.Match(destination) {
				best, found = id, true
				break
			}
		}
	}
	return qm.EgressContact, best, found
}

// Routable reports whether the router would forward a bundle for
// destination now instead of storing it.
func (i *Instance) Routable(destination bpv7.EID) bool {
	_, _, found := i.lookupRoute(destination)
	return found
}

// store hands the bundle to storage, or deletes it when the instance
// has none.
func (i *Instance) store(ctx context.Context, ref mpool.Ref) {
	if i.storage == nil {
		i.discard(ref, eventDeleted, "no route and no storage")
		return
	}
	if err := i.storage.StoreBundle(ctx, ref); err != nil {
		i.logger.Error("storing bundle failed; bundle lost", "bundle", ref, "error", err)
		i.count(eventDeleted)
		return
	}
	i.count(eventStored)
}

// retainCustody stores a copy of a custody bundle before it leaves on
// a contact, so it can be sent again if custody is not taken
// downstream.
func (i *Instance) retainCustody(ctx context.Context, ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if primary.Delivery != bundle.DeliveryCustody || i.storage == nil {
		return qm.ContactOutCTToEBP
	}
	if err := i.arena.Duplicate(ref); err != nil {
		i.logger.Warn("cannot retain custody copy", "bundle", ref, "error", err)
		return qm.ContactOutCTToEBP
	}
	i.store(ctx, ref)
	return qm.ContactOutCTToEBP
}

// releaseCustody ends custody for a bundle delivered locally.
func (i *Instance) releaseCustody(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if primary.Delivery == bundle.DeliveryCustody {
		i.logger.Debug("custody ends at local delivery", "bundle", ref, "source", primary.Block.Source)
		primary.Delivery = bundle.DeliveryBestEffort
	}
	return qm.ChannelOutCTToEBP
}

// forwardExtensions brings the extension blocks up to date for the
// next hop: this agent becomes the previous node, and the bundle age
// grows by the time the bundle spent here.
func (i *Instance) forwardExtensions(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if i.expired(ref, primary) {
		i.discard(ref, eventExpired, "lifetime expired")
		return qm.NoNextState
	}
	if err := i.putExtension(ref, primary, bpv7.BlockPreviousNode, i.local); err != nil {
		i.logger.Warn("setting previous node", "bundle", ref, "error", err)
		i.discard(ref, eventDeleted, "extension update failed")
		return qm.NoNextState
	}

	_, ageBlock, hasAge := i.arena.Find(ref, bpv7.BlockBundleAge)
	if !hasAge && primary.Block.Timestamp.Time != 0 {
		return qm.ContactOutEBPToBI
	}
	var age uint64
	if hasAge {
		age, _ = ageBlock.Extension.(uint64)
	}
	now := i.clock.Now()
	if !primary.ReceivedAt.IsZero() && now.After(primary.ReceivedAt) {
		age += uint64(now.Sub(primary.ReceivedAt).Milliseconds())
	}
	primary.ReceivedAt = now
	if err := i.putExtension(ref, primary, bpv7.BlockBundleAge, age); err != nil {
		i.logger.Warn("updating bundle age", "bundle", ref, "error", err)
		i.discard(ref, eventDeleted, "extension update failed")
		return qm.NoNextState
	}
	return qm.ContactOutEBPToBI
}

// prepareEncoding checks the lifetime one last time and builds the
// wire encoding so Egress only copies it.
func (i *Instance) prepareEncoding(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if i.expired(ref, primary) {
		i.discard(ref, eventExpired, "lifetime expired")
		return qm.NoNextState
	}
	if _, err := i.arena.EncodedSize(ref); err != nil {
		i.logger.Warn("encoding bundle for egress", "bundle", ref, "error", err)
		i.discard(ref, eventDeleted, "encode failed")
		return qm.NoNextState
	}
	return qm.ContactOutBIToCLA
}

func (i *Instance) checkLifetime(ref mpool.Ref, next qm.State) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if i.expired(ref, primary) {
		i.discard(ref, eventExpired, "lifetime expired")
		return qm.NoNextState
	}
	return next
}

// checkPayload makes sure a bundle bound for an application carries a
// plain payload to deliver. Administrative records are addressed to
// the agent, not the application, and ciphertext cannot be opened
// without a security context; both are counted and deleted.
func (i *Instance) checkPayload(ref mpool.Ref) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if _, ok := i.arena.Payload(ref); !ok {
		i.discard(ref, eventMalformed, "no payload block")
		return qm.NoNextState
	}
	switch primary.PayloadHint {
	case bundle.PayloadAdminRecord:
		i.discard(ref, eventAdminRecord, "administrative record")
		return qm.NoNextState
	case bundle.PayloadCiphertext:
		i.discard(ref, eventUndecryptable, "payload is ciphertext")
		return qm.NoNextState
	}
	return qm.ChannelOutPIToADU
}

// queueEgress hands the bundle to the egress queue the router chose.
// A full or vanished queue sends the bundle to storage.
func (i *Instance) queueEgress(ctx context.Context, ref mpool.Ref, kind qm.EgressKind) qm.State {
	primary, ok := i.primary(ref)
	if !ok {
		return qm.NoNextState
	}
	if err := i.manager.PushEgress(kind, primary.Route, ref, waitqueue.NoWait); err != nil {
		i.logger.Debug("egress queue unavailable; storing", "bundle", ref, "kind", kind, "id", primary.Route, "error", err)
		i.store(ctx, ref)
	}
	return qm.NoNextState
}

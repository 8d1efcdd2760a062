// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// Arena is the typed block layer over a pool. Methods on one bundle
// must not run concurrently; different bundles are independent.
type Arena struct {
	pool *mpool.Pool
}

// NewArena wraps pool.
func NewArena(pool *mpool.Pool) *Arena {
	return &Arena{pool: pool}
}

// Pool returns the underlying pool.
func (a *Arena) Pool() *mpool.Pool { return a.pool }

// NewPrimary allocates an empty bundle holding block, waiting up to
// timeout for pool space.
func (a *Arena) NewPrimary(block bpv7.PrimaryBlock, priority uint8, timeout waitqueue.Timeout) (mpool.Ref, error) {
	primary := &Primary{Block: block, Priority: priority}
	if block.Flags.Has(bpv7.FlagAdminRecord) {
		primary.PayloadHint = PayloadAdminRecord
	}
	ref, err := a.pool.AllocPrimary(priority, timeout, primary)
	if err != nil {
		return mpool.NilRef, fmt.Errorf("allocating primary block: %w", err)
	}
	return ref, nil
}

// Ingest allocates a bundle holding raw undecoded bytes. The bytes are
// decoded by Decode.
func (a *Arena) Ingest(raw []byte, priority uint8, timeout waitqueue.Timeout) (mpool.Ref, error) {
	ref, err := a.pool.AllocPrimary(priority, timeout, &Primary{Priority: priority, undecoded: true})
	if err != nil {
		return mpool.NilRef, fmt.Errorf("allocating primary block: %w", err)
	}
	if _, err := a.pool.AllocBlobList(ref.Embedded(mpool.SlotRaw), raw); err != nil {
		a.pool.Release(ref)
		return mpool.NilRef, fmt.Errorf("storing %d raw bytes: %w", len(raw), err)
	}
	return ref, nil
}

// HasRaw reports whether the bundle still holds undecoded bytes.
func (a *Arena) HasRaw(ref mpool.Ref) bool {
	primary, ok := a.Primary(ref)
	return ok && primary.undecoded
}

// Decode replaces the bundle's content with the decoding of its raw
// bytes and then frees them. A bundle that was not ingested, or is
// already decoded, is left as is. Empty input is malformed.
func (a *Arena) Decode(ref mpool.Ref) error {
	primary, err := a.mustPrimary(ref)
	if err != nil {
		return err
	}
	if !primary.undecoded {
		return nil
	}
	rawHead := ref.Embedded(mpool.SlotRaw)
	raw := make([]byte, a.pool.BlobListSize(rawHead))
	if _, err := a.pool.ReadBlobList(rawHead, raw); err != nil {
		return err
	}
	if _, err := a.CopyIn(ref, raw); err != nil {
		return err
	}
	a.pool.RecycleList(rawHead)
	primary.undecoded = false
	return nil
}

// Primary returns the primary block content of ref.
func (a *Arena) Primary(ref mpool.Ref) (*Primary, bool) {
	return mpool.As[*Primary](a.pool, ref, mpool.TypePrimary)
}

// Canonical returns the canonical block content of ref.
func (a *Arena) Canonical(ref mpool.Ref) (*Canonical, bool) {
	return mpool.As[*Canonical](a.pool, ref, mpool.TypeCanonical)
}

func (a *Arena) mustPrimary(ref mpool.Ref) (*Primary, error) {
	primary, ok := a.Primary(ref)
	if !ok {
		return nil, fmt.Errorf("%v is a %s block: %w", ref, a.pool.Kind(ref), mpool.ErrWrongType)
	}
	return primary, nil
}

// AppendCanonical allocates a canonical block holding block and links
// it into the bundle: the payload block at the tail, any other block at
// the head. A block number already in the bundle is rejected.
func (a *Arena) AppendCanonical(primaryRef mpool.Ref, block bpv7.CanonicalBlock) (mpool.Ref, error) {
	primary, err := a.mustPrimary(primaryRef)
	if err != nil {
		return mpool.NilRef, err
	}
	if _, _, found := a.FindNumber(primaryRef, block.Number); found {
		return mpool.NilRef, fmt.Errorf("%w: %d", ErrDuplicateBlock, block.Number)
	}

	ref, err := a.pool.AllocBlock(mpool.TypeCanonical, 0, &Canonical{Block: block, Bundle: primaryRef})
	if err != nil {
		return mpool.NilRef, fmt.Errorf("allocating %s block: %w", block.Type, err)
	}
	children := primaryRef.Embedded(mpool.SlotChildren)
	if block.Number == bpv7.PayloadBlockNumber {
		err = a.pool.InsertBefore(children, ref)
	} else {
		err = a.pool.InsertAfter(children, ref)
	}
	if err != nil {
		a.pool.Release(ref)
		return mpool.NilRef, err
	}
	primary.bundleEncodeSize = 0
	return ref, nil
}

// RemoveCanonical unlinks a canonical block from its bundle and
// releases it.
func (a *Arena) RemoveCanonical(ref mpool.Ref) {
	canonical, ok := a.Canonical(ref)
	if !ok {
		return
	}
	if primary, ok := a.Primary(canonical.Bundle); ok {
		primary.bundleEncodeSize = 0
	}
	a.pool.Extract(ref)
	a.pool.Release(ref)
}

// ForEachCanonical calls fn for each canonical block in wire order
// until fn returns false.
func (a *Arena) ForEachCanonical(primaryRef mpool.Ref, fn func(mpool.Ref, *Canonical) bool) {
	a.pool.ForEach(primaryRef.Embedded(mpool.SlotChildren), func(ref mpool.Ref) bool {
		canonical, ok := a.Canonical(ref)
		if !ok {
			return true
		}
		return fn(ref, canonical)
	})
}

// Find returns the first canonical block of the given type.
func (a *Arena) Find(primaryRef mpool.Ref, blockType bpv7.BlockType) (mpool.Ref, *Canonical, bool) {
	return a.find(primaryRef, func(c *Canonical) bool { return c.Block.Type == blockType })
}

// FindNumber returns the canonical block with the given block number.
func (a *Arena) FindNumber(primaryRef mpool.Ref, number uint64) (mpool.Ref, *Canonical, bool) {
	return a.find(primaryRef, func(c *Canonical) bool { return c.Block.Number == number })
}

func (a *Arena) find(primaryRef mpool.Ref, match func(*Canonical) bool) (mpool.Ref, *Canonical, bool) {
	foundRef, found := mpool.NilRef, (*Canonical)(nil)
	a.ForEachCanonical(primaryRef, func(ref mpool.Ref, canonical *Canonical) bool {
		if match(canonical) {
			foundRef, found = ref, canonical
			return false
		}
		return true
	})
	return foundRef, found, found != nil
}

// Payload returns the payload block's data.
func (a *Arena) Payload(primaryRef mpool.Ref) ([]byte, bool) {
	last := a.pool.Last(primaryRef.Embedded(mpool.SlotChildren))
	canonical, ok := a.Canonical(last)
	if !ok || canonical.Block.Type != bpv7.BlockPayload {
		return nil, false
	}
	return canonical.Block.Data, true
}

// NextBlockNumber returns a block number not used by the bundle,
// never the payload number.
func (a *Arena) NextBlockNumber(primaryRef mpool.Ref) uint64 {
	next := uint64(bpv7.PayloadBlockNumber + 1)
	a.ForEachCanonical(primaryRef, func(_ mpool.Ref, canonical *Canonical) bool {
		if canonical.Block.Number >= next {
			next = canonical.Block.Number + 1
		}
		return true
	})
	return next
}

// UpdatePrimary applies update to the primary block fields and marks
// the primary encoding stale.
func (a *Arena) UpdatePrimary(primaryRef mpool.Ref, update func(*bpv7.PrimaryBlock)) error {
	primary, err := a.mustPrimary(primaryRef)
	if err != nil {
		return err
	}
	update(&primary.Block)
	primary.blockEncodeSize = 0
	primary.bundleEncodeSize = 0
	return nil
}

// SetExtension replaces the decoded value of an extension block and
// marks the block and its bundle stale.
func (a *Arena) SetExtension(ref mpool.Ref, value any) error {
	canonical, ok := a.Canonical(ref)
	if !ok {
		return fmt.Errorf("%v is a %s block: %w", ref, a.pool.Kind(ref), mpool.ErrWrongType)
	}
	data, err := encodeExtension(canonical.Block.Type, value)
	if err != nil {
		return err
	}
	canonical.Extension = value
	canonical.Block.Data = data
	a.invalidateCanonical(canonical)
	return nil
}

func (a *Arena) invalidateCanonical(canonical *Canonical) {
	canonical.encodeSize = 0
	if primary, ok := a.Primary(canonical.Bundle); ok {
		primary.bundleEncodeSize = 0
	}
}

// Duplicate adds a reference to the bundle.
func (a *Arena) Duplicate(primaryRef mpool.Ref) error {
	return a.pool.Duplicate(primaryRef)
}

// Release drops a reference to the bundle. The last release recycles
// the primary, its canonical blocks and every encoding chunk.
func (a *Arena) Release(primaryRef mpool.Ref) {
	a.pool.Release(primaryRef)
}

// Build allocates a complete bundle with the given primary fields and
// a payload block carrying payload.
func (a *Arena) Build(block bpv7.PrimaryBlock, payload []byte, priority uint8, timeout waitqueue.Timeout) (mpool.Ref, error) {
	ref, err := a.NewPrimary(block, priority, timeout)
	if err != nil {
		return mpool.NilRef, err
	}
	_, err = a.AppendCanonical(ref, bpv7.CanonicalBlock{
		Type:    bpv7.BlockPayload,
		Number:  bpv7.PayloadBlockNumber,
		CRCType: block.CRCType,
		Data:    payload,
	})
	if err != nil {
		a.pool.Release(ref)
		return mpool.NilRef, err
	}
	return ref, nil
}

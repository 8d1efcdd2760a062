// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

// Header indices of the two internal list heads. User chunks follow.
const (
	freeIndex    = 0
	pendingIndex = 1
	firstChunk   = 2
)

const (
	// DefaultChunkSize is the data capacity of one chunk in bytes.
	DefaultChunkSize = 320

	// DefaultCollectBatch is how many pending blocks an allocation
	// reclaims on demand when the free list is empty.
	DefaultCollectBatch = 32
)

// Config sizes a Pool.
type Config struct {
	// Capacity is the number of chunks. Required.
	Capacity int

	// ChunkSize is the number of data bytes per chunk. Zero selects
	// DefaultChunkSize.
	ChunkSize int

	// PrimaryReserve is the number of free chunks the lowest priority
	// primary allocation must leave untouched. Zero selects one
	// sixteenth of Capacity.
	PrimaryReserve int

	// CollectBatch bounds on-demand collection inside an allocation.
	// Zero selects DefaultCollectBatch.
	CollectBatch int

	// Clock measures allocation timeouts. Nil selects the real clock.
	Clock clock.Clock
}

type link struct {
	next, prev Ref
}

type header struct {
	kind  BlockType
	links [LinkSlots]link

	refCount atomic.Int32
	magic    uint32
	// length is the number of valid data bytes in a blob chunk.
	length int
	// target is the block an indirect (TypeRef) block holds.
	target  Ref
	content any
	pending bool
}

// Pool is a fixed arena of chunks. Alloc, recycle and collect are safe
// for concurrent use; list operations are not (see package docs).
type Pool struct {
	clock        clock.Clock
	chunkSize    int
	capacity     int
	reserve      int
	collectBatch int

	headers []header
	data    []byte

	mu        sync.Mutex
	available *sync.Cond
	free      int
	pending   int
}

// New allocates every chunk of the arena up front.
func New(config Config) (*Pool, error) {
	if config.Capacity <= 0 {
		return nil, fmt.Errorf("mpool: capacity must be positive, got %d", config.Capacity)
	}
	// Refs carry the header index in their upper bits.
	if config.Capacity+firstChunk > math.MaxUint32>>slotBits {
		return nil, fmt.Errorf("mpool: capacity %d exceeds addressable chunks", config.Capacity)
	}
	if config.ChunkSize < 0 || config.PrimaryReserve < 0 || config.CollectBatch < 0 {
		return nil, fmt.Errorf("mpool: negative sizing in config %+v", config)
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.PrimaryReserve == 0 {
		config.PrimaryReserve = config.Capacity / 16
	}
	if config.PrimaryReserve >= config.Capacity {
		return nil, fmt.Errorf("mpool: primary reserve %d must be below capacity %d",
			config.PrimaryReserve, config.Capacity)
	}
	if config.CollectBatch == 0 {
		config.CollectBatch = DefaultCollectBatch
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	pool := &Pool{
		clock:        config.Clock,
		chunkSize:    config.ChunkSize,
		capacity:     config.Capacity,
		reserve:      config.PrimaryReserve,
		collectBatch: config.CollectBatch,
		headers:      make([]header, config.Capacity+firstChunk),
		data:         make([]byte, config.Capacity*config.ChunkSize),
	}
	pool.available = sync.NewCond(&pool.mu)

	for index := range pool.headers {
		pool.resetHeader(uint32(index))
	}
	freeHead := makeRef(freeIndex, SlotSelf)
	for index := firstChunk; index < len(pool.headers); index++ {
		pool.insertBetween(makeRef(uint32(index), SlotSelf), pool.link(freeHead).prev, freeHead)
	}
	pool.free = config.Capacity
	return pool, nil
}

// ChunkSize returns the data capacity of one chunk.
func (p *Pool) ChunkSize() int { return p.chunkSize }

// Capacity returns the number of chunks in the arena.
func (p *Pool) Capacity() int { return p.capacity }

// AllocBlock takes one chunk from the free list and tags it. Primary
// and canonical blocks start with a reference count of one. Returns
// ErrPoolFull when no chunk is free.
func (p *Pool) AllocBlock(kind BlockType, magic uint32, content any) (Ref, error) {
	if kind == TypeUndefined || kind == TypeSecondary {
		return NilRef, fmt.Errorf("allocating %s block: %w", kind, ErrWrongType)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocLocked(kind, magic, content, 0)
}

// AllocPrimary allocates a primary block, waiting up to timeout for a
// chunk. Priority 255 may take the last free chunk; lower priorities
// must leave a proportional share of the primary reserve free.
// A NoWait allocation that cannot be served returns ErrPoolFull; a
// waiting one returns ErrTimeout.
func (p *Pool) AllocPrimary(priority uint8, timeout waitqueue.Timeout, content any) (Ref, error) {
	keep := p.reserve * (math.MaxUint8 - int(priority)) / math.MaxUint8

	p.mu.Lock()
	defer p.mu.Unlock()

	var ref Ref
	ok := waitqueue.Wait(p.clock, p.available, timeout, func() bool {
		var err error
		ref, err = p.allocLocked(TypePrimary, 0, content, keep)
		return err == nil
	})
	if ok {
		return ref, nil
	}
	if timeout.IsNoWait() {
		return NilRef, ErrPoolFull
	}
	return NilRef, ErrTimeout
}

// allocLocked takes the first free chunk provided more than keep
// chunks are free, collecting a batch first if needed.
func (p *Pool) allocLocked(kind BlockType, magic uint32, content any, keep int) (Ref, error) {
	if p.free <= keep && p.pending > 0 {
		p.collectLocked(p.collectBatch)
	}
	if p.free <= keep {
		return NilRef, ErrPoolFull
	}

	ref := p.link(makeRef(freeIndex, SlotSelf)).next
	p.unlink(ref)
	p.free--

	h := &p.headers[ref.index()]
	h.kind = kind
	h.magic = magic
	h.content = content
	if kind.refCounted() {
		h.refCount.Store(1)
	}
	return ref, nil
}

// Recycle moves the block owning r to the pending list, detaching it
// from whatever list it is in. Recycling a pending or free block is a
// no-op. Reference counts are not consulted; see Release.
func (p *Pool) Recycle(r Ref) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycleLocked(r)
}

// RecycleList moves every member of the list at head to the pending
// list. The head itself is left in place and empty.
func (p *Pool) RecycleList(head Ref) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for !p.IsEmpty(head) {
		member := p.link(head).next
		p.unlink(member)
		p.recycleLocked(member)
		count++
	}
	return count
}

func (p *Pool) recycleLocked(r Ref) {
	index := r.index()
	if index < firstChunk {
		return
	}
	h := &p.headers[index]
	if h.pending || h.kind == TypeUndefined {
		return
	}
	self := makeRef(index, SlotSelf)
	p.unlink(self)
	h.pending = true
	pendingHead := makeRef(pendingIndex, SlotSelf)
	p.insertBetween(self, p.link(pendingHead).prev, pendingHead)
	p.pending++
	// Allocation collects pending blocks on demand, so a waiter can
	// retry now.
	p.available.Broadcast()
}

// releaseLocked drops one reference held by a list or indirect block.
func (p *Pool) releaseLocked(r Ref) {
	h := &p.headers[r.index()]
	if h.kind.refCounted() && h.refCount.Add(-1) > 0 {
		return
	}
	p.recycleLocked(r)
}

// Collect reclaims up to limit pending blocks and returns how many it
// reclaimed. A reclaimed block releases every member of its embedded
// lists and, for an indirect block, its target; those go to the
// pending list and are reclaimed by later calls.
func (p *Pool) Collect(limit int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collectLocked(limit)
}

func (p *Pool) collectLocked(limit int) int {
	pendingHead := makeRef(pendingIndex, SlotSelf)
	collected := 0
	for collected < limit {
		ref := p.link(pendingHead).next
		if ref == pendingHead {
			break
		}
		p.unlink(ref)
		p.pending--
		p.reclaimLocked(ref)
		collected++
	}
	if collected > 0 {
		p.available.Broadcast()
	}
	return collected
}

func (p *Pool) reclaimLocked(ref Ref) {
	index := ref.index()
	h := &p.headers[index]
	for slot := SlotChildren; slot <= SlotRaw; slot++ {
		head := makeRef(index, slot)
		for !p.IsEmpty(head) {
			member := p.link(head).next
			p.unlink(member)
			// A member linked through its secondary slot belongs to
			// some other owner and is only detached.
			if member.Slot() == SlotSelf {
				p.releaseLocked(member)
			}
		}
	}
	if h.kind == TypeRef && h.target != NilRef {
		p.releaseLocked(h.target)
	}
	p.unlink(makeRef(index, SlotSecondary))
	p.freeLocked(index)
}

// freeLocked returns a detached chunk straight to the free list.
func (p *Pool) freeLocked(index uint32) {
	p.resetHeader(index)
	freeHead := makeRef(freeIndex, SlotSelf)
	p.insertBetween(makeRef(index, SlotSelf), p.link(freeHead).prev, freeHead)
	p.free++
}

func (p *Pool) resetHeader(index uint32) {
	h := &p.headers[index]
	h.kind = TypeUndefined
	h.magic = 0
	h.length = 0
	h.target = NilRef
	h.content = nil
	h.pending = false
	h.refCount.Store(0)
	for slot := range h.links {
		self := makeRef(index, slot)
		h.links[slot] = link{next: self, prev: self}
	}
}

// Stats is a snapshot of pool occupancy. Free+InUse always equals
// Capacity; Pending blocks count as in use until collected.
type Stats struct {
	Capacity  int
	ChunkSize int
	Free      int
	InUse     int
	Pending   int
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Capacity:  p.capacity,
		ChunkSize: p.chunkSize,
		Free:      p.free,
		InUse:     p.capacity - p.free,
		Pending:   p.pending,
	}
}

// valid reports whether r addresses a user chunk.
func (p *Pool) valid(r Ref) bool {
	if r == NilRef || r.Slot() >= LinkSlots {
		return false
	}
	index := r.index()
	return index >= firstChunk && int(index) < len(p.headers)
}

// Kind returns the type of the block owning r. A ref to a secondary
// link reports TypeSecondary and a ref to an embedded head reports
// TypeListHead.
func (p *Pool) Kind(r Ref) BlockType {
	if !p.valid(r) {
		return TypeUndefined
	}
	switch {
	case r.Slot() == SlotSecondary:
		return TypeSecondary
	case isHeadSlot(r.Slot()):
		return TypeListHead
	default:
		return p.headers[r.index()].kind
	}
}

// ContainerOf maps an embedded head or secondary link back to the
// block that owns it.
func (p *Pool) ContainerOf(r Ref) Ref {
	if r == NilRef {
		return NilRef
	}
	return makeRef(r.index(), SlotSelf)
}

// Content returns the value stored in the block owning r.
func (p *Pool) Content(r Ref) any {
	if !p.valid(r) {
		return nil
	}
	return p.headers[r.index()].content
}

// SetContent replaces the value stored in the block owning r.
func (p *Pool) SetContent(r Ref, content any) {
	if p.valid(r) {
		p.headers[r.index()].content = content
	}
}

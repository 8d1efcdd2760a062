// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package mpool is the bundle memory pool: a fixed arena of
// equally sized chunks from which every bundle structure is carved.
//
// The pool never grows. [Pool.AllocBlock] removes one chunk from the
// free list or reports [ErrPoolFull]; exhaustion is an ordinary result
// that every caller handles. [Pool.AllocPrimary] adds priority-aware
// admission: low-priority traffic must leave a reserve of free chunks
// for high-priority traffic, and may wait for chunks to be collected.
//
// # Blocks, refs and links
//
// Each chunk carries a header with a [BlockType] tag and a fixed set of
// link slots. A [Ref] names one link slot of one chunk. Slot
// [SlotSelf] is the block's own membership link; the other slots are
// list heads embedded in the block (the canonical blocks of a primary,
// the chunks of an encoding) or a secondary index link. Because a Ref
// carries its chunk index, [Pool.ContainerOf] maps any embedded or
// secondary ref back to the block that owns it.
//
// Lists are circular and doubly linked through refs. A head whose next
// link is itself is empty, and a detached node links to itself. A block
// belongs to at most one list through SlotSelf; membership is the link
// state, not separate bookkeeping.
//
// # Ownership
//
// Primary and canonical blocks are reference counted. A new block has
// one reference; [Pool.Duplicate] adds one in O(1) without copying and
// [Pool.Release] drops one. At zero the block moves to the pending
// recycle list. [Pool.MakeRef] allocates an indirect block that holds
// one reference, so the same bundle can sit in several pool lists.
//
// Recycling is deferred: [Pool.Collect] processes at most a given
// number of pending blocks per call, releasing their embedded lists and
// indirect targets as it goes. The maintenance loop calls it on a
// schedule, which keeps reclamation cost bounded per tick. Allocation
// also collects a small batch on demand when the free list runs dry.
//
// The pool lock is held only inside alloc, recycle and collect. List
// operations on caller-owned lists are not locked: the caller must be
// the only goroutine touching that list.
package mpool

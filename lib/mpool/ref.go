// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

import (
	"fmt"
	"math"
)

// BlockType tags what a chunk currently holds.
type BlockType uint8

const (
	// TypeUndefined marks a free or pending chunk.
	TypeUndefined BlockType = iota
	// TypeListHead is a standalone list head.
	TypeListHead
	// TypeGeneric is caller data identified by a magic number. Blob
	// chunks are generic blocks carrying MagicBlob.
	TypeGeneric
	// TypePrimary is a bundle primary block.
	TypePrimary
	// TypeCanonical is a bundle canonical (extension or payload) block.
	TypeCanonical
	// TypeRef is an indirect block holding one reference to a
	// refcounted block.
	TypeRef
	// TypeSecondary is the kind reported for a secondary index link.
	// It is never allocated directly.
	TypeSecondary
	// TypeJob is a parked pipeline job.
	TypeJob
)

func (t BlockType) String() string {
	switch t {
	case TypeUndefined:
		return "undefined"
	case TypeListHead:
		return "list_head"
	case TypeGeneric:
		return "generic"
	case TypePrimary:
		return "primary"
	case TypeCanonical:
		return "canonical"
	case TypeRef:
		return "ref"
	case TypeSecondary:
		return "secondary"
	case TypeJob:
		return "job"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// refCounted reports whether blocks of this type carry a reference
// count.
func (t BlockType) refCounted() bool {
	return t == TypePrimary || t == TypeCanonical
}

// Link slots inside every chunk header.
const (
	// SlotSelf is the block's own list membership link.
	SlotSelf = iota
	// SlotChildren heads the list of blocks the block owns, such as
	// the canonical blocks of a primary.
	SlotChildren
	// SlotChunks heads the chunk chain holding the block's encoding.
	SlotChunks
	// SlotRaw heads a second chunk chain, used for raw bytes that have
	// not been decoded yet.
	SlotRaw
	// SlotSecondary is a secondary membership link, letting a block sit
	// in one more list than SlotSelf allows.
	SlotSecondary

	// LinkSlots is the number of link slots per chunk.
	LinkSlots
)

const (
	slotBits = 3
	slotMask = 1<<slotBits - 1
)

// Ref addresses one link slot of one chunk.
type Ref uint32

// NilRef never addresses a link.
const NilRef Ref = math.MaxUint32

func makeRef(index uint32, slot int) Ref {
	return Ref(index<<slotBits | uint32(slot))
}

func (r Ref) index() uint32 { return uint32(r) >> slotBits }

// Slot returns which link slot of its chunk r names.
func (r Ref) Slot() int { return int(r & slotMask) }

// Embedded returns the ref of the given slot in the same chunk as r.
func (r Ref) Embedded(slot int) Ref {
	return makeRef(r.index(), slot)
}

func (r Ref) String() string {
	if r == NilRef {
		return "nil"
	}
	return fmt.Sprintf("%d.%d", r.index(), r.Slot())
}

// isHeadSlot reports whether slot holds an embedded list head.
func isHeadSlot(slot int) bool {
	return slot >= SlotChildren && slot <= SlotRaw
}

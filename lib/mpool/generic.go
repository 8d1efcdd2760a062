// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

// MagicBlob tags generic chunks that hold raw bytes.
const MagicBlob uint32 = 0x424c4f42

// AllocGeneric allocates a generic block holding value under magic.
func (p *Pool) AllocGeneric(magic uint32, value any) (Ref, error) {
	return p.AllocBlock(TypeGeneric, magic, value)
}

// Magic returns the magic number of a generic block, or zero.
func (p *Pool) Magic(r Ref) uint32 {
	if !p.valid(r) || p.headers[r.index()].kind != TypeGeneric {
		return 0
	}
	return p.headers[r.index()].magic
}

// Cast returns the value of the generic block at r if it was allocated
// with magic and holds a T. Any mismatch reports false.
func Cast[T any](p *Pool, r Ref, magic uint32) (T, bool) {
	var zero T
	if !p.valid(r) || r.Slot() != SlotSelf {
		return zero, false
	}
	h := &p.headers[r.index()]
	if h.kind != TypeGeneric || h.magic != magic {
		return zero, false
	}
	value, ok := h.content.(T)
	return value, ok
}

// As returns the content of the block owning r if it has the given
// kind and holds a T.
func As[T any](p *Pool, r Ref, kind BlockType) (T, bool) {
	var zero T
	if !p.valid(r) {
		return zero, false
	}
	h := &p.headers[r.index()]
	if h.kind != kind || h.pending {
		return zero, false
	}
	value, ok := h.content.(T)
	return value, ok
}

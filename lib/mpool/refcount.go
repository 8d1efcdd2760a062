// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

import "fmt"

// Duplicate adds a reference to a primary or canonical block. The
// caller now owns one more Release.
func (p *Pool) Duplicate(r Ref) error {
	if !p.valid(r) || !p.headers[r.index()].kind.refCounted() {
		return fmt.Errorf("duplicating %s: %w", r, ErrWrongType)
	}
	p.headers[r.index()].refCount.Add(1)
	return nil
}

// Release drops one reference. A refcounted block goes to the pending
// list when its count reaches zero; any other block goes immediately.
func (p *Pool) Release(r Ref) {
	if !p.valid(r) {
		return
	}
	r = p.ContainerOf(r)
	h := &p.headers[r.index()]
	if h.kind.refCounted() && h.refCount.Add(-1) > 0 {
		return
	}
	p.Recycle(r)
}

// RefCount returns the current reference count of a refcounted block,
// or zero for anything else.
func (p *Pool) RefCount(r Ref) int32 {
	if !p.valid(r) {
		return 0
	}
	return p.headers[r.index()].refCount.Load()
}

// MakeRef allocates an indirect block holding a new reference to
// target. Reclaiming the indirect block releases that reference.
func (p *Pool) MakeRef(target Ref) (Ref, error) {
	if err := p.Duplicate(target); err != nil {
		return NilRef, err
	}
	ref, err := p.AllocBlock(TypeRef, 0, nil)
	if err != nil {
		p.Release(target)
		return NilRef, err
	}
	p.headers[ref.index()].target = p.ContainerOf(target)
	return ref, nil
}

// RefTarget returns the block an indirect block refers to.
func (p *Pool) RefTarget(r Ref) (Ref, bool) {
	if !p.valid(r) {
		return NilRef, false
	}
	h := &p.headers[r.index()]
	if h.kind != TypeRef || h.target == NilRef {
		return NilRef, false
	}
	return h.target, true
}

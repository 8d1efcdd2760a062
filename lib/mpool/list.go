// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

func (p *Pool) link(r Ref) *link {
	return &p.headers[r.index()].links[r.Slot()]
}

func (p *Pool) insertBetween(node, prev, next Ref) {
	p.link(node).prev = prev
	p.link(node).next = next
	p.link(prev).next = node
	p.link(next).prev = node
}

// unlink detaches node and leaves it self-linked.
func (p *Pool) unlink(node Ref) {
	l := p.link(node)
	if l.next == node {
		return
	}
	p.link(l.prev).next = l.next
	p.link(l.next).prev = l.prev
	l.next = node
	l.prev = node
}

// NewList allocates a standalone list head. Recycling the returned ref
// releases every member still on the list.
func (p *Pool) NewList() (Ref, error) {
	ref, err := p.AllocBlock(TypeListHead, 0, nil)
	if err != nil {
		return NilRef, err
	}
	return ref.Embedded(SlotChildren), nil
}

// InsertAfter links node directly after at.
func (p *Pool) InsertAfter(at, node Ref) error {
	if p.IsLinked(node) {
		return ErrAlreadyLinked
	}
	p.insertBetween(node, at, p.link(at).next)
	return nil
}

// InsertBefore links node directly before at. With at a list head this
// appends to the tail.
func (p *Pool) InsertBefore(at, node Ref) error {
	if p.IsLinked(node) {
		return ErrAlreadyLinked
	}
	p.insertBetween(node, p.link(at).prev, at)
	return nil
}

// Extract removes node from its list. Extracting a detached node is a
// no-op.
func (p *Pool) Extract(node Ref) {
	p.unlink(node)
}

// MergeList moves every member of src to the tail of dst, preserving
// order. src is left empty.
func (p *Pool) MergeList(dst, src Ref) {
	if p.IsEmpty(src) {
		return
	}
	first := p.link(src).next
	last := p.link(src).prev
	tail := p.link(dst).prev

	p.link(tail).next = first
	p.link(first).prev = tail
	p.link(last).next = dst
	p.link(dst).prev = last

	p.link(src).next = src
	p.link(src).prev = src
}

// IsEmpty reports whether the list at head has no members.
func (p *Pool) IsEmpty(head Ref) bool {
	return p.link(head).next == head
}

// IsLinked reports whether node is a member of some list.
func (p *Pool) IsLinked(node Ref) bool {
	return p.link(node).next != node
}

// First returns the first member of the list, or NilRef when empty.
func (p *Pool) First(head Ref) Ref {
	if p.IsEmpty(head) {
		return NilRef
	}
	return p.link(head).next
}

// Last returns the last member of the list, or NilRef when empty.
func (p *Pool) Last(head Ref) Ref {
	if p.IsEmpty(head) {
		return NilRef
	}
	return p.link(head).prev
}

// Next returns the link after r. On the last member it returns the
// head.
func (p *Pool) Next(r Ref) Ref { return p.link(r).next }

// Prev returns the link before r.
func (p *Pool) Prev(r Ref) Ref { return p.link(r).prev }

// ForEach calls fn for each member in order until fn returns false.
// fn may extract the member it was given.
func (p *Pool) ForEach(head Ref, fn func(Ref) bool) {
	for node := p.link(head).next; node != head; {
		next := p.link(node).next
		if !fn(node) {
			return
		}
		node = next
	}
}

// ListLen counts the members of the list at head.
func (p *Pool) ListLen(head Ref) int {
	count := 0
	for node := p.link(head).next; node != head; node = p.link(node).next {
		count++
	}
	return count
}

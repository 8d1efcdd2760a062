// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

import (
	"fmt"
	"io"
)

// AllocBlobList appends chunks holding a copy of data to the list at
// head and returns the number of chunks added. If any chunk cannot be
// allocated, every chunk this call added is returned to the free list
// and head is left as it was.
func (p *Pool) AllocBlobList(head Ref, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	original := p.link(head).prev
	added := 0
	for offset := 0; offset < len(data); offset += p.chunkSize {
		ref, err := p.allocLocked(TypeGeneric, MagicBlob, nil, 0)
		if err != nil {
			for p.link(head).prev != original {
				chunk := p.link(head).prev
				p.unlink(chunk)
				p.freeLocked(chunk.index())
			}
			if added > 0 {
				p.available.Broadcast()
			}
			return 0, fmt.Errorf("allocating blob chunk %d of %d: %w",
				added+1, (len(data)+p.chunkSize-1)/p.chunkSize, err)
		}
		end := min(offset+p.chunkSize, len(data))
		p.headers[ref.index()].length = copy(p.chunk(ref.index()), data[offset:end])
		p.insertBetween(ref, p.link(head).prev, head)
		added++
	}
	return added, nil
}

func (p *Pool) chunk(index uint32) []byte {
	start := int(index-firstChunk) * p.chunkSize
	return p.data[start : start+p.chunkSize]
}

// Bytes returns the valid bytes of a blob chunk. The slice aliases
// pool memory and is only valid while the caller owns the chunk.
func (p *Pool) Bytes(r Ref) []byte {
	if !p.valid(r) {
		return nil
	}
	h := &p.headers[r.index()]
	if h.kind != TypeGeneric || h.magic != MagicBlob {
		return nil
	}
	return p.chunk(r.index())[:h.length]
}

// BlobListSize returns the total byte count of the blob chunks on the
// list at head.
func (p *Pool) BlobListSize(head Ref) int {
	size := 0
	p.ForEach(head, func(chunk Ref) bool {
		size += len(p.Bytes(chunk))
		return true
	})
	return size
}

// ReadBlobList copies the bytes of the blob list at head into dst.
// Returns io.ErrShortBuffer if dst cannot hold them all.
func (p *Pool) ReadBlobList(head Ref, dst []byte) (int, error) {
	if size := p.BlobListSize(head); size > len(dst) {
		return 0, fmt.Errorf("reading %d byte blob into %d bytes: %w", size, len(dst), io.ErrShortBuffer)
	}
	written := 0
	p.ForEach(head, func(chunk Ref) bool {
		written += copy(dst[written:], p.Bytes(chunk))
		return true
	})
	return written, nil
}

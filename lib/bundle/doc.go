// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle is the typed block layer over the memory pool and the
// whole-bundle wire codec.
//
// A bundle is a primary block ([Primary]) allocated from an
// [mpool.Pool], with its canonical blocks ([Canonical]) on the
// primary's children list. Each block keeps its wire encoding as a
// chain of blob chunks, produced lazily and cached: an encode size of
// zero means the cached encoding is stale. Mutating a block through
// [Arena.UpdatePrimary] or [Arena.SetExtension] clears the block's
// cache and the bundle-level cache of its primary.
//
// [Arena.AppendCanonical] keeps the payload block (block number 1) at
// the tail of the children list and inserts every other block at the
// head, so walking the list in order always yields the payload last,
// as the wire format requires.
//
// [Arena.CopyOut] writes the bundle as a CBOR indefinite-length array;
// [Arena.CopyIn] replaces a primary's content with a decoded bundle.
// Both report failures as errors wrapping [ErrShortBuffer] or
// [ErrMalformed]; a failed CopyIn leaves the primary partially built
// and the caller releases it.
package bundle

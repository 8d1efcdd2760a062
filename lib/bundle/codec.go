// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/codec"
	"github.com/bureau-foundation/bpagent/lib/mpool"
)

// encodePrimary refreshes the primary's chunk list if it is stale.
func (a *Arena) encodePrimary(ref mpool.Ref, primary *Primary) error {
	if primary.blockEncodeSize != 0 {
		return nil
	}
	encoded, err := bpv7.EncodePrimary(&primary.Block)
	if err != nil {
		return err
	}
	return a.storeEncoding(ref, encoded, &primary.blockEncodeSize)
}

// encodeCanonical refreshes a canonical block's chunk list if stale.
func (a *Arena) encodeCanonical(ref mpool.Ref, canonical *Canonical) error {
	if canonical.encodeSize != 0 {
		return nil
	}
	encoded, err := bpv7.EncodeCanonical(&canonical.Block)
	if err != nil {
		return err
	}
	if err := a.storeEncoding(ref, encoded.Bytes, &canonical.encodeSize); err != nil {
		return err
	}
	return nil
}

// storeEncoding replaces the chunk list of ref with encoded and sets
// size only once the chunks are in place.
func (a *Arena) storeEncoding(ref mpool.Ref, encoded []byte, size *int) error {
	chunks := ref.Embedded(mpool.SlotChunks)
	a.pool.RecycleList(chunks)
	if _, err := a.pool.AllocBlobList(chunks, encoded); err != nil {
		return fmt.Errorf("storing %d byte encoding: %w", len(encoded), err)
	}
	*size = len(encoded)
	return nil
}

// EncodedSize returns the length of the bundle's wire encoding,
// encoding any stale block first.
func (a *Arena) EncodedSize(ref mpool.Ref) (int, error) {
	primary, err := a.mustPrimary(ref)
	if err != nil {
		return 0, err
	}
	if primary.bundleEncodeSize != 0 {
		return primary.bundleEncodeSize, nil
	}
	if err := a.encodePrimary(ref, primary); err != nil {
		return 0, err
	}
	total := 1 + primary.blockEncodeSize + 1
	a.ForEachCanonical(ref, func(childRef mpool.Ref, canonical *Canonical) bool {
		if err = a.encodeCanonical(childRef, canonical); err != nil {
			return false
		}
		total += canonical.encodeSize
		return true
	})
	if err != nil {
		return 0, err
	}
	primary.bundleEncodeSize = total
	return total, nil
}

// CopyOut writes the bundle into dst as an indefinite-length CBOR array
// and returns the number of bytes written.
func (a *Arena) CopyOut(ref mpool.Ref, dst []byte) (int, error) {
	size, err := a.EncodedSize(ref)
	if err != nil {
		return 0, err
	}
	if len(dst) < size {
		return 0, fmt.Errorf("%w: bundle needs %d bytes, have %d", ErrShortBuffer, size, len(dst))
	}
	primary, _ := a.Primary(ref)

	dst[0] = codec.IndefiniteArray
	written := 1
	copied, err := a.pool.ReadBlobList(ref.Embedded(mpool.SlotChunks), dst[written:])
	if err != nil {
		return 0, fmt.Errorf("copying primary block: %w", err)
	}
	if copied != primary.blockEncodeSize {
		return 0, fmt.Errorf("copying primary block: wrote %d of %d bytes", copied, primary.blockEncodeSize)
	}
	written += copied

	a.ForEachCanonical(ref, func(childRef mpool.Ref, canonical *Canonical) bool {
		copied, err = a.pool.ReadBlobList(childRef.Embedded(mpool.SlotChunks), dst[written:])
		if err == nil && copied != canonical.encodeSize {
			err = fmt.Errorf("wrote %d of %d bytes", copied, canonical.encodeSize)
		}
		if err != nil {
			err = fmt.Errorf("copying %s block %d: %w", canonical.Block.Type, canonical.Block.Number, err)
			return false
		}
		written += copied
		return true
	})
	if err != nil {
		return 0, err
	}

	dst[written] = codec.Break
	written++
	if written != size {
		return 0, fmt.Errorf("bundle encoding wrote %d bytes, expected %d", written, size)
	}
	return written, nil
}

// Encode returns the bundle's wire encoding in a new slice.
func (a *Arena) Encode(ref mpool.Ref) ([]byte, error) {
	size, err := a.EncodedSize(ref)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, size)
	if _, err := a.CopyOut(ref, encoded); err != nil {
		return nil, err
	}
	return encoded, nil
}

// CopyIn replaces the content of the primary at ref with the bundle
// encoded in src and returns the number of bytes consumed, which is
// always len(src) on success. Any previous canonical blocks and cached
// encodings are dropped first. On error the primary is left partially
// built and must be released by the caller.
func (a *Arena) CopyIn(ref mpool.Ref, src []byte) (int, error) {
	primary, err := a.mustPrimary(ref)
	if err != nil {
		return 0, err
	}
	a.pool.RecycleList(ref.Embedded(mpool.SlotChildren))
	a.pool.RecycleList(ref.Embedded(mpool.SlotChunks))
	primary.blockEncodeSize = 0
	primary.bundleEncodeSize = 0
	primary.Delivery = DeliveryBestEffort
	primary.PayloadHint = PayloadPlain

	if len(src) == 0 || src[0] != codec.IndefiniteArray {
		return 0, fmt.Errorf("%w: bundle does not start with an indefinite-length array", ErrMalformed)
	}
	rest := src[1:]

	item, rest, err := codec.SplitFirst(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: primary block: %w", ErrMalformed, err)
	}
	block, err := bpv7.DecodePrimary(item)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	primary.Block = block
	if block.Flags.Has(bpv7.FlagAdminRecord) {
		primary.PayloadHint = PayloadAdminRecord
	}
	if err := a.storeEncoding(ref, item, &primary.blockEncodeSize); err != nil {
		return 0, err
	}

	sawPayload := false
	for {
		if len(rest) == 0 {
			return 0, fmt.Errorf("%w: missing break after %d bytes", ErrMalformed, len(src))
		}
		if rest[0] == codec.Break {
			rest = rest[1:]
			break
		}
		if sawPayload {
			return 0, fmt.Errorf("%w: block follows the payload block", ErrMalformed)
		}
		item, rest, err = codec.SplitFirst(rest)
		if err != nil {
			return 0, fmt.Errorf("%w: canonical block: %w", ErrMalformed, err)
		}
		blockType, err := a.copyInCanonical(ref, primary, item)
		if err != nil {
			return 0, err
		}
		sawPayload = blockType == bpv7.BlockPayload
	}
	if len(rest) != 0 {
		return 0, fmt.Errorf("%w: %d trailing bytes after break", ErrMalformed, len(rest))
	}

	primary.bundleEncodeSize = len(src)
	return len(src), nil
}

// copyInCanonical allocates, appends and decodes one canonical block,
// applying the hints it gives for the payload that follows. It
// returns the decoded block type.
func (a *Arena) copyInCanonical(primaryRef mpool.Ref, primary *Primary, item []byte) (bpv7.BlockType, error) {
	block, err := bpv7.DecodeCanonical(item)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	extension, err := decodeExtension(block.Type, block.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %s block %d: %w", ErrMalformed, block.Type, block.Number, err)
	}

	ref, err := a.AppendCanonical(primaryRef, block)
	if err != nil {
		if errors.Is(err, ErrDuplicateBlock) {
			return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return 0, err
	}
	canonical, _ := a.Canonical(ref)
	canonical.Extension = extension
	encodeSize := 0
	if err := a.storeEncoding(ref, item, &encodeSize); err != nil {
		return 0, err
	}
	canonical.encodeSize = encodeSize

	switch block.Type {
	case bpv7.BlockConfidentiality:
		primary.PayloadHint = PayloadCiphertext
	case bpv7.BlockCustodyTracking:
		primary.Delivery = DeliveryCustody
	}
	return block.Type, nil
}

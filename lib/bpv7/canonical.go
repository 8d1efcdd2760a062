// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/codec"
)

// CanonicalBlock is the logical content of an extension or payload
// block. Data holds the block-type-specific data, which for extension
// blocks is itself a CBOR item.
type CanonicalBlock struct {
	Type    BlockType
	Number  uint64
	Flags   BlockFlags
	CRCType CRCType
	Data    []byte
}

// EncodedCanonical is the wire form of a canonical block.
type EncodedCanonical struct {
	Bytes []byte
	// DataOffset and DataLength locate Data inside Bytes.
	DataOffset int
	DataLength int
}

// EncodeCanonical returns the CBOR array encoding of b with its CRC
// computed.
func EncodeCanonical(b *CanonicalBlock) (EncodedCanonical, error) {
	if !b.CRCType.valid() {
		return EncodedCanonical{}, fmt.Errorf("%w: crc type %d", ErrInvalidBlock, uint64(b.CRCType))
	}
	if b.Type == BlockPayload && b.Number != PayloadBlockNumber {
		return EncodedCanonical{}, fmt.Errorf("%w: payload block numbered %d", ErrInvalidBlock, b.Number)
	}
	data := b.Data
	if data == nil {
		// A nil slice encodes as CBOR null.
		data = []byte{}
	}
	fields := []any{uint64(b.Type), b.Number, uint64(b.Flags), uint64(b.CRCType), data}
	if b.CRCType != CRCNone {
		fields = append(fields, zeroCRC(b.CRCType))
	}
	encoded, err := codec.Marshal(fields)
	if err != nil {
		return EncodedCanonical{}, fmt.Errorf("encoding %s block: %w", b.Type, err)
	}
	if b.CRCType != CRCNone {
		sealCRC(encoded, b.CRCType)
	}
	return EncodedCanonical{
		Bytes:      encoded,
		DataOffset: len(encoded) - b.CRCType.EncodedSize() - len(data),
		DataLength: len(data),
	}, nil
}

// DecodeCanonical decodes a canonical block from exactly one CBOR item
// and verifies its CRC.
func DecodeCanonical(data []byte) (CanonicalBlock, error) {
	var fields []codec.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return CanonicalBlock{}, fmt.Errorf("%w: canonical block: %v", ErrInvalidBlock, err)
	}
	if len(fields) < 5 || len(fields) > 6 {
		return CanonicalBlock{}, fmt.Errorf("%w: canonical block has %d elements", ErrInvalidBlock, len(fields))
	}

	var blockType, flags, crcType uint64
	var b CanonicalBlock
	for index, value := range []*uint64{&blockType, &b.Number, &flags, &crcType} {
		if err := codec.Unmarshal(fields[index], value); err != nil {
			return CanonicalBlock{}, fmt.Errorf("%w: canonical field %d: %v", ErrInvalidBlock, index, err)
		}
	}
	b.Type = BlockType(blockType)
	b.Flags = BlockFlags(flags)
	b.CRCType = CRCType(crcType)
	if !b.CRCType.valid() {
		return CanonicalBlock{}, fmt.Errorf("%w: crc type %d", ErrInvalidBlock, crcType)
	}
	if b.Type == BlockPayload && b.Number != PayloadBlockNumber {
		return CanonicalBlock{}, fmt.Errorf("%w: payload block numbered %d", ErrInvalidBlock, b.Number)
	}
	if b.Number == 0 {
		return CanonicalBlock{}, fmt.Errorf("%w: block number 0 is reserved for the primary block", ErrInvalidBlock)
	}

	expected := 5
	if b.CRCType != CRCNone {
		expected = 6
	}
	if len(fields) != expected {
		return CanonicalBlock{}, fmt.Errorf("%w: canonical block has %d elements, crc type %s requires %d",
			ErrInvalidBlock, len(fields), b.CRCType, expected)
	}
	if err := codec.Unmarshal(fields[4], &b.Data); err != nil {
		return CanonicalBlock{}, fmt.Errorf("%w: block data must be a byte string: %v", ErrInvalidBlock, err)
	}
	if b.Data == nil {
		b.Data = []byte{}
	}
	if b.CRCType != CRCNone {
		if err := checkCRCField(fields[5], b.CRCType); err != nil {
			return CanonicalBlock{}, err
		}
		if err := verifyCRC(data, b.CRCType); err != nil {
			return CanonicalBlock{}, fmt.Errorf("%s block: %w", b.Type, err)
		}
	}
	return b, nil
}

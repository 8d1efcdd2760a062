// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/codec"
)

// HopCount is the content of a hop count block.
type HopCount struct {
	Limit uint64
	Count uint64
}

// Exceeded reports whether the bundle has taken more hops than allowed.
func (h HopCount) Exceeded() bool { return h.Count > h.Limit }

// EncodeHopCount returns the block data for h: [limit, count].
func EncodeHopCount(h HopCount) ([]byte, error) {
	return codec.Marshal([]uint64{h.Limit, h.Count})
}

// DecodeHopCount parses hop count block data.
func DecodeHopCount(data []byte) (HopCount, error) {
	var values []uint64
	if err := codec.Unmarshal(data, &values); err != nil || len(values) != 2 {
		return HopCount{}, fmt.Errorf("%w: hop count must be [limit, count]", ErrInvalidBlock)
	}
	return HopCount{Limit: values[0], Count: values[1]}, nil
}

// EncodeBundleAge returns the block data for a bundle age in
// milliseconds.
func EncodeBundleAge(milliseconds uint64) ([]byte, error) {
	return codec.Marshal(milliseconds)
}

// DecodeBundleAge parses bundle age block data.
func DecodeBundleAge(data []byte) (uint64, error) {
	var age uint64
	if err := codec.Unmarshal(data, &age); err != nil {
		return 0, fmt.Errorf("%w: bundle age: %v", ErrInvalidBlock, err)
	}
	return age, nil
}

// EncodeEIDData returns the block data for an EID, as carried by the
// previous node and custody tracking blocks.
func EncodeEIDData(e EID) ([]byte, error) {
	wire, err := e.wire()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(wire)
}

// DecodeEIDData parses block data holding a single EID.
func DecodeEIDData(data []byte) (EID, error) {
	return decodeEID(data)
}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
)

// decodeExtension parses the data of the extension types the agent
// acts on. Other block types decode to nil.
func decodeExtension(blockType bpv7.BlockType, data []byte) (any, error) {
	switch blockType {
	case bpv7.BlockHopCount:
		return bpv7.DecodeHopCount(data)
	case bpv7.BlockBundleAge:
		return bpv7.DecodeBundleAge(data)
	case bpv7.BlockPreviousNode, bpv7.BlockCustodyTracking:
		return bpv7.DecodeEIDData(data)
	default:
		return nil, nil
	}
}

func encodeExtension(blockType bpv7.BlockType, value any) ([]byte, error) {
	switch blockType {
	case bpv7.BlockHopCount:
		if hops, ok := value.(bpv7.HopCount); ok {
			return bpv7.EncodeHopCount(hops)
		}
	case bpv7.BlockBundleAge:
		if age, ok := value.(uint64); ok {
			return bpv7.EncodeBundleAge(age)
		}
	case bpv7.BlockPreviousNode, bpv7.BlockCustodyTracking:
		if eid, ok := value.(bpv7.EID); ok {
			return bpv7.EncodeEIDData(eid)
		}
	default:
		return nil, fmt.Errorf("%s blocks carry no extension value", blockType)
	}
	return nil, fmt.Errorf("%T is not a valid %s value", value, blockType)
}

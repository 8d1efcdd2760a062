// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/bpagent/lib/clock"
)

// Version is the only bundle protocol version this package handles.
const Version = 7

// BundleFlags are the bundle processing control flags of the primary
// block.
type BundleFlags uint64

const (
	FlagIsFragment          BundleFlags = 0x000001
	FlagAdminRecord         BundleFlags = 0x000002
	FlagMustNotFragment     BundleFlags = 0x000004
	FlagAckRequested        BundleFlags = 0x000020
	FlagStatusTimeRequested BundleFlags = 0x000040
	FlagReportReception     BundleFlags = 0x004000
	FlagReportForwarding    BundleFlags = 0x010000
	FlagReportDelivery      BundleFlags = 0x020000
	FlagReportDeletion      BundleFlags = 0x040000
)

// Has reports whether every bit of flag is set.
func (f BundleFlags) Has(flag BundleFlags) bool { return f&flag == flag }

// BlockFlags are the block processing control flags of a canonical
// block.
type BlockFlags uint64

const (
	BlockMustReplicate          BlockFlags = 0x01
	BlockReportIfUnprocessable  BlockFlags = 0x02
	BlockDeleteIfUnprocessable  BlockFlags = 0x04
	BlockDiscardIfUnprocessable BlockFlags = 0x10
)

// Has reports whether every bit of flag is set.
func (f BlockFlags) Has(flag BlockFlags) bool { return f&flag == flag }

// BlockType is a canonical block type code.
type BlockType uint64

const (
	BlockPayload         BlockType = 1
	BlockPreviousNode    BlockType = 6
	BlockBundleAge       BlockType = 7
	BlockHopCount        BlockType = 10
	BlockIntegrity       BlockType = 11
	BlockConfidentiality BlockType = 12
	BlockCustodyTracking BlockType = 73
)

func (t BlockType) String() string {
	switch t {
	case BlockPayload:
		return "payload"
	case BlockPreviousNode:
		return "previous_node"
	case BlockBundleAge:
		return "bundle_age"
	case BlockHopCount:
		return "hop_count"
	case BlockIntegrity:
		return "integrity"
	case BlockConfidentiality:
		return "confidentiality"
	case BlockCustodyTracking:
		return "custody_tracking"
	default:
		return fmt.Sprintf("block(%d)", uint64(t))
	}
}

// PayloadBlockNumber is the block number reserved for the payload.
const PayloadBlockNumber = 1

// CreationTimestamp identifies a bundle together with its source:
// creation time in DTN milliseconds and a sequence number that
// disambiguates bundles created in the same millisecond.
type CreationTimestamp struct {
	Time     uint64
	Sequence uint64
}

// CreatedAt returns the creation time, or the zero time when the
// source had no clock.
func (c CreationTimestamp) CreatedAt() time.Time {
	if c.Time == 0 {
		return time.Time{}
	}
	return clock.FromDTN(c.Time)
}

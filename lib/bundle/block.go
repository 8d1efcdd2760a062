// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"time"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/mpool"
)

// DeliveryPolicy says what the agent owes a bundle beyond forwarding.
type DeliveryPolicy uint8

const (
	// DeliveryBestEffort forwards without retaining a copy.
	DeliveryBestEffort DeliveryPolicy = iota
	// DeliveryCustody retains a stored copy until custody is released.
	DeliveryCustody
)

func (d DeliveryPolicy) String() string {
	if d == DeliveryCustody {
		return "custody"
	}
	return "best_effort"
}

// PayloadHint says how the payload block's data is to be read. Hints
// come from the primary flags and from blocks that precede the payload.
type PayloadHint uint8

const (
	PayloadPlain PayloadHint = iota
	// PayloadCiphertext follows a confidentiality block.
	PayloadCiphertext
	// PayloadAdminRecord is set when the primary carries the admin
	// record flag.
	PayloadAdminRecord
)

func (h PayloadHint) String() string {
	switch h {
	case PayloadCiphertext:
		return "ciphertext"
	case PayloadAdminRecord:
		return "admin_record"
	default:
		return "plain"
	}
}

// Primary is the pool content of a primary block.
type Primary struct {
	Block bpv7.PrimaryBlock

	Delivery    DeliveryPolicy
	PayloadHint PayloadHint
	// Priority orders the bundle's jobs and its pool admission.
	Priority uint8
	// ReceivedAt is when this agent took the bundle in, used to age it.
	ReceivedAt time.Time
	// StorageID is the row holding this bundle, or zero if it was
	// never stored.
	StorageID int64
	// Route is the channel a locally originated bundle came from until
	// the router replaces it with the contact or channel picked for
	// egress.
	Route int

	blockEncodeSize  int
	bundleEncodeSize int
	// undecoded is set from Ingest until Decode succeeds, so an empty
	// raw list still reaches the decoder.
	undecoded bool
}

// Canonical is the pool content of a canonical block.
type Canonical struct {
	Block bpv7.CanonicalBlock
	// Bundle is the primary block that owns this block.
	Bundle mpool.Ref
	// Extension is the decoded data of a known extension block:
	// bpv7.HopCount, a uint64 bundle age in milliseconds, or a bpv7.EID
	// for previous node and custody tracking blocks.
	Extension any

	encodeSize int
}

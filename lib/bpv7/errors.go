// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpv7

import "errors"

var (
	// ErrInvalidBlock means a block's CBOR structure does not match
	// the BPv7 layout.
	ErrInvalidBlock = errors.New("bpv7: invalid block")

	// ErrCRCMismatch means a block's CRC does not match its contents.
	ErrCRCMismatch = errors.New("bpv7: crc mismatch")

	// ErrUnsupportedVersion means the primary block is not version 7.
	ErrUnsupportedVersion = errors.New("bpv7: unsupported bundle version")

	// ErrInvalidEID means an endpoint ID could not be parsed or
	// encoded.
	ErrInvalidEID = errors.New("bpv7: invalid endpoint id")
)

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bpv7 holds the logical Bundle Protocol version 7 types
// (RFC 9171) and the CBOR encoding of single blocks.
//
// A bundle on the wire is an indefinite-length CBOR array of blocks.
// This package handles one element of that array at a time: the
// primary block ([EncodePrimary], [DecodePrimary]) and canonical
// blocks ([EncodeCanonical], [DecodeCanonical]). Framing, block
// ordering and pool storage live in lib/bundle.
//
// Only the ipn scheme and dtn:none are supported as endpoint IDs.
// Block CRCs (CRC-16/X.25 and CRC-32C) are computed over the block's
// encoding with the CRC value zeroed, then written into place; decode
// verifies them the same way.
package bpv7

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the agent's standard CBOR configuration.
//
// Bundles travel as CBOR (RFC 8949). Every package that encodes or
// decodes CBOR goes through the modes here so that identical logical
// data always produces identical bytes. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items.
//
// The bundle framing itself is an indefinite-length array, which the
// deterministic encoder will not emit. The wire codec writes the
// [IndefiniteArray] and [Break] bytes directly and uses this package
// for the definite-length block arrays between them:
//
//	item, rest, err := codec.SplitFirst(data)
//	err = codec.Unmarshal(item, &fields)
//
// Types only ever serialized as CBOR carry `cbor` struct tags. Block
// arrays are built from []any and decoded through []RawMessage rather
// than toarray structs, because primary and canonical blocks have
// optional trailing elements.
package codec

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import "errors"

var (
	// ErrMalformed means bundle bytes could not be decoded. It wraps
	// the underlying bpv7 or CBOR error where there is one.
	ErrMalformed = errors.New("bundle: malformed bundle")

	// ErrShortBuffer means a destination buffer cannot hold the
	// encoded bundle.
	ErrShortBuffer = errors.New("bundle: buffer too short")

	// ErrDuplicateBlock means a canonical block reuses a block number
	// already present in the bundle.
	ErrDuplicateBlock = errors.New("bundle: duplicate block number")
)

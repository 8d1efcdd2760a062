// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest is the BLAKE3 keyed hash of a bundle's uncompressed
// encoding. It deduplicates rows and is checked when a row is loaded.
type Digest [32]byte

// bundleDomainKey keys the digest so it never collides with a BLAKE3
// hash of the same bytes computed for another purpose. The bytes are
// the ASCII domain name, zero padded.
var bundleDomainKey = [32]byte{
	'b', 'p', 'a', 'g', 'e', 'n', 't', '.', 's', 't', 'o', 'r', 'a', 'g', 'e', '.',
	'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestBundle returns the digest of an encoded bundle.
func DigestBundle(encoded []byte) Digest {
	hasher, err := blake3.NewKeyed(bundleDomainKey[:])
	if err != nil {
		panic("storage: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

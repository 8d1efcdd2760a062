// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"path/filepath"
	"testing"
)

// DatabasePath returns a path for a new SQLite database inside the
// test's temporary directory. The file does not exist yet.
func DatabasePath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name+".db")
}

// Payload returns size bytes of a repeating, position-dependent
// pattern. Off-by-one errors in chunk boundaries show up as mismatches
// rather than as equal runs of zeroes.
func Payload(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

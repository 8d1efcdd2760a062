// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// DTNEpoch is the zero point of Bundle Protocol time (RFC 9171 §4.2.6).
var DTNEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ToDTN returns t as milliseconds since the DTN epoch. Times before
// the epoch map to 0, which the protocol reserves for "no accurate
// clock".
func ToDTN(t time.Time) uint64 {
	if !t.After(DTNEpoch) {
		return 0
	}
	return uint64(t.Sub(DTNEpoch) / time.Millisecond)
}

// FromDTN converts milliseconds since the DTN epoch to a time.Time.
func FromDTN(milliseconds uint64) time.Time {
	return DTNEpoch.Add(time.Duration(milliseconds) * time.Millisecond)
}

// DTNNow is ToDTN(c.Now()).
func DTNNow(c Clock) uint64 {
	return ToDTN(c.Now())
}

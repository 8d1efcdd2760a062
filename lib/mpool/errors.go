// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mpool

import "errors"

var (
	// ErrPoolFull means no chunk was available. It is an expected
	// outcome under load and never fatal.
	ErrPoolFull = errors.New("mpool: pool full")

	// ErrTimeout means a blocking allocation gave up waiting.
	ErrTimeout = errors.New("mpool: allocation timed out")

	// ErrWrongType means a ref does not address a block of the kind
	// the operation requires.
	ErrWrongType = errors.New("mpool: wrong block type")

	// ErrAlreadyLinked means a node passed to an insert is still a
	// member of another list.
	ErrAlreadyLinked = errors.New("mpool: node already linked")
)

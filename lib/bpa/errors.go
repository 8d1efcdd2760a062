// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bpa

import "errors"

var (
	// ErrUnknownContact means no contact or channel has the given id.
	ErrUnknownContact = errors.New("bpa: unknown contact")

	// ErrNotStarted means the contact or channel exists but is stopped.
	ErrNotStarted = errors.New("bpa: not started")

	// ErrExists means a contact or channel with the id already exists.
	ErrExists = errors.New("bpa: already exists")

	// ErrDropped means the bundle could not be admitted to the
	// pipeline and was released.
	ErrDropped = errors.New("bpa: bundle dropped")

	// ErrTimeout means an egress queue stayed empty for the whole
	// timeout.
	ErrTimeout = errors.New("bpa: timed out")

	// ErrNoPayload means a delivered bundle carried no payload block.
	ErrNoPayload = errors.New("bpa: bundle has no payload")
)

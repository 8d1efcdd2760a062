// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the agent's
// packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-deadline
// pattern so that a test waiting on a goroutine fails instead of
// hanging. They are the only place tests use wall-clock timeouts;
// everything else runs on a fake clock.
//
// [DatabasePath] returns a fresh SQLite file path under the test's
// temporary directory. [Payload] builds deterministic byte patterns for
// payload blocks that span several pool chunks.
//
// Helpers call t.Fatalf on failure; test setup errors are not
// recoverable.
package testutil

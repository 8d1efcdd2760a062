// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the agent
// daemon. These functions centralize the raw I/O that happens before
// the structured logger exists or after main() has given up on it:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main(), with an
//     exit code that tells an init system whether a restart can help.
//
// Everything else the daemon reports goes through log/slog.
package process

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Bpagent is a Bundle Protocol version 7 agent daemon.
//
// It reads one YAML configuration (--config or BPAGENT_CONFIG) naming
// the node, its contacts and its channels, then runs:
//
//   - the bundle pipeline over a fixed-size memory pool,
//   - a SQLite store for bundles that have no route yet,
//   - one TCP convergence layer link per contact, listening or dialing,
//   - one Unix socket per channel that has an application attached,
//   - a Prometheus endpoint when metrics.listen is set.
//
// SIGINT or SIGTERM stops the links, moves bundles still queued for
// contacts and channels into storage, and closes the database.
package main

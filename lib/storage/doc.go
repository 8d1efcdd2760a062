// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage is the SQLite bundle store behind the agent's
// store-and-forward path.
//
// The router hands a bundle it cannot forward to [Store.StoreBundle],
// which encodes it, compresses the encoding (LZ4 by default, zstd or
// none by configuration), keys it by a BLAKE3 digest, and buffers the
// row. Buffered rows are written in batches inside one IMMEDIATE
// transaction.
//
// Stored bundles come back through the [Admitter], which the agent
// instance implements: [Store.EgressForID] when a contact or channel
// starts, and [Store.ScanCache] on every maintenance pass. Both
// rebuild the bundle in the pool, verify its digest, delete the row,
// and admit the bundle at the router. [Store.Expire] deletes rows
// whose lifetime has ended.
//
// A bundle under custody is stored with a retry time. ScanCache leaves
// it alone until then, so a retained copy is sent again only when the
// downstream node has had time to take custody.
//
// The database is opened through [sqlitepool]; the schema is created
// on each connection with IF NOT EXISTS statements.
package storage

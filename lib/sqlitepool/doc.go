// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool behind the
// agent's bundle store.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool. Callers [Pool.Take]
// a connection, perform work, and [Pool.Put] it back, or let
// [Pool.With] do both. Connections are NOT safe for concurrent use:
// each goroutine must hold its own connection for the duration of its
// work.
//
// # Pragmas
//
// Every connection in the pool is initialized with these pragmas:
//
//   - journal_mode=WAL: concurrent readers and a single writer.
//   - synchronous=NORMAL, or FULL when [Config].Durable is set. NORMAL
//     survives a process crash; FULL also survives power loss, at the
//     cost of an fsync per commit. Nodes holding custody of bundles
//     should run durable.
//   - busy_timeout=5000: wait up to 5 seconds for a write lock instead
//     of returning SQLITE_BUSY immediately.
//   - foreign_keys=OFF
//   - cache_size=-8192: 8 MB page cache per connection.
//   - mmap_size: 256 MB of memory-mapped reads by default, see
//     [Config].MmapSize.
//   - temp_store=MEMORY
//
// # Usage
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:     "/var/lib/bpagent/state/bundles.db",
//	    PoolSize: 4,
//	    Durable:  true,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	err = pool.With(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM bundles WHERE expires_at <= ?", opts)
//	})
//
// Close checkpoints the write-ahead log into the database file so a
// cleanly stopped agent leaves a single file behind.
package sqlitepool

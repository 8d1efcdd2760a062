// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bpagent/lib/sqlitepool"
)

func pragmaInt(t *testing.T, conn *sqlite.Conn, name string) int64 {
	t.Helper()
	var value int64
	err := sqlitex.Execute(conn, "PRAGMA "+name, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return value
}

func TestPragmas(t *testing.T) {
	tests := []struct {
		name            string
		config          sqlitepool.Config
		wantSynchronous int64
		wantMmap        int64
	}{
		{"defaults", sqlitepool.Config{}, 1, sqlitepool.DefaultMmapSize},
		{"durable", sqlitepool.Config{Durable: true}, 2, sqlitepool.DefaultMmapSize},
		{"no mmap", sqlitepool.Config{MmapSize: -1}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			config.Path = filepath.Join(t.TempDir(), "pragmas.db")
			config.PoolSize = 1
			pool := openPool(t, config)

			err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
				var journalMode string
				err := sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
					ResultFunc: func(stmt *sqlite.Stmt) error {
						journalMode = stmt.ColumnText(0)
						return nil
					},
				})
				if err != nil {
					return err
				}
				if journalMode != "wal" {
					t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
				}
				if got := pragmaInt(t, conn, "synchronous"); got != tt.wantSynchronous {
					t.Errorf("synchronous = %d, want %d", got, tt.wantSynchronous)
				}
				if got := pragmaInt(t, conn, "mmap_size"); got != tt.wantMmap {
					t.Errorf("mmap_size = %d, want %d", got, tt.wantMmap)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("With: %v", err)
			}
		})
	}
}

const bundleSchema = `
	CREATE TABLE IF NOT EXISTS bundles (
		id INTEGER PRIMARY KEY,
		priority INTEGER NOT NULL
	);
`

func TestOnConnect(t *testing.T) {
	var called bool
	pool := openPool(t, sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "schema.db"),
		PoolSize: 2,
		OnConnect: func(conn *sqlite.Conn) error {
			called = true
			return sqlitex.ExecuteScript(conn, bundleSchema, nil)
		},
	})

	err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO bundles (priority) VALUES (?)", &sqlitex.ExecOptions{
			Args: []any{2},
		})
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if !called {
		t.Error("OnConnect was not called")
	}
}

func TestWithPropagatesError(t *testing.T) {
	pool := openPool(t, sqlitepool.Config{Path: filepath.Join(t.TempDir(), "with.db"), PoolSize: 1})
	sentinel := errors.New("sentinel")
	if err := pool.With(context.Background(), func(*sqlite.Conn) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("With = %v, want sentinel", err)
	}
	// The connection went back: a pool of one still serves.
	if err := pool.With(context.Background(), func(*sqlite.Conn) error { return nil }); err != nil {
		t.Fatalf("With after error: %v", err)
	}
}

func TestConcurrentReads(t *testing.T) {
	pool := openPool(t, sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "reads.db"),
		PoolSize: 4,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, bundleSchema, nil)
		},
	})

	err := pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			INSERT INTO bundles (priority) VALUES (1), (2), (3), (4), (5);
		`, nil)
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}

	const goroutineCount = 8
	var waitGroup sync.WaitGroup
	errs := make(chan error, goroutineCount)

	for range goroutineCount {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			errs <- pool.With(context.Background(), func(conn *sqlite.Conn) error {
				sum, err := sqlitex.ResultInt64(conn.Prep("SELECT SUM(priority) FROM bundles"))
				if err != nil {
					return err
				}
				if sum != 15 {
					return fmt.Errorf("sum = %d, want 15", sum)
				}
				return nil
			})
		}()
	}

	waitGroup.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestCloseCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 1,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, bundleSchema, nil)
		},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = pool.With(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, "INSERT INTO bundles (priority) VALUES (1), (2);", nil)
	})
	if err != nil {
		t.Fatalf("INSERT: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// TRUNCATE leaves an empty log, or none at all.
	if info, err := os.Stat(path + "-wal"); err == nil && info.Size() != 0 {
		t.Errorf("write-ahead log holds %d bytes after Close", info.Size())
	}

	reopened := openPool(t, sqlitepool.Config{Path: path, PoolSize: 1})
	err = reopened.With(context.Background(), func(conn *sqlite.Conn) error {
		count, err := sqlitex.ResultInt(conn.Prep("SELECT COUNT(*) FROM bundles"))
		if err != nil {
			return err
		}
		if count != 2 {
			t.Errorf("count after reopen = %d, want 2", count)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("reading after reopen: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	_, err := sqlitepool.Open(sqlitepool.Config{})
	if err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestContextCancellation(t *testing.T) {
	pool := openPool(t, sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "cancel.db"),
		PoolSize: 1,
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}

	// The pool has size 1, so this should block then fail.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.Take(ctx)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}

	pool.Put(conn)
}

// openPool opens a pool that is closed automatically when the test
// completes.
func openPool(t *testing.T, config sqlitepool.Config) *sqlitepool.Pool {
	t.Helper()

	pool, err := sqlitepool.Open(config)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return pool
}

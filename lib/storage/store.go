// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
	"github.com/bureau-foundation/bpagent/lib/bundle"
	"github.com/bureau-foundation/bpagent/lib/clock"
	"github.com/bureau-foundation/bpagent/lib/mpool"
	"github.com/bureau-foundation/bpagent/lib/sqlitepool"
	"github.com/bureau-foundation/bpagent/lib/waitqueue"
)

const (
	DefaultBatchSize      = 32
	DefaultCustodyTimeout = 30 * time.Second
	DefaultEgressLimit    = 256
	DefaultScanWindow     = 256
)

// ErrDetached means the store has no Admitter yet.
var ErrDetached = errors.New("storage: no admitter attached")

// Admitter is the pipeline side of the store: it takes re-loaded
// bundles and answers routing questions. bpa.Instance implements it.
type Admitter interface {
	// Admit takes ownership of a bundle loaded from the store.
	Admit(bundle mpool.Ref) bool

	// Routable reports whether a bundle for destination would be
	// forwarded now.
	Routable(destination bpv7.EID) bool

	// Destinations returns the endpoints a contact or channel accepts.
	Destinations(id int, isChannel bool) []bpv7.Pattern
}

const schema = `
CREATE TABLE IF NOT EXISTS bundles (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	digest       BLOB    NOT NULL UNIQUE,
	dest_node    INTEGER NOT NULL,
	dest_service INTEGER NOT NULL,
	priority     INTEGER NOT NULL,
	received_at  INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	retry_at     INTEGER NOT NULL,
	compression  INTEGER NOT NULL,
	size         INTEGER NOT NULL,
	data         BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS bundles_destination ON bundles (dest_node, dest_service);
CREATE INDEX IF NOT EXISTS bundles_expires ON bundles (expires_at) WHERE expires_at > 0;
`

// StoreConfig holds the parameters for OpenStore.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize is the number of connections. Defaults to 4.
	PoolSize int

	// Durable commits with synchronous=FULL, so stored bundles survive
	// power loss as well as a crash.
	Durable bool

	// Arena encodes stored bundles and holds re-loaded ones. Required.
	Arena *bundle.Arena

	// Compression applies to rows written from now on.
	Compression Compression

	// BatchSize is how many bundles StoreBundle buffers before writing
	// them in one transaction.
	BatchSize int

	// CustodyTimeout is how long a bundle under custody waits in the
	// store before ScanCache sends it again.
	CustodyTimeout time.Duration

	// EgressLimit bounds the bundles one EgressForID call re-admits.
	EgressLimit int

	// ScanWindow is how many rows one ScanCache call examines.
	ScanWindow int

	// Registerer receives the store's metrics. Nil skips
	// registration.
	Registerer prometheus.Registerer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store keeps bundles the router could not forward in SQLite until a
// route appears or they expire. Each row holds one bundle's wire
// encoding, compressed, keyed by its digest.
//
// Write path: StoreBundle encodes the bundle, releases it, and buffers
// the row. A full buffer, Flush, or any read writes the buffer in one
// IMMEDIATE transaction.
//
// Read path: EgressForID and ScanCache select rows, rebuild each
// bundle in the pool, delete the rows, and hand the bundles to the
// Admitter. Loads are serialized so a row is never admitted twice.
type Store struct {
	db          *sqlitepool.Pool
	arena       *bundle.Arena
	clock       clock.Clock
	logger      *slog.Logger
	compression Compression
	batchSize   int
	custody     time.Duration
	egressLimit int
	scanWindow  int
	metrics     *metrics

	admitterMu sync.RWMutex
	admitter   Admitter

	pendingMu sync.Mutex
	pending   []row

	// loadMu serializes loads and guards cursor, the id after which
	// the next ScanCache resumes.
	loadMu sync.Mutex
	cursor int64
}

// row is one bundle ready to insert.
type row struct {
	digest      Digest
	destination bpv7.EID
	priority    uint8
	receivedAt  time.Time
	expiresAt   time.Time
	retryAt     time.Time
	compression Compression
	size        int
	data        []byte
}

// OpenStore opens or creates the bundle database.
func OpenStore(config StoreConfig) (*Store, error) {
	if config.Arena == nil {
		return nil, errors.New("storage: Arena is required")
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.CustodyTimeout <= 0 {
		config.CustodyTimeout = DefaultCustodyTimeout
	}
	if config.EgressLimit <= 0 {
		config.EgressLimit = DefaultEgressLimit
	}
	if config.ScanWindow <= 0 {
		config.ScanWindow = DefaultScanWindow
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	db, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Durable:  config.Durable,
		Logger:   config.Logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	store := &Store{
		db:          db,
		arena:       config.Arena,
		clock:       config.Clock,
		logger:      config.Logger,
		compression: config.Compression,
		batchSize:   config.BatchSize,
		custody:     config.CustodyTimeout,
		egressLimit: config.EgressLimit,
		scanWindow:  config.ScanWindow,
		metrics:     newMetrics(),
	}
	if config.Registerer != nil {
		if err := store.metrics.register(config.Registerer); err != nil {
			db.Close()
			return nil, err
		}
	}
	return store, nil
}

// Attach sets the Admitter that re-loaded bundles go to. Reads fail
// with ErrDetached until it is called.
func (s *Store) Attach(admitter Admitter) {
	s.admitterMu.Lock()
	s.admitter = admitter
	s.admitterMu.Unlock()
}

func (s *Store) attached() (Admitter, error) {
	s.admitterMu.RLock()
	defer s.admitterMu.RUnlock()
	if s.admitter == nil {
		return nil, ErrDetached
	}
	return s.admitter, nil
}

// Close writes any buffered rows and closes the database. Blocks until
// every borrowed connection is returned.
func (s *Store) Close() error {
	flushErr := s.Flush(context.Background())
	return errors.Join(flushErr, s.db.Close())
}

// StoreBundle encodes the bundle, releases it, and buffers its row.
// The bundle is released whether or not storing succeeds.
func (s *Store) StoreBundle(ctx context.Context, ref mpool.Ref) error {
	var previous int64
	if primary, ok := s.arena.Primary(ref); ok {
		previous = primary.StorageID
	}
	r, err := s.prepare(ref)
	s.arena.Release(ref)
	if err != nil {
		s.metrics.rows.WithLabelValues("rejected").Inc()
		return fmt.Errorf("storage: %w", err)
	}
	if previous != 0 {
		// Loaded earlier but not sent: the link went away or the
		// receiver's buffer was too small.
		s.metrics.rows.WithLabelValues("returned").Inc()
		s.logger.Debug("bundle returned to storage", "previous_row", previous)
	}

	s.pendingMu.Lock()
	s.pending = append(s.pending, r)
	full := len(s.pending) >= s.batchSize
	s.pendingMu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			// The rows stay buffered for the next flush.
			s.logger.Warn("flushing stored bundles", "error", err)
		}
	}
	return nil
}

func (s *Store) prepare(ref mpool.Ref) (row, error) {
	primary, ok := s.arena.Primary(ref)
	if !ok {
		return row{}, fmt.Errorf("%v is not a bundle: %w", ref, mpool.ErrWrongType)
	}
	encoded, err := s.arena.Encode(ref)
	if err != nil {
		return row{}, fmt.Errorf("encoding bundle: %w", err)
	}
	data, used, err := compress(encoded, s.compression)
	if err != nil {
		return row{}, err
	}

	now := s.clock.Now()
	receivedAt := primary.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	expiresAt := primary.Block.ExpiresAt()
	if expiresAt.IsZero() {
		expiresAt = receivedAt.Add(primary.Block.LifetimeDuration())
	}
	var retryAt time.Time
	if primary.Delivery == bundle.DeliveryCustody {
		retryAt = now.Add(s.custody)
	}
	return row{
		digest:      DigestBundle(encoded),
		destination: primary.Block.Destination,
		priority:    primary.Priority,
		receivedAt:  receivedAt,
		expiresAt:   expiresAt,
		retryAt:     retryAt,
		compression: used,
		size:        len(encoded),
		data:        data,
	}, nil
}

// Flush writes every buffered row in one transaction. A bundle already
// stored under the same digest is not stored twice.
func (s *Store) Flush(ctx context.Context) error {
	s.pendingMu.Lock()
	batch := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	inserted, err := s.writeBatch(ctx, batch)
	if err != nil {
		// Keep the rows for the next flush.
		s.pendingMu.Lock()
		s.pending = append(batch, s.pending...)
		s.pendingMu.Unlock()
		return fmt.Errorf("storage: writing %d bundles: %w", len(batch), err)
	}
	s.metrics.rows.WithLabelValues("stored").Add(float64(inserted))
	if duplicates := len(batch) - inserted; duplicates > 0 {
		s.metrics.rows.WithLabelValues("duplicate").Add(float64(duplicates))
		s.logger.Debug("skipped duplicate bundles", "count", duplicates)
	}
	return nil
}

func (s *Store) writeBatch(ctx context.Context, batch []row) (inserted int, err error) {
	conn, err := s.db.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.db.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	const insert = `INSERT OR IGNORE INTO bundles
		(digest, dest_node, dest_service, priority, received_at, expires_at, retry_at, compression, size, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i := range batch {
		r := &batch[i]
		err = sqlitex.Execute(conn, insert, &sqlitex.ExecOptions{
			Args: []any{
				r.digest[:],
				clampInt64(r.destination.Node),
				clampInt64(r.destination.Service),
				int64(r.priority),
				unixNano(r.receivedAt),
				unixNano(r.expiresAt),
				unixNano(r.retryAt),
				int64(r.compression),
				int64(r.size),
				r.data,
			},
		})
		if err != nil {
			return 0, fmt.Errorf("inserting bundle %s: %w", r.digest, err)
		}
		inserted += conn.Changes()
	}
	return inserted, nil
}

// EgressForID re-admits up to the egress limit of stored bundles
// bound for a contact or channel, highest priority first, whatever
// their custody retry time.
func (s *Store) EgressForID(ctx context.Context, id int, isChannel bool) (int, error) {
	admitter, err := s.attached()
	if err != nil {
		return 0, err
	}
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	now := unixNano(s.clock.Now())
	var ids []int64
	for _, pattern := range admitter.Destinations(id, isChannel) {
		remaining := s.egressLimit - len(ids)
		if remaining <= 0 {
			break
		}
		matched, err := s.selectIDs(ctx, `SELECT id FROM bundles
			WHERE dest_node BETWEEN ? AND ? AND dest_service BETWEEN ? AND ?
			AND (expires_at = 0 OR expires_at > ?)
			ORDER BY priority DESC, id LIMIT ?`,
			clampInt64(pattern.NodeMin), clampInt64(pattern.NodeMax),
			clampInt64(pattern.ServiceMin), clampInt64(pattern.ServiceMax),
			now, int64(remaining))
		if err != nil {
			return 0, err
		}
		ids = append(ids, matched...)
	}
	return s.load(ctx, admitter, dedupe(ids))
}

// ScanCache examines the next window of rows, oldest first, and
// re-admits up to limit whose destination is routable and whose
// custody retry time has passed. Successive calls walk the whole table
// and wrap around.
func (s *Store) ScanCache(ctx context.Context, limit int) (int, error) {
	admitter, err := s.attached()
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, nil
	}
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	now := unixNano(s.clock.Now())
	conn, err := s.db.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	var ids []int64
	examined, last, full := 0, s.cursor, false
	err = sqlitex.Execute(conn, `SELECT id, dest_node, dest_service FROM bundles
		WHERE id > ? AND retry_at <= ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY id LIMIT ?`, &sqlitex.ExecOptions{
		Args: []any{s.cursor, now, now, int64(s.scanWindow)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if len(ids) >= limit {
				full = true
				return nil
			}
			examined++
			last = stmt.ColumnInt64(0)
			destination := bpv7.IPN(uint64(stmt.ColumnInt64(1)), uint64(stmt.ColumnInt64(2)))
			if admitter.Routable(destination) {
				ids = append(ids, last)
			}
			return nil
		},
	})
	s.db.Put(conn)
	if err != nil {
		return 0, fmt.Errorf("storage: scanning: %w", err)
	}
	if !full && examined < s.scanWindow {
		s.cursor = 0
	} else {
		s.cursor = last
	}
	return s.load(ctx, admitter, ids)
}

// Expire deletes stored bundles whose lifetime has ended and returns
// how many it deleted.
func (s *Store) Expire(ctx context.Context) (int, error) {
	if err := s.Flush(ctx); err != nil {
		return 0, err
	}
	var expired int
	err := s.db.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM bundles WHERE expires_at > 0 AND expires_at <= ?",
			&sqlitex.ExecOptions{Args: []any{unixNano(s.clock.Now())}})
		expired = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: expiring: %w", err)
	}
	s.metrics.rows.WithLabelValues("expired").Add(float64(expired))
	return expired, nil
}

// Count returns the number of stored bundles, buffered rows included.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()

	var count int
	err := s.db.With(ctx, func(conn *sqlite.Conn) error {
		var err error
		count, err = sqlitex.ResultInt(conn.Prep("SELECT COUNT(*) FROM bundles"))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: counting: %w", err)
	}
	return count + pending, nil
}

func (s *Store) selectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	var ids []int64
	err := s.db.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.ColumnInt64(0))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: selecting bundles: %w", err)
	}
	return ids, nil
}

// load rebuilds the bundles in ids, deletes their rows and admits
// them. It stops early, leaving the remaining rows stored, when the
// pool runs out of room. A row that fails its digest check or does not
// decode is deleted. The caller holds loadMu.
func (s *Store) load(ctx context.Context, admitter Admitter, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	conn, err := s.db.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	defer s.db.Put(conn)

	var loaded []mpool.Ref
	var done []int64
	for _, id := range ids {
		ref, err := s.materialize(conn, id)
		if errors.Is(err, mpool.ErrPoolFull) || errors.Is(err, mpool.ErrTimeout) {
			s.logger.Debug("pool full; leaving stored bundles for later", "remaining", len(ids)-len(done))
			break
		}
		done = append(done, id)
		if err != nil {
			s.metrics.rows.WithLabelValues("corrupt").Inc()
			s.logger.Warn("deleting unreadable stored bundle", "id", id, "error", err)
			continue
		}
		loaded = append(loaded, ref)
	}

	if err := deleteRows(conn, done); err != nil {
		for _, ref := range loaded {
			s.arena.Release(ref)
		}
		return 0, fmt.Errorf("storage: %w", err)
	}

	admitted := 0
	for _, ref := range loaded {
		if admitter.Admit(ref) {
			admitted++
		}
	}
	s.metrics.rows.WithLabelValues("loaded").Add(float64(len(loaded)))
	return admitted, nil
}

// materialize reads one row and rebuilds its bundle in the pool.
func (s *Store) materialize(conn *sqlite.Conn, id int64) (mpool.Ref, error) {
	var (
		found       bool
		digest      Digest
		priority    uint8
		receivedAt  int64
		compression Compression
		size        int
		data        []byte
	)
	err := sqlitex.Execute(conn, `SELECT digest, priority, received_at, compression, size, data
		FROM bundles WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			stmt.ColumnBytes(0, digest[:])
			priority = uint8(stmt.ColumnInt64(1))
			receivedAt = stmt.ColumnInt64(2)
			compression = Compression(stmt.ColumnInt64(3))
			size = int(stmt.ColumnInt64(4))
			data = make([]byte, stmt.ColumnLen(5))
			stmt.ColumnBytes(5, data)
			return nil
		},
	})
	if err != nil {
		return mpool.NilRef, fmt.Errorf("reading row: %w", err)
	}
	if !found {
		return mpool.NilRef, fmt.Errorf("row %d vanished", id)
	}

	encoded, err := decompress(data, compression, size)
	if err != nil {
		return mpool.NilRef, err
	}
	if actual := DigestBundle(encoded); actual != digest {
		return mpool.NilRef, fmt.Errorf("digest mismatch: stored %s, computed %s", digest, actual)
	}

	ref, err := s.arena.Ingest(encoded, priority, waitqueue.NoWait)
	if err != nil {
		return mpool.NilRef, err
	}
	if err := s.arena.Decode(ref); err != nil {
		s.arena.Release(ref)
		return mpool.NilRef, fmt.Errorf("decoding: %w", err)
	}
	primary, _ := s.arena.Primary(ref)
	primary.ReceivedAt = time.Unix(0, receivedAt)
	primary.StorageID = id
	return ref, nil
}

func deleteRows(conn *sqlite.Conn, ids []int64) (err error) {
	if len(ids) == 0 {
		return nil
	}
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)
	for _, id := range ids {
		err = sqlitex.Execute(conn, "DELETE FROM bundles WHERE id = ?", &sqlitex.ExecOptions{Args: []any{id}})
		if err != nil {
			return fmt.Errorf("deleting row %d: %w", id, err)
		}
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	unique := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return unique
}

// clampInt64 maps the uint64 endpoint numbers onto SQLite's signed
// integers. Numbers above MaxInt64 only occur as open pattern bounds.
func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

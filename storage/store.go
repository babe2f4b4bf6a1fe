// Package storage is the persistence access layer for the backup server:
// a SQLite-backed store behind an explicit connection pool with
// retry-on-transient-failure, transaction scoping and TTL-cached aggregates.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "backup.db"
	// DefaultPoolSize is the fixed pool size when none is configured.
	DefaultPoolSize = 4
	// DefaultPoolMaxAge retires connections older than this at checkout.
	DefaultPoolMaxAge = 30 * time.Minute
	// DefaultCheckoutTimeout bounds the wait for a pooled connection.
	DefaultCheckoutTimeout = 10 * time.Second
	// DefaultRetryAttempts is the bound on transient-error retries.
	DefaultRetryAttempts = 4
	// DefaultRetryBaseDelay is the first retry delay; it doubles per attempt.
	DefaultRetryBaseDelay = 25 * time.Millisecond
	// DefaultCacheTTL is the aggregate-read cache lifetime.
	DefaultCacheTTL = 5 * time.Second
)

var (
	// ErrNameTaken indicates a registration with an already-used client name.
	ErrNameTaken = errors.New("storage: client name already registered")
	// ErrNotFound indicates a missing client or file record.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("storage: store is closed")
	// ErrPoolExhausted indicates no connection became available within the
	// checkout timeout.
	ErrPoolExhausted = errors.New("storage: connection pool exhausted")
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS clients (
  id          BLOB PRIMARY KEY CHECK(length(id) = 16),
  name        TEXT NOT NULL UNIQUE,
  public_key  BLOB,
  session_key BLOB,
  last_seen   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS files (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  client_id    BLOB NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
  filename     TEXT NOT NULL,
  storage_path TEXT NOT NULL,
  size         INTEGER NOT NULL,
  checksum     INTEGER NOT NULL,
  verified     INTEGER NOT NULL DEFAULT 0,
  UNIQUE(client_id, filename)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_files_client
ON files (client_id, verified);
`,
	`
CREATE TABLE IF NOT EXISTS metrics (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  captured_at     INTEGER NOT NULL,
  active_sessions INTEGER NOT NULL,
  client_count    INTEGER NOT NULL,
  file_count      INTEGER NOT NULL,
  verified_count  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_metrics_captured
ON metrics (captured_at DESC, id DESC);
`,
}

// Options tunes pool, retry and cache behavior.
type Options struct {
	PoolSize        int
	PoolMaxAge      time.Duration
	EmergencyLimit  int
	CheckoutTimeout time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	CacheTTL        time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.PoolSize <= 0 {
		out.PoolSize = DefaultPoolSize
	}
	if out.PoolMaxAge <= 0 {
		out.PoolMaxAge = DefaultPoolMaxAge
	}
	if out.CheckoutTimeout <= 0 {
		out.CheckoutTimeout = DefaultCheckoutTimeout
	}
	if out.RetryAttempts <= 0 {
		out.RetryAttempts = DefaultRetryAttempts
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = DefaultCacheTTL
	}
	return out
}

// Store owns the SQLite database and the connection pool over it.
type Store struct {
	db   *sql.DB
	pool *Pool

	opts  Options
	cache *aggregateCache

	closeOnce sync.Once
}

// Open opens (or creates) backup.db under the given data directory and runs
// schema migrations.
func Open(dataDir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, DefaultDBFileName), opts)
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize + opts.EmergencyLimit)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:    db,
		opts:  opts,
		pool:  newPool(db, opts),
		cache: newAggregateCache(opts.CacheTTL),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close shuts the pool down and closes the database. Emergency overflow
// connections are closed here, never leaked.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.pool.shutdown()
		closeErr = s.db.Close()
	})
	return closeErr
}

// Pool exposes the connection pool, mainly for metrics and tests.
func (s *Store) Pool() *Pool {
	return s.pool
}

// WithConn borrows a pooled connection for the duration of fn. The
// connection is returned to the pool (or closed if the operation left it
// unhealthy) on every exit path, including panics.
func (s *Store) WithConn(ctx context.Context, fn func(*Conn) error) (err error) {
	pc, err := s.pool.get(ctx)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			// fn panicked; the connection state is unknown.
			s.pool.put(pc, false)
		}
	}()

	err = fn(&Conn{pc: pc})
	done = true
	s.pool.put(pc, !isFatal(err))
	return err
}

// withRetryConn runs fn on a borrowed connection, retrying the whole
// operation on transient SQLite failures.
func (s *Store) withRetryConn(ctx context.Context, fn func(*Conn) error) error {
	return s.Retry(ctx, func() error {
		return s.WithConn(ctx, fn)
	})
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") && !strings.EqualFold(journalMode, "memory") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// isFatal reports whether err indicates a connection that must not be
// returned to the available set.
func isFatal(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code {
	case sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr:
		return true
	}
	return false
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

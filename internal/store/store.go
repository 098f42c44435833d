// Package store is the single source of truth for jobs, clusters,
// remote-job handles, dependencies, and workflows. It is shared by
// concurrent writers across processes through a single SQLite file; within
// one process, Store additionally guards its connection pool with a
// bounded semaphore.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jobcore/jobcore/internal/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize is the default number of concurrently open SQLite
// connections a single Store process maintains.
const DefaultPoolSize = 4

// DefaultBusyTimeout is the minimum SQLite busy timeout this store expects,
// giving implicit retries room to succeed under writer contention.
const DefaultBusyTimeout = 5 * time.Second

// Store persists all mutable orchestration state in a single SQLite file.
// Every exported method acquires a slot from the bounded semaphore before
// touching db and releases it before returning, bounding how many
// in-flight operations contend for SQLite's own locking.
type Store struct {
	db     *sql.DB
	sem    *semaphore.Weighted
	clock  clock.Clock
	logger *logrus.Logger
	path   string
}

// Options configures Open.
type Options struct {
	PoolSize     int
	BusyTimeout  time.Duration
	Clock        clock.Clock
	Logger       *logrus.Logger
	StatementHook StatementHook // test-only migration fault injection
}

func (o *Options) setDefaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
}

// Open opens (creating if necessary) the SQLite file at path, enables WAL
// and foreign-key enforcement, sets the busy timeout, bounds the
// connection pool, and runs any pending schema migrations.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	opts.setDefaults()

	// A bounded Go-level pool (without SQLite's shared cache) lets multiple
	// readers use connections concurrently while writes still serialize through
	// SQLite's own file locking and our busy_timeout.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)

	if err := pragma(ctx, db, opts.BusyTimeout); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, opts.Clock, opts.Logger, opts.StatementHook); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:     db,
		sem:    semaphore.NewWeighted(int64(opts.PoolSize)),
		clock:  opts.Clock,
		logger: opts.Logger,
		path:   path,
	}, nil
}

func pragma(ctx context.Context, db *sql.DB, busyTimeout time.Duration) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("store: pragma %q: %w", s, err)
		}
	}
	return nil
}

// Close releases the underlying SQLite connections.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire blocks until a pool slot is free, bounding concurrent SQLite
// usage from this process to the configured pool size. Release the
// returned token via release when done; callers must not hold it across
// anything other than the store call it guards.
func (s *Store) acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *Store) release() {
	s.sem.Release(1)
}

// nowUTC returns the store's current time, routed through s.clock so tests
// can pin or advance every timestamp this package writes.
func (s *Store) nowUTC() time.Time { return s.clock.Now().UTC() }

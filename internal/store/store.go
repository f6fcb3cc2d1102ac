// Package store implements the Durable Event Store: a SQLite-backed,
// append-only log of TerminalEvents (and the structured StreamEvent /
// SessionMetadata shapes) with non-blocking inserts, filtered queries, and
// background pruning.
//
// The open sequence is grounded on
// _examples/estuary-flow/go/materialize/driver/sqlite/sqlite.go: a
// package-level mutex serializes sql.Open calls (the mattn/go-sqlite3
// driver is not safe to open concurrently from multiple goroutines on some
// platforms), followed by a PingContext to surface an unopenable database
// immediately rather than on first query.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var sqliteOpenMu sync.Mutex

// Store is a durable, SQLite-backed event log. A memory-only Store (from
// NewMemoryOnly) or a nil *Store never errors on write; every mutation is a silent
// no-op, matching the memory-only-mode contract in spec §4.6/§4.7.
type Store struct {
	db         *sql.DB
	memoryOnly bool

	pruneMu      sync.Mutex
	pruneRunning bool

	maxAgeDays int
	maxEvents  int
}

// ErrMemoryOnly is returned by query paths when the store was constructed in
// memory-only mode and has no backing database to query.
var ErrMemoryOnly = errors.New("store: running in memory-only mode")

// Open opens (creating if necessary) the SQLite database at path, applies
// pending migrations, and configures WAL journaling per spec §6: WAL mode,
// normal synchronous, a 10,000-page cache, and an in-memory temp store.
func Open(path string, maxAgeDays, maxEvents int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// database/sql pools connections; sqlite only tolerates one writer at a
	// time, so cap the pool to keep writes serialized by the driver itself.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA cache_size = 10000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if maxEvents <= 0 {
		maxEvents = 10000
	}

	return &Store{db: db, maxAgeDays: maxAgeDays, maxEvents: maxEvents}, nil
}

// NewMemoryOnly returns a Store with no backing database. Writes are
// silently discarded and queries return ErrMemoryOnly; used when Open fails
// at startup per the Recovery Manager's memory-only-mode contract.
func NewMemoryOnly() *Store {
	return &Store{memoryOnly: true}
}

// MemoryOnly reports whether this store has no backing database.
func (s *Store) MemoryOnly() bool {
	return s == nil || s.memoryOnly
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying database handle. Safe to call on a
// memory-only store.
func (s *Store) Close() error {
	if s.MemoryOnly() {
		return nil
	}
	return s.db.Close()
}

// schedulePrune kicks off a best-effort prune in the background, skipping if
// one is already running. Matches spec §4.6: "pruning is scheduled on every
// insert but at most one prune runs concurrently."
func (s *Store) schedulePrune() {
	s.pruneMu.Lock()
	if s.pruneRunning {
		s.pruneMu.Unlock()
		return
	}
	s.pruneRunning = true
	s.pruneMu.Unlock()

	go func() {
		defer func() {
			s.pruneMu.Lock()
			s.pruneRunning = false
			s.pruneMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.prune(ctx); err != nil {
			log.Printf("[store] prune failed: %v", err)
		}
	}()
}

func (s *Store) prune(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.maxAgeDays).UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("prune by age: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if count <= s.maxEvents {
		return nil
	}
	excess := count - s.maxEvents
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY timestamp ASC, id ASC LIMIT ?
		)`, excess)
	if err != nil {
		return fmt.Errorf("prune by count: %w", err)
	}
	return nil
}

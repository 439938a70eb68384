// Package store is the hub's durable, namespace-scoped persistence layer:
// sessions, machines, messages, bead links/snapshots, teams, and user
// preferences, with schema migrations and optimistic concurrency (spec
// §3, §4.1).
//
// It is backed by SQLite through github.com/ncruces/go-sqlite3, a
// pure-Go, CGo-free driver — the same driver the ephemeral store in this
// project's `beads` reference codebase uses — with WAL journaling and a
// busy_timeout long enough to absorb writer contention (spec §5).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/hapi-hub/hapi/internal/event"
	"github.com/hapi-hub/hapi/internal/logging"
	"github.com/hapi-hub/hapi/internal/store/migrations"
)

// Store is the hub's persistence layer. All exported methods are safe
// for concurrent use; writes run inside transactions so composite
// operations never partially mutate (spec §5).
type Store struct {
	db  *sql.DB
	bus *event.Bus
}

// connString builds a SQLite DSN with WAL journaling, a 5s busy_timeout
// (spec §3 "busy_timeout≈5s"), and foreign key enforcement on, mirroring
// the `beads` ephemeral store's connection-string construction.
func connString(path string) string {
	busyMs := int64(5 * time.Second / time.Millisecond)
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyMs)
}

// Open opens (creating if necessary) the SQLite database at path, sets
// file permissions to 0600 once created (spec §6, "mode 0600 after
// creation"), and applies any pending migrations.
func Open(ctx context.Context, path string, bus *event.Bus) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	_, statErr := os.Stat(path)
	isNewFile := os.IsNotExist(statErr)
	db, err := sql.Open("sqlite3", connString(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := migrations.Run(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	if isNewFile {
		if err := os.Chmod(path, 0o600); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("failed to restrict database file permissions")
		}
	}

	return &Store{db: db, bus: bus}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for callers (such as tests) that need
// raw SQL access rather than the typed operations below.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

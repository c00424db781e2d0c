// Package storage persists the proxy's durable state in a single sqlite
// database: the upstream server inventory, virtual users with their
// per-server credential mappings, live authorization sessions, and the
// virtual↔original media id map. The schema is versioned by monotonic
// migration number; migrations are idempotent and applied on open.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Storage is the handle to the proxy database.
type Storage struct {
	db    *sql.DB
	clock clockwork.Clock
	log   logrus.FieldLogger
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the storage clock, used by tests to control
// session freshness ordering.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Storage) { s.clock = clock }
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, opts ...Option) (*Storage, error) {
	// _busy_timeout avoids spurious SQLITE_BUSY under concurrent writes;
	// foreign keys are off by default in sqlite3.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; a single connection sidesteps lock
	// contention between pooled connections.
	db.SetMaxOpenConns(1)

	s := &Storage{
		db:    db,
		clock: clockwork.NewRealClock(),
		log:   logrus.WithField("component", "storage"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

// migration is one schema step. Statements must be idempotent enough to
// rerun safely if a crash interrupts the version bump.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS servers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				url TEXT NOT NULL UNIQUE,
				priority INTEGER NOT NULL DEFAULT 0,
				healthy INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				virtual_id TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS server_mappings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				server_id INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				mapped_username TEXT NOT NULL,
				sealed_password BLOB NOT NULL,
				UNIQUE(user_id, server_id)
			)`,
			`CREATE TABLE IF NOT EXISTS auth_sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				server_id INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				virtual_token TEXT NOT NULL,
				upstream_token TEXT NOT NULL,
				upstream_session_id TEXT NOT NULL DEFAULT '',
				upstream_user_id TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS auth_sessions_token ON auth_sessions(virtual_token)`,
			`CREATE INDEX IF NOT EXISTS auth_sessions_user ON auth_sessions(user_id, server_id)`,
			`CREATE TABLE IF NOT EXISTS media_mappings (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				virtual_id TEXT NOT NULL UNIQUE,
				original_id TEXT NOT NULL,
				server_id INTEGER NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				UNIQUE(original_id, server_id)
			)`,
		},
	},
}

func (s *Storage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return trace.Wrap(err)
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&current); err != nil {
		return trace.Wrap(err)
	}

	for _, m := range migrations {
		if current.Valid && m.version <= int(current.Int64) {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return trace.Wrap(err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return trace.Wrap(err, "migration %v failed", m.version)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, s.clock.Now().UTC()); err != nil {
			tx.Rollback()
			return trace.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return trace.Wrap(err)
		}
		s.log.WithField("version", m.version).Info("Applied schema migration.")
	}
	return nil
}

// Package dbopen opens the SQLite databases used by boardsync: the client's
// snapshot slot file and the relay's document table. Every connection runs in
// WAL mode with a busy timeout; callers blank-import the driver.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/relay.db", dbopen.WithMkdirAll(), dbopen.WithSchema(relay.Schema))
//
// Tests use dbopen.OpenMemory(t).
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const memoryPath = ":memory:"

// Option customises Open.
type Option func(*settings)

type settings struct {
	busyTimeoutMs int
	synchronous   string
	mkdirAll      bool
	schemas       []string
}

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default 10000.
func WithBusyTimeout(ms int) Option { return func(s *settings) { s.busyTimeoutMs = ms } }

// WithSynchronous sets PRAGMA synchronous. Default NORMAL.
func WithSynchronous(mode string) Option { return func(s *settings) { s.synchronous = mode } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdirAll = true } }

// WithSchema runs ddl after the pragmas. It must be idempotent.
func WithSchema(ddl string) Option { return func(s *settings) { s.schemas = append(s.schemas, ddl) } }

func (s *settings) pragmas() []string {
	return []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeoutMs),
		"PRAGMA synchronous = " + s.synchronous,
	}
}

// Open opens path with the "sqlite" driver, applies the pragmas and schemas
// and pings the database.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := settings{busyTimeoutMs: 10_000, synchronous: "NORMAL"}
	for _, opt := range opts {
		opt(&s)
	}

	if s.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: create directory for %s: %w", path, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: %s: %w", path, err)
	}

	steps := append(s.pragmas(), s.schemas...)
	for _, stmt := range steps {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %q: %w", path, stmt, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	return db, nil
}

// OpenMemory returns a private in-memory database closed at test cleanup.
// The pool is capped at one connection since each ":memory:" connection
// would otherwise see its own empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

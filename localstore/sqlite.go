package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/boardsync/dbopen"
)

const slotsSchema = `CREATE TABLE IF NOT EXISTS slots (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite stores slots in a single table.
type SQLite struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSynchronous("FULL"),
		dbopen.WithSchema(slotsSchema))
	if err != nil {
		return nil, fmt.Errorf("localstore: %w", err)
	}
	return &SQLite{db: db, owned: true}, nil
}

// NewSQLite wraps an already open database and ensures the schema. Close does
// not close db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(slotsSchema); err != nil {
		return nil, fmt.Errorf("localstore: schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Save(ctx context.Context, key string, value []byte) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO slots (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (s *SQLite) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLite) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

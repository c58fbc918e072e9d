package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/boardsync/dbopen"
	"github.com/hazyhaar/boardsync/remote"
)

// Schema holds one document per room.
const Schema = `CREATE TABLE IF NOT EXISTS documents (
	room       TEXT PRIMARY KEY,
	body       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
)`

// ErrNotObject rejects a write whose body is not a JSON object.
var ErrNotObject = errors.New("relay: document is not a JSON object")

// RoomInfo summarizes one stored room document.
type RoomInfo struct {
	Room      string `json:"room"`
	Size      int    `json:"size"`
	CreatedAt int64  `json:"created_at"`
	CreatedBy string `json:"created_by"`
	UpdatedAt int64  `json:"updated_at"`
	UpdatedBy string `json:"updated_by"`
}

// Store persists room documents. Writes are serialized.
type Store struct {
	db  *sql.DB
	now func() time.Time
	mu  sync.Mutex
}

// NewStore applies Schema to db.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("relay: schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Put replaces the document of room with body, stamped with the store
// metadata. The creation stamp of an existing room is kept. It returns the
// stored document.
func (s *Store) Put(ctx context.Context, room, clientID string, body []byte) ([]byte, remote.DocMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	meta := remote.DocMeta{CreatedAt: now, CreatedBy: clientID, UpdatedAt: now, UpdatedBy: clientID}
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, created_by FROM documents WHERE room = ?`, room).
		Scan(&meta.CreatedAt, &meta.CreatedBy)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, meta, fmt.Errorf("relay: read %s: %w", room, err)
	}

	doc, err := remote.MergeMeta(body, meta)
	if err != nil {
		return nil, meta, fmt.Errorf("%w: %v", ErrNotObject, err)
	}

	_, err = dbopen.Exec(ctx, s.db,
		`INSERT INTO documents (room, body, created_at, created_by, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET
		   body = excluded.body, updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		room, doc, meta.CreatedAt, meta.CreatedBy, meta.UpdatedAt, meta.UpdatedBy)
	if err != nil {
		return nil, meta, fmt.Errorf("relay: write %s: %w", room, err)
	}
	return doc, meta, nil
}

// Get returns the stored document of room.
func (s *Store) Get(ctx context.Context, room string) ([]byte, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE room = ?`, room).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("relay: read %s: %w", room, err)
	}
	return doc, true, nil
}

// Rooms lists every stored room, most recently updated first.
func (s *Store) Rooms(ctx context.Context) ([]RoomInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, length(body), created_at, created_by, updated_at, updated_by
		 FROM documents ORDER BY updated_at DESC, room`)
	if err != nil {
		return nil, fmt.Errorf("relay: list rooms: %w", err)
	}
	defer rows.Close()

	out := []RoomInfo{}
	for rows.Next() {
		var ri RoomInfo
		if err := rows.Scan(&ri.Room, &ri.Size, &ri.CreatedAt, &ri.CreatedBy, &ri.UpdatedAt, &ri.UpdatedBy); err != nil {
			return nil, err
		}
		out = append(out, ri)
	}
	return out, rows.Err()
}

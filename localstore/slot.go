package localstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/idgen"
)

// PersistError wraps a local store read or write failure.
type PersistError struct {
	Op  string // "save" or "load"
	Key string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("localstore: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// SlotStats counts slot activity.
type SlotStats struct {
	Saves    int64
	Failures int64
	Loads    int64
	Corrupt  int64
}

// Slot is the single named snapshot slot. Saves are best effort: failures are
// logged and counted, and the returned error is informational only.
type Slot struct {
	store  Store
	key    string
	logger *slog.Logger

	saves    atomic.Int64
	failures atomic.Int64
	loads    atomic.Int64
	corrupt  atomic.Int64
}

// NewSlot returns the snapshot slot over store. A nil logger uses slog.Default.
func NewSlot(store Store, logger *slog.Logger) *Slot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Slot{store: store, key: StateKey, logger: logger}
}

// Put stores an already encoded snapshot.
func (s *Slot) Put(ctx context.Context, encoded []byte) error {
	if err := s.store.Save(ctx, s.key, encoded); err != nil {
		s.failures.Add(1)
		perr := &PersistError{Op: "save", Key: s.key, Err: err}
		s.logger.Warn("localstore: persist failed", "key", s.key, "error", err)
		return perr
	}
	s.saves.Add(1)
	return nil
}

// Save encodes and stores snap.
func (s *Slot) Save(ctx context.Context, snap board.Snapshot) error {
	data, err := board.Encode(snap)
	if err != nil {
		s.failures.Add(1)
		return &PersistError{Op: "save", Key: s.key, Err: err}
	}
	return s.Put(ctx, data)
}

// Load returns the stored snapshot. ok is false when nothing was stored, the
// value is undecodable, or the store could not be read.
func (s *Slot) Load(ctx context.Context) (board.Snapshot, bool) {
	s.loads.Add(1)
	data, ok, err := s.store.Load(ctx, s.key)
	if err != nil {
		s.logger.Warn("localstore: load failed", "key", s.key, "error", err)
		return board.Snapshot{}, false
	}
	if !ok {
		return board.Snapshot{}, false
	}
	snap, err := board.Decode(data)
	if err != nil {
		s.corrupt.Add(1)
		s.logger.Warn("localstore: stored snapshot unreadable", "key", s.key, "error", err)
		return board.Snapshot{}, false
	}
	return snap, true
}

// Stats returns a point-in-time copy of the counters.
func (s *Slot) Stats() SlotStats {
	return SlotStats{
		Saves:    s.saves.Load(),
		Failures: s.failures.Load(),
		Loads:    s.loads.Load(),
		Corrupt:  s.corrupt.Load(),
	}
}

// ClientID returns the persisted client identity, generating and storing one
// with gen on first use. A store failure still yields a fresh identity for
// this process, together with a *PersistError.
func ClientID(ctx context.Context, store Store, gen idgen.Generator) (string, error) {
	if gen == nil {
		gen = idgen.Client
	}
	data, ok, err := store.Load(ctx, ClientIDKey)
	if err == nil && ok {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := gen()
	if err != nil {
		return id, &PersistError{Op: "load", Key: ClientIDKey, Err: err}
	}
	if err := store.Save(ctx, ClientIDKey, []byte(id)); err != nil {
		return id, &PersistError{Op: "save", Key: ClientIDKey, Err: err}
	}
	return id, nil
}

// Package localstore persists the current snapshot and the client identity in
// the device's durable key-value storage. Three backends implement Store:
// SQLite (default), Badger and an in-memory map for tests.
package localstore

import (
	"context"
	"fmt"
	"sync"
)

// Fixed keys.
const (
	StateKey    = "boardsync/state"
	ClientIDKey = "boardsync/client-id"
)

// Store is a minimal durable key-value store.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	// Load returns ok=false when key was never written.
	Load(ctx context.Context, key string) (value []byte, ok bool, err error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open opens the named backend rooted at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(path)
	case BackendBadger:
		return OpenBadger(BadgerConfig{Path: path, SyncWrites: true})
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("localstore: unknown backend %q", backend)
	}
}

// Memory is an in-process Store. FailSaves makes every Save fail, for
// exercising the persist-error path.
type Memory struct {
	mu        sync.Mutex
	data      map[string][]byte
	FailSaves error
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves != nil {
		return m.FailSaves
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Load(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Close() error { return nil }

// Package remote is the channel to the shared per-room document. A client
// writes its whole snapshot to its room and observes every write made to the
// room, its own included; echo handling is the replica engine's job.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultRoom is used when the configured room is blank.
const DefaultRoom = "main"

// Metadata keys merged into the stored document by the store side.
const (
	MetaCreatedAt = "_createdAt"
	MetaCreatedBy = "_createdBy"
	MetaUpdatedAt = "_updatedAt"
	MetaUpdatedBy = "_updatedBy"
)

// ErrDisabled is returned by Noop.Start.
var ErrDisabled = errors.New("remote: channel disabled")

// ConnectError reports a failed channel setup.
type ConnectError struct {
	URL  string
	Room string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("remote: connect %s room %q: %v", e.URL, e.Room, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// WriteError reports one failed document write. The payload is not retried.
type WriteError struct {
	Room   string
	Status int // HTTP status, 0 when the request never completed
	Err    error
}

func (e *WriteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote: write room %q: status %d: %v", e.Room, e.Status, e.Err)
	}
	return fmt.Sprintf("remote: write room %q: %v", e.Room, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DocMeta is the store-managed metadata of a room document. It is never part
// of the snapshot.
type DocMeta struct {
	CreatedAt int64  `json:"_createdAt"`
	CreatedBy string `json:"_createdBy"`
	UpdatedAt int64  `json:"_updatedAt"`
	UpdatedBy string `json:"_updatedBy"`
}

// Handler observes a room document.
type Handler func(doc []byte, meta DocMeta)

// Channel is the remote document channel.
type Channel interface {
	// Start connects and begins delivering documents to subscribers.
	Start(ctx context.Context) error
	// Write replaces the room document with payload.
	Write(ctx context.Context, payload []byte) error
	// Subscribe registers h. Register before Start to see the initial document.
	Subscribe(h Handler)
	Close() error
}

// StateReporter is implemented by channels whose live subscription can drop
// and recover after Start.
type StateReporter interface {
	OnStateChange(fn func(connected bool))
}

// Config is supplied by the host application. The zero value disables the
// channel.
type Config struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Room    string        `yaml:"room"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultTimeout bounds one write or the initial fetch.
const DefaultTimeout = 10 * time.Second

// NormalizeRoom trims room and falls back to DefaultRoom when blank.
func NormalizeRoom(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return DefaultRoom
	}
	return room
}

// Open returns the channel described by cfg for clientID. A disabled config
// yields Noop.
func Open(cfg Config, clientID string, logger *slog.Logger) Channel {
	if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" {
		return Noop{}
	}
	return NewHTTP(cfg, clientID, logger)
}

// MergeMeta returns doc with meta written into its top-level object. Keys are
// emitted in sorted order.
func MergeMeta(doc []byte, meta DocMeta) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("remote: document is not an object: %w", err)
	}
	if m == nil {
		return nil, errors.New("remote: document is null")
	}
	set := func(k string, v any) {
		raw, _ := json.Marshal(v)
		m[k] = raw
	}
	set(MetaCreatedAt, meta.CreatedAt)
	set(MetaCreatedBy, meta.CreatedBy)
	set(MetaUpdatedAt, meta.UpdatedAt)
	set(MetaUpdatedBy, meta.UpdatedBy)
	return json.Marshal(m)
}

// ExtractMeta reads the metadata fields of doc. Missing or malformed fields
// are zero.
func ExtractMeta(doc []byte) DocMeta {
	var meta DocMeta
	var m map[string]json.RawMessage
	if json.Unmarshal(doc, &m) != nil {
		return meta
	}
	_ = json.Unmarshal(m[MetaCreatedAt], &meta.CreatedAt)
	_ = json.Unmarshal(m[MetaCreatedBy], &meta.CreatedBy)
	_ = json.Unmarshal(m[MetaUpdatedAt], &meta.UpdatedAt)
	_ = json.Unmarshal(m[MetaUpdatedBy], &meta.UpdatedBy)
	return meta
}

// Noop is the disabled channel.
type Noop struct{}

func (Noop) Start(context.Context) error         { return ErrDisabled }
func (Noop) Write(context.Context, []byte) error { return nil }
func (Noop) Subscribe(Handler)                   {}
func (Noop) Close() error                        { return nil }

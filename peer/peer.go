// Package peer fans snapshots out to other clients sharing a broadcast scope
// without going through the remote document store.
//
// Every message is an Envelope {"type":"STATE","from":<clientId>,"payload":...}.
// Transports drop envelopes sent by the local client, and any envelope that
// is not a STATE message, before a handler sees them.
package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// TypeState is the only envelope type.
const TypeState = "STATE"

// Envelope is the broadcast wire format. Payload stays raw so the sender
// check happens before the snapshot is decoded.
type Envelope struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives an encoded snapshot and the id of the client that sent it.
type Handler func(payload []byte, from string)

// Broadcaster is a peer broadcast scope.
type Broadcaster interface {
	Send(ctx context.Context, payload []byte) error
	OnReceive(h Handler)
	Close() error
}

// Stats are per-transport counters.
type Stats struct {
	Sent        int64 `json:"sent"`
	Delivered   int64 `json:"delivered"`
	DroppedSelf int64 `json:"dropped_self"`
	Malformed   int64 `json:"malformed"`
}

// Seal wraps payload in a STATE envelope from the given client.
func Seal(from string, payload []byte) ([]byte, error) {
	data, err := json.Marshal(Envelope{Type: TypeState, From: from, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("peer: seal: %w", err)
	}
	return data, nil
}

// inbound owns handler registration and the common receive filter.
type inbound struct {
	self   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler

	sent        atomic.Int64
	delivered   atomic.Int64
	droppedSelf atomic.Int64
	malformed   atomic.Int64
}

func newInbound(self string, logger *slog.Logger) *inbound {
	if logger == nil {
		logger = slog.Default()
	}
	return &inbound{self: self, logger: logger}
}

func (in *inbound) add(h Handler) {
	if h == nil {
		return
	}
	in.mu.Lock()
	in.handlers = append(in.handlers, h)
	in.mu.Unlock()
}

// dispatch filters one raw envelope and hands the payload to every handler.
func (in *inbound) dispatch(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeState || len(env.Payload) == 0 {
		in.malformed.Add(1)
		in.logger.Debug("peer: dropped malformed envelope", "bytes", len(data))
		return
	}
	if env.From == in.self {
		in.droppedSelf.Add(1)
		return
	}
	in.mu.RLock()
	hs := append([]Handler(nil), in.handlers...)
	in.mu.RUnlock()

	in.delivered.Add(1)
	for _, h := range hs {
		h([]byte(env.Payload), env.From)
	}
}

func (in *inbound) stats() Stats {
	return Stats{
		Sent:        in.sent.Load(),
		Delivered:   in.delivered.Load(),
		DroppedSelf: in.droppedSelf.Load(),
		Malformed:   in.malformed.Load(),
	}
}

// Noop is the transport used when no broadcast capability is available.
type Noop struct{}

func (Noop) Send(context.Context, []byte) error { return nil }
func (Noop) OnReceive(Handler)                  {}
func (Noop) Close() error                       { return nil }

// Transport names accepted by Open.
const (
	TransportNone  = "none"
	TransportBus   = "bus"
	TransportSpool = "spool"
	TransportUDP   = "udp"
)

// Config selects and parameterizes a transport.
type Config struct {
	Transport string `yaml:"transport" validate:"omitempty,oneof=none bus spool udp"`
	// Dir is the spool directory (spool transport).
	Dir string `yaml:"dir"`
	// Group is the multicast host:port (udp transport).
	Group string `yaml:"group"`
	// Interface names the multicast interface; empty uses the system default.
	Interface string `yaml:"interface"`
	// Bus is the in-process scope (bus transport).
	Bus *Bus `yaml:"-"`
}

// Open returns the configured transport for client self. When the transport
// cannot be set up it logs the reason and returns Noop, so callers never need
// to check for a missing capability.
func Open(cfg Config, self string, logger *slog.Logger) Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		b   Broadcaster
		err error
	)
	switch cfg.Transport {
	case "", TransportNone:
		return Noop{}
	case TransportBus:
		if cfg.Bus == nil {
			err = fmt.Errorf("no bus configured")
			break
		}
		b = cfg.Bus.Join(self)
	case TransportSpool:
		b, err = NewSpool(cfg.Dir, self, logger)
	case TransportUDP:
		b, err = NewUDP(UDPConfig{Group: cfg.Group, Interface: cfg.Interface}, self, logger)
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		logger.Warn("peer: broadcast unavailable, continuing without it", "transport", cfg.Transport, "error", err)
		return Noop{}
	}
	return b
}

package peer

import (
	"context"
	"log/slog"
	"sync"
)

const busInbox = 256

// Bus is an in-process broadcast scope. Every member receives every
// envelope, including its own, and filters it like any other transport.
// Delivery is asynchronous: each member drains its own inbox.
type Bus struct {
	logger *slog.Logger

	mu      sync.RWMutex
	members map[*BusPeer]struct{}
}

// NewBus creates an empty scope.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger, members: make(map[*BusPeer]struct{})}
}

// Join adds a member identified by clientID.
func (b *Bus) Join(clientID string) *BusPeer {
	p := &BusPeer{
		bus:   b,
		in:    newInbound(clientID, b.logger),
		inbox: make(chan []byte, busInbox),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.members[p] = struct{}{}
	b.mu.Unlock()
	go p.loop()
	return p
}

// Members returns the number of joined peers.
func (b *Bus) Members() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.members)
}

func (b *Bus) broadcast(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for m := range b.members {
		select {
		case m.inbox <- data:
		default:
			b.logger.Warn("peer: bus inbox full, envelope dropped", "client_id", m.in.self)
		}
	}
}

// BusPeer is one member of a Bus.
type BusPeer struct {
	bus   *Bus
	in    *inbound
	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func (p *BusPeer) Send(_ context.Context, payload []byte) error {
	data, err := Seal(p.in.self, payload)
	if err != nil {
		return err
	}
	p.in.sent.Add(1)
	p.bus.broadcast(data)
	return nil
}

func (p *BusPeer) OnReceive(h Handler) { p.in.add(h) }

// Stats returns the member's counters.
func (p *BusPeer) Stats() Stats { return p.in.stats() }

func (p *BusPeer) Close() error {
	p.once.Do(func() {
		p.bus.mu.Lock()
		delete(p.bus.members, p)
		p.bus.mu.Unlock()
		close(p.done)
	})
	return nil
}

func (p *BusPeer) loop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.inbox:
			p.in.dispatch(data)
		}
	}
}

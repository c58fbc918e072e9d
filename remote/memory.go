package remote

import (
	"context"
	"sync"
	"time"
)

// MemoryServer is an in-process document store holding one document per
// room. Writes are delivered synchronously, on the writer's goroutine, to
// every started subscriber of the same room.
type MemoryServer struct {
	now func() time.Time

	mu    sync.Mutex
	docs  map[string][]byte
	chans map[string][]*Memory

	// FailWrites, when set, makes every write fail with it.
	FailWrites error
	// FailStart, when set, makes every Start fail with it.
	FailStart error
}

// NewMemoryServer returns an empty store.
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		now:   time.Now,
		docs:  make(map[string][]byte),
		chans: make(map[string][]*Memory),
	}
}

// Channel returns a channel bound to room for clientID.
func (s *MemoryServer) Channel(room, clientID string) *Memory {
	return &Memory{server: s, room: NormalizeRoom(room), clientID: clientID}
}

// Document returns the stored document for room.
func (s *MemoryServer) Document(room string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[NormalizeRoom(room)]
	return doc, ok
}

func (s *MemoryServer) put(room, clientID string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}
	now := s.now().UnixMilli()
	meta := DocMeta{CreatedAt: now, CreatedBy: clientID, UpdatedAt: now, UpdatedBy: clientID}
	if prev, ok := s.docs[room]; ok {
		old := ExtractMeta(prev)
		meta.CreatedAt, meta.CreatedBy = old.CreatedAt, old.CreatedBy
	}
	doc, err := MergeMeta(payload, meta)
	if err != nil {
		return nil, err
	}
	s.docs[room] = doc
	return doc, nil
}

func (s *MemoryServer) subscribers(room string) []*Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Memory(nil), s.chans[room]...)
}

// Memory is a channel into a MemoryServer room.
type Memory struct {
	server   *MemoryServer
	room     string
	clientID string

	mu       sync.Mutex
	handlers []Handler
	writes   int
}

func (m *Memory) Start(context.Context) error {
	s := m.server
	s.mu.Lock()
	if err := s.FailStart; err != nil {
		s.mu.Unlock()
		return &ConnectError{URL: "memory", Room: m.room, Err: err}
	}
	s.chans[m.room] = append(s.chans[m.room], m)
	doc, ok := s.docs[m.room]
	s.mu.Unlock()

	if ok {
		m.deliver(doc)
	}
	return nil
}

func (m *Memory) Write(_ context.Context, payload []byte) error {
	doc, err := m.server.put(m.room, m.clientID, payload)
	if err != nil {
		return &WriteError{Room: m.room, Err: err}
	}
	m.mu.Lock()
	m.writes++
	m.mu.Unlock()
	for _, sub := range m.server.subscribers(m.room) {
		sub.deliver(doc)
	}
	return nil
}

func (m *Memory) Subscribe(h Handler) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Writes returns how many writes this channel completed.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *Memory) Close() error {
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.chans[m.room]
	for i, c := range subs {
		if c == m {
			s.chans[m.room] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) deliver(doc []byte) {
	m.mu.Lock()
	hs := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()
	meta := ExtractMeta(doc)
	for _, h := range hs {
		h(append([]byte(nil), doc...), meta)
	}
}

package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 32
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
}

// writeLoop drains send into the connection until send is closed.
func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case doc, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, doc); err != nil {
				s.conn.Close()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.conn.Close()
				return
			}
		}
	}
}

// readLoop discards client frames and returns once the connection ends.
func (s *subscriber) readLoop() {
	s.conn.SetReadLimit(512)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

// Hub fans room documents out to the live subscribers of that room.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	rooms  map[string]map[*subscriber]struct{}
	closed bool
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, rooms: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) add(room string, s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	subs := h.rooms[room]
	if subs == nil {
		subs = make(map[*subscriber]struct{})
		h.rooms[room] = subs
	}
	subs[s] = struct{}{}
	return true
}

func (h *Hub) remove(room string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.rooms[room]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.rooms, room)
	}
	close(s.send)
}

// Publish queues doc for every subscriber of room. A subscriber whose queue
// is full is disconnected; it catches up when it reconnects.
func (h *Hub) Publish(room string, doc []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.rooms[room] {
		select {
		case s.send <- doc:
			n++
		default:
			h.logger.Warn("relay: slow subscriber dropped", "room", room)
			s.conn.Close()
		}
	}
	return n
}

// Disconnect closes the connections of every subscriber of room and returns
// how many there were. Clients redial with catch-up.
func (h *Hub) Disconnect(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.rooms[room] {
		s.conn.Close()
	}
	return len(h.rooms[room])
}

// Subscribers returns the live subscriber count of room.
func (h *Hub) Subscribers(room string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// Total returns the live subscriber count across rooms.
func (h *Hub) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.rooms {
		n += len(subs)
	}
	return n
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.rooms {
		for s := range subs {
			s.conn.Close()
		}
	}
}

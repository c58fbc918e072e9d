// Package relay is the shared document store behind the remote channel: one
// JSON document per room in SQLite, replaced whole on every write and pushed
// to every live subscriber of the room.
//
//	GET  /v1/rooms              room summaries
//	GET  /v1/rooms/{room}/doc   current document with an ETag, 404 when none
//	PUT  /v1/rooms/{room}/doc   replace the document (X-Client-ID names the writer)
//	GET  /v1/rooms/{room}/live  websocket feed; ?catchup=1 sends the current document first
//	GET  /healthz, /metrics
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/remote"
	"github.com/hazyhaar/boardsync/shield"
)

// DefaultMaxBody caps one document write.
const DefaultMaxBody = 8 << 20

// Option configures a Server.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	maxBody     int64
	writeLimit  int
	writeWindow time.Duration
	now         func() time.Time
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
func WithMaxBody(n int64) Option       { return func(o *options) { o.maxBody = n } }

// WithWriteLimit allows n writes per window per client. n <= 0 disables the
// limiter.
func WithWriteLimit(n int, window time.Duration) Option {
	return func(o *options) { o.writeLimit, o.writeWindow = n, window }
}

// WithClock overrides the metadata clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Server serves room documents over HTTP and websockets.
type Server struct {
	store    *Store
	hub      *Hub
	logger   *slog.Logger
	maxBody  int64
	limiter  *shield.WriteLimiter
	registry *prometheus.Registry
	metrics  *metrics
	upgrader websocket.Upgrader

	// publishMu orders store writes with hub fan-out and catch-up reads, so
	// a subscriber never sees an older document after a newer one.
	publishMu sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// New opens a relay over db, applying Schema.
func New(db *sql.DB, opts ...Option) (*Server, error) {
	o := options{maxBody: DefaultMaxBody, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	store.now = o.now

	s := &Server{
		store:    store,
		hub:      NewHub(o.logger),
		logger:   o.logger,
		maxBody:  o.maxBody,
		limiter:  shield.NewWriteLimiter(o.writeLimit, o.writeWindow),
		registry: prometheus.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
	s.metrics = newMetrics(s.registry, s.hub)
	if s.limiter != nil {
		s.limiter.StartGC(s.done)
	}
	return s, nil
}

// Store exposes the document store.
func (s *Server) Store() *Store { return s.store }

// Hub exposes the live fan-out.
func (s *Server) Hub() *Hub { return s.hub }

// Put stores body as the document of room and publishes the stored document
// to the room's subscribers.
func (s *Server) Put(ctx context.Context, room, clientID string, body []byte) (remote.DocMeta, error) {
	room = remote.NormalizeRoom(room)
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	doc, meta, err := s.store.Put(ctx, room, clientID, body)
	if err != nil {
		return meta, err
	}
	s.metrics.writes.WithLabelValues(room).Inc()
	n := s.hub.Publish(room, doc)
	s.metrics.delivered.Add(float64(n))
	s.logger.Debug("relay: document stored", "room", room, "client_id", clientID, "bytes", len(doc), "subscribers", n)
	return meta, nil
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.RelayStack(s.maxBody, s.limiter) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/v1/rooms", func(r chi.Router) {
		r.Get("/", s.handleRooms)
		r.Get("/{room}/doc", s.handleGet)
		r.Put("/{room}/doc", s.handlePut)
		r.Get("/{room}/live", s.handleLive)
	})
	return r
}

// Close disconnects live subscribers. The database stays open.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.hub.Close()
	})
}

func roomParam(r *http.Request) string {
	return remote.NormalizeRoom(chi.URLParam(r, "room"))
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.Rooms(r.Context())
	if err != nil {
		shield.GetLogger(r.Context()).Error("relay: list rooms", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	doc, ok, err := s.store.Get(r.Context(), roomParam(r))
	if err != nil {
		shield.GetLogger(r.Context()).Error("relay: read document", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no document")
		return
	}
	etag := `"` + board.Digest(doc) + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	log := shield.GetLogger(r.Context())
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.metrics.rejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	meta, err := s.Put(r.Context(), roomParam(r), r.Header.Get(shield.HeaderClientID), body)
	switch {
	case errors.Is(err, ErrNotObject):
		s.metrics.rejected.WithLabelValues("not_object").Inc()
		log.Warn("relay: rejected document", "error", err)
		writeError(w, http.StatusBadRequest, "document must be a JSON object")
		return
	case err != nil:
		log.Error("relay: store document", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	room := roomParam(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		shield.GetLogger(r.Context()).Debug("relay: upgrade failed", "error", err)
		return
	}
	sub := newSubscriber(conn)

	s.publishMu.Lock()
	if r.URL.Query().Get("catchup") == "1" {
		if doc, ok, err := s.store.Get(r.Context(), room); err == nil && ok {
			sub.send <- doc
		}
	}
	added := s.hub.add(room, sub)
	s.publishMu.Unlock()
	if !added {
		conn.Close()
		return
	}

	go sub.writeLoop()
	sub.readLoop()
	s.hub.remove(room, sub)
	conn.Close()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

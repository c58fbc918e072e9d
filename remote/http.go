package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HeaderClientID carries the writer identity on document writes.
const HeaderClientID = "X-Client-ID"

const (
	maxDocBytes    = 8 << 20
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// HTTP is a Channel backed by the relay server: PUT/GET on
// /v1/rooms/{room}/doc and a websocket on /v1/rooms/{room}/live.
type HTTP struct {
	base     *url.URL
	baseErr  error
	room     string
	clientID string
	timeout  time.Duration
	client   *http.Client
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu       sync.Mutex
	handlers []Handler
	onState  []func(bool)
	conn     *websocket.Conn
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

// NewHTTP builds the channel. Configuration errors surface from Start.
func NewHTTP(cfg Config, clientID string, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	h := &HTTP{
		room:     NormalizeRoom(cfg.Room),
		clientID: clientID,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		dialer:   &websocket.Dialer{HandshakeTimeout: timeout},
		logger:   logger,
	}
	h.base, h.baseErr = parseBase(cfg.URL)
	return h
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// Room returns the normalized room name.
func (h *HTTP) Room() string { return h.room }

func (h *HTTP) docURL() string {
	return h.base.JoinPath("v1", "rooms", h.room, "doc").String()
}

func (h *HTTP) liveURL(catchup bool) string {
	u := h.base.JoinPath("v1", "rooms", h.room, "live")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if catchup {
		u.RawQuery = "catchup=1"
	}
	return u.String()
}

func (h *HTTP) Subscribe(fn Handler) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.handlers = append(h.handlers, fn)
	h.mu.Unlock()
}

func (h *HTTP) OnStateChange(fn func(connected bool)) {
	h.mu.Lock()
	h.onState = append(h.onState, fn)
	h.mu.Unlock()
}

// Start fetches the current room document, opens the live subscription and
// keeps it open until Close, reconnecting with capped exponential backoff.
func (h *HTTP) Start(ctx context.Context) error {
	if h.baseErr != nil {
		return &ConnectError{Room: h.room, Err: h.baseErr}
	}
	doc, err := h.fetch(ctx)
	if err != nil {
		return &ConnectError{URL: h.base.String(), Room: h.room, Err: err}
	}
	conn, _, err := h.dialer.DialContext(ctx, h.liveURL(false), nil)
	if err != nil {
		return &ConnectError{URL: h.base.String(), Room: h.room, Err: err}
	}

	liveCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.conn = conn
	h.cancel = cancel
	h.mu.Unlock()

	if doc != nil {
		h.deliver(doc)
	}
	h.wg.Add(1)
	go h.live(liveCtx, conn)
	return nil
}

func (h *HTTP) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.docURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocBytes))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

// Write PUTs payload as the room document.
func (h *HTTP) Write(ctx context.Context, payload []byte) error {
	if h.baseErr != nil {
		return &WriteError{Room: h.room, Err: h.baseErr}
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.docURL(), bytes.NewReader(payload))
	if err != nil {
		return &WriteError{Room: h.room, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderClientID, h.clientID)

	resp, err := h.client.Do(req)
	if err != nil {
		return &WriteError{Room: h.room, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &WriteError{Room: h.room, Status: resp.StatusCode, Err: errors.New(string(bytes.TrimSpace(msg)))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (h *HTTP) Close() error {
	h.mu.Lock()
	cancel, conn := h.cancel, h.conn
	h.cancel, h.conn = nil, nil
	h.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	h.wg.Wait()
	return err
}

// live reads documents from conn until it drops, then redials until ctx is
// cancelled.
func (h *HTTP) live(ctx context.Context, conn *websocket.Conn) {
	defer h.wg.Done()
	stop := context.AfterFunc(ctx, func() {
		h.mu.Lock()
		c := h.conn
		h.mu.Unlock()
		if c != nil {
			c.Close()
		}
	})
	defer stop()

	for {
		h.read(conn)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("remote: live subscription dropped", "room", h.room)
		h.notify(false)

		conn = h.redial(ctx)
		if conn == nil {
			return
		}
		h.logger.Info("remote: live subscription restored", "room", h.room)
		h.notify(true)
	}
}

func (h *HTTP) read(conn *websocket.Conn) {
	conn.SetReadLimit(maxDocBytes)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		h.deliver(data)
	}
}

func (h *HTTP) redial(ctx context.Context) *websocket.Conn {
	wait := backoffInitial
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		conn, _, err := h.dialer.DialContext(ctx, h.liveURL(true), nil)
		if err == nil {
			h.mu.Lock()
			if h.cancel == nil {
				h.mu.Unlock()
				conn.Close()
				return nil
			}
			h.conn = conn
			h.mu.Unlock()
			return conn
		}
		h.logger.Debug("remote: redial failed", "room", h.room, "backoff", wait, "error", err)
		wait *= 2
		if wait > backoffMax {
			wait = backoffMax
		}
	}
}

func (h *HTTP) deliver(doc []byte) {
	h.mu.Lock()
	hs := append([]Handler(nil), h.handlers...)
	h.mu.Unlock()
	meta := ExtractMeta(doc)
	for _, fn := range hs {
		fn(doc, meta)
	}
}

func (h *HTTP) notify(connected bool) {
	h.mu.Lock()
	fns := append([]func(bool){}, h.onState...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

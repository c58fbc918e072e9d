package replica

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/idgen"
)

// Renderer is told about every snapshot the engine installs itself (initial
// hydrate and remote applies). It receives a copy.
type Renderer func(board.Snapshot)

// StatusHandler observes status transitions.
type StatusHandler func(status string)

// Option configures an Engine.
type Option func(*options)

type options struct {
	pollInterval time.Duration
	debounce     time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	render       Renderer
	onStatus     StatusHandler
	clientID     string
	initial      *board.Snapshot
	newID        idgen.Generator
	now          func() time.Time
	echoFilter   bool
}

func defaultOptions() options {
	return options{
		pollInterval: 250 * time.Millisecond,
		debounce:     150 * time.Millisecond,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		newID:        idgen.Record,
		now:          time.Now,
	}
}

// WithPollInterval sets how often the current snapshot is compared to the
// last emitted one. Default: 250ms.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithDebounce sets the remote write quiet period. Default: 150ms.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithWriteTimeout bounds one remote write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRenderer registers the re-render callback. It must not call Poll,
// Flush or ApplyRemote.
func WithRenderer(fn Renderer) Option {
	return func(o *options) { o.render = fn }
}

// WithStatusHandler registers a status observer.
func WithStatusHandler(fn StatusHandler) Option {
	return func(o *options) { o.onStatus = fn }
}

// WithClientID sets the replicating identity. It must match the id the peer
// transport was opened with. Default: a fresh idgen.Client id.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithInitial replaces the first-run seed.
func WithInitial(s board.Snapshot) Option {
	return func(o *options) {
		c := s.Clone()
		o.initial = &c
	}
}

// WithIDGenerator sets the generator used for seeded record ids.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithClock sets the time source used for seeded timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRemoteEchoFilter drops remote documents last written by this client
// before they reach ApplyRemote. Off by default: every observed document is
// applied and the guard alone stops re-emission.
func WithRemoteEchoFilter() Option {
	return func(o *options) { o.echoFilter = true }
}

// Package watch is a poll-compare-act loop over an opaque byte token. Each
// cycle asks a Detector for the current token, compares it byte-for-byte to
// the last emitted token and runs the action when they differ.
//
// The replica engine uses the deterministic snapshot encoding as the token:
//
//	w := watch.New(watch.Options{Interval: 250 * time.Millisecond, Detector: encodeCurrent, Skip: applying.Load})
//	go w.OnChange(ctx, emit)
package watch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Detector returns the current token. Equal bytes mean "nothing changed".
// Returning ErrSkip skips the cycle without counting an error.
type Detector func(ctx context.Context) ([]byte, error)

// ErrSkip is returned by a Detector to skip the current cycle.
var ErrSkip = errors.New("watch: skip cycle")

// Action handles a changed token. Returning an error leaves the last emitted
// token unchanged so the next cycle tries again.
type Action func(ctx context.Context, token []byte) error

// Options tunes the watcher.
type Options struct {
	// Interval is the polling frequency. Default: 250ms.
	Interval time.Duration
	// Detector is required.
	Detector Detector
	// Skip, when it returns true, makes a cycle skip detection entirely.
	Skip func() bool
	// Logger overrides slog.Default.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 250 * time.Millisecond
	}
	if o.Skip == nil {
		o.Skip = func() bool { return false }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ErrNoDetector is returned by Poll when Options.Detector is nil.
var ErrNoDetector = errors.New("watch: no detector")

// Watcher is safe for concurrent use; cycles are serialized.
type Watcher struct {
	opts Options

	mu   sync.Mutex
	last []byte

	// gen counts emitted tokens (actions that succeeded plus Marks);
	// genCond wakes WaitForGeneration.
	genMu   sync.Mutex
	gen     int64
	genCond *sync.Cond

	checks   atomic.Int64
	changes  atomic.Int64
	skips    atomic.Int64
	errors   atomic.Int64
	actions  atomic.Int64
	actionNs atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Checks          int64         `json:"checks"`
	ChangesDetected int64         `json:"changes_detected"`
	Skipped         int64         `json:"skipped"`
	Errors          int64         `json:"errors"`
	Actions         int64         `json:"actions"`
	AvgActionTime   time.Duration `json:"avg_action_time"`
}

// New creates a Watcher.
func New(opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{opts: opts}
	w.genCond = sync.NewCond(&w.genMu)
	return w
}

// Stats returns the current counters.
func (w *Watcher) Stats() Stats {
	s := Stats{
		Checks:          w.checks.Load(),
		ChangesDetected: w.changes.Load(),
		Skipped:         w.skips.Load(),
		Errors:          w.errors.Load(),
		Actions:         w.actions.Load(),
	}
	if s.Actions > 0 {
		s.AvgActionTime = time.Duration(w.actionNs.Load() / s.Actions)
	}
	return s
}

// Mark records token as emitted without running the action.
func (w *Watcher) Mark(token []byte) {
	w.mu.Lock()
	w.last = bytes.Clone(token)
	w.mu.Unlock()
	w.bump()
}

// Exclusive runs fn while no cycle is in progress; no cycle starts until fn
// returns. A non-nil token returned by fn is recorded as emitted, as with
// Mark. fn must not call Poll or Mark.
func (w *Watcher) Exclusive(fn func() []byte) {
	w.mu.Lock()
	token := fn()
	if token != nil {
		w.last = bytes.Clone(token)
	}
	w.mu.Unlock()
	if token != nil {
		w.bump()
	}
}

// Last returns a copy of the last emitted token.
func (w *Watcher) Last() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Clone(w.last)
}

// Generation returns how many tokens have been emitted or marked.
func (w *Watcher) Generation() int64 {
	w.genMu.Lock()
	defer w.genMu.Unlock()
	return w.gen
}

// Poll runs one cycle. changed reports whether the action ran successfully.
func (w *Watcher) Poll(ctx context.Context, action Action) (changed bool, err error) {
	if w.opts.Detector == nil {
		return false, ErrNoDetector
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.Skip() {
		w.skips.Add(1)
		return false, nil
	}
	w.checks.Add(1)
	cur, err := w.opts.Detector(ctx)
	if errors.Is(err, ErrSkip) {
		w.skips.Add(1)
		return false, nil
	}
	if err != nil {
		w.errors.Add(1)
		return false, err
	}
	if bytes.Equal(cur, w.last) {
		return false, nil
	}
	w.changes.Add(1)

	start := time.Now()
	if err := action(ctx, cur); err != nil {
		w.errors.Add(1)
		return false, err
	}
	w.actions.Add(1)
	w.actionNs.Add(int64(time.Since(start)))
	w.last = cur
	w.bump()
	return true, nil
}

// OnChange polls at opts.Interval until ctx is done.
func (w *Watcher) OnChange(ctx context.Context, action Action) {
	log := w.opts.Logger
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	log.Debug("watch: started", "interval", w.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Debug("watch: stopped")
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx, action); err != nil && ctx.Err() == nil {
				log.Warn("watch: cycle failed", "error", err)
			}
		}
	}
}

// WaitForGeneration blocks until Generation() >= target or ctx is done.
func (w *Watcher) WaitForGeneration(ctx context.Context, target int64) error {
	done := ctx.Done()
	w.genMu.Lock()
	defer w.genMu.Unlock()

	for w.gen < target {
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				w.genMu.Lock()
				w.genCond.Broadcast()
				w.genMu.Unlock()
			case <-ch:
			}
		}()
		w.genCond.Wait()
		close(ch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (w *Watcher) bump() {
	w.genMu.Lock()
	w.gen++
	w.genMu.Unlock()
	w.genCond.Broadcast()
}

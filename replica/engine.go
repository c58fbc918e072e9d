// Package replica keeps one client's seating-board snapshot converged with
// every other client sharing its broadcast scope and remote room.
//
// Local edits are found by polling: every interval the current snapshot is
// encoded and compared byte-for-byte with the last emitted encoding. A
// difference is persisted and sent to peers immediately, and sent to the
// remote document after a debounce window. Snapshots arriving from peers or
// the remote document replace the local one wholesale (last writer wins)
// under the apply guard, which keeps them from being emitted again.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/localstore"
	"github.com/hazyhaar/boardsync/peer"
	"github.com/hazyhaar/boardsync/remote"
	"github.com/hazyhaar/boardsync/watch"
)

// Status values.
const (
	StatusDisconnected  = "disconnected"
	StatusConnected     = "connected"
	StatusPeerSynced    = "synced via peer"
	StatusConnectFailed = "connection failed"
)

// Source names where an applied snapshot came from. It only affects status.
type Source string

const (
	SourcePeer   Source = "peer"
	SourceRemote Source = "remote-store"
)

// ErrOpened is returned by a second call to Open.
var ErrOpened = errors.New("replica: already open")

// Stats are point-in-time counters.
type Stats struct {
	Polls          int64 `json:"polls"`
	LocalChanges   int64 `json:"local_changes"`
	PeerSends      int64 `json:"peer_sends"`
	PeerFailures   int64 `json:"peer_failures"`
	RemoteWrites   int64 `json:"remote_writes"`
	RemoteFailures int64 `json:"remote_failures"`
	RemoteRearms   int64 `json:"remote_rearms"`
	PendingDropped int64 `json:"pending_dropped"`
	AppliedPeer    int64 `json:"applied_peer"`
	AppliedRemote  int64 `json:"applied_remote"`
	DecodeRejects  int64 `json:"decode_rejects"`
	EchoesDropped  int64 `json:"echoes_dropped"`
	PersistSaves   int64 `json:"persist_saves"`
	PersistErrors  int64 `json:"persist_errors"`
}

// Engine owns the snapshot, the last emitted encoding (inside the watcher),
// the apply guard and the pending remote write.
type Engine struct {
	opts    options
	slot    *localstore.Slot
	peer    peer.Broadcaster
	remote  remote.Channel
	watcher *watch.Watcher

	// applyMu serializes ApplyRemote calls.
	applyMu sync.Mutex

	mu       sync.Mutex
	snap     board.Snapshot
	applying bool
	status   string
	opened   bool
	closed   bool
	remoteOn bool
	baseCtx  context.Context

	pending    []byte
	hasPending bool
	timer      *time.Timer
	writeSeq   uint64
	inflight   sync.WaitGroup

	localChanges   atomic.Int64
	peerSends      atomic.Int64
	peerFailures   atomic.Int64
	remoteWrites   atomic.Int64
	remoteFailures atomic.Int64
	remoteRearms   atomic.Int64
	pendingDropped atomic.Int64
	appliedPeer    atomic.Int64
	appliedRemote  atomic.Int64
	decodeRejects  atomic.Int64
	echoesDropped  atomic.Int64
}

// New creates an engine. Nil transports are replaced by their no-op variants
// and a nil slot by an in-memory one.
func New(slot *localstore.Slot, p peer.Broadcaster, r remote.Channel, opts ...Option) *Engine {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.clientID == "" {
		o.clientID = idgen.Client()
	}
	if slot == nil {
		slot = localstore.NewSlot(localstore.NewMemory(), o.logger)
	}
	if p == nil {
		p = peer.Noop{}
	}
	if r == nil {
		r = remote.Noop{}
	}
	e := &Engine{
		opts:    o,
		slot:    slot,
		peer:    p,
		remote:  r,
		status:  StatusDisconnected,
		snap:    board.Defaults(),
		baseCtx: context.Background(),
	}
	e.watcher = watch.New(watch.Options{
		Interval: o.pollInterval,
		Detector: e.detect,
		Logger:   o.logger,
	})
	return e
}

// ClientID returns the replicating identity.
func (e *Engine) ClientID() string { return e.opts.clientID }

// Open hydrates the snapshot from the local store, or seeds it, marks it as
// already emitted, wires the peer and remote receivers and starts the remote
// channel. A remote failure only degrades the status.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.opened {
		e.mu.Unlock()
		return ErrOpened
	}
	e.opened = true
	e.baseCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	log := e.opts.logger
	snap, ok := e.slot.Load(ctx)
	switch {
	case ok:
		log.Info("replica: hydrated from local store", "people", len(snap.People), "boards", len(snap.Boards))
	case e.opts.initial != nil:
		snap = e.opts.initial.Clone()
	default:
		snap = board.Seed(e.opts.newID, e.opts.now().UnixMilli())
		log.Info("replica: seeded first-run board", "board", board.SeedBoardName)
	}
	enc, err := board.Encode(snap)
	if err != nil {
		return fmt.Errorf("replica: encode initial snapshot: %w", err)
	}
	if !ok {
		_ = e.slot.Put(ctx, enc)
	}

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
	e.watcher.Mark(enc)
	e.render(snap)

	e.peer.OnReceive(func(payload []byte, from string) {
		if err := e.ApplyRemote(payload, SourcePeer); err != nil {
			log.Warn("replica: peer snapshot rejected", "from", from, "error", err)
		}
	})
	e.remote.Subscribe(func(doc []byte, meta remote.DocMeta) {
		if e.opts.echoFilter && meta.UpdatedBy == e.opts.clientID {
			e.echoesDropped.Add(1)
			return
		}
		if err := e.ApplyRemote(doc, SourceRemote); err != nil {
			log.Warn("replica: remote document rejected", "updated_by", meta.UpdatedBy, "error", err)
		}
	})
	if sr, ok := e.remote.(remote.StateReporter); ok {
		sr.OnStateChange(func(connected bool) {
			if connected {
				e.setStatus(StatusConnected)
			} else {
				e.setStatus(StatusDisconnected)
			}
		})
	}

	err = e.remote.Start(ctx)
	switch {
	case err == nil:
		e.mu.Lock()
		e.remoteOn = true
		e.mu.Unlock()
		e.setStatus(StatusConnected)
		log.Info("replica: remote channel started", "client_id", e.opts.clientID)
	case errors.Is(err, remote.ErrDisabled):
		e.setStatus(StatusDisconnected)
		log.Info("replica: remote channel disabled, running on local store and peers")
	default:
		e.setStatus(StatusConnectFailed)
		log.Warn("replica: remote channel unavailable, continuing degraded", "error", err)
	}
	return nil
}

// Run polls until ctx is done, then flushes any pending remote write.
func (e *Engine) Run(ctx context.Context) error {
	e.opts.logger.Info("replica: running",
		"client_id", e.opts.clientID,
		"poll_interval", e.opts.pollInterval,
		"debounce", e.opts.debounce)
	e.watcher.OnChange(ctx, e.emit)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.writeTimeout)
	defer cancel()
	if err := e.Flush(fctx); err != nil {
		e.opts.logger.Warn("replica: final flush failed", "error", err)
	}
	return nil
}

// Mutate applies a local edit. The change is picked up by the next poll.
func (e *Engine) Mutate(fn func(*board.Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.snap)
}

// Snapshot returns a copy of the current snapshot.
func (e *Engine) Snapshot() board.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Clone()
}

// Status returns the current status string.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ApplyRemote installs a snapshot received from a peer or the remote
// document. It waits for a running poll cycle to finish and no cycle or
// debounced write emits anything until it returns. A pending remote write
// is dropped: it holds a state the applied snapshot replaces. An undecodable
// payload is discarded and the current snapshot kept.
func (e *Engine) ApplyRemote(payload []byte, source Source) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	snap, err := board.Decode(payload)
	if err != nil {
		e.decodeRejects.Add(1)
		return err
	}
	enc, err := board.Encode(snap)
	if err != nil {
		return err
	}

	e.watcher.Exclusive(func() []byte {
		e.mu.Lock()
		e.applying = true
		e.snap = snap
		if e.hasPending {
			e.pending, e.hasPending = nil, false
			e.pendingDropped.Add(1)
		}
		ctx := e.baseCtx
		e.mu.Unlock()
		defer e.setApplying(false)

		e.render(snap)
		_ = e.slot.Put(ctx, enc)
		return enc
	})

	switch source {
	case SourcePeer:
		e.appliedPeer.Add(1)
		e.setStatus(StatusPeerSynced)
	default:
		e.appliedRemote.Add(1)
		e.setStatus(StatusConnected)
	}
	e.opts.logger.Debug("replica: applied snapshot", "source", source, "digest", board.Digest(enc))
	return nil
}

// Poll runs one detection cycle. changed reports whether a local change was
// emitted.
func (e *Engine) Poll(ctx context.Context) (changed bool, err error) {
	return e.watcher.Poll(ctx, e.emit)
}

// Flush runs one detection cycle and then sends any pending remote write
// immediately, returning its error.
func (e *Engine) Flush(ctx context.Context) error {
	if _, err := e.Poll(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.hasPending || e.applying {
		e.mu.Unlock()
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	payload, seq := e.takePending()
	e.mu.Unlock()

	return e.write(ctx, seq, payload)
}

// Close stops the debounce timer, waits for in-flight remote writes and
// closes both transports. A pending remote write is dropped; call Flush first
// to send it.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.hasPending, e.pending = false, nil
	e.mu.Unlock()

	e.inflight.Wait()
	return errors.Join(e.peer.Close(), e.remote.Close())
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	ws := e.watcher.Stats()
	ss := e.slot.Stats()
	return Stats{
		Polls:          ws.Checks,
		LocalChanges:   e.localChanges.Load(),
		PeerSends:      e.peerSends.Load(),
		PeerFailures:   e.peerFailures.Load(),
		RemoteWrites:   e.remoteWrites.Load(),
		RemoteFailures: e.remoteFailures.Load(),
		RemoteRearms:   e.remoteRearms.Load(),
		PendingDropped: e.pendingDropped.Load(),
		AppliedPeer:    e.appliedPeer.Load(),
		AppliedRemote:  e.appliedRemote.Load(),
		DecodeRejects:  e.decodeRejects.Load(),
		EchoesDropped:  e.echoesDropped.Load(),
		PersistSaves:   ss.Saves,
		PersistErrors:  ss.Failures,
	}
}

// detect encodes the current snapshot. The guard and the snapshot are read
// under one lock, so a cycle never sees a half-applied remote snapshot.
func (e *Engine) detect(context.Context) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.applying {
		return nil, watch.ErrSkip
	}
	return board.Encode(e.snap)
}

// emit handles Idle→Dirty: persist and peer send now, remote write later.
func (e *Engine) emit(ctx context.Context, enc []byte) error {
	e.localChanges.Add(1)
	_ = e.slot.Put(ctx, enc)

	if err := e.peer.Send(ctx, enc); err != nil {
		e.peerFailures.Add(1)
		e.opts.logger.Warn("replica: peer send failed", "error", err)
	} else {
		e.peerSends.Add(1)
	}

	e.schedule(enc)
	return nil
}

// schedule holds enc as the pending remote payload and (re)arms the timer.
func (e *Engine) schedule(enc []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteOn || e.closed {
		return
	}
	e.pending, e.hasPending = enc, true
	if e.timer == nil {
		e.timer = time.AfterFunc(e.opts.debounce, e.fire)
		return
	}
	e.timer.Reset(e.opts.debounce)
}

func (e *Engine) fire() {
	e.mu.Lock()
	if e.closed || !e.hasPending {
		e.mu.Unlock()
		return
	}
	if e.applying {
		e.remoteRearms.Add(1)
		e.timer.Reset(e.opts.debounce)
		e.mu.Unlock()
		return
	}
	payload, seq := e.takePending()
	e.inflight.Add(1)
	ctx := e.baseCtx
	e.mu.Unlock()

	defer e.inflight.Done()
	wctx, cancel := context.WithTimeout(ctx, e.opts.writeTimeout)
	defer cancel()
	_ = e.write(wctx, seq, payload)
}

// takePending must be called with e.mu held.
func (e *Engine) takePending() ([]byte, uint64) {
	payload := e.pending
	e.pending, e.hasPending = nil, false
	e.writeSeq++
	return payload, e.writeSeq
}

func (e *Engine) write(ctx context.Context, seq uint64, payload []byte) error {
	err := e.remote.Write(ctx, payload)

	e.mu.Lock()
	superseded := seq != e.writeSeq
	e.mu.Unlock()

	if err != nil {
		e.remoteFailures.Add(1)
		if superseded {
			e.opts.logger.Debug("replica: superseded remote write failed", "error", err)
		} else {
			e.opts.logger.Warn("replica: remote write failed", "error", err)
		}
		return err
	}
	e.remoteWrites.Add(1)
	return nil
}

func (e *Engine) setApplying(v bool) {
	e.mu.Lock()
	e.applying = v
	e.mu.Unlock()
}

func (e *Engine) setStatus(s string) {
	e.mu.Lock()
	if e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	fn := e.opts.onStatus
	e.mu.Unlock()

	e.opts.logger.Info("replica: status", "status", s)
	if fn != nil {
		fn(s)
	}
}

func (e *Engine) render(s board.Snapshot) {
	if e.opts.render != nil {
		e.opts.render(s.Clone())
	}
}

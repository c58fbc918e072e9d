package replica

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/board"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/localstore"
	"github.com/hazyhaar/boardsync/peer"
	"github.com/hazyhaar/boardsync/remote"
)

const testDebounce = 40 * time.Millisecond

type harness struct {
	e     *Engine
	store *localstore.Memory
	slot  *localstore.Slot
	ch    *remote.Memory
}

func newHarness(t *testing.T, id string, bus *peer.Bus, srv *remote.MemoryServer, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: localstore.NewMemory()}
	h.slot = localstore.NewSlot(h.store, nil)

	var p peer.Broadcaster
	if bus != nil {
		p = bus.Join(id)
	}
	var r remote.Channel
	if srv != nil {
		h.ch = srv.Channel("main", id)
		r = h.ch
	}
	base := []Option{
		WithClientID(id),
		WithInitial(board.Defaults()),
		WithDebounce(testDebounce),
		WithPollInterval(time.Hour),
	}
	h.e = New(h.slot, p, r, append(base, opts...)...)
	if err := h.e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.e.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func encode(t *testing.T, s board.Snapshot) []byte {
	t.Helper()
	b, err := board.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func addAlice(s *board.Snapshot) { s.AddWaiting("p-alice", "Alice", 1000) }

func TestOpen_SeedsFirstRun(t *testing.T) {
	slot := localstore.NewSlot(localstore.NewMemory(), nil)
	e := New(slot, nil, nil,
		WithIDGenerator(idgen.Sequential("id")),
		WithClock(func() time.Time { return time.UnixMilli(5000) }))
	if err := e.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	s := e.Snapshot()
	if len(s.Boards) != 1 || s.Boards[0].Name != board.SeedBoardName || len(s.Boards[0].Boxes) != board.SeedBoxCount {
		t.Fatalf("seed = %+v", s.Boards)
	}
	if s.Boards[0].CreatedAt != 5000 {
		t.Fatalf("createdAt = %d", s.Boards[0].CreatedAt)
	}
	if _, ok := slot.Load(context.Background()); !ok {
		t.Fatal("seed not persisted")
	}
	if e.Status() != StatusDisconnected {
		t.Fatalf("status = %q", e.Status())
	}
	if changed, _ := e.Poll(context.Background()); changed {
		t.Fatal("seed reported as a local change")
	}
	if err := e.Open(context.Background()); !errors.Is(err, ErrOpened) {
		t.Fatalf("second Open = %v", err)
	}
}

func TestOpen_HydratesFromStore(t *testing.T) {
	ctx := context.Background()
	slot := localstore.NewSlot(localstore.NewMemory(), nil)
	saved := board.Defaults()
	addAlice(&saved)
	slot.Save(ctx, saved)

	e := New(slot, nil, nil)
	e.Open(ctx)
	defer e.Close()

	if !bytes.Equal(encode(t, e.Snapshot()), encode(t, saved)) {
		t.Fatal("engine did not hydrate from the local store")
	}
}

func TestPoll_PersistsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	bus := peer.NewBus(nil)
	h := newHarness(t, "P", bus, nil)

	listener := bus.Join("listener")
	defer listener.Close()
	got := make(chan []byte, 4)
	listener.OnReceive(func(payload []byte, from string) {
		if from == "P" {
			got <- payload
		}
	})

	h.e.Mutate(addAlice)
	changed, err := h.e.Poll(ctx)
	if err != nil || !changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if changed, _ := h.e.Poll(ctx); changed {
		t.Fatal("unchanged snapshot emitted twice")
	}

	want := encode(t, h.e.Snapshot())
	stored, _, _ := h.store.Load(ctx, localstore.StateKey)
	if !bytes.Equal(stored, want) {
		t.Fatalf("stored %s, want %s", stored, want)
	}
	select {
	case payload := <-got:
		if !bytes.Equal(payload, want) {
			t.Fatalf("broadcast %s, want %s", payload, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast")
	}
	if s := h.e.Stats(); s.LocalChanges != 1 || s.PeerSends != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestApplyRemote_NoEcho(t *testing.T) {
	ctx := context.Background()
	bus := peer.NewBus(nil)
	srv := remote.NewMemoryServer()
	h := newHarness(t, "Q", bus, srv)

	h.e.Mutate(addAlice)
	if err := h.e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	before := h.e.Stats()

	incoming := board.Defaults()
	incoming.AddWaiting("p-bob", "Bob", 2000)
	if err := h.e.ApplyRemote(encode(t, incoming), SourcePeer); err != nil {
		t.Fatal(err)
	}
	if changed, _ := h.e.Poll(ctx); changed {
		t.Fatal("applied snapshot was re-emitted")
	}
	time.Sleep(3 * testDebounce)

	after := h.e.Stats()
	if after.PeerSends != before.PeerSends || after.RemoteWrites != before.RemoteWrites || after.LocalChanges != before.LocalChanges {
		t.Fatalf("outbound traffic after apply: before=%+v after=%+v", before, after)
	}
	if h.e.Status() != StatusPeerSynced {
		t.Fatalf("status = %q", h.e.Status())
	}
	stored, _, _ := h.store.Load(ctx, localstore.StateKey)
	if !bytes.Equal(stored, encode(t, incoming)) {
		t.Fatal("applied snapshot not persisted")
	}
}

func TestApplyRemote_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "Q", peer.NewBus(nil), remote.NewMemoryServer())

	s := board.Seed(idgen.Sequential("id"), 1000)
	addAlice(&s)
	payload := encode(t, s)

	for range 2 {
		if err := h.e.ApplyRemote(payload, SourceRemote); err != nil {
			t.Fatal(err)
		}
		if changed, _ := h.e.Poll(ctx); changed {
			t.Fatal("apply produced a local change")
		}
	}
	if !bytes.Equal(encode(t, h.e.Snapshot()), payload) {
		t.Fatal("snapshot differs from applied payload")
	}
	if st := h.e.Stats(); st.PeerSends != 0 || st.RemoteWrites != 0 || st.AppliedRemote != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestApplyRemote_WholeDocumentReplace(t *testing.T) {
	h := newHarness(t, "Q", nil, nil)
	h.e.Mutate(func(s *board.Snapshot) {
		addAlice(s)
		s.Zoom = 2.5
		s.SnapEnabled = false
	})

	if err := h.e.ApplyRemote([]byte(`{"people":[]}`), SourceRemote); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encode(t, h.e.Snapshot()), encode(t, board.Defaults())) {
		t.Fatalf("absent fields not reset: %+v", h.e.Snapshot())
	}
}

func TestApplyRemote_DecodeErrorKeepsState(t *testing.T) {
	h := newHarness(t, "Q", nil, nil)
	h.e.Mutate(addAlice)
	before := encode(t, h.e.Snapshot())

	err := h.e.ApplyRemote([]byte(`<html>`), SourcePeer)
	var de *board.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	if !bytes.Equal(encode(t, h.e.Snapshot()), before) {
		t.Fatal("state changed on decode error")
	}
	if h.e.Stats().DecodeRejects != 1 {
		t.Fatal("reject not counted")
	}
	if changed, _ := h.e.Poll(context.Background()); !changed {
		t.Fatal("guard left active after decode error")
	}
}

func TestRemoteWrites_Coalesce(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	h := newHarness(t, "P", nil, srv)

	for i := range 5 {
		h.e.Mutate(func(s *board.Snapshot) { s.Zoom = float64(i + 2) })
		if _, err := h.e.Poll(ctx); err != nil {
			t.Fatal(err)
		}
	}
	final := encode(t, h.e.Snapshot())

	waitFor(t, "remote write", func() bool { return h.ch.Writes() >= 1 })
	time.Sleep(3 * testDebounce)

	if n := h.ch.Writes(); n != 1 {
		t.Fatalf("remote writes = %d, want 1", n)
	}
	doc, _ := srv.Document("main")
	got, err := board.Decode(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encode(t, got), final) {
		t.Fatalf("remote holds %s, want %s", encode(t, got), final)
	}
	if st := h.e.Stats(); st.LocalChanges != 5 || st.RemoteWrites != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRemoteWrite_FailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	h := newHarness(t, "P", nil, srv)

	srv.FailWrites = errors.New("offline")
	h.e.Mutate(addAlice)
	var werr *remote.WriteError
	if err := h.e.Flush(ctx); !errors.As(err, &werr) {
		t.Fatalf("flush = %v", err)
	}
	time.Sleep(3 * testDebounce)
	if st := h.e.Stats(); st.RemoteFailures != 1 || st.RemoteWrites != 0 {
		t.Fatalf("failed payload retried: %+v", st)
	}
	if len(h.e.Snapshot().People) != 1 {
		t.Fatal("local snapshot rolled back")
	}

	srv.FailWrites = nil
	h.e.Mutate(func(s *board.Snapshot) { s.Zoom = 3 })
	if err := h.e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := srv.Document("main"); !ok {
		t.Fatal("next change did not reach the remote document")
	}
}

func TestConnectFailure_Degrades(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	srv.FailStart = errors.New("refused")
	bus := peer.NewBus(nil)

	var mu sync.Mutex
	var statuses []string
	h := newHarness(t, "P", bus, srv, WithStatusHandler(func(s string) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	}))

	if h.e.Status() != StatusConnectFailed {
		t.Fatalf("status = %q", h.e.Status())
	}
	h.e.Mutate(addAlice)
	if changed, _ := h.e.Poll(ctx); !changed {
		t.Fatal("local change not detected while degraded")
	}
	time.Sleep(3 * testDebounce)
	st := h.e.Stats()
	if st.PeerSends != 1 || st.RemoteWrites != 0 || st.RemoteFailures != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := h.slot.Load(ctx); !ok {
		t.Fatal("not persisted while degraded")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(statuses) == 0 || statuses[len(statuses)-1] != StatusConnectFailed {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestDebounce_RearmsWhileApplying(t *testing.T) {
	srv := remote.NewMemoryServer()
	h := newHarness(t, "P", nil, srv)

	h.e.setApplying(true)
	h.e.schedule([]byte(`{"zoom":4}`))
	waitFor(t, "re-arm", func() bool { return h.e.Stats().RemoteRearms >= 1 })
	if h.ch.Writes() != 0 {
		t.Fatal("write fired while guard active")
	}

	h.e.setApplying(false)
	waitFor(t, "deferred write", func() bool { return h.ch.Writes() == 1 })
}

func TestRemote_ConvergesAcrossRoom(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	a := newHarness(t, "A", nil, srv)
	b := newHarness(t, "B", nil, srv)

	a.e.Mutate(addAlice)
	if err := a.e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encode(t, b.e.Snapshot()), encode(t, a.e.Snapshot())) {
		t.Fatal("B did not converge on A's snapshot")
	}
	if changed, _ := b.e.Poll(ctx); changed {
		t.Fatal("B re-emitted the remote snapshot")
	}
	time.Sleep(3 * testDebounce)
	if b.ch.Writes() != 0 {
		t.Fatal("B wrote back to the remote document")
	}
	if b.e.Status() != StatusConnected {
		t.Fatalf("B status = %q", b.e.Status())
	}
}

func TestRemoteEchoFilter(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	h := newHarness(t, "A", nil, srv, WithRemoteEchoFilter())

	h.e.Mutate(addAlice)
	if err := h.e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if st := h.e.Stats(); st.EchoesDropped != 1 || st.AppliedRemote != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPersistFailure_StillBroadcasts(t *testing.T) {
	ctx := context.Background()
	bus := peer.NewBus(nil)
	h := newHarness(t, "P", bus, nil)
	h.store.FailSaves = errors.New("quota exceeded")

	h.e.Mutate(addAlice)
	if changed, err := h.e.Poll(ctx); !changed || err != nil {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	if changed, _ := h.e.Poll(ctx); changed {
		t.Fatal("persist failure retried on a timer")
	}
	st := h.e.Stats()
	if st.PersistErrors != 1 || st.PeerSends != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClose_ReleasesPeer(t *testing.T) {
	bus := peer.NewBus(nil)
	h := newHarness(t, "P", bus, nil)
	if bus.Members() != 1 {
		t.Fatalf("members = %d", bus.Members())
	}
	if err := h.e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := h.e.Close(); err != nil {
		t.Fatal(err)
	}
	if bus.Members() != 0 {
		t.Fatalf("members = %d after close", bus.Members())
	}
}

// A adds Alice; B, sharing only the broadcast scope, shows her in its
// waiting list and does not broadcast anything itself.
func TestAliceScenario(t *testing.T) {
	bus := peer.NewBus(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var rendered board.Snapshot
	p := newHarness(t, "P", bus, nil, WithPollInterval(20*time.Millisecond))
	q := newHarness(t, "Q", bus, nil, WithPollInterval(20*time.Millisecond), WithRenderer(func(s board.Snapshot) {
		mu.Lock()
		rendered = s
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for _, e := range []*Engine{p.e, q.e} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(ctx)
		}()
	}

	p.e.Mutate(addAlice)

	waitFor(t, "Alice on Q", func() bool {
		mu.Lock()
		defer mu.Unlock()
		w := rendered.Waiting()
		return len(w) == 1 && w[0].Name == "Alice"
	})

	stored, ok := p.slot.Load(context.Background())
	if !ok || len(stored.People) != 1 || stored.People[0].Status != board.StatusWaiting {
		t.Fatalf("P local store = %+v", stored.People)
	}
	if !bytes.Equal(encode(t, q.e.Snapshot()), encode(t, p.e.Snapshot())) {
		t.Fatal("Q diverged from P")
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	if st := q.e.Stats(); st.PeerSends != 0 || st.AppliedPeer != 1 {
		t.Fatalf("Q stats = %+v", st)
	}
	if q.e.Status() != StatusPeerSynced {
		t.Fatalf("Q status = %q", q.e.Status())
	}
}

// gatedStore blocks the first Save after arm until release is closed.
type gatedStore struct {
	*localstore.Memory
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Memory:  localstore.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedStore) Save(ctx context.Context, key string, value []byte) error {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Memory.Save(ctx, key, value)
}

func TestApplyRemote_WaitsForRunningPoll(t *testing.T) {
	ctx := context.Background()
	store := newGatedStore()
	srv := remote.NewMemoryServer()
	ch := srv.Channel("main", "P")
	e := New(localstore.NewSlot(store, nil), nil, ch,
		WithClientID("P"),
		WithInitial(board.Defaults()),
		WithDebounce(testDebounce),
		WithPollInterval(time.Hour))
	if err := e.Open(ctx); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	e.Mutate(addAlice)
	store.armed.Store(true)
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		e.Poll(ctx)
	}()
	<-store.entered

	incoming := board.Defaults()
	incoming.AddWaiting("p-bob", "Bob", 2000)
	want := encode(t, incoming)
	applyDone := make(chan error, 1)
	go func() { applyDone <- e.ApplyRemote(want, SourceRemote) }()

	select {
	case <-applyDone:
		t.Fatal("apply ran while a poll cycle was emitting")
	case <-time.After(30 * time.Millisecond):
	}
	close(store.release)
	<-pollDone
	if err := <-applyDone; err != nil {
		t.Fatal(err)
	}

	stored, _, _ := store.Load(ctx, localstore.StateKey)
	if !bytes.Equal(stored, want) {
		t.Fatalf("local store holds %s, want the applied snapshot", stored)
	}
	if !bytes.Equal(encode(t, e.Snapshot()), want) {
		t.Fatal("memory does not hold the applied snapshot")
	}
	if changed, _ := e.Poll(ctx); changed {
		t.Fatal("applied snapshot re-emitted")
	}

	time.Sleep(3 * testDebounce)
	if n := ch.Writes(); n != 0 {
		t.Fatalf("pre-apply payload written remotely %d times", n)
	}
	if st := e.Stats(); st.LocalChanges != 1 || st.PendingDropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestApplyRemote_DropsPendingRemoteWrite(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewMemoryServer()
	h := newHarness(t, "P", nil, srv)
	other := srv.Channel("main", "Q")

	h.e.Mutate(addAlice)
	if changed, err := h.e.Poll(ctx); !changed || err != nil {
		t.Fatalf("changed=%v err=%v", changed, err)
	}

	incoming := board.Defaults()
	incoming.AddWaiting("p-bob", "Bob", 2000)
	if err := other.Write(ctx, encode(t, incoming)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(3 * testDebounce)
	if n := h.ch.Writes(); n != 0 {
		t.Fatalf("stale pending write sent %d times", n)
	}
	p := h.e.Snapshot().People
	if len(p) != 1 || p[0].Name != "Bob" {
		t.Fatalf("people = %+v", p)
	}
	doc, _ := srv.Document("main")
	if meta := remote.ExtractMeta(doc); meta.UpdatedBy != "Q" {
		t.Fatalf("room last written by %q", meta.UpdatedBy)
	}
}

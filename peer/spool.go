package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Spool is a same-device broadcast scope backed by a shared directory. Each
// client atomically replaces <dir>/<clientId>.json with its latest envelope;
// the others are notified through fsnotify and read the file.
type Spool struct {
	dir     string
	in      *inbound
	watcher *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSpool creates dir if needed and starts watching it.
func NewSpool(dir, self string, logger *slog.Logger) (*Spool, error) {
	if dir == "" {
		return nil, errors.New("peer: spool dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("peer: spool mkdir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("peer: spool watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("peer: spool watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Spool{dir: dir, in: newInbound(self, logger), watcher: w, cancel: cancel}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

func (s *Spool) Send(_ context.Context, payload []byte) error {
	data, err := Seal(s.in.self, payload)
	if err != nil {
		return err
	}
	final := filepath.Join(s.dir, s.in.self+".json")
	tmp, err := os.CreateTemp(s.dir, ".send-*")
	if err != nil {
		return fmt.Errorf("peer: spool send: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("peer: spool send: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("peer: spool send: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("peer: spool send: %w", err)
	}
	s.in.sent.Add(1)
	return nil
}

func (s *Spool) OnReceive(h Handler) { s.in.add(h) }

// Stats returns the spool's counters.
func (s *Spool) Stats() Stats { return s.in.stats() }

func (s *Spool) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Spool) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
				continue
			}
			if name == s.in.self+".json" {
				continue
			}
			data, err := os.ReadFile(ev.Name)
			if err != nil {
				s.in.logger.Debug("peer: spool read failed", "file", name, "error", err)
				continue
			}
			s.in.dispatch(data)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.in.logger.Warn("peer: spool watcher error", "error", err)
		}
	}
}

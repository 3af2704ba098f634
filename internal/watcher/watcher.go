// Package watcher reports changes to individual files as events on a channel.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one observed change of a watched file.
type Event struct {
	Path string
	Type EventType
}

// FileWatcher watches single files. It watches their parent directories so
// that editors that replace a file by rename are still observed.
type FileWatcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger
	events chan Event

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]bool

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher. bufferSize bounds the event channel; events are
// dropped when the consumer falls behind.
func New(bufferSize int, logger *slog.Logger) (*FileWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if bufferSize < 1 {
		bufferSize = 16
	}
	return &FileWatcher{
		fs:     fw,
		logger: logging.WithComponent(logging.OrDiscard(logger), "watcher"),
		events: make(chan Event, bufferSize),
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		done:   make(chan struct{}),
	}, nil
}

// Add starts watching path. The file need not exist yet, but its directory
// must.
func (w *FileWatcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.dirs[dir] {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.files[abs] = true
	w.logger.Info("watching file", "path", logging.SanitizePath(abs))
	return nil
}

// Events returns the channel events are delivered on. It is closed after Run
// returns.
func (w *FileWatcher) Events() <-chan Event {
	return w.events
}

// Run forwards filesystem notifications until ctx is done or Stop is called.
func (w *FileWatcher) Run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *FileWatcher) handle(ev fsnotify.Event) {
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	watched := w.files[abs]
	w.mu.Unlock()
	if !watched {
		return
	}

	var typ EventType
	switch {
	case ev.Has(fsnotify.Create):
		typ = EventCreate
	case ev.Has(fsnotify.Write):
		typ = EventModify
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		typ = EventDelete
	default:
		return
	}

	select {
	case w.events <- Event{Path: abs, Type: typ}:
	default:
		w.logger.Debug("event dropped, consumer busy", "path", abs, "type", typ.String())
	}
}

// Stop releases the underlying watcher.
func (w *FileWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

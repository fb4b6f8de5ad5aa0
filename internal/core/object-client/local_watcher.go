package objectclient

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// EventHandler receives object-finalized events.
type EventHandler func(ctx context.Context, ev core.ObjectEvent)

// LocalWatcher turns file creation under a LocalClient root into
// object-finalized events. An event fires once a file has been quiet for the
// configured period.
type LocalWatcher struct {
	client  *LocalClient
	handler EventHandler
	quiet   time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewLocalWatcher(client *LocalClient, handler EventHandler, quiet time.Duration) *LocalWatcher {
	if quiet <= 0 {
		quiet = 500 * time.Millisecond
	}
	return &LocalWatcher{
		client:  client,
		handler: handler,
		quiet:   quiet,
		logger:  slog.Default().With("component", "local-watcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is cancelled.
func (w *LocalWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addTree(watcher, w.client.Root()); err != nil {
		return err
	}
	w.logger.Info("watching local storage", "root", w.client.Root())

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "err", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, watcher, ev)
		}
	}
}

func (w *LocalWatcher) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (w *LocalWatcher) handle(ctx context.Context, watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if err := w.addTree(watcher, ev.Name); err != nil {
			w.logger.Warn("watch new directory failed", "path", ev.Name, "err", err)
		}
		return
	}
	w.schedule(ctx, ev.Name)
}

func (w *LocalWatcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.quiet)
		return
	}
	w.pending[path] = time.AfterFunc(w.quiet, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.fire(ctx, path)
	})
}

func (w *LocalWatcher) fire(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	bucket, key, ok := w.client.ObjectFor(path)
	if !ok {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	w.handler(ctx, core.ObjectEvent{
		Bucket:    bucket,
		Key:       key,
		Size:      info.Size(),
		Sequencer: fmt.Sprintf("%x", info.ModTime().UnixNano()),
	})
}

func (w *LocalWatcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

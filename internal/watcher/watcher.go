// Package watcher turns changes made to the working tree behind the server's
// back into index events.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/storage/local"
)

// Op is the kind of change observed.
type Op uint8

const (
	Created Op = iota
	Removed
)

func (op Op) String() string {
	if op == Removed {
		return "removed"
	}
	return "created"
}

// Event is one observed change. Created paths are in index format (directory
// paths end in "/"). A Removed path is always in file format, because the
// kind of a vanished entry can no longer be checked on disk.
type Event struct {
	Op    Op
	Path  string
	IsDir bool
}

// Handler receives events one at a time, in the order they were observed.
type Handler func(Event)

// Watcher watches a directory tree.
type Watcher struct {
	root    string
	backend *local.LocalBackend
	watcher *fsnotify.Watcher
	handler Handler

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher for the backend's root. Entries the backend keeps out
// of the index are not reported.
func New(backend *local.LocalBackend, handler Handler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:    backend.Root(),
		backend: backend,
		watcher: fw,
		handler: handler,
		done:    make(chan struct{}),
	}, nil
}

// Start watches root and every directory below it, then processes events
// until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root, false); err != nil {
		return err
	}
	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

// addRecursive watches dir and its subdirectories. With report set, every
// entry found is emitted as Created, which covers directories moved in from
// outside the tree.
func (w *Watcher) addRecursive(dir string, report bool) error {
	return filepath.WalkDir(dir, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if full != w.root && w.backend.Ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(full); err != nil {
				return err
			}
		}
		if report && (d.IsDir() || d.Type().IsRegular()) {
			w.emit(Created, full, d.IsDir())
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("watcher error", zap.String("root", w.root), zap.Error(err))
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if w.backend.Ignored(filepath.Base(event.Name)) {
		return
	}
	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(event.Name)
		if err != nil {
			// Gone again before we looked.
			return
		}
		if info.IsDir() {
			if err := w.addRecursive(event.Name, true); err != nil {
				logging.Warn("watch directory failed", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
		if info.Mode().IsRegular() {
			w.emit(Created, event.Name, false)
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.emit(Removed, event.Name, false)
	}
}

func (w *Watcher) emit(op Op, full string, isDir bool) {
	p, ok := w.backend.IndexPath(full, isDir)
	if !ok {
		return
	}
	w.handler(Event{Op: op, Path: p, IsDir: isDir})
}

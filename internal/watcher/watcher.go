// Package watcher ingests files dropped into the upload directory, using
// fsnotify with per-file debouncing.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// Handler is called once a file has been quiet for the debounce interval.
type Handler func(ctx context.Context, path string)

// fingerprint identifies a version of a file so the same upload is handled once.
type fingerprint struct {
	size    int64
	modTime time.Time
}

// Watcher watches one directory and hands settled files to a Handler.
type Watcher struct {
	dir        string
	extensions []string
	handle     Handler
	debounce   time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	pending map[string]*time.Timer
	handled map[string]fingerprint
	ctx     context.Context
	wg      sync.WaitGroup
	done    chan struct{}
	started bool
	stop    sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long a file must be quiet before it is handled.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for dir. extensions filters files by extension
// (case-insensitive, leading dot optional); empty accepts every file.
func New(dir string, extensions []string, handle Handler, opts ...Option) *Watcher {
	w := &Watcher{
		dir:        filepath.Clean(dir),
		extensions: extensions,
		handle:     handle,
		debounce:   defaultDebounce,
		logger:     zap.NewNop(),
		pending:    make(map[string]*time.Timer),
		handled:    make(map[string]fingerprint),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Start creates the directory if needed and begins watching. It returns
// immediately; events are processed until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	w.started = true
	w.logger.Info("watching upload directory",
		zap.String("dir", w.dir),
		zap.Strings("extensions", w.extensions))
	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if filepath.Dir(path) != w.dir || strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		if matchExtension(path, w.extensions) {
			w.schedule(path)
		}
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancel(path)
	}
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
	delete(w.handled, path)
}

// fire hands path to the handler unless this version was already handled.
func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if !w.started {
		w.mu.Unlock()
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		w.mu.Unlock()
		return
	}
	fp := fingerprint{size: info.Size(), modTime: info.ModTime()}
	if prev, ok := w.handled[path]; ok && prev == fp {
		w.mu.Unlock()
		return
	}
	w.handled[path] = fp
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()
	w.logger.Debug("handling settled file", zap.String("path", path))
	if w.handle != nil {
		w.handle(ctx, path)
	}
}

// MarkHandled records the current version of path as handled, so a file
// written into the directory by the caller itself is not handled again.
func (w *Watcher) MarkHandled(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handled[filepath.Clean(path)] = fingerprint{size: info.Size(), modTime: info.ModTime()}
	return nil
}

func matchExtension(path string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// Stop stops watching, cancels pending files and waits for running handlers.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	err := w.watcher.Close()
	w.started = false
	w.mu.Unlock()
	w.stop.Do(func() { close(w.done) })
	if err != nil && !errors.Is(err, os.ErrClosed) {
		w.logger.Debug("close watcher", zap.Error(err))
	}
	w.wg.Wait()
}

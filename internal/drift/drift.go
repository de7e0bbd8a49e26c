// Package drift notices when materialized files are removed behind the
// agent's back and schedules them to be written again.
//
// Reconciliation only compares the backend with the cache, so a file
// deleted locally would otherwise stay missing until its row changes.
// The watcher evicts such keys from the reconciler and resets the
// document watermark; the next cycle restores them.
package drift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"confsync/internal/cache"
	"confsync/internal/logging"
	"confsync/internal/materialize"
	"confsync/internal/remote"
)

// ItemInvalidator evicts a key before the next item cycle.
type ItemInvalidator interface {
	Invalidate(key remote.Key)
}

// DocumentInvalidator forgets the applied document version.
type DocumentInvalidator interface {
	Invalidate()
}

// Config configures a Watcher.
type Config struct {
	Materializer *materialize.Materializer
	Cache        *cache.Cache
	Items        ItemInvalidator
	Document     DocumentInvalidator

	// OnDrift is called after a burst of invalidations settles, typically
	// to trigger an early sync. Optional.
	OnDrift func()

	// Settle is the quiet period before OnDrift fires. Default 100ms.
	Settle time.Duration

	Logger *slog.Logger
}

// Watcher watches the materialized tree.
type Watcher struct {
	m        *materialize.Materializer
	cache    *cache.Cache
	items    ItemInvalidator
	document DocumentInvalidator
	onDrift  func()
	settle   time.Duration
	logger   *slog.Logger

	ready chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// New returns a Watcher. Run starts it.
func New(cfg Config) (*Watcher, error) {
	if cfg.Materializer == nil || cfg.Cache == nil || cfg.Items == nil || cfg.Document == nil {
		return nil, errors.New("drift: materializer, cache, items and document are required")
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = 100 * time.Millisecond
	}
	return &Watcher{
		m:        cfg.Materializer,
		cache:    cfg.Cache,
		items:    cfg.Items,
		document: cfg.Document,
		onDrift:  cfg.OnDrift,
		settle:   settle,
		logger:   logging.Default(cfg.Logger).With("component", "drift"),
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the initial watches are in place.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	root := w.m.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(root); err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchDir(watcher, filepath.Join(root, e.Name()))
		}
	}
	close(w.ready)
	w.logger.Info("watching for local drift", "root", root)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handle(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) watchDir(watcher *fsnotify.Watcher, dir string) {
	if err := watcher.Add(dir); err != nil {
		w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
	}
}

func (w *Watcher) handle(watcher *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		if w.isCategoryDir(event.Name) {
			if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
				w.watchDir(watcher, event.Name)
			}
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		if exists(event.Name) {
			return
		}
		if event.Name == w.m.DocumentPath() {
			w.logger.Info("document removed locally", "path", event.Name)
			w.document.Invalidate()
			w.fire()
			return
		}
		if w.isCategoryDir(event.Name) {
			w.invalidateCategory(filepath.Base(event.Name))
			return
		}
		if key, ok := w.m.KeyOf(event.Name); ok && w.cache.Has(key) {
			w.logger.Info("item removed locally", "key", key.String())
			w.items.Invalidate(key)
			w.fire()
		}
	}
}

func (w *Watcher) invalidateCategory(category string) {
	n := 0
	for _, key := range w.cache.Keys() {
		if key.Category == category {
			w.items.Invalidate(key)
			n++
		}
	}
	if n > 0 {
		w.logger.Info("category removed locally", "category", category, "items", n)
		w.fire()
	}
}

func (w *Watcher) isCategoryDir(path string) bool {
	rel, err := filepath.Rel(w.m.Root(), path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return false
	}
	return !strings.ContainsRune(rel, filepath.Separator) && rel != w.m.DocumentName()
}

// fire schedules OnDrift after the settle period, restarting the period
// on every call.
func (w *Watcher) fire() {
	if w.onDrift == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, w.onDrift)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

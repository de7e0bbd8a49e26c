// Package document keeps one well-known row of the document table
// mirrored to a local file.
//
// The watcher owns a watermark: the modification time of the version that
// is currently applied. A fetched row is written whenever its time differs
// from the watermark, in either direction, so restoring an older row on
// the backend restores the older file.
package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"confsync/internal/logging"
	"confsync/internal/remote"
)

// Writer persists the document content.
type Writer interface {
	WriteDocument(content []byte) error
}

// Config configures a Watcher.
type Config struct {
	ID     int64
	Store  remote.Store
	Writer Writer
	Logger *slog.Logger

	// UnavailableLogInterval throttles repeated backend failure warnings.
	// Default 1 minute.
	UnavailableLogInterval time.Duration
}

// Watcher mirrors the document row. Cycle calls are serialized; the
// accessors are safe to call concurrently with a cycle.
type Watcher struct {
	id     int64
	store  remote.Store
	writer Writer
	logger *slog.Logger

	cycleMu sync.Mutex

	mu      sync.Mutex
	last    remote.Item
	applied bool

	unavailable rate.Sometimes
	failing     bool
}

// New returns a Watcher with no applied version.
func New(cfg Config) (*Watcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("document: store is required")
	}
	if cfg.Writer == nil {
		return nil, errors.New("document: writer is required")
	}
	interval := cfg.UnavailableLogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Watcher{
		id:          cfg.ID,
		store:       cfg.Store,
		writer:      cfg.Writer,
		logger:      logging.Default(cfg.Logger).With("component", "document", "id", cfg.ID),
		unavailable: rate.Sometimes{First: 1, Interval: interval},
	}, nil
}

// Cycle fetches the row and writes it if its version differs from the
// applied one. It reports whether a write happened. The watermark only
// advances after a successful write.
func (w *Watcher) Cycle(ctx context.Context) (bool, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	item, err := w.store.FetchSingle(ctx, w.id)
	if err != nil {
		if errors.Is(err, remote.ErrMalformed) {
			w.logger.Warn("document row is malformed, skipping", "error", err)
			return false, err
		}
		w.failing = true
		w.unavailable.Do(func() {
			w.logger.Warn("backend unavailable, skipping cycle", "error", err)
		})
		return false, err
	}
	if w.failing {
		w.failing = false
		w.logger.Info("backend available again")
	}
	if item == nil {
		w.logger.Debug("document row absent")
		return false, nil
	}

	if mark, ok := w.Watermark(); ok && mark.Equal(item.ModifiedTime) {
		return false, nil
	}

	if err := w.writer.WriteDocument(item.Content); err != nil {
		w.logger.Warn("write failed", "error", err)
		return false, fmt.Errorf("write document %d: %w", w.id, err)
	}

	w.mu.Lock()
	w.last = item.Clone()
	w.applied = true
	w.mu.Unlock()

	w.logger.Info("applied document", "modified", item.ModifiedTime, "bytes", len(item.Content))
	return true, nil
}

// Watermark returns the modification time of the applied version. ok is
// false when nothing has been applied.
func (w *Watcher) Watermark() (mark time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.ModifiedTime, w.applied
}

// Last returns a copy of the applied row.
func (w *Watcher) Last() (remote.Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.applied {
		return remote.Item{}, false
	}
	return w.last.Clone(), true
}

// Invalidate forgets the applied version so the next cycle writes the
// row unconditionally.
func (w *Watcher) Invalidate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.applied {
		w.logger.Info("document invalidated")
	}
	w.last = remote.Item{}
	w.applied = false
}

// Restore marks item as already applied, typically from a saved state
// whose file on disk was verified.
func (w *Watcher) Restore(item remote.Item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = item.Clone()
	w.applied = true
}

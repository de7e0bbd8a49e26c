// Package reconcile keeps the local item cache, and through it the
// materialized files, equal to the remote item table.
//
// Every cycle reads the full metadata snapshot, diffs it against the
// cache, fetches content for exactly the changed ids in one query, and
// removes whatever disappeared. There is no change log: each cycle is a
// full-state reconciliation.
package reconcile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"confsync/internal/cache"
	"confsync/internal/logging"
	"confsync/internal/remote"
)

// Config configures a Reconciler.
type Config struct {
	Store remote.Store
	Cache *cache.Cache

	// Applier materializes changes. The cache only moves after the
	// applier succeeds, so a failed item is retried next cycle.
	Applier remote.Listener

	// Observers are told about applied changes. Their errors are logged
	// and otherwise ignored.
	Observers []remote.Listener

	Filter Filter
	Logger *slog.Logger

	// UnavailableLogInterval throttles repeated backend failure warnings.
	// Default 1 minute.
	UnavailableLogInterval time.Duration
}

// Result summarizes one cycle.
type Result struct {
	CycleID uuid.UUID

	// Remote is the number of snapshot rows managed by this reconciler.
	Remote int

	// Changed is the number of ids requested from the content query.
	Changed int

	Applied []remote.Key
	Deleted []remote.Key
	Failed  []remote.Key

	// Malformed counts snapshot rows skipped for unreadable metadata.
	Malformed int
}

// Changes is the number of local files touched.
func (r Result) Changes() int {
	return len(r.Applied) + len(r.Deleted)
}

// Reconciler runs item cycles. Cycles are serialized; Invalidate may be
// called from any goroutine.
type Reconciler struct {
	store     remote.Store
	cache     *cache.Cache
	applier   remote.Listener
	observers []remote.Listener
	filter    Filter
	logger    *slog.Logger

	cycleMu sync.Mutex

	invalidMu sync.Mutex
	invalid   map[remote.Key]struct{}

	unavailable rate.Sometimes
	failing     bool
}

// New returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("reconcile: cache is required")
	}
	if cfg.Applier == nil {
		return nil, errors.New("reconcile: applier is required")
	}
	interval := cfg.UnavailableLogInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:       cfg.Store,
		cache:       cfg.Cache,
		applier:     cfg.Applier,
		observers:   slices.Clone(cfg.Observers),
		filter:      cfg.Filter,
		logger:      logging.Default(cfg.Logger).With("component", "reconciler"),
		invalid:     make(map[remote.Key]struct{}),
		unavailable: rate.Sometimes{First: 1, Interval: interval},
	}, nil
}

// Invalidate evicts key from the cache at the start of the next cycle,
// forcing it to be fetched and written again.
func (r *Reconciler) Invalidate(key remote.Key) {
	r.invalidMu.Lock()
	defer r.invalidMu.Unlock()
	r.invalid[key] = struct{}{}
}

// Cycle runs one reconciliation.
//
// A backend failure returns an error wrapping remote.ErrUnavailable and
// leaves the cache and filesystem untouched; in particular nothing is
// deleted when the snapshot could not be read. Per-item apply failures are
// joined into the returned error; the rest of the cycle still completes.
func (r *Reconciler) Cycle(ctx context.Context) (Result, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	res := Result{CycleID: uuid.Must(uuid.NewV7())}
	logger := r.logger.With("cycle", res.CycleID.String())

	r.drainInvalid(logger)

	statuses, err := r.store.FetchStatus(ctx)
	if err != nil {
		r.noteUnavailable(logger, err)
		return res, err
	}
	snapshot, malformed := r.index(logger, statuses)
	res.Remote = len(snapshot)
	res.Malformed = malformed

	plan := Diff(r.cache.Status(), snapshot)
	res.Changed = len(plan.Changed)

	var items []remote.Item
	if len(plan.Changed) > 0 {
		items, err = r.store.FetchContents(ctx, plan.Changed)
		if err != nil {
			r.noteUnavailable(logger, err)
			return res, err
		}
	}
	r.noteRecovered(logger)

	slices.SortFunc(items, func(a, b remote.Item) int { return compareKey(a.Key(), b.Key()) })

	var errs []error
	for _, item := range items {
		st, ok := snapshot[item.Key()]
		if !ok || st.ID != item.ID {
			logger.Debug("skipping item not in snapshot", "key", item.Key().String(), "id", item.ID)
			continue
		}
		if err := r.applier.OnModify(item); err != nil {
			logger.Warn("apply failed", "key", item.Key().String(), "error", err)
			res.Failed = append(res.Failed, item.Key())
			errs = append(errs, fmt.Errorf("apply %s: %w", item.Key(), err))
			continue
		}
		r.cache.Put(item)
		res.Applied = append(res.Applied, item.Key())
		logger.Info("applied item", "key", item.Key().String(), "modified", item.ModifiedTime)
		r.notify(logger, func(l remote.Listener) error { return l.OnModify(item) })
	}

	for _, key := range plan.Deleted {
		if err := r.applier.OnDelete(key); err != nil {
			logger.Warn("delete failed", "key", key.String(), "error", err)
			res.Failed = append(res.Failed, key)
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		r.cache.Delete(key)
		res.Deleted = append(res.Deleted, key)
		logger.Info("deleted item", "key", key.String())
		r.notify(logger, func(l remote.Listener) error { return l.OnDelete(key) })
	}

	if res.Changes() > 0 || len(res.Failed) > 0 {
		logger.Info("cycle complete",
			"remote", res.Remote,
			"applied", len(res.Applied),
			"deleted", len(res.Deleted),
			"failed", len(res.Failed))
	}
	return res, errors.Join(errs...)
}

// index builds key -> status for filtered rows. When a key appears more
// than once the row with the highest id wins.
func (r *Reconciler) index(logger *slog.Logger, statuses []remote.Status) (map[remote.Key]remote.Status, int) {
	snapshot := make(map[remote.Key]remote.Status, len(statuses))
	malformed := 0
	for _, st := range statuses {
		if !r.filter.Match(st.Key) {
			continue
		}
		if prev, ok := snapshot[st.Key]; ok {
			logger.Warn("duplicate key in snapshot", "key", st.Key.String(), "ids", []int64{prev.ID, st.ID})
			if prev.ID > st.ID {
				continue
			}
		}
		snapshot[st.Key] = st
	}
	for _, st := range snapshot {
		if st.Malformed {
			malformed++
			logger.Debug("skipping malformed row", "key", st.Key.String(), "id", st.ID)
		}
	}
	return snapshot, malformed
}

func (r *Reconciler) drainInvalid(logger *slog.Logger) {
	r.invalidMu.Lock()
	keys := r.invalid
	r.invalid = make(map[remote.Key]struct{})
	r.invalidMu.Unlock()

	for key := range keys {
		if r.cache.Delete(key) {
			logger.Info("invalidated item", "key", key.String())
		}
	}
}

func (r *Reconciler) notify(logger *slog.Logger, fn func(remote.Listener) error) {
	for _, l := range r.observers {
		if err := fn(l); err != nil {
			logger.Warn("observer failed", "error", err)
		}
	}
}

func (r *Reconciler) noteUnavailable(logger *slog.Logger, err error) {
	r.failing = true
	r.unavailable.Do(func() {
		logger.Warn("backend unavailable, skipping cycle", "error", err)
	})
}

func (r *Reconciler) noteRecovered(logger *slog.Logger) {
	if r.failing {
		r.failing = false
		logger.Info("backend available again")
	}
}

func compareKey(a, b remote.Key) int {
	return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Name, b.Name))
}

// Package agent wires the sync engine together: backend, cache,
// materializer, the document and item cycles, drift detection, and the
// scheduler that drives them.
//
// Lifecycle:
//
//	a, err := agent.New(ctx, cfg)
//	a.Start(ctx)   // warm start, drift watch, scheduled cycles
//	...
//	a.Stop()       // cancel cycles, save state, close backend
//
// An agent runs once. Stop is terminal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"confsync/internal/cache"
	"confsync/internal/document"
	"confsync/internal/drift"
	"confsync/internal/home"
	"confsync/internal/logging"
	"confsync/internal/materialize"
	"confsync/internal/notify"
	"confsync/internal/reconcile"
	"confsync/internal/remote"
	"confsync/internal/remote/sqlstore"
	"confsync/internal/scheduler"
	"confsync/internal/settings"
	"confsync/internal/state"
)

// Job names registered on the scheduler.
const (
	JobDocument = "document"
	JobItems    = "items"
)

var (
	// ErrAlreadyRunning is returned by Start on a started agent.
	ErrAlreadyRunning = errors.New("agent already running")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("agent stopped")
)

// Config configures an Agent.
type Config struct {
	Settings settings.Settings
	Home     home.Dir

	// Store overrides the backend described by Settings.Remote. An
	// injected store is not closed by Stop.
	Store remote.Store

	// Observers are told about every applied item change.
	Observers []remote.Listener

	Logger *slog.Logger
}

// Summary reports one synchronous sync.
type Summary struct {
	Document bool // the document file was written
	Items    reconcile.Result
}

// Agent owns one sync engine instance.
type Agent struct {
	settings settings.Settings
	agentID  string
	logger   *slog.Logger

	store     remote.Store
	ownsStore bool

	cache        *cache.Cache
	filter       reconcile.Filter
	materializer *materialize.Materializer
	reconciler   *reconcile.Reconciler
	document     *document.Watcher
	scheduler    *scheduler.Scheduler
	changes      *notify.Signal

	statePath string // empty when state is disabled
	stateMu   sync.Mutex
	restore   sync.Once

	mu        sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	driftDone chan struct{}
}

// New builds an agent. Unless cfg.Store is set, it connects to the
// backend described by the settings.
func New(ctx context.Context, cfg Config) (a *Agent, err error) {
	s := cfg.Settings
	if cfg.Home.Root() == "" {
		return nil, errors.New("agent: home directory is required")
	}
	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}
	agentID, err := cfg.Home.AgentID()
	if err != nil {
		return nil, fmt.Errorf("agent id: %w", err)
	}
	logger := logging.Default(cfg.Logger)

	filter, err := reconcile.NewFilter(s.Sync.Include...)
	if err != nil {
		return nil, err
	}

	a = &Agent{
		settings: s,
		agentID:  agentID,
		logger:   logger.With("component", "agent"),
		cache:    cache.New(),
		filter:   filter,
		changes:  notify.NewSignal(),
		store:    cfg.Store,
	}
	if s.State.Enabled {
		a.statePath = cfg.Home.StatePath()
	}

	if a.store == nil {
		st, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:        s.Remote.Driver,
			DSN:           s.Remote.DSN,
			DocumentTable: s.Remote.DocumentTable,
			ItemTable:     s.Remote.ItemTable,
			QueryTimeout:  s.Remote.QueryTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		a.store = st
		a.ownsStore = true
		defer func() {
			if err != nil {
				_ = st.Close()
			}
		}()
	}

	confDir := s.ConfDir
	if confDir == "" {
		confDir = cfg.Home.ConfDir()
	}
	a.materializer, err = materialize.New(materialize.Config{Root: confDir, Logger: logger})
	if err != nil {
		return nil, err
	}

	a.reconciler, err = reconcile.New(reconcile.Config{
		Store:     a.store,
		Cache:     a.cache,
		Applier:   a.materializer,
		Observers: cfg.Observers,
		Filter:    filter,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	a.document, err = document.New(document.Config{
		ID:     s.Remote.DocumentID,
		Store:  a.store,
		Writer: a.materializer,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	a.scheduler, err = scheduler.New(scheduler.Config{Logger: logger, StopTimeout: s.Sync.StopTimeout})
	if err != nil {
		return nil, err
	}
	if err := a.scheduler.AddFixedDelay(JobDocument, s.Sync.InitialDelay, s.Sync.Interval, a.documentTask); err != nil {
		return nil, err
	}
	if err := a.scheduler.AddFixedDelay(JobItems, s.Sync.InitialDelay, s.Sync.Interval, a.itemsTask); err != nil {
		return nil, err
	}
	return a, nil
}

// Start restores saved state, starts drift detection when enabled, and
// starts both scheduled cycles. It returns immediately.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return ErrAlreadyRunning
	}
	a.started = true

	a.warmStart()

	if a.settings.Drift.Enabled {
		a.startDrift(ctx)
	}
	if err := a.scheduler.Start(); err != nil {
		return err
	}
	a.logger.Info("agent started",
		"agent_id", a.agentID,
		"root", a.materializer.Root(),
		"document_id", a.settings.Remote.DocumentID,
		"interval", a.settings.Sync.Interval)
	return nil
}

func (a *Agent) startDrift(ctx context.Context) {
	w, err := drift.New(drift.Config{
		Materializer: a.materializer,
		Cache:        a.cache,
		Items:        a.reconciler,
		Document:     a.document,
		OnDrift:      a.TriggerSync,
		Logger:       a.logger,
	})
	if err != nil {
		a.logger.Warn("drift detection disabled", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.driftDone = done
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			a.logger.Warn("drift detection disabled", "error", err)
		}
	}()
}

// TriggerSync runs both cycles now instead of waiting for the next tick.
func (a *Agent) TriggerSync() {
	for _, name := range []string{JobDocument, JobItems} {
		if err := a.scheduler.RunNow(name); err != nil {
			a.logger.Debug("trigger sync", "job", name, "error", err)
		}
	}
}

// SyncOnce runs one document cycle and one item cycle synchronously.
// State is restored first and saved afterwards when enabled. The error
// joins the failures of both cycles.
func (a *Agent) SyncOnce(ctx context.Context) (Summary, error) {
	a.mu.Lock()
	stopped := a.stopped
	a.mu.Unlock()
	if stopped {
		return Summary{}, ErrStopped
	}
	a.warmStart()

	var sum Summary
	applied, docErr := a.document.Cycle(ctx)
	sum.Document = applied
	res, itemErr := a.reconciler.Cycle(ctx)
	sum.Items = res

	if applied || res.Changes() > 0 {
		a.changed()
	}
	return sum, errors.Join(docErr, itemErr)
}

// Stop cancels in-flight cycles, stops drift detection, saves state, and
// closes a backend the agent opened. Calling Stop twice is safe.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel, done := a.cancel, a.driftDone
	a.mu.Unlock()

	var errs []error
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	if cancel != nil {
		cancel()
		<-done
	}
	if err := a.saveState(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.store.(io.Closer); ok && a.ownsStore {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// Cache returns the item cache. Callers must treat it as read-only.
func (a *Agent) Cache() *cache.Cache { return a.cache }

// Changes fires after every cycle that wrote or removed a file.
func (a *Agent) Changes() *notify.Signal { return a.changes }

// Jobs describes the scheduled cycles.
func (a *Agent) Jobs() []scheduler.JobInfo { return a.scheduler.ListJobs() }

// Root returns the materialization root.
func (a *Agent) Root() string { return a.materializer.Root() }

// AgentID returns the persistent agent identity.
func (a *Agent) AgentID() string { return a.agentID }

func (a *Agent) documentTask(ctx context.Context) error {
	applied, err := a.document.Cycle(ctx)
	if applied {
		a.changed()
	}
	return unlogged(err)
}

func (a *Agent) itemsTask(ctx context.Context) error {
	res, err := a.reconciler.Cycle(ctx)
	if res.Changes() > 0 {
		a.changed()
	}
	return unlogged(err)
}

// unlogged drops errors the cycles have already reported with throttling,
// so an outage is not logged again on every tick.
func unlogged(err error) error {
	if errors.Is(err, remote.ErrUnavailable) || errors.Is(err, remote.ErrMalformed) {
		return nil
	}
	return err
}

func (a *Agent) changed() {
	if err := a.saveState(); err != nil {
		a.logger.Warn("failed to save state", "error", err)
	}
	a.changes.Notify()
}

// warmStart seeds the cache and the document watermark from the saved
// state. Only entries whose files still match their digest are trusted;
// everything else is fetched again by the first cycle.
func (a *Agent) warmStart() {
	a.restore.Do(func() {
		if a.statePath == "" {
			return
		}
		snap, err := state.Load(a.statePath)
		if err != nil {
			a.logger.Warn("ignoring saved state", "path", a.statePath, "error", err)
			return
		}
		if snap == nil {
			return
		}

		docRestored := false
		if e := snap.Document; e != nil && e.ID == a.settings.Remote.DocumentID {
			if content, ok := e.Verify(a.materializer.DocumentPath()); ok {
				a.document.Restore(remote.Item{ID: e.ID, Name: e.Name, Content: content, ModifiedTime: e.ModifiedTime})
				docRestored = true
			}
		}

		restored, stale := 0, 0
		for _, e := range snap.Items {
			key := remote.Key{Category: e.Category, Name: e.Name}
			if !a.filter.Match(key) {
				continue
			}
			path, err := a.materializer.ItemPath(key)
			if err != nil {
				continue
			}
			it := remote.Item{ID: e.ID, Category: e.Category, Name: e.Name}
			if content, ok := e.Verify(path); ok {
				it.Content = content
				it.ModifiedTime = e.ModifiedTime
				restored++
			} else {
				// The file changed while the agent was down. Cache it with no
				// known version: the first cycle rewrites it, or removes it
				// when the row is gone.
				info, err := os.Lstat(path)
				if err != nil || !info.Mode().IsRegular() {
					continue
				}
				if it.Content, err = os.ReadFile(path); err != nil {
					continue
				}
				stale++
			}
			a.cache.Put(it)
		}
		a.logger.Info("restored saved state",
			"saved_at", snap.SavedAt,
			"document", docRestored,
			"items", restored,
			"stale", stale)
	})
}

func (a *Agent) saveState() error {
	if a.statePath == "" {
		return nil
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	snap := &state.Snapshot{AgentID: a.agentID, SavedAt: time.Now().UTC()}
	if doc, ok := a.document.Last(); ok {
		snap.Document = &state.Entry{
			ID:           doc.ID,
			Name:         doc.Name,
			ModifiedTime: doc.ModifiedTime,
			Digest:       state.Digest(doc.Content),
		}
	}
	for _, key := range a.cache.Keys() {
		it, ok := a.cache.Get(key)
		if !ok {
			continue
		}
		snap.Items = append(snap.Items, state.Entry{
			ID:           it.ID,
			Category:     it.Category,
			Name:         it.Name,
			ModifiedTime: it.ModifiedTime,
			Digest:       state.Digest(it.Content),
		})
	}
	if err := state.Save(a.statePath, snap); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

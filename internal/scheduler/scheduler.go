// Package scheduler runs named fixed-delay tasks on a gocron scheduler.
//
// Each task waits its delay after the previous run completes, so a slow
// run pushes the next one back instead of piling up. Runs of one task
// never overlap; different tasks run independently. A task's error or
// panic is logged and never stops its future runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"

	"confsync/internal/logging"
)

// TaskFunc is one run of a task. ctx is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// JobInfo describes a registered job for external inspection.
type JobInfo struct {
	ID       string        // unique job ID (gocron UUID)
	Name     string        // e.g. "items"
	Delay    time.Duration // pause between a run's completion and the next start
	LastRun  time.Time     // zero if never run
	NextRun  time.Time     // zero if not scheduled
	Runs     int64
	Failures int64
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger

	// StopTimeout bounds how long Stop waits for cancelled runs to
	// return. Default 5 seconds.
	StopTimeout time.Duration
}

type entry struct {
	job          gocron.Job // nil until the scheduler starts
	fn           TaskFunc
	initialDelay time.Duration
	delay        time.Duration
	runs         atomic.Int64
	failures     atomic.Int64
}

// Scheduler owns the gocron scheduler and the jobs registered on it.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]*entry
	logger    *slog.Logger
	started   bool
	stopped   bool
}

// New creates a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	timeout := cfg.StopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s, err := gocron.NewScheduler(gocron.WithStopTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]*entry),
		logger:    logging.Default(cfg.Logger).With("component", "scheduler"),
	}, nil
}

// AddFixedDelay registers a task whose first run starts initialDelay after
// Start (or after this call, once started) and whose later runs start delay
// after the previous run completes. The name must be unique.
func (s *Scheduler) AddFixedDelay(name string, initialDelay, delay time.Duration, fn TaskFunc) error {
	if fn == nil {
		return fmt.Errorf("job %s: task is nil", name)
	}
	if delay <= 0 {
		return fmt.Errorf("job %s: delay must be positive", name)
	}
	if initialDelay < 0 {
		return fmt.Errorf("job %s: initial delay must not be negative", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("job %s: scheduler stopped", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	e := &entry{fn: fn, initialDelay: initialDelay, delay: delay}
	if s.started {
		if err := s.schedule(name, e); err != nil {
			return err
		}
	}
	s.jobs[name] = e
	s.logger.Info("scheduled job added", "name", name, "initial_delay", initialDelay, "delay", delay)
	return nil
}

// schedule creates the gocron job for e. The first run is anchored to the
// current time. Callers hold s.mu.
func (s *Scheduler) schedule(name string, e *entry) error {
	start := gocron.WithStartImmediately()
	if e.initialDelay > 0 {
		start = gocron.WithStartDateTime(time.Now().Add(e.initialDelay))
	}
	j, err := s.scheduler.NewJob(
		gocron.DurationJob(e.delay),
		gocron.NewTask(s.run, name, e, e.fn),
		gocron.WithName(name),
		gocron.WithStartAt(start),
		gocron.WithIntervalFromCompletion(),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}
	e.job = j
	return nil
}

// run is the gocron task body. gocron passes the job context first.
func (s *Scheduler) run(ctx context.Context, name string, e *entry, fn TaskFunc) {
	e.runs.Add(1)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.failures.Add(1)
			s.logger.Error("job panicked", "name", name, "panic", r)
		}
	}()

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			s.logger.Debug("job cancelled", "name", name, "error", err)
			return
		}
		e.failures.Add(1)
		s.logger.Warn("job failed", "name", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job ran", "name", name, "duration", time.Since(start))
}

// RunNow triggers an immediate run of name. A run that is already in
// progress is not duplicated. It fails before Start.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	var job gocron.Job
	if ok {
		job = e.job
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	if job == nil {
		return fmt.Errorf("run %s now: scheduler not started", name)
	}
	if err := job.RunNow(); err != nil {
		return fmt.Errorf("run %s now: %w", name, err)
	}
	return nil
}

// ListJobs returns info about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		info := JobInfo{
			Name:     name,
			Delay:    e.delay,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
		}
		if e.job != nil {
			info.ID = e.job.ID().String()
			if lr, err := e.job.LastRun(); err == nil {
				info.LastRun = lr
			}
			if nr, err := e.job.NextRun(); err == nil {
				info.NextRun = nr
			}
		}
		infos = append(infos, info)
	}
	slices.SortFunc(infos, func(a, b JobInfo) int { return strings.Compare(a.Name, b.Name) })
	return infos
}

// Start schedules every registered job and begins executing them. Initial
// delays count from here. Calling Start again does nothing.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("scheduler stopped")
	}
	if s.started {
		return nil
	}
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := s.schedule(name, s.jobs[name]); err != nil {
			return err
		}
	}
	s.started = true
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels in-flight runs, prevents future ones, and waits up to the
// stop timeout for running tasks to return. Calling Stop twice is safe.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.scheduler.Shutdown()
	if errors.Is(err, gocron.ErrStopJobsTimedOut) {
		s.logger.Warn("scheduler stopped with jobs still running")
	}
	s.logger.Info("scheduler stopped")
	return err
}

// Package scheduler runs named jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pearcec/proppilot/internal/logging"
)

// Accepts five-field cron expressions plus descriptors such as @every 15m.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec reports whether spec is a schedule the scheduler accepts.
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Every returns the spec for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) error
}

// Scheduler owns a cron instance and the jobs registered on it.
type Scheduler struct {
	logger  *logging.Logger
	timeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	jobs    map[string]Job
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds a single job run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New creates a stopped Scheduler.
func New(logger *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger: logging.OrNop(logger).Component("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) newCron() *cron.Cron {
	cl := cronLogger{s.logger}
	return cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
}

// Start registers jobs and starts ticking. Job runs receive a context derived
// from ctx; cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context, jobs []Job) error {
	if err := validate(jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.install(jobs); err != nil {
		s.cancel()
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.entries))

	runCtx := s.ctx
	go func() {
		<-runCtx.Done()
		s.Stop()
	}()
	return nil
}

// Reload swaps the job set. Invalid input leaves the running jobs untouched.
// Jobs already running finish before the new set starts.
func (s *Scheduler) Reload(jobs []Job) error {
	if err := validate(jobs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return errors.New("scheduler not running")
	}

	<-s.cron.Stop().Done()
	if err := s.install(jobs); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler reloaded", "jobs", len(s.entries))
	return nil
}

// install replaces s.cron with a fresh instance carrying jobs. Caller holds s.mu.
func (s *Scheduler) install(jobs []Job) error {
	ctx := s.ctx
	c := s.newCron()
	entries := make(map[string]cron.EntryID, len(jobs))
	byName := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		j := job
		id, err := c.AddFunc(j.Spec, func() { s.run(ctx, j) })
		if err != nil {
			return fmt.Errorf("register %s: %w", j.Name, err)
		}
		entries[j.Name] = id
		byName[j.Name] = j
		s.logger.Debug("job scheduled", "job", j.Name, "spec", j.Spec)
	}
	s.cron = c
	s.entries = entries
	s.jobs = byName
	return nil
}

func validate(jobs []Job) error {
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.Name == "" {
			return errors.New("job without a name")
		}
		if seen[j.Name] {
			return fmt.Errorf("duplicate job %q", j.Name)
		}
		seen[j.Name] = true
		if j.Run == nil {
			return fmt.Errorf("job %q has nothing to run", j.Name)
		}
		if err := ValidateSpec(j.Spec); err != nil {
			return fmt.Errorf("job %q: %w", j.Name, err)
		}
	}
	return nil
}

func (s *Scheduler) run(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	if err := s.exec(ctx, j); err != nil {
		s.logger.Error("job failed", "job", j.Name, "error", err)
	}
}

func (s *Scheduler) exec(ctx context.Context, j Job) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	err := j.Run(ctx)
	s.logger.Debug("job finished", "job", j.Name, "took", time.Since(start))
	return err
}

// RunNow runs a registered job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.exec(ctx, j)
}

// Stop cancels running jobs, halts the schedule and waits for the jobs to
// return. Safe to call twice.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// JobNames lists registered jobs in name order.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns when the named job runs next, or the zero time.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// cronLogger routes cron's own logging through ours.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

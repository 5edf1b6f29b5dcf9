// Package cron runs named one-shot jobs on top of robfig/cron. Periodic work
// is expressed by the job body scheduling its own next run, so at most one
// run per job name is ever pending.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger   *slog.Logger
	Location *time.Location
}

type registration struct {
	entry cronlib.EntryID
	seq   uint64
	at    time.Time
}

// Scheduler fires named jobs once at a given time. Registering a name that
// is already pending replaces the earlier registration.
type Scheduler struct {
	c      *cronlib.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]registration
	seq     uint64
	stopped bool
}

// NewScheduler creates a Scheduler. Call Start to begin firing jobs.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	adapter := slogAdapter{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c: cronlib.New(
			cronlib.WithLocation(loc),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.Recover(adapter)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]registration),
	}
}

// Start begins firing jobs in a background goroutine.
func (s *Scheduler) Start() {
	s.c.Start()
	s.logger.Info("scheduler started")
}

// Stop stops firing new jobs, cancels the context passed to running jobs and
// waits for them to return or for ctx to end. Later Schedule calls are ignored.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.jobs = make(map[string]registration)
	s.mu.Unlock()

	done := s.c.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out waiting for running jobs")
		return ctx.Err()
	}
}

// Schedule registers fn to run once at at, replacing any pending job with the
// same id. A time in the past fires as soon as possible.
func (s *Scheduler) Schedule(jobID string, at time.Time, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.logger.Debug("schedule ignored after stop", "job_id", jobID)
		return
	}
	if old, ok := s.jobs[jobID]; ok {
		s.c.Remove(old.entry)
	}
	s.seq++
	seq := s.seq
	entry := s.c.Schedule(&onceSchedule{at: at}, cronlib.FuncJob(func() {
		s.fire(jobID, seq, fn)
	}))
	s.jobs[jobID] = registration{entry: entry, seq: seq, at: at}
}

// Cancel removes the pending job with the given id. Unknown or already fired
// ids are ignored.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.jobs[jobID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	s.c.Remove(reg.entry)
}

// Pending returns the fire time of a pending job.
func (s *Scheduler) Pending(jobID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.jobs[jobID]
	return reg.at, ok
}

// Len is the number of pending one-shot jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// AddRecurring registers a maintenance job on a standard cron spec
// (including descriptors such as @daily). It is not tied to a job id.
func (s *Scheduler) AddRecurring(spec, name string, fn func(ctx context.Context)) error {
	_, err := s.c.AddFunc(spec, func() {
		s.logger.Debug("recurring job fired", "name", name)
		fn(s.ctx)
	})
	return err
}

// fire runs a one-shot registration unless it was replaced or cancelled
// after the cron loop dispatched it.
func (s *Scheduler) fire(jobID string, seq uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	reg, ok := s.jobs[jobID]
	if !ok || reg.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, jobID)
	s.mu.Unlock()

	s.c.Remove(reg.entry)
	fn(s.ctx)
}

// onceSchedule yields its time on the first call and then only while that
// time is still ahead, so the cron loop fires it exactly once.
type onceSchedule struct {
	at    time.Time
	armed atomic.Bool
}

func (o *onceSchedule) Next(t time.Time) time.Time {
	if o.armed.CompareAndSwap(false, true) {
		return o.at
	}
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// slogAdapter satisfies cronlib.Logger. Loop chatter goes to debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

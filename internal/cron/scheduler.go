// Package cron runs periodic jobs for the runtime, such as scheduled state
// refetches. Jobs are described by standard 5-field cron expressions or
// descriptors like "@every 10s".
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow)
// and @-descriptors.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Logger *slog.Logger
	// JobTimeout bounds each run; defaults to 30 seconds if zero.
	JobTimeout time.Duration
}

// JobID identifies a registered job.
type JobID = cronlib.EntryID

// Scheduler fires registered jobs on their schedules.
type Scheduler struct {
	c       *cronlib.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		c:       cronlib.New(cronlib.WithParser(cronParser)),
		logger:  logger.With("component", "cron"),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under the given schedule. Runs of one job never overlap;
// a run that is still going when the next one is due is skipped.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context)) (JobID, error) {
	var running sync.Mutex
	id, err := s.c.AddFunc(spec, func() {
		if !running.TryLock() {
			s.logger.Debug("cron: previous run still active, skipping", "job", name)
			return
		}
		defer running.Unlock()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		started := time.Now()
		fn(ctx)
		s.logger.Debug("cron: job fired", "job", name, "duration", time.Since(started))
	})
	if err != nil {
		return 0, fmt.Errorf("cron: schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("cron: job registered", "job", name, "schedule", spec)
	return id, nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id JobID) {
	s.c.Remove(id)
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.c.Entries())
}

// Start begins firing jobs in the background. It is idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.c.Start()
	s.logger.Info("cron scheduler started")
}

// Stop cancels running jobs and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if started {
		<-s.c.Stop().Done()
		s.logger.Info("cron scheduler stopped")
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Package scheduler runs periodic maintenance jobs, such as adopting
// orphaned workflow instances, on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work of a scheduled job.
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of one job's schedule and last outcome.
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Runs          int        `json:"runs"`
}

type job struct {
	status   JobStatus
	schedule cron.Schedule
	run      JobFunc
}

// Scheduler polls its jobs on a ticker and runs those that are due. A job
// never runs twice at the same time.
type Scheduler struct {
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a Scheduler that checks for due jobs every interval.
// A non-positive interval means one minute.
func NewScheduler(logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job. expr is a five-field cron expression or a descriptor
// such as "@every 5m" or "@hourly".
func (s *Scheduler) Add(name, expr string, fn JobFunc) error {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{
		status:   JobStatus{Name: name, Schedule: expr, NextRunAt: schedule.Next(s.now())},
		schedule: schedule,
		run:      fn,
	}
	return nil
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(loopCtx, done)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, name := range s.due(now) {
		if err := s.RunNow(ctx, name); err != nil {
			s.logger.Error("scheduled job failed", "job", name, "error", err)
		}
	}
}

func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// RunNow runs a job immediately and reschedules it from now. A job that is
// already running is skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return nil
	}
	defer s.releaseJob(name)

	start := s.now()
	s.logger.Debug("running scheduled job", "job", name)
	err := j.run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.status.LastRunAt = &start
	j.status.NextRunAt = j.schedule.Next(start)
	j.status.Runs++
	j.status.LastRunStatus = "success"
	j.status.LastError = ""
	if err != nil {
		j.status.LastRunStatus = "error"
		j.status.LastError = err.Error()
	}
	return err
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	slices.SortFunc(out, func(a, b JobStatus) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}

// Package scheduler triggers periodic refresh runs on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "rvacal/internal/log"
)

// Job is invoked on every tick with the context passed to Run.
type Job func(ctx context.Context)

// Scheduler runs a single Job on a standard 5-field cron spec (descriptors
// like "@every 1h" are accepted too). A tick that arrives while the previous
// run is still going is skipped, and a panicking run is logged and recovered.
type Scheduler struct {
	c   *cron.Cron
	job Job

	mu    sync.Mutex
	ctx   context.Context
	spec  string
	entry cron.EntryID
}

// New validates spec and registers job. Nothing runs until Run is called.
func New(spec string, loc *time.Location, job Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger()
	s := &Scheduler{
		c: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		job: job,
		ctx: context.Background(),
	}
	if err := s.Reschedule(spec); err != nil {
		return nil, err
	}
	return s, nil
}

// Reschedule swaps the cron spec. On error the previous schedule is kept.
func (s *Scheduler) Reschedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if spec == s.spec && s.entry != 0 {
		return nil
	}
	id, err := s.c.AddFunc(spec, s.tick)
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	if s.entry != 0 {
		s.c.Remove(s.entry)
	}
	s.entry = id
	s.spec = spec
	appLog.Info("refresh scheduled", "spec", spec)
	return nil
}

// Spec returns the schedule currently in effect.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// Next returns the next activation time, or the zero time if the scheduler
// is not running.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	id := s.entry
	s.mu.Unlock()
	return s.c.Entry(id).Next
}

// Run starts the scheduler and blocks until ctx is done, then waits for a
// run in progress to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.c.Start()
	appLog.Info("scheduler started", "spec", s.Spec(), "next", s.Next())

	<-ctx.Done()
	<-s.c.Stop().Done()
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.job(ctx)
}

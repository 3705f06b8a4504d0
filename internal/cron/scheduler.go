// Package cron runs the console's periodic jobs on cron schedules: gateway
// status reconciliation and backup retention pruning.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one named periodic task.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) error
}

type scheduledJob struct {
	name     string
	schedule cronlib.Schedule
	run      func(ctx context.Context) error
	next     time.Time
}

// Config holds the scheduler's dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler fires registered jobs when their cron schedule comes due. A
// failing job is logged and retried at its next scheduled time.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	jobs []*scheduledJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Add registers a job. The first run happens at the expression's next
// occurrence, not immediately.
func (s *Scheduler) Add(j Job) error {
	schedule, err := cronParser.Parse(j.Expr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, &scheduledJob{
		name:     j.Name,
		schedule: schedule,
		run:      j.Run,
		next:     schedule.Next(s.now()),
	})
	s.mu.Unlock()
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

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

// tick fires every due job and computes its next occurrence.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*scheduledJob
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			due = append(due, j)
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := j.run(ctx); err != nil {
			s.logger.Error("scheduled job failed", "job", j.name, "error", err)
			continue
		}
		s.logger.Debug("scheduled job ran", "job", j.name)
	}
}

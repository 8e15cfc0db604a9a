package core

// scheduler.go repeats pipeline runs on a fixed interval.
//
// The first run starts immediately, later runs start every interval after
// the previous one was scheduled. A run that outlasts the interval delays
// the next tick rather than overlapping it. Failed runs are logged and do not
// stop the scheduler; only context cancellation does.

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler runs a Job periodically.
type Scheduler struct {
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Run blocks until ctx is cancelled, running job immediately and then on
// every tick. Returns ctx.Err().
func (s Scheduler) Run(ctx context.Context, job Job) error {
	clock := s.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("scheduler started", "interval", s.Interval)

	s.runOnce(ctx, logger, job)

	ticker := clock.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.Chan():
			s.runOnce(ctx, logger, job)
		}
	}
}

func (s Scheduler) runOnce(ctx context.Context, logger *slog.Logger, job Job) {
	start := time.Now()
	if err := job(ctx); err != nil {
		logger.Error("scheduled run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Info("scheduled run completed", "duration_ms", time.Since(start).Milliseconds())
}

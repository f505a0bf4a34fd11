package exports

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers export runs on a fixed cadence.
type Scheduler struct {
	runner   *Runner
	interval time.Duration
	log      *slog.Logger
}

// NewScheduler builds a scheduler. Intervals at or below zero default to one
// hour.
func NewScheduler(runner *Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{runner: runner, interval: interval, log: logger}
}

// Start blocks until the context is cancelled, invoking the runner once per
// interval. Failures are logged and the loop continues; an operator can
// always force a run through the admin endpoint.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.runner.Run(ctx); err != nil {
				s.log.Error("scheduled export failed", "error", err)
			}
		}
	}
}

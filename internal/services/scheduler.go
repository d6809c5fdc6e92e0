package services

import (
	"context"
	"time"
)

// Scheduler drives periodic dispatch and crashed-run detection. Window
// overlap between ticks is harmless: the dispatcher's per-schedule cursor
// guarantees each occurrence is emitted at most once.
type Scheduler struct {
	orch          *Orchestrator
	pollInterval  time.Duration
	lookahead     time.Duration
	sweepInterval time.Duration
	logger        Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(orch *Orchestrator, pollInterval, lookahead, sweepInterval time.Duration, logger Logger) *Scheduler {
	return &Scheduler{
		orch:          orch,
		pollInterval:  pollInterval,
		lookahead:     lookahead,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// Run blocks until ctx is cancelled, dispatching due occurrences on every
// poll tick and sweeping for crashed runs on every sweep tick.
func (s *Scheduler) Run(ctx context.Context) error {
	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	s.logger.Info("scheduler started",
		"poll_interval", s.pollInterval, "lookahead", s.lookahead)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-poll.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.Error("dispatch tick failed", "error", err)
			}
		case <-sweep.C:
			crashed := s.orch.matcher.SweepExpired(ctx, time.Now())
			if len(crashed) > 0 {
				s.logger.Info("swept crashed runs", "count", len(crashed))
			}
		}
	}
}

// Tick runs a single dispatch iteration for the window (now, now+lookahead].
// Split out for testing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	return s.orch.DispatchWindow(ctx, now, now.Add(s.lookahead))
}

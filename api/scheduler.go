/*
scheduler.go - Periodic liveness sweep

PURPOSE:
  Runs the liveness sweep on a cron schedule so abandoned interactive
  operations are expired and refunded without an external trigger.

DESIGN:
  - robfig/cron drives the schedule ("@every 10s" by default)
  - SkipIfStillRunning drops a tick while the previous pass is running;
    overlapping passes would be safe, they are just wasted work
  - Each pass gets its own timeout so a stuck store cannot pile up runs
  - The HTTP trigger (POST /api/cron/sweep) runs the same Sweeper

USAGE:
  scheduler := NewSweepScheduler(sweeper, logger)
  scheduler.Start("@every 10s")
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Sweep endpoint (manual trigger)
  - engine/liveness.go: Sweeper
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/warp/operation-ledger/engine"
)

const (
	DefaultSweepSchedule = "@every 10s"
	sweepTimeout         = 2 * time.Minute
)

// SweepScheduler runs the liveness sweep on a schedule.
type SweepScheduler struct {
	sweeper *engine.Sweeper
	logger  arbor.ILogger
	cron    *cron.Cron

	mu      sync.Mutex
	started bool

	// lastMu guards lastRun apart from mu so a pass finishing during
	// Stop can record its summary.
	lastMu  sync.Mutex
	lastRun *engine.SweepSummary
}

func NewSweepScheduler(sweeper *engine.Sweeper, logger arbor.ILogger) *SweepScheduler {
	return &SweepScheduler{
		sweeper: sweeper,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the sweep and starts the cron loop.
func (s *SweepScheduler) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.started = true

	s.logger.Info().Str("schedule", schedule).Msg("Liveness sweep scheduler started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	done := s.cron.Stop()
	s.mu.Unlock()

	<-done.Done()
	s.logger.Info().Msg("Liveness sweep scheduler stopped")
}

// RunNow runs one pass synchronously.
func (s *SweepScheduler) RunNow(ctx context.Context) (*engine.SweepSummary, error) {
	summary, err := s.sweeper.Sweep(ctx)
	if summary != nil {
		recordSweep(summary)
		s.lastMu.Lock()
		s.lastRun = summary
		s.lastMu.Unlock()
	}
	return summary, err
}

// LastRun returns the summary of the most recent pass, if any.
func (s *SweepScheduler) LastRun() *engine.SweepSummary {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.lastRun
}

func (s *SweepScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	summary, err := s.RunNow(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled sweep failed")
		return
	}
	s.logger.Debug().
		Int("checked", summary.Checked).
		Int("expired", summary.Expired).
		Int("errors", summary.Errors).
		Dur("duration", time.Since(start)).
		Msg("Scheduled sweep completed")
}

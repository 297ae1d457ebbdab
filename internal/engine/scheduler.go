package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"finpod/internal/domain"
)

// DefaultSchedule runs the daily batch at 06:30 on weekdays (seconds field
// first).
const DefaultSchedule = "0 30 6 * * 1-5"

type batchRunner interface {
	RefreshInputs()
	RunBatch(ctx context.Context, symbols []string, tf domain.Timeframe) map[string]BatchOutcome
}

// Scheduler runs the configured batch on a cron schedule. A firing that
// overlaps a still-running batch is skipped.
type Scheduler struct {
	runner     batchRunner
	symbols    []string
	timeframes []domain.Timeframe
	timeout    time.Duration
	cron       *cron.Cron
	log        *slog.Logger
}

// NewScheduler creates a scheduler that runs symbols over every timeframe.
// timeout bounds one whole firing; zero means no bound.
func NewScheduler(runner batchRunner, symbols []string, timeframes []domain.Timeframe, timeout time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "scheduler")
	return &Scheduler{
		runner:     runner,
		symbols:    symbols,
		timeframes: timeframes,
		timeout:    timeout,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log: log,
	}
}

// Start registers schedule and starts the cron loop.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.log.Info("tournament scheduler started", "schedule", schedule, "symbols", len(s.symbols))
	return nil
}

// Stop halts the cron loop and waits for a running batch to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with a batch still running")
	}
	s.log.Info("tournament scheduler stopped")
}

// RunOnce drops cached inputs, then runs the batch for every timeframe and
// returns the outcomes keyed by timeframe.
func (s *Scheduler) RunOnce(ctx context.Context) map[domain.Timeframe]map[string]BatchOutcome {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := make(map[domain.Timeframe]map[string]BatchOutcome, len(s.timeframes))
	if len(s.symbols) == 0 {
		s.log.Warn("scheduled run skipped: no symbols configured")
		return out
	}
	s.runner.RefreshInputs()
	for _, tf := range s.timeframes {
		if ctx.Err() != nil {
			break
		}
		out[tf] = s.runner.RunBatch(ctx, s.symbols, tf)
	}
	return out
}

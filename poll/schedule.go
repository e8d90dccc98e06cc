package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Checker runs one poll cycle.
type Checker interface {
	CheckAll(ctx context.Context) error
}

// Scheduler fires poll cycles on a fixed interval. Overlapping ticks are
// skipped, and one cycle runs immediately on Start.
type Scheduler struct {
	checker  Checker
	logger   *slog.Logger
	cron     *cron.Cron
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that runs checker every interval.
func NewScheduler(checker Checker, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid check interval %s", interval)
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Scheduler{
		checker:  checker,
		logger:   logger,
		interval: interval,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}, nil
}

// Start registers the job, runs the first cycle and starts the timer.
// Cycles observe ctx, and Stop cancels it.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	spec := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(spec, func() { s.run(runCtx, "timer") }); err != nil {
		cancel()
		return fmt.Errorf("schedule poll: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, "startup")
	}()

	s.cron.Start()
	s.logger.Info("Poll scheduler started", "interval", s.interval.String())
	return nil
}

// Stop halts the timer and waits for a running cycle to return, or for ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	cronDone := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Poll scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for poll cycle: %w", ctx.Err())
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	s.logger.Debug("Poll cycle triggered", "trigger", trigger)
	err := s.checker.CheckAll(ctx)
	switch {
	case err == nil, errors.Is(err, ErrCycleRunning):
	case errors.Is(err, context.Canceled):
		s.logger.Info("Poll cycle interrupted by shutdown", "trigger", trigger)
	default:
		s.logger.Error("Poll cycle failed", "trigger", trigger, "error", err)
	}
}

// Package scheduler drives the writer's periodic work: the processing
// tick, the seeding verification sweep and the daily maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/Arke-Institute/attestation/internal/models"
	"github.com/Arke-Institute/attestation/internal/service"
)

// TickRunner runs one processing tick.
type TickRunner interface {
	Process(ctx context.Context) (*models.ProcessResult, error)
}

// Sweeper runs one seeding verification sweep.
type Sweeper interface {
	Verify(ctx context.Context) (*service.VerifyResult, error)
}

// Janitor runs the daily queue maintenance jobs.
type Janitor interface {
	RetryFailed(ctx context.Context) (int64, error)
	ResetStuck(ctx context.Context) (int64, error)
}

var (
	_ TickRunner = (*service.Processor)(nil)
	_ Sweeper    = (*service.Verifier)(nil)
	_ Janitor    = (*service.Maintenance)(nil)
)

// Scheduler owns the tick loop and the daily cron. One Scheduler runs per
// writer process; concurrency across replicas is handled by the tick lock
// inside the processor, not here.
type Scheduler struct {
	processor   TickRunner
	verifier    Sweeper
	maintenance Janitor
	interval    time.Duration
	cronSpec    string
	clock       clockwork.Clock
	logger      *slog.Logger
}

// New creates a Scheduler.
func New(
	processor TickRunner,
	verifier Sweeper,
	maintenance Janitor,
	interval time.Duration,
	cronSpec string,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		processor:   processor,
		verifier:    verifier,
		maintenance: maintenance,
		interval:    interval,
		cronSpec:    cronSpec,
		clock:       clock,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled. The first tick fires immediately so a
// restarted writer drains its backlog without waiting out an interval.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cronSpec, func() { s.daily(ctx) }); err != nil {
		return fmt.Errorf("invalid daily cron spec %q: %w", s.cronSpec, err)
	}
	c.Start()
	defer func() {
		// Wait for an in-flight daily job before returning.
		<-c.Stop().Done()
	}()

	s.logger.Info("scheduler started",
		"tick_interval", s.interval.String(),
		"daily_cron", s.cronSpec)

	s.tick(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

// tick runs one processing pass followed by a seeding sweep. A tick still
// in flight is not an error; the next interval catches up.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.processor.Process(ctx); err != nil && !errors.Is(err, service.ErrTickInFlight) {
		s.logger.Error("processing tick failed", "error", err)
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.verifier.Verify(ctx); err != nil {
		s.logger.Error("seeding sweep failed", "error", err)
	}
}

// daily runs the maintenance jobs on the configured cron schedule.
func (s *Scheduler) daily(ctx context.Context) {
	s.logger.Info("running daily maintenance")
	if _, err := s.maintenance.RetryFailed(ctx); err != nil {
		s.logger.Error("failed-row retry sweep failed", "error", err)
	}
	if _, err := s.maintenance.ResetStuck(ctx); err != nil {
		s.logger.Error("stuck-row reclaim failed", "error", err)
	}
}

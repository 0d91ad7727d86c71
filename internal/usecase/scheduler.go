package usecase

import (
	"context"
	"log/slog"
	"time"

	"LicitacionesExtractor/internal/domain"
	"LicitacionesExtractor/internal/ports"
)

// ScheduleRunner connects the daily trigger to the orchestrator. The
// trigger extracts for the previous calendar day: at 06:00 the sources
// have published yesterday's listings in full, today's only partially.
type ScheduleRunner struct {
	orchestrator *Orchestrator
	recorder     ports.RunRecorder
	scheduler    ports.Scheduler
	location     *time.Location
	logger       *slog.Logger

	baseCtx context.Context
}

// NewScheduleRunner wires the scheduling use case.
func NewScheduleRunner(orchestrator *Orchestrator, recorder ports.RunRecorder, scheduler ports.Scheduler, location *time.Location, logger *slog.Logger) *ScheduleRunner {
	if location == nil {
		location = time.UTC
	}
	if logger != nil {
		logger = logger.With("component", "schedule_runner")
	}
	return &ScheduleRunner{
		orchestrator: orchestrator,
		recorder:     recorder,
		scheduler:    scheduler,
		location:     location,
		logger:       logger,
	}
}

// Start arms the daily trigger. ctx bounds the lifetime of every
// triggered run.
func (s *ScheduleRunner) Start(ctx context.Context) error {
	s.baseCtx = ctx
	return s.scheduler.Start(ctx, s.onTrigger)
}

// Stop disarms the trigger and waits for an in-flight run to finish.
func (s *ScheduleRunner) Stop(ctx context.Context) error {
	return s.scheduler.Stop(ctx)
}

// ForceRun executes immediately for an explicit day and optional
// source subset, bypassing the same-day guard. Used for manual
// triggers and backfills.
func (s *ScheduleRunner) ForceRun(ctx context.Context, day time.Time, sources ...string) domain.RunReport {
	return s.orchestrator.Run(ctx, truncateDay(day), sources...)
}

// onTrigger runs the previous day's extraction unless a run already
// finished today. The guard makes a same-day process restart idempotent
// instead of double-extracting.
func (s *ScheduleRunner) onTrigger(firedAt time.Time) {
	ctx := s.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if s.ranToday(ctx, firedAt) {
		s.info("skipping trigger, a run already finished today", "fired_at", firedAt.Format(time.RFC3339))
		return
	}

	target := truncateDay(firedAt.In(s.location).AddDate(0, 0, -1))
	s.orchestrator.Run(ctx, target)
}

func (s *ScheduleRunner) ranToday(ctx context.Context, firedAt time.Time) bool {
	if s.recorder == nil {
		return false
	}
	_, finished, ok, err := s.recorder.LastRun(ctx)
	if err != nil {
		s.warn("cannot read run history, proceeding with extraction", "error", err)
		return false
	}
	if !ok {
		return false
	}
	last := finished.In(s.location)
	now := firedAt.In(s.location)
	return last.Year() == now.Year() && last.YearDay() == now.YearDay()
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *ScheduleRunner) info(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *ScheduleRunner) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Package sched runs the periodic housekeeping jobs: expired intent GC,
// daily and weekly drawdown window resets, and equity snapshot persistence.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job schedules, all in UTC.
const (
	specIntentGC    = "@every 1m"
	specDailyReset  = "0 0 * * *"
	specWeeklyReset = "0 0 * * MON"
)

// Hooks are the callbacks the scheduler drives. Nil hooks are skipped.
type Hooks struct {
	GCIntents   func()
	ResetDaily  func()
	ResetWeekly func()
	Snapshot    func(ctx context.Context) // equity/position persistence tick
}

// Scheduler wraps a UTC cron runner.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds the scheduler and registers the housekeeping jobs.
// snapshotSpec is a cron expression for the persistence tick; empty disables
// it.
func New(hooks Hooks, snapshotSpec string, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cron.DiscardLogger)),
		logger: logger.With("component", "sched"),
	}

	add := func(spec, name string, fn func()) error {
		if fn == nil {
			return nil
		}
		_, err := s.cron.AddFunc(spec, func() {
			s.logger.Debug("running job", "job", name)
			fn()
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		return nil
	}

	if err := add(specIntentGC, "intent_gc", hooks.GCIntents); err != nil {
		return nil, err
	}
	if err := add(specDailyReset, "daily_reset", hooks.ResetDaily); err != nil {
		return nil, err
	}
	if err := add(specWeeklyReset, "weekly_reset", hooks.ResetWeekly); err != nil {
		return nil, err
	}
	if snapshotSpec != "" && hooks.Snapshot != nil {
		snap := func() { hooks.Snapshot(context.Background()) }
		if err := add(snapshotSpec, "snapshot", snap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the cron runner in its own goroutine.
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

/**
 * @description
 * Cron scheduler setup for the ledger's background jobs.
 */

package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron specs of each job. Empty specs disable the job.
type Schedules struct {
	AutoRelease    string
	PayoutDispatch string
	Clearance      string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the
// number of jobs scheduled.
func (s *Scheduler) Start() int {
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"auto-release sweep", s.schedules.AutoRelease, s.jobs.AutoReleaseDueEscrows},
		{"payout dispatch", s.schedules.PayoutDispatch, s.jobs.DispatchPendingWithdrawals},
		{"earnings clearance", s.schedules.Clearance, s.jobs.ReleaseClearedEarnings},
	}

	scheduled := 0
	for _, entry := range entries {
		if entry.spec == "" {
			s.logger.Info("job disabled", "job", entry.name)
			continue
		}
		if _, err := s.cron.AddFunc(entry.spec, entry.fn); err != nil {
			s.logger.Error("failed to schedule job", "job", entry.name, "schedule", entry.spec, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", entry.name, "schedule", entry.spec)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/bacon/reward-service/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of jobs registered.
func (s *Scheduler) Start() int {
	scheduled := 0
	register := func(name, schedule string, job func()) {
		if _, err := s.cron.AddFunc(schedule, job); err != nil {
			s.logger.Error("failed to schedule job", "job", name, "schedule", schedule, "error", err)
			return
		}
		scheduled++
		s.logger.Info("scheduled job", "job", name, "schedule", schedule)
	}

	register("withdrawal_timeout_sweep", s.config.PayoutSweepSchedule, s.jobs.SweepTimedOutWithdrawals)
	register("payout_dispatch", s.config.PayoutDispatchSchedule, s.jobs.DispatchPendingPayouts)
	register("distribution_reconcile", s.config.DistributionReconcileSchedule, s.jobs.ReconcileDistributions)

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

/**
 * @description
 * Scheduled job implementations for the reward-service. Each job is a thin wrapper over a
 * Service operation so a missed consumer message or a crashed worker is recovered by the
 * next tick.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/bacon/reward-service/internal/metrics"
)

const jobTimeout = 2 * time.Minute

// MaintenanceRunner is the subset of Service the scheduled jobs drive.
type MaintenanceRunner interface {
	SweepTimedOutWithdrawals(ctx context.Context) (int, error)
	DispatchPendingPayouts(ctx context.Context) (int, error)
	ReconcileDistributions(ctx context.Context) (resolved int, remaining int, err error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	runner MaintenanceRunner
	logger *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(runner MaintenanceRunner, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{runner: runner, logger: logger}
}

// SweepTimedOutWithdrawals fails and reverses withdrawals whose payout never confirmed.
func (j *Jobs) SweepTimedOutWithdrawals() {
	j.logger.Info("starting withdrawal timeout sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	swept, err := j.runner.SweepTimedOutWithdrawals(ctx)
	metrics.RecordJobRun("withdrawal_timeout_sweep", err)
	if err != nil {
		j.logger.Error("withdrawal timeout sweep failed", "error", err, "swept", swept)
		return
	}

	j.logger.Info("withdrawal timeout sweep job finished", "swept", swept)
}

// DispatchPendingPayouts retries payout dispatch for withdrawals still pending.
func (j *Jobs) DispatchPendingPayouts() {
	j.logger.Info("starting payout dispatch job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	dispatched, err := j.runner.DispatchPendingPayouts(ctx)
	metrics.RecordJobRun("payout_dispatch", err)
	if err != nil {
		j.logger.Error("payout dispatch failed", "error", err, "dispatched", dispatched)
		return
	}

	if dispatched == 0 {
		j.logger.Debug("payout dispatch job finished with nothing to send")
		return
	}
	j.logger.Info("payout dispatch job finished", "dispatched", dispatched)
}

// ReconcileDistributions re-applies distributions flagged after exhausting their retries.
func (j *Jobs) ReconcileDistributions() {
	j.logger.Info("starting distribution reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	resolved, remaining, err := j.runner.ReconcileDistributions(ctx)
	metrics.RecordJobRun("distribution_reconcile", err)
	if err != nil {
		j.logger.Error("distribution reconciliation failed", "error", err, "resolved", resolved, "remaining", remaining)
		return
	}

	if remaining > 0 {
		j.logger.Warn("distributions still awaiting reconciliation", "resolved", resolved, "remaining", remaining)
		return
	}
	j.logger.Info("distribution reconciliation job finished", "resolved", resolved)
}

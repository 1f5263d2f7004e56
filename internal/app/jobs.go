/**
 * @description
 * Scheduled job implementations: the auto-release sweep, payout dispatch and
 * earnings clearance. Each job is safe to run on several instances at once
 * because every transition re-checks state under a row lock.
 */

package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/escrow-service/internal/domain"
)

const (
	defaultJobBatchSize = 100
	defaultJobTimeout   = 2 * time.Minute
	autoReleaseLockTTL  = 2 * time.Minute
)

// JobResult summarizes one job run.
type JobResult struct {
	Evaluated int `json:"evaluated"`
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	svc       *Service
	locker    Locker
	logger    *slog.Logger
	batchSize int
	timeout   time.Duration
}

// NewJobs creates a new Jobs runner. locker may be nil.
func NewJobs(svc *Service, locker Locker, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		svc:       svc,
		locker:    locker,
		logger:    logger.With("component", "jobs"),
		batchSize: defaultJobBatchSize,
		timeout:   defaultJobTimeout,
	}
}

// AutoReleaseDueEscrows is the cron entry for the auto-release sweep.
func (j *Jobs) AutoReleaseDueEscrows() {
	j.run("auto-release sweep", j.RunAutoRelease)
}

// DispatchPendingWithdrawals is the cron entry for payout dispatch.
func (j *Jobs) DispatchPendingWithdrawals() {
	j.run("payout dispatch", j.RunPayoutDispatch)
}

// ReleaseClearedEarnings is the cron entry for earnings clearance.
func (j *Jobs) ReleaseClearedEarnings() {
	j.run("earnings clearance", j.RunClearance)
}

func (j *Jobs) run(name string, fn func(ctx context.Context) (JobResult, error)) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := fn(ctx)
	if err != nil {
		j.logger.Error("job failed", "job", name, "error", err)
		return
	}
	j.logger.Info("job finished", "job", name,
		"evaluated", result.Evaluated,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"failed", result.Failed)
}

// RunAutoRelease releases every funded escrow past its auto-release time.
func (j *Jobs) RunAutoRelease(ctx context.Context) (JobResult, error) {
	var result JobResult
	due, err := j.svc.repo.ListEscrowsDueForAutoRelease(ctx, j.svc.now(), j.batchSize)
	if err != nil {
		return result, err
	}

	for _, escrow := range due {
		result.Evaluated++
		release, ok := j.claim(ctx, "auto-release:"+escrow.ID.String())
		if !ok {
			result.Skipped++
			continue
		}

		released, err := j.svc.AutoReleaseEscrow(ctx, escrow.ID)
		release()
		switch {
		case err != nil:
			result.Failed++
			j.logger.Error("failed to auto-release escrow", "escrow_id", escrow.ID, "error", err)
		case released:
			result.Processed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// claim takes the Redis lock when one is configured. Without Redis, or when
// Redis errors, the row lock alone keeps the release single.
func (j *Jobs) claim(ctx context.Context, name string) (func(), bool) {
	noop := func() {}
	if j.locker == nil {
		return noop, true
	}
	release, ok, err := j.locker.TryLock(ctx, name, autoReleaseLockTTL)
	if err != nil {
		j.logger.Warn("lock unavailable; relying on row lock", "lock", name, "error", err)
		return noop, true
	}
	if !ok {
		return noop, false
	}
	return release, true
}

// RunPayoutDispatch sends pending withdrawals to the payout gateway, oldest
// first, then resends processing withdrawals the gateway never acknowledged.
// It stops early when the gateway is down.
func (j *Jobs) RunPayoutDispatch(ctx context.Context) (JobResult, error) {
	var result JobResult
	pending, err := j.svc.repo.ListPendingWithdrawals(ctx, j.svc.now(), j.batchSize)
	if err != nil {
		return result, err
	}

	for _, wd := range pending {
		result.Evaluated++
		out, err := j.svc.DispatchWithdrawal(ctx, wd.ID)
		switch {
		case errors.Is(err, domain.ErrGatewayUnavailable):
			result.Failed++
			j.logger.Warn("payout gateway unavailable; stopping dispatch run", "withdrawal_id", wd.ID, "error", err)
			result.Skipped += len(pending) - result.Evaluated
			return result, nil
		case err != nil:
			result.Failed++
			j.logger.Error("failed to dispatch withdrawal", "withdrawal_id", wd.ID, "error", err)
		case out != nil && out.Status == domain.WithdrawalPending:
			result.Skipped++
		default:
			result.Processed++
		}
	}

	unconfirmed, err := j.svc.repo.ListUnconfirmedWithdrawals(ctx, j.svc.now().Add(-j.svc.payoutConfirmationTimeout), j.batchSize)
	if err != nil {
		return result, err
	}
	for i, wd := range unconfirmed {
		result.Evaluated++
		out, err := j.svc.ResendWithdrawal(ctx, wd.ID)
		switch {
		case errors.Is(err, domain.ErrGatewayUnavailable):
			result.Failed++
			j.logger.Warn("payout gateway unavailable; stopping resend run", "withdrawal_id", wd.ID, "error", err)
			result.Skipped += len(unconfirmed) - i - 1
			return result, nil
		case err != nil:
			result.Failed++
			j.logger.Error("failed to resend withdrawal", "withdrawal_id", wd.ID, "error", err)
		case out != nil && out.DispatchAttempts > wd.DispatchAttempts:
			result.Processed++
			j.logger.Info("resent unconfirmed payout", "withdrawal_id", wd.ID, "attempts", out.DispatchAttempts)
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// RunClearance moves earnings whose clearing period ended into available.
func (j *Jobs) RunClearance(ctx context.Context) (JobResult, error) {
	var result JobResult
	due, err := j.svc.repo.ListDueClearances(ctx, j.svc.now(), j.batchSize)
	if err != nil {
		return result, err
	}

	for _, clearance := range due {
		result.Evaluated++
		released, err := j.svc.ReleaseClearance(ctx, clearance.ID)
		switch {
		case err != nil:
			result.Failed++
			j.logger.Error("failed to release cleared earnings", "clearance_id", clearance.ID, "user_id", clearance.UserID, "error", err)
		case released:
			result.Processed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

package scheduler

import (
	"context"

	"github.com/smallbiznis/settlement/internal/runmode"
	"go.uber.org/zap"
)

func (s *Scheduler) processBillingCycle(ctx context.Context, run *jobRun) error {
	result, err := s.settlement.ProcessBillingCycle(ctx, runmode.Live)
	run.AddProcessed(result.Processed)
	run.AddErrors(len(result.Errors))
	s.metrics.AddBatchProcessed(run.job, "account", result.Processed)
	for _, tenantErr := range result.Errors {
		s.logger(ctx).Warn("billing cycle tenant failed",
			zap.String("tenant_id", tenantErr.TenantID),
			zap.String("stage", tenantErr.Stage),
			zap.String("error", tenantErr.Message),
		)
	}
	return err
}

func (s *Scheduler) retryDuePayments(ctx context.Context, run *jobRun) error {
	result, err := s.settlement.RetryDuePayments(ctx, runmode.Live)
	run.AddProcessed(result.Processed)
	run.AddErrors(len(result.Errors))
	s.metrics.AddBatchProcessed(run.job, "invoice", result.Processed)
	return err
}

func (s *Scheduler) enforceGracePeriods(ctx context.Context, run *jobRun) error {
	result, err := s.grace.EnforceGracePeriods(ctx, runmode.Live)
	run.AddProcessed(result.Checked)
	run.AddErrors(len(result.Errors))
	s.metrics.AddBatchProcessed(run.job, "account", result.Checked)
	return err
}

func (s *Scheduler) sendGraceReminders(ctx context.Context, run *jobRun) error {
	result, err := s.grace.SendGracePeriodReminders(ctx, runmode.Live)
	run.AddProcessed(result.Processed)
	run.AddErrors(len(result.Errors))
	s.metrics.AddBatchProcessed(run.job, "account", result.Processed)
	return err
}

func (s *Scheduler) purgeIdempotency(ctx context.Context, run *jobRun) error {
	before := s.clock.Now().Add(-s.billing.Get().IdempotencyRetention)
	purged, err := s.idempotency.Purge(ctx, before)
	if err != nil {
		s.logSchedulerError(ctx, run, "purge idempotency records", err)
		return err
	}
	run.AddProcessed(int(purged))
	s.metrics.AddBatchProcessed(run.job, "idempotency_record", int(purged))
	return nil
}

func (s *Scheduler) reclaimStaleLocks(ctx context.Context, run *jobRun) error {
	reclaimed, err := s.locks.ReclaimStale(ctx, s.cfg.BatchSize, runmode.Live)
	if err != nil {
		s.logSchedulerError(ctx, run, "reclaim stale cycle locks", err)
		return err
	}
	run.AddProcessed(reclaimed)
	s.metrics.AddBatchProcessed(run.job, "cycle_lock", reclaimed)
	return nil
}

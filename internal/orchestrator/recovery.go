package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/jobqueue"
	"vmconductor.io/conductor/internal/lock"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

// RecoverNode cleans up after a previous run of this node: outstanding
// work items are handed to HA and marked Done, and jobs left in progress
// are failed. It is skipped when another node holds the recovery lock.
func (o *Orchestrator) RecoverNode(ctx context.Context) error {
	ran, err := lock.WithLock(ctx, o.locker, lock.NameStartupRecovery, o.cfg.LockTimeout, func(ctx context.Context) error {
		items, err := o.ledger.ListOwned(ctx)
		if err != nil {
			return err
		}
		for _, w := range items {
			o.handoff(ctx, w, provider.HACheckStop)
		}

		cause := apperrors.OperationFailed(
			fmt.Sprintf("management node %d restarted while the job was running", o.cfg.NodeID))
		jobs, err := o.store.FailInProgressJobsByNode(ctx, o.cfg.NodeID, jobqueue.EncodeError(cause, nil), o.now())
		if err != nil {
			return fmt.Errorf("fail in-progress jobs of node %d: %w", o.cfg.NodeID, err)
		}
		for _, job := range jobs {
			if err := o.bus.Publish(ctx, domain.TopicJobDone, domain.Encode(domain.JobDone{JobID: job.ID, VMID: job.VMID})); err != nil {
				logger.Warn("Failed to publish recovered job", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		logger.Info("Node recovery finished",
			zap.Int64("node_id", o.cfg.NodeID),
			zap.Int("work_items", len(items)),
			zap.Int("jobs_failed", len(jobs)),
		)
		return nil
	})
	if err != nil {
		return err
	}
	if !ran {
		logger.Info("Another node is running startup recovery, skipping", zap.Int64("node_id", o.cfg.NodeID))
	}
	return nil
}

// HandleStuckWork hands work items that made no progress for the
// transitional liveness window to HA.
func (o *Orchestrator) HandleStuckWork(ctx context.Context) error {
	items, err := o.ledger.ListStuck(ctx, o.cfg.TransitionalLiveness)
	if err != nil {
		return err
	}
	for _, w := range items {
		logger.Warn("Work item stuck, handing VM to HA",
			zap.String("work_id", w.ID),
			zap.Int64("vm_id", w.VMID),
			zap.String("state", string(w.State)),
			zap.String("step", string(w.Step)),
			zap.Duration("inactive", w.InactiveFor(o.now())),
		)
		o.handoff(ctx, w, provider.HAForceStop)
	}
	return nil
}

// CleanupWork deletes Done work items older than grace.
func (o *Orchestrator) CleanupWork(ctx context.Context, grace time.Duration) error {
	n, err := o.ledger.CleanupDone(ctx, grace)
	if err != nil {
		return err
	}
	if n > 0 {
		logger.Debug("Deleted done work items", zap.Int64("count", n))
	}
	return nil
}

// ExpungeJobs deletes finished work jobs older than retention.
func (o *Orchestrator) ExpungeJobs(ctx context.Context, retention time.Duration) error {
	n, err := o.store.DeleteCompletedJobsBefore(ctx, o.now().Add(-retention))
	if err != nil {
		return fmt.Errorf("delete completed work jobs: %w", err)
	}
	if n > 0 {
		logger.Debug("Deleted completed work jobs", zap.Int64("count", n))
	}
	return nil
}

// handoff schedules HA work for the VM of a dead or stuck work item and
// marks the item Done. stopKind selects how a VM stuck in Stopping is
// handled.
func (o *Orchestrator) handoff(ctx context.Context, w *domain.WorkItem, stopKind provider.HAWorkType) {
	defer o.ledger.MarkDone(ctx, w)

	vm, err := o.store.GetVM(ctx, w.VMID)
	if errors.Is(err, repository.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("Failed to load VM of abandoned work item", zap.String("work_id", w.ID), zap.Error(err))
		return
	}
	if vm.State != w.State {
		logger.Debug("VM left the state of its work item", append(logVM(vm), zap.String("work_id", w.ID))...)
		return
	}

	var (
		kind   provider.HAWorkType
		haErr  error
		hostID = vm.HostIDValue()
	)
	switch vm.State {
	case domain.StateStarting:
		kind = provider.HARestart
		haErr = o.c.HA.ScheduleRestart(ctx, vm, true)
	case domain.StateStopping:
		kind = stopKind
		haErr = o.c.HA.ScheduleStop(ctx, vm, hostID, stopKind)
	case domain.StateMigrating:
		kind = provider.HAMigration
		haErr = o.c.HA.ScheduleMigration(ctx, vm)
	default:
		return
	}
	o.monitor.handoffs.WithLabelValues(string(kind)).Inc()
	if haErr != nil {
		logger.Error("Failed to hand VM to HA", append(logVM(vm), zap.String("kind", string(kind)), zap.Error(haErr))...)
		o.alerts.OnHAFailed(ctx, vm, kind, haErr)
	}
}

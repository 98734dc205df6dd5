package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// Inspector reports whether the execution backend still holds a job that
// can run. Enqueuers implementing it let FailOrphans catch jobs the
// backend dropped.
type Inspector interface {
	Alive(ctx context.Context, backendID int64) (bool, error)
}

// Abandon fails the pending work job jobID with cause and wakes its
// waiters. It reports false if the job had already finished.
func (q *Queue) Abandon(ctx context.Context, jobID string, vmID int64, cause error) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	failed, err := q.store.FailPendingJob(ctx, jobID, EncodeError(cause, nil), q.now())
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fail work job %s: %w", jobID, err)
	}
	if !failed {
		return false, nil
	}
	publishDone(ctx, q.bus, &domain.WorkJob{ID: jobID, VMID: vmID})
	return true, nil
}

// FailOrphans fails pending jobs that can never finish and returns how
// many it failed. A job is orphaned when its backend job is gone or
// finished, or when it has not moved for longer than the queue timeout.
// Jobs touched within grace are skipped; their backend id may not be
// recorded yet.
func (q *Queue) FailOrphans(ctx context.Context, grace time.Duration) (int, error) {
	now := q.now()
	jobs, err := q.store.ListPendingJobsUpdatedBefore(ctx, now.Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("list pending work jobs: %w", err)
	}
	inspector, _ := q.enqueuer.(Inspector)

	failed := 0
	for _, job := range jobs {
		reason := q.orphanReason(ctx, job, inspector, now.Add(-grace))
		if reason == "" {
			continue
		}
		logger.Warn("Failing orphaned work job",
			zap.String("job_id", job.ID),
			zap.Int64("vm_id", job.VMID),
			zap.String("operation", string(job.Kind)),
			zap.String("status", string(job.Status)),
			zap.String("reason", reason),
		)
		cause := apperrors.OperationFailed(reason).WithParam("job_id", job.ID)
		ok, err := q.Abandon(ctx, job.ID, job.VMID, cause)
		if err != nil {
			return failed, err
		}
		if ok {
			failed++
		}
	}
	return failed, nil
}

func (q *Queue) orphanReason(ctx context.Context, job *domain.WorkJob, inspector Inspector, now time.Time) string {
	if now.Sub(job.UpdatedAt) > q.cfg.Timeout {
		return fmt.Sprintf("%s job made no progress for %s", job.Kind, q.cfg.Timeout)
	}
	if job.Placeholder || job.RiverJobID == nil || inspector == nil {
		return ""
	}
	alive, err := inspector.Alive(ctx, *job.RiverJobID)
	if err != nil {
		logger.Warn("Cannot inspect backend job",
			zap.String("job_id", job.ID),
			zap.Int64("river_job_id", *job.RiverJobID),
			zap.Error(err),
		)
		return ""
	}
	if !alive {
		return fmt.Sprintf("%s job was dropped by the job queue", job.Kind)
	}
	return ""
}

// Package jobqueue serializes VM lifecycle work across management nodes.
//
// Public lifecycle calls persist a work job and enqueue it on the vm_work
// River queue, then block on an Outcome. A dispatcher runs jobs one at a
// time per VM and records the result or a serialized AppError. Callers
// already executing inside a dispatched job run the work inline instead,
// guarded by a placeholder job.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// Enqueuer hands a persisted work job to the execution backend and returns
// the backend's job id.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *domain.WorkJob) (int64, error)
}

// Config tunes the queue.
type Config struct {
	NodeID int64
	// CheckInterval bounds how long a waiter sleeps between polls.
	CheckInterval time.Duration
	// Timeout bounds Outcome.Wait.
	Timeout time.Duration
}

// ConfigFrom extracts the queue settings.
func ConfigFrom(node config.NodeConfig, o config.OrchestratorConfig) Config {
	return Config{NodeID: node.ID, CheckInterval: o.JobCheckInterval, Timeout: o.JobTimeout}
}

// Store is the persistence the queue reads.
type Store interface {
	repository.WorkJobStore
	GetVM(ctx context.Context, id int64) (*domain.VM, error)
}

// Queue submits and joins work jobs.
type Queue struct {
	store    Store
	enqueuer Enqueuer
	bus      eventbus.Bus
	cfg      Config
	now      func() time.Time
}

// New creates a Queue.
func New(store Store, enqueuer Enqueuer, bus eventbus.Bus, cfg Config) *Queue {
	return &Queue{store: store, enqueuer: enqueuer, bus: bus, cfg: cfg, now: time.Now}
}

// SubmitOrJoin returns an Outcome for cmd. If a job of the same kind is
// already pending for the VM the caller joins it; otherwise a new job is
// persisted and enqueued.
func (q *Queue) SubmitOrJoin(ctx context.Context, cmd domain.WorkCommand, caller domain.Caller) (*Outcome, error) {
	payload, err := cmd.Marshal()
	if err != nil {
		var unknown *domain.ErrUnknownOperation
		if errors.As(err, &unknown) {
			return nil, apperrors.BadRequest(apperrors.CodeUnknownOperation, err.Error())
		}
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, err.Error())
	}

	if existing, err := q.store.FindPendingJob(ctx, cmd.VMID, cmd.Kind); err != nil {
		return nil, fmt.Errorf("find pending %s job for vm %d: %w", cmd.Kind, cmd.VMID, err)
	} else if existing != nil {
		return q.join(existing, cmd), nil
	}

	job := &domain.WorkJob{
		VMID:      cmd.VMID,
		Kind:      cmd.Kind,
		Command:   payload,
		Status:    domain.JobQueued,
		NodeID:    q.cfg.NodeID,
		UserID:    caller.UserID,
		AccountID: caller.AccountID,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		if !errors.Is(err, repository.ErrDuplicatePendingJob) {
			return nil, fmt.Errorf("create %s job for vm %d: %w", cmd.Kind, cmd.VMID, err)
		}
		// Lost the insert race; the winner's job is the one to wait on.
		existing, findErr := q.store.FindPendingJob(ctx, cmd.VMID, cmd.Kind)
		if findErr != nil {
			return nil, fmt.Errorf("find pending %s job for vm %d: %w", cmd.Kind, cmd.VMID, findErr)
		}
		if existing == nil {
			return nil, apperrors.ConcurrentOperation("pending job vanished while joining").
				WithParam("operation", string(cmd.Kind))
		}
		return q.join(existing, cmd), nil
	}

	backendID, err := q.enqueuer.Enqueue(ctx, job)
	if err != nil {
		failErr := apperrors.OperationFailed("failed to enqueue work job").WithCause(err)
		if cErr := q.store.CompleteJob(context.WithoutCancel(ctx), job.ID, domain.JobFailed, nil, EncodeError(failErr, nil), q.now()); cErr != nil {
			logger.Error("Failed to fail unqueued work job", zap.String("job_id", job.ID), zap.Error(cErr))
		}
		return nil, failErr
	}
	if err := q.store.SetRiverJobID(ctx, job.ID, backendID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		logger.Warn("Failed to record backend job id",
			zap.String("job_id", job.ID),
			zap.Int64("river_job_id", backendID),
			zap.Error(err),
		)
	}

	logger.Debug("Work job submitted",
		zap.String("job_id", job.ID),
		zap.Int64("vm_id", job.VMID),
		zap.String("operation", string(job.Kind)),
	)
	return q.newOutcome(job, cmd, false), nil
}

func (q *Queue) join(existing *domain.WorkJob, cmd domain.WorkCommand) *Outcome {
	logger.Debug("Joining pending work job",
		zap.String("job_id", existing.ID),
		zap.Int64("vm_id", existing.VMID),
		zap.String("operation", string(existing.Kind)),
	)
	return q.newOutcome(existing, cmd, true)
}

// RunInline runs fn in-process for an orchestration started from inside a
// dispatched job. A placeholder job marks the VM as having pending work
// while fn runs and is removed afterwards.
func (q *Queue) RunInline(ctx context.Context, cmd domain.WorkCommand, caller domain.Caller, fn func(ctx context.Context) error) error {
	payload, err := cmd.Marshal()
	if err != nil {
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField, err.Error())
	}
	placeholder := &domain.WorkJob{
		VMID:        cmd.VMID,
		Kind:        cmd.Kind,
		Command:     payload,
		Status:      domain.JobInProgress,
		NodeID:      q.cfg.NodeID,
		UserID:      caller.UserID,
		AccountID:   caller.AccountID,
		Placeholder: true,
	}
	if err := q.store.CreateJob(ctx, placeholder); err != nil {
		return fmt.Errorf("create placeholder %s job for vm %d: %w", cmd.Kind, cmd.VMID, err)
	}
	defer func() {
		if err := q.store.DeleteJob(context.WithoutCancel(ctx), placeholder.ID); err != nil {
			logger.Warn("Failed to remove placeholder job", zap.String("job_id", placeholder.ID), zap.Error(err))
		}
	}()
	return fn(ctx)
}

type dispatcherKey struct{}

// WithDispatcher marks ctx as executing inside the dispatched job jobID.
func WithDispatcher(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, dispatcherKey{}, jobID)
}

// InDispatcher reports whether ctx runs inside a dispatched job.
func InDispatcher(ctx context.Context) bool {
	_, ok := DispatchedJobID(ctx)
	return ok
}

// DispatchedJobID returns the job id carried by ctx.
func DispatchedJobID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(dispatcherKey{}).(string)
	return id, ok && id != ""
}

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	"vmconductor.io/conductor/internal/lock"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// LaneTable names the row lock that serializes work per VM.
const LaneTable = "vm_work"

var (
	// ErrLaneBusy means another job for the VM is running or an earlier
	// one is still pending. The job should be retried later.
	ErrLaneBusy = errors.New("vm work lane busy")
	// ErrFailFast marks jobs that can never run: missing record, unknown
	// kind or undecodable payload.
	ErrFailFast = errors.New("work job cannot run")
)

// Handler executes a decoded work command and returns its serialized result.
type Handler interface {
	HandleWork(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) ([]byte, error)
}

// Dispatcher runs work jobs one at a time per VM.
type Dispatcher struct {
	jobs    repository.WorkJobStore
	locker  lock.Locker
	bus     eventbus.Bus
	handler Handler
	nodeID  int64
	now     func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(jobs repository.WorkJobStore, locker lock.Locker, bus eventbus.Bus, handler Handler, nodeID int64) *Dispatcher {
	return &Dispatcher{
		jobs:    jobs,
		locker:  locker,
		bus:     bus,
		handler: handler,
		nodeID:  nodeID,
		now:     time.Now,
	}
}

// Execute runs the work job jobID for vmID.
//
// It returns ErrLaneBusy when the VM's lane is taken and an error wrapping
// ErrFailFast when the job was failed without running. Handler failures
// are recorded on the job, not returned.
func (d *Dispatcher) Execute(ctx context.Context, jobID string, vmID int64) error {
	job, err := d.jobs.GetJob(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: work job %s not found", ErrFailFast, jobID)
	}
	if err != nil {
		return fmt.Errorf("load work job %s: %w", jobID, err)
	}
	if !job.Status.Pending() {
		logger.Debug("Work job already finished", zap.String("job_id", jobID), zap.String("status", string(job.Status)))
		return nil
	}

	lease, ok, err := lock.TryLockRow(ctx, d.locker, LaneTable, vmID, 0)
	if err != nil {
		return fmt.Errorf("lock vm work lane %d: %w", vmID, err)
	}
	if !ok {
		return ErrLaneBusy
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release vm work lane", zap.Int64("vm_id", vmID), zap.Error(err))
		}
	}()

	earlier, err := d.jobs.EarlierPendingJobExists(ctx, job)
	if err != nil {
		return fmt.Errorf("check earlier work for vm %d: %w", vmID, err)
	}
	if earlier {
		return ErrLaneBusy
	}

	started, err := d.jobs.MarkJobInProgress(ctx, job.ID, d.nodeID, d.now())
	if err != nil {
		return fmt.Errorf("mark work job %s in progress: %w", job.ID, err)
	}
	if !started {
		logger.Warn("Work job was not queued, skipping", zap.String("job_id", job.ID))
		return nil
	}

	cmd, err := domain.DecodeWorkCommand(job.Command)
	if err != nil {
		code := apperrors.CodeInvalidRequestField
		var unknown *domain.ErrUnknownOperation
		if errors.As(err, &unknown) {
			code = apperrors.CodeUnknownOperation
		}
		appErr := apperrors.BadRequest(code, "work command rejected").WithCause(err)
		d.complete(ctx, job, nil, appErr, nil)
		return fmt.Errorf("%w: %v", ErrFailFast, err)
	}

	log := logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("vm_id", job.VMID),
		zap.String("operation", string(job.Kind)),
	)
	log.Info("Work job started")

	result, stack, runErr := d.run(WithDispatcher(ctx, job.ID), job, cmd)
	d.complete(ctx, job, result, runErr, stack)

	if runErr != nil {
		log.Warn("Work job failed", zap.Error(runErr))
	} else {
		log.Info("Work job succeeded")
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) (result, stack []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack = debug.Stack()
			err = apperrors.Internal(apperrors.CodeInternal, "work job panicked").
				WithCause(fmt.Errorf("panic: %v", p))
			result = nil
		}
	}()
	result, err = d.handler.HandleWork(ctx, job, cmd)
	return result, nil, err
}

// complete records the outcome and wakes waiters. It runs even if ctx was
// cancelled mid-job.
func (d *Dispatcher) complete(ctx context.Context, job *domain.WorkJob, result []byte, runErr error, stack []byte) {
	ctx = context.WithoutCancel(ctx)
	status := domain.JobSucceeded
	var errPayload []byte
	if runErr != nil {
		status = domain.JobFailed
		result = nil
		errPayload = EncodeError(runErr, stack)
	}
	if err := d.jobs.CompleteJob(ctx, job.ID, status, result, errPayload, d.now()); err != nil {
		logger.Error("CRITICAL: work job finished but completion could not be persisted",
			zap.String("job_id", job.ID),
			zap.Int64("vm_id", job.VMID),
			zap.Error(err),
		)
		return
	}
	publishDone(ctx, d.bus, job)
}

func publishDone(ctx context.Context, bus eventbus.Bus, job *domain.WorkJob) {
	payload := domain.Encode(domain.JobDone{JobID: job.ID, VMID: job.VMID})
	if err := bus.Publish(ctx, domain.TopicJobDone, payload); err != nil {
		logger.Warn("Failed to publish job completion", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Package jobs defines the River workers: the per-VM work dispatcher and
// the periodic maintenance sweeps.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/jobqueue"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
)

// Abandoner fails a work job that will never be dispatched again.
type Abandoner interface {
	Abandon(ctx context.Context, jobID string, vmID int64, cause error) (bool, error)
}

// VMWorkWorker executes work jobs from the vm_work queue.
//
// Execution flow:
//  1. Take the VM's lane lock; snooze if another job for the VM runs
//  2. Snooze while an earlier job for the VM is pending (FIFO)
//  3. Decode the command; cancel on an unknown kind or bad payload
//  4. Run the orchestrator and record result or error on the work job
type VMWorkWorker struct {
	river.WorkerDefaults[jobqueue.VMWorkArgs]
	dispatcher *jobqueue.Dispatcher
	abandoner  Abandoner
	snooze     time.Duration
	timeout    time.Duration
}

// NewVMWorkWorker creates the worker. abandoner may be nil.
func NewVMWorkWorker(dispatcher *jobqueue.Dispatcher, abandoner Abandoner, snooze, timeout time.Duration) *VMWorkWorker {
	return &VMWorkWorker{dispatcher: dispatcher, abandoner: abandoner, snooze: snooze, timeout: timeout}
}

// Timeout bounds one saga run. River's default is too short for migrations.
func (w *VMWorkWorker) Timeout(*river.Job[jobqueue.VMWorkArgs]) time.Duration {
	return w.timeout
}

// Work runs one work job.
func (w *VMWorkWorker) Work(ctx context.Context, job *river.Job[jobqueue.VMWorkArgs]) error {
	err := w.dispatcher.Execute(ctx, job.Args.WorkJobID, job.Args.VMID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobqueue.ErrLaneBusy):
		logger.Debug("VM work lane busy, snoozing",
			zap.String("work_job_id", job.Args.WorkJobID),
			zap.Int64("vm_id", job.Args.VMID),
		)
		return river.JobSnooze(w.snooze)
	case errors.Is(err, jobqueue.ErrFailFast):
		logger.Error("Work job cancelled", zap.String("work_job_id", job.Args.WorkJobID), zap.Error(err))
		return river.JobCancel(err)
	default:
		return err
	}
}

// OnExhausted fails the work job behind a vm_work job that used its last
// attempt. River discards such jobs; without this the VM's lane would
// stay blocked by a work job nobody runs.
func (w *VMWorkWorker) OnExhausted(ctx context.Context, job *rivertype.JobRow, cause error) {
	if w.abandoner == nil || job.Kind != (jobqueue.VMWorkArgs{}).Kind() {
		return
	}
	var args jobqueue.VMWorkArgs
	if err := json.Unmarshal(job.EncodedArgs, &args); err != nil || args.WorkJobID == "" {
		logger.Error("Cannot decode exhausted vm_work job", zap.Int64("river_job_id", job.ID), zap.Error(err))
		return
	}

	appErr := apperrors.OperationFailed(fmt.Sprintf("work job failed after %d attempts", job.Attempt)).
		WithParam("job_id", args.WorkJobID).
		WithCause(cause)
	failed, err := w.abandoner.Abandon(ctx, args.WorkJobID, args.VMID, appErr)
	if err != nil {
		logger.Error("Failed to fail exhausted work job",
			zap.String("work_job_id", args.WorkJobID),
			zap.Int64("vm_id", args.VMID),
			zap.Error(err),
		)
		return
	}
	if failed {
		logger.Warn("Work job failed after exhausting attempts",
			zap.String("work_job_id", args.WorkJobID),
			zap.Int64("vm_id", args.VMID),
			zap.Int("attempts", job.Attempt),
		)
	}
}

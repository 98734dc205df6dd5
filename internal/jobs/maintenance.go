package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/lock"
	"vmconductor.io/conductor/internal/pkg/logger"
)

// Maintenance task names.
const (
	TaskWorkCleanup   = "work_cleanup"
	TaskStuckWorkScan = "stuck_work_scan"
	TaskJobExpunge    = "job_expunge"
	TaskOrphanJobs    = "orphan_job_sweep"
	TaskStallScan     = "stall_scan"
)

// MaintenanceArgs is a periodic sweep. Task selects what to run.
type MaintenanceArgs struct {
	Task string `json:"task"`
}

// Kind returns the job kind identifier for periodic sweeps.
func (MaintenanceArgs) Kind() string { return "vm_maintenance" }

// InsertOpts keeps at most one sweep of each task per minute.
func (MaintenanceArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// MaintenanceTask is one periodic sweep. It runs under LockName so only
// one node sweeps per cycle.
type MaintenanceTask struct {
	Name     string
	LockName string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// MaintenanceWorker runs sweeps under their global advisory lock. A node
// that cannot take the lock skips the cycle.
type MaintenanceWorker struct {
	river.WorkerDefaults[MaintenanceArgs]
	locker      lock.Locker
	lockTimeout time.Duration
	tasks       map[string]MaintenanceTask
}

// NewMaintenanceWorker creates the sweep worker.
func NewMaintenanceWorker(locker lock.Locker, lockTimeout time.Duration, tasks ...MaintenanceTask) *MaintenanceWorker {
	m := make(map[string]MaintenanceTask, len(tasks))
	for _, t := range tasks {
		m[t.Name] = t
	}
	return &MaintenanceWorker{locker: locker, lockTimeout: lockTimeout, tasks: m}
}

// Work runs the requested sweep.
func (w *MaintenanceWorker) Work(ctx context.Context, job *river.Job[MaintenanceArgs]) error {
	if w == nil || w.locker == nil {
		return fmt.Errorf("maintenance worker is not initialized")
	}
	if _, ok := w.tasks[job.Args.Task]; !ok {
		return river.JobCancel(fmt.Errorf("unknown maintenance task %q", job.Args.Task))
	}
	return w.RunTask(ctx, job.Args.Task)
}

// RunTask runs one sweep by name.
func (w *MaintenanceWorker) RunTask(ctx context.Context, name string) error {
	task, ok := w.tasks[name]
	if !ok {
		return fmt.Errorf("unknown maintenance task %q", name)
	}

	started := time.Now()
	ran, err := lock.WithLock(ctx, w.locker, task.LockName, w.lockTimeout, task.Run)
	if err != nil {
		return fmt.Errorf("maintenance task %s: %w", name, err)
	}
	if !ran {
		logger.Debug("Maintenance task skipped: lock held elsewhere",
			zap.String("task", name),
			zap.String("lock", task.LockName),
		)
		return nil
	}
	logger.Debug("Maintenance task completed",
		zap.String("task", name),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// PeriodicJobs schedules every task at its interval.
func (w *MaintenanceWorker) PeriodicJobs() []*river.PeriodicJob {
	out := make([]*river.PeriodicJob, 0, len(w.tasks))
	for name, task := range w.tasks {
		if task.Interval <= 0 {
			continue
		}
		name := name
		out = append(out, river.NewPeriodicJob(
			river.PeriodicInterval(task.Interval),
			func() (river.JobArgs, *river.InsertOpts) {
				return MaintenanceArgs{Task: name}, nil
			},
			nil,
		))
	}
	return out
}

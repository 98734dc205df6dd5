package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
)

// Outcome is a handle on a submitted or joined work job.
type Outcome struct {
	JobID  string
	VMID   int64
	Kind   domain.OperationKind
	Joined bool

	q       *Queue
	desired func(vm *domain.VM) bool
	since   time.Time
}

func (q *Queue) newOutcome(job *domain.WorkJob, cmd domain.WorkCommand, joined bool) *Outcome {
	return &Outcome{
		JobID:   job.ID,
		VMID:    job.VMID,
		Kind:    job.Kind,
		Joined:  joined,
		q:       q,
		desired: DesiredPower(cmd),
		since:   job.CreatedAt,
	}
}

// DesiredPower returns the power-state predicate that confirms cmd early,
// or nil when the kind is only confirmed by job completion.
func DesiredPower(cmd domain.WorkCommand) func(vm *domain.VM) bool {
	if !cmd.Kind.WaitsOnPower() {
		return nil
	}
	switch cmd.Kind {
	case domain.OpStart:
		return func(vm *domain.VM) bool { return vm.PowerState == domain.PowerOn }
	case domain.OpStop:
		return func(vm *domain.VM) bool { return vm.PowerState == domain.PowerOff }
	}
	src := migrationSource(cmd)
	return func(vm *domain.VM) bool {
		return vm.PowerState == domain.PowerOn && vm.PowerHostID != nil && *vm.PowerHostID != src
	}
}

func migrationSource(cmd domain.WorkCommand) int64 {
	switch {
	case cmd.Migrate != nil:
		return cmd.Migrate.SrcHostID
	case cmd.MigrateWithStorage != nil:
		return cmd.MigrateWithStorage.SrcHostID
	case cmd.MigrateForScale != nil:
		return cmd.MigrateForScale.SrcHostID
	case cmd.MigrateAway != nil:
		return cmd.MigrateAway.SrcHostID
	}
	return 0
}

// Wait blocks until the job finishes, the desired power state is
// observed, or the queue timeout expires. A finished job's result is
// returned as is; a failed job's error is returned typed.
//
// On timeout it returns OPERATION_TIMEOUT with active=true: the job may
// still be running and the outcome is unknown.
func (o *Outcome) Wait(ctx context.Context) ([]byte, error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.q.cfg.Timeout)
	defer cancel()

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	unsubDone := o.q.bus.Subscribe(domain.TopicJobDone, func(_ context.Context, payload []byte) {
		var ev domain.JobDone
		if json.Unmarshal(payload, &ev) == nil && ev.JobID == o.JobID {
			notify()
		}
	})
	defer unsubDone()
	if o.desired != nil {
		unsubPower := o.q.bus.Subscribe(domain.TopicPowerState, func(_ context.Context, payload []byte) {
			var ev domain.PowerStateChanged
			if json.Unmarshal(payload, &ev) == nil && ev.VMID == o.VMID {
				notify()
			}
		})
		defer unsubPower()
	}

	ticker := time.NewTicker(o.q.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		done, result, err := o.check(waitCtx)
		if done {
			return result, err
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperrors.OperationTimeout(true,
				fmt.Sprintf("timed out waiting for %s job %s", o.Kind, o.JobID)).
				WithParam("job_id", o.JobID)
		case <-wake:
		case <-ticker.C:
		}
	}
}

// reportedSince reports whether vm's power state was reported after the
// job was submitted. Older reports say nothing about this operation.
func (o *Outcome) reportedSince(vm *domain.VM) bool {
	return vm.PowerStateUpdatedAt != nil && !vm.PowerStateUpdatedAt.Before(o.since)
}

// WaitInto waits and decodes a JSON result into v.
func (o *Outcome) WaitInto(ctx context.Context, v any) error {
	result, err := o.Wait(ctx)
	if err != nil {
		return err
	}
	if len(result) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(result, v); err != nil {
		return apperrors.OperationFailed("undecodable job result").WithCause(err)
	}
	return nil
}

func (o *Outcome) check(ctx context.Context) (bool, []byte, error) {
	job, err := o.q.store.GetJob(ctx, o.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil, nil
		}
		return true, nil, fmt.Errorf("poll work job %s: %w", o.JobID, err)
	}
	switch job.Status {
	case domain.JobSucceeded:
		return true, job.Result, nil
	case domain.JobFailed:
		return true, nil, DecodeError(job.Error)
	}

	if o.desired != nil {
		vm, err := o.q.store.GetVM(ctx, o.VMID)
		if err == nil && o.reportedSince(vm) && o.desired(vm) {
			return true, nil, nil
		}
	}
	return false, nil, nil
}

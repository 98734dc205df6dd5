package orchestrator

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/statemachine"
)

// startRun is the state of one start saga.
type startRun struct {
	vm       *domain.VM
	work     *domain.WorkItem
	guru     provider.Guru
	hv       provider.HypervisorGuru
	offering *domain.ServiceOffering
	profile  *domain.VMProfile
	plan     domain.DeploymentPlan
	avoid    *domain.ExcludeList
}

// attemptResult says how the placement loop continues after an attempt.
type attemptResult int

const (
	attemptStarted attemptResult = iota
	attemptRetry
	attemptAbort
)

func (o *Orchestrator) orchestrateStart(ctx context.Context, vmID int64, p domain.StartParams) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	guru, err := o.gurus.Get(vm.Type)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeOperationFailed, "cannot start vm", http.StatusInternalServerError).WithParams(vmParams(vm))
	}
	hv, err := o.hypervisors.Get(vm.Hypervisor)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeOperationFailed, "cannot start vm", http.StatusInternalServerError).WithParams(vmParams(vm))
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}

	work, err := o.changeToStartState(ctx, vm)
	if err != nil {
		return err
	}
	if work == nil {
		logger.Debug("VM already running, start is a no-op", logVM(vm)...)
		return nil
	}

	profile, err := o.profile(ctx, vm, offering)
	if err != nil {
		o.failStart(ctx, vm, work)
		return err
	}
	for k, v := range p.Params {
		profile.Params[k] = v
	}

	run := &startRun{
		vm:       vm,
		work:     work,
		guru:     guru,
		hv:       hv,
		offering: offering,
		profile:  profile,
		plan:     domain.DeploymentPlan{DataCenterID: vm.DataCenterID},
		avoid:    domain.NewExcludeList(),
	}
	if p.Plan != nil {
		run.plan = *p.Plan
	}
	if p.Avoid != nil {
		mergeExcludes(run.avoid, p.Avoid)
	}
	return o.placeAndStart(ctx, run)
}

// changeToStartState claims the VM for starting. It returns a nil work
// item when the VM is already running.
func (o *Orchestrator) changeToStartState(ctx context.Context, vm *domain.VM) (*domain.WorkItem, error) {
	for retry := 0; retry < o.cfg.LockStateRetry; retry++ {
		work, err := o.ledger.Begin(ctx, vm, domain.StateStarting)
		if err != nil {
			return nil, err
		}
		ok, err := o.machine.Transition(ctx, vm, domain.EventStartRequested, nil)
		if err == nil && ok {
			logger.Debug("Claimed VM for start", append(logVM(vm), zap.String("work_id", work.ID))...)
			return work, nil
		}
		o.ledger.MarkDone(ctx, work)
		if err != nil && !statemachine.IsNoTransition(err) {
			return nil, err
		}

		fresh, err := o.loadVM(ctx, vm.ID)
		if err != nil {
			return nil, err
		}
		*vm = *fresh

		switch {
		case vm.State == domain.StateRunning:
			return nil, nil
		case vm.State == domain.StateStopped:
			continue
		case vm.State.IsTransitional() && !vm.State.IsTerminal():
			done, err := o.ledger.AwaitOutstanding(ctx, vm.ID, vm.State)
			if err != nil {
				return nil, err
			}
			if !done {
				return nil, apperrors.ConcurrentOperation(
					fmt.Sprintf("unable to acquire lock on vm %s, another operation is in progress", vm.UUID)).
					WithParams(vmParams(vm))
			}
			fresh, err := o.loadVM(ctx, vm.ID)
			if err != nil {
				return nil, err
			}
			*vm = *fresh
			if vm.State == domain.StateRunning {
				return nil, nil
			}
		default:
			return nil, apperrors.InvalidState(string(vm.State),
				fmt.Sprintf("vm %s cannot be started in state %s", vm.UUID, vm.State)).
				WithParams(vmParams(vm))
		}
	}
	return nil, apperrors.ConcurrentOperation(
		fmt.Sprintf("unable to change the state of vm %s to Starting", vm.UUID)).
		WithParams(vmParams(vm))
}

// placeAndStart is the plan, prepare and dispatch loop.
func (o *Orchestrator) placeAndStart(ctx context.Context, run *startRun) (err error) {
	vm := run.vm
	started := false
	defer func() {
		if !started {
			o.failStart(ctx, vm, run.work)
			if err != nil {
				logger.Warn("VM start failed", append(logVM(vm), zap.Error(err))...)
			}
			return
		}
		o.ledger.MarkDone(ctx, run.work)
	}()

	reuseVolume := true
	var lastErr error
	for attempt := 1; o.cfg.StartRetry == config.UnboundedRetry || attempt <= o.cfg.StartRetry; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		plan := run.plan
		biased := false
		if reuseVolume {
			biased = biasToRootVolume(&plan, vm, run.profile.Volumes)
		}

		dest, err := o.c.Planner.Plan(ctx, run.profile, plan, run.avoid)
		if err != nil {
			if !apperrors.IsRecoverablePlacement(err) || !addExclude(run.avoid, err, domain.DeployDestination{DataCenterID: plan.DataCenterID}) {
				return annotate(err, vm, "deployment planner failed")
			}
			lastErr = err
			continue
		}
		if dest == nil {
			if biased {
				logger.Debug("No destination near the root volume, retrying unconstrained", logVM(vm)...)
				reuseVolume = false
				continue
			}
			return o.insufficientCapacity(ctx, vm, run.plan)
		}

		logger.Info("Starting VM",
			append(logVM(vm), zap.Int("attempt", attempt), zap.Stringer("dest", dest))...)

		res, err := o.tryStart(ctx, run, *dest)
		switch res {
		case attemptStarted:
			started = true
			o.monitor.startAttempts.Observe(float64(attempt))
			return nil
		case attemptAbort:
			return err
		}
		lastErr = err
		logger.Debug("Start attempt failed, retrying",
			append(logVM(vm), zap.Int("attempt", attempt), zap.Error(err))...)
	}

	if _, ok := apperrors.IsAppError(lastErr); ok {
		return lastErr
	}
	return apperrors.OperationFailed(fmt.Sprintf("unable to start vm %s after retries", vm.UUID)).
		WithParams(vmParams(vm)).WithCause(lastErr)
}

// tryStart runs one prepare and dispatch attempt against dest. On any
// failure it releases what the attempt reserved before returning.
func (o *Orchestrator) tryStart(ctx context.Context, run *startRun, dest domain.DeployDestination) (attemptResult, error) {
	vm, work := run.vm, run.work
	hostID := dest.HostID

	if err := o.ledger.UpdateStep(ctx, work, domain.StepPrepare); err != nil {
		return attemptAbort, err
	}
	if err := o.transit(ctx, vm, domain.EventOperationRetry, &hostID); err != nil {
		return attemptAbort, err
	}

	if err := run.guru.FinalizeProfile(ctx, run.profile, dest); err != nil {
		o.cleanupAttempt(ctx, run, hostID)
		return attemptAbort, annotate(err, vm, "profile finalization failed")
	}
	if err := o.prepareResources(ctx, run, dest); err != nil {
		o.cleanupAttempt(ctx, run, hostID)
		if apperrors.IsRecoverablePlacement(err) && addExclude(run.avoid, err, dest) {
			return attemptRetry, err
		}
		return attemptAbort, annotate(err, vm, "resource preparation failed")
	}

	if err := o.ledger.UpdateStep(ctx, work, domain.StepStarting); err != nil {
		o.cleanupAttempt(ctx, run, hostID)
		return attemptAbort, err
	}
	cmd := run.hv.StartCommand(run.profile, dest)
	answer, err := o.c.Agent.Send(ctx, hostID, cmd)
	if err != nil {
		if active, isTimeout := apperrors.TimeoutActive(err); isTimeout {
			if active {
				o.scheduleStop(ctx, vm, hostID, provider.HACheckStop)
			}
			o.cleanupAttempt(ctx, run, hostID)
			return attemptAbort, annotate(err, vm, "start command timed out")
		}
		o.cleanupAttempt(ctx, run, hostID)
		if apperrors.IsRecoverablePlacement(err) {
			run.avoid.AddHost(hostID)
			return attemptRetry, err
		}
		return attemptAbort, annotate(err, vm, "start command failed")
	}
	if answer == nil || !answer.Result {
		o.cleanupAttempt(ctx, run, hostID)
		details := "no answer"
		if answer != nil {
			details = answer.Details
		}
		failErr := apperrors.OperationFailed(fmt.Sprintf("start of vm %s failed on host %d: %s", vm.UUID, hostID, details)).
			WithParams(vmParams(vm))
		if answer != nil && answer.NoRetry {
			return attemptAbort, failErr
		}
		run.avoid.AddHost(hostID)
		return attemptRetry, failErr
	}

	if err := o.ledger.UpdateStep(ctx, work, domain.StepStarted); err != nil {
		o.cleanupAttempt(ctx, run, hostID)
		return attemptAbort, err
	}
	o.syncMetadata(ctx, vm, answer)

	if !run.guru.FinalizeStart(ctx, run.profile, hostID, answer) {
		return attemptAbort, o.rejectStart(ctx, run, hostID)
	}

	if err := o.transit(ctx, vm, domain.EventOperationSucceeded, &hostID); err != nil {
		o.cleanupAttempt(ctx, run, hostID)
		return attemptAbort, err
	}
	if err := o.store.UpdatePlacement(ctx, vm.ID, domain.ID64(dest.PodID), domain.ID64(dest.ClusterID)); err != nil {
		logger.Warn("Failed to record VM placement", append(logVM(vm), zap.Error(err))...)
	}
	for volID, poolID := range dest.VolumeToPool {
		if err := o.store.UpdateVolumePool(ctx, volID, poolID); err != nil {
			logger.Warn("Failed to record volume pool", append(logVM(vm), zap.Int64("volume_id", volID), zap.Error(err))...)
		}
	}
	logger.Info("VM started", logVM(vm)...)
	return attemptStarted, nil
}

// prepareResources reserves capacity, network and storage at dest.
func (o *Orchestrator) prepareResources(ctx context.Context, run *startRun, dest domain.DeployDestination) error {
	if err := o.c.Capacity.Allocate(ctx, run.vm.ID, dest.HostID, run.offering); err != nil {
		return err
	}
	if err := o.c.Network.Prepare(ctx, run.profile, dest); err != nil {
		return err
	}
	return o.c.Volumes.Prepare(ctx, run.profile, dest)
}

// rejectStart stops a VM whose start answer the guru refused.
func (o *Orchestrator) rejectStart(ctx context.Context, run *startRun, hostID int64) error {
	vm := run.vm
	if _, err := o.send(ctx, hostID, stopCommand(vm, false, false)); err != nil {
		logger.Error("Unable to stop VM after start finalization failed",
			append(logVM(vm), zap.Error(err))...)
		o.scheduleStop(ctx, vm, hostID, provider.HAForceStop)
		return apperrors.OperationFailed(
			fmt.Sprintf("start of vm %s was rejected and stopping it failed, force stop scheduled", vm.UUID)).
			WithParams(vmParams(vm)).WithCause(err)
	}
	o.releaseAttempt(ctx, run, hostID, false)
	return apperrors.OperationFailed(
		fmt.Sprintf("start of vm %s was rejected after boot, vm stopped, not retrying", vm.UUID)).
		WithParams(vmParams(vm))
}

// cleanupAttempt undoes one start attempt. How far the work item got
// selects a graceful stop or a forced release.
func (o *Orchestrator) cleanupAttempt(ctx context.Context, run *startRun, hostID int64) {
	vm := run.vm
	switch run.work.Step {
	case domain.StepStarting, domain.StepStarted, domain.StepRelease:
		if _, err := o.send(ctx, hostID, stopCommand(vm, false, true)); err != nil {
			logger.Warn("Cleanup stop failed, releasing anyway", append(logVM(vm), zap.Error(err))...)
		}
		o.releaseAttempt(ctx, run, hostID, false)
	default:
		o.releaseAttempt(ctx, run, hostID, true)
	}
}

func (o *Orchestrator) releaseAttempt(ctx context.Context, run *startRun, hostID int64, forced bool) {
	o.releaseResources(ctx, run.vm, run.profile, run.offering, hostID, forced)
}

// releaseResources returns network, storage and capacity held at hostID.
// Failures are logged; every release is idempotent.
func (o *Orchestrator) releaseResources(ctx context.Context, vm *domain.VM, profile *domain.VMProfile, offering *domain.ServiceOffering, hostID int64, forced bool) {
	ctx = context.WithoutCancel(ctx)
	if err := o.c.Network.Release(ctx, profile, forced); err != nil {
		logger.Warn("Network release failed", append(logVM(vm), zap.Error(err))...)
	}
	if err := o.c.Volumes.Release(ctx, profile); err != nil {
		logger.Warn("Volume release failed", append(logVM(vm), zap.Error(err))...)
	}
	if hostID != 0 {
		if err := o.c.Capacity.Release(ctx, vm.ID, hostID, offering); err != nil {
			logger.Warn("Capacity release failed", append(logVM(vm), zap.Error(err))...)
		}
	}
}

// failStart moves a VM whose start did not succeed back to Stopped and
// closes the work item.
func (o *Orchestrator) failStart(ctx context.Context, vm *domain.VM, work *domain.WorkItem) {
	ctx = context.WithoutCancel(ctx)
	defer o.ledger.MarkDone(ctx, work)
	if vm.State != domain.StateStarting {
		return
	}
	if ok, err := o.machine.Transition(ctx, vm, domain.EventOperationFailed, nil); err != nil || !ok {
		logger.Warn("Unable to move VM out of Starting after failed start",
			append(logVM(vm), zap.Bool("won", ok), zap.Error(err))...)
	}
}

func (o *Orchestrator) insufficientCapacity(ctx context.Context, vm *domain.VM, plan domain.DeploymentPlan) error {
	conflict, err := o.c.Planner.HasAffinityConflict(ctx, vm)
	if err != nil {
		logger.Warn("Affinity conflict check failed", append(logVM(vm), zap.Error(err))...)
	}
	msg := fmt.Sprintf("unable to create a deployment for vm %s", vm.UUID)
	if conflict {
		msg += ": affinity group rules prevent placement"
	}
	return apperrors.InsufficientCapacity(apperrors.ScopeDataCenter, plan.DataCenterID, conflict, msg).
		WithParams(vmParams(vm))
}

// syncMetadata persists details from hypervisors that report them.
func (o *Orchestrator) syncMetadata(ctx context.Context, vm *domain.VM, answer *provider.Answer) {
	hv, err := o.hypervisors.Get(vm.Hypervisor)
	if err != nil {
		return
	}
	syncer, ok := hv.(provider.MetadataSyncer)
	if !ok {
		return
	}
	for k, v := range syncer.SyncMetadata(vm, answer) {
		if err := o.store.SetDetail(ctx, vm.ID, k, v); err != nil {
			logger.Warn("Failed to persist VM detail", append(logVM(vm), zap.String("key", k), zap.Error(err))...)
			continue
		}
		if vm.Details == nil {
			vm.Details = make(map[string]string)
		}
		vm.Details[k] = v
	}
}

func (o *Orchestrator) scheduleStop(ctx context.Context, vm *domain.VM, hostID int64, kind provider.HAWorkType) {
	if err := o.c.HA.ScheduleStop(context.WithoutCancel(ctx), vm, hostID, kind); err != nil {
		logger.Error("Failed to schedule HA stop", append(logVM(vm), zap.String("kind", string(kind)), zap.Error(err))...)
		o.alerts.OnHAFailed(ctx, vm, kind, err)
	}
}

// biasToRootVolume pins placement to the root volume's pool and the VM's
// last cluster when the root volume is already provisioned.
func biasToRootVolume(plan *domain.DeploymentPlan, vm *domain.VM, vols []*domain.Volume) bool {
	if plan.PoolID != 0 || plan.HostID != 0 {
		return false
	}
	for _, v := range vols {
		if !v.Root || !v.Ready || v.PoolID == nil {
			continue
		}
		plan.PoolID = *v.PoolID
		if plan.ClusterID == 0 && vm.ClusterID != nil {
			plan.ClusterID = *vm.ClusterID
		}
		return true
	}
	return false
}

// addExclude extends avoid with the scope named by a placement error. It
// reports false when the scope is not one placement can route around,
// or when neither the error nor dest names the scope's id.
func addExclude(avoid *domain.ExcludeList, err error, dest domain.DeployDestination) bool {
	scope, id, ok := apperrors.ScopeOf(err)
	if !ok {
		return false
	}
	var add func(int64)
	fallback := int64(0)
	switch scope {
	case apperrors.ScopeDataCenter:
		add, fallback = avoid.AddDataCenter, dest.DataCenterID
	case apperrors.ScopePod:
		add, fallback = avoid.AddPod, dest.PodID
	case apperrors.ScopeCluster:
		add, fallback = avoid.AddCluster, dest.ClusterID
	case apperrors.ScopeHost:
		add, fallback = avoid.AddHost, dest.HostID
	case apperrors.ScopePool:
		add = avoid.AddPool
	default:
		return false
	}
	if id == 0 {
		id = fallback
	}
	if id == 0 {
		return false
	}
	add(id)
	return true
}

func mergeExcludes(dst, src *domain.ExcludeList) {
	for _, id := range src.DataCenters.UnsortedList() {
		dst.AddDataCenter(id)
	}
	for _, id := range src.Pods.UnsortedList() {
		dst.AddPod(id)
	}
	for _, id := range src.Clusters.UnsortedList() {
		dst.AddCluster(id)
	}
	for _, id := range src.Hosts.UnsortedList() {
		dst.AddHost(id)
	}
	for _, id := range src.Pools.UnsortedList() {
		dst.AddPool(id)
	}
}

package reconciler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

// Reconcile applies the recorded power state of vmID to its lifecycle
// state. It reports deferred when a work job, work item or HA task is
// pending for the VM; nothing is changed in that case.
func (r *Reconciler) Reconcile(ctx context.Context, vmID int64) (deferred bool, err error) {
	vm, err := r.store.GetVM(ctx, vmID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load vm %d: %w", vmID, err)
	}
	if vm.Removed != nil || vm.PowerHostID == nil {
		return false, nil
	}

	busy, err := r.busy(ctx, vm)
	if err != nil || busy {
		return busy, err
	}
	// A report from before the last state change says nothing about the
	// current state; the next report will.
	if vm.PowerStateUpdatedAt == nil || vm.PowerStateUpdatedAt.Before(vm.UpdatedAt) {
		logger.Debug("Skipping stale power report", logVM(vm)...)
		return false, nil
	}

	reportHost := *vm.PowerHostID
	switch vm.PowerState {
	case domain.PowerOn:
		return false, r.powerOn(ctx, vm, reportHost)
	case domain.PowerOff, domain.PowerReportMissing:
		return false, r.powerOff(ctx, vm, reportHost)
	}
	return false, nil
}

// busy reports pending work that owns the VM's state.
func (r *Reconciler) busy(ctx context.Context, vm *domain.VM) (bool, error) {
	jobs, err := r.store.ListPendingJobs(ctx, vm.ID)
	if err != nil {
		return false, fmt.Errorf("list pending jobs of vm %d: %w", vm.ID, err)
	}
	if len(jobs) > 0 {
		logger.Debug("Deferring power report, work job pending",
			append(logVM(vm), zap.String("job_id", jobs[0].ID), zap.String("kind", string(jobs[0].Kind)))...)
		return true, nil
	}
	work, err := r.store.FindOutstandingWork(ctx, vm.ID, vm.State)
	if err != nil {
		return false, fmt.Errorf("find outstanding work of vm %d: %w", vm.ID, err)
	}
	if work != nil {
		logger.Debug("Deferring power report, work item outstanding", append(logVM(vm), zap.String("work_id", work.ID))...)
		return true, nil
	}
	pending, err := r.c.HA.HasPendingWork(ctx, vm.ID)
	if err != nil {
		return false, fmt.Errorf("check HA work of vm %d: %w", vm.ID, err)
	}
	if pending {
		logger.Debug("Deferring power report, HA work pending", logVM(vm)...)
	}
	return pending, nil
}

func (r *Reconciler) powerOn(ctx context.Context, vm *domain.VM, reportHost int64) error {
	switch vm.State {
	case domain.StateRunning:
		if domain.SameID(vm.HostID, &reportHost) {
			return nil
		}
		r.monitor.actions.WithLabelValues(ActionMigratedOutOfBand).Inc()
		logger.Warn("VM running on an unexpected host", append(logVM(vm), zap.Int64("report_host_id", reportHost))...)
		r.alerts.OnStateOutOfSync(ctx, vm, reportHost,
			fmt.Sprintf("vm is recorded on host %d but host %d reports it running, it was migrated out of band",
				vm.HostIDValue(), reportHost))
		return nil

	case domain.StateStopped, domain.StateStarting, domain.StateStopping, domain.StateMigrating:
		from := vm.State
		wasStopped := from == domain.StateStopped
		ok, err := r.machine.Transition(ctx, vm, domain.EventFollowAgentPowerOnReport, &reportHost)
		if err != nil || !ok {
			return err
		}
		if wasStopped {
			r.reserve(ctx, vm, reportHost)
		}
		r.monitor.actions.WithLabelValues(ActionPowerOnSync).Inc()
		logger.Warn("VM powered on out of band", append(logVM(vm), zap.String("from", string(from)))...)
		r.alerts.OnStateOutOfSync(ctx, vm, reportHost,
			fmt.Sprintf("vm was %s but host %d reports it running, check its network and volume configuration", from, reportHost))
		return nil

	default:
		// Destroyed, Expunging or Error VMs are never restarted from here.
		r.monitor.actions.WithLabelValues(ActionAlertOnly).Inc()
		r.alerts.OnStateOutOfSync(ctx, vm, reportHost,
			fmt.Sprintf("vm is %s but host %d reports it running", vm.State, reportHost))
		return nil
	}
}

func (r *Reconciler) powerOff(ctx context.Context, vm *domain.VM, reportHost int64) error {
	switch vm.State {
	case domain.StateRunning, domain.StateStarting, domain.StateStopping, domain.StateMigrating:
	default:
		return nil
	}
	if vm.HostID != nil && *vm.HostID != reportHost {
		// Another host reported it; the VM's own host has not spoken.
		logger.Debug("Ignoring power-off from a host the VM is not on", append(logVM(vm), zap.Int64("report_host_id", reportHost))...)
		return nil
	}

	if vm.State == domain.StateRunning && vm.HAEnabled && !r.cfg.DisableHARestart && !vm.Hypervisor.ManagesOwnHA() {
		r.monitor.actions.WithLabelValues(ActionHARestart).Inc()
		logger.Warn("HA-enabled VM powered off out of band, scheduling restart", logVM(vm)...)
		if err := r.c.HA.ScheduleRestart(ctx, vm, true); err != nil {
			r.alerts.OnHAFailed(ctx, vm, provider.HARestart, err)
			return fmt.Errorf("schedule HA restart of vm %d: %w", vm.ID, err)
		}
		return nil
	}

	hostID := vm.HostIDValue()
	if hostID == 0 {
		hostID = reportHost
	}
	cmd := provider.StopCommand{VMID: vm.ID, InstanceName: vm.InstanceName, Forced: true, CleanupOnly: true}
	if answer, err := r.c.Agent.Send(ctx, hostID, cmd); err != nil || answer == nil || !answer.Result {
		logger.Warn("Best-effort stop of out-of-band VM did not succeed", append(logVM(vm), zap.Error(err))...)
	}

	from := vm.State
	ok, err := r.machine.Transition(ctx, vm, domain.EventFollowAgentPowerOffReport, nil)
	if err != nil || !ok {
		return err
	}
	r.release(ctx, vm, hostID)
	r.monitor.actions.WithLabelValues(ActionPowerOffSync).Inc()
	logger.Warn("VM powered off out of band", append(logVM(vm), zap.String("from", string(from)))...)
	r.alerts.OnStateOutOfSync(ctx, vm, reportHost,
		fmt.Sprintf("vm was %s but host %d reports it %s, it was stopped", from, reportHost, vm.PowerState))
	return nil
}

func (r *Reconciler) reserve(ctx context.Context, vm *domain.VM, hostID int64) {
	off, err := r.store.GetOffering(ctx, vm.ServiceOfferingID)
	if err != nil {
		logger.Warn("Unable to load offering of out-of-band VM", append(logVM(vm), zap.Error(err))...)
		return
	}
	if err := r.c.Capacity.Allocate(ctx, vm.ID, hostID, off); err != nil {
		logger.Warn("Unable to account capacity of out-of-band VM", append(logVM(vm), zap.Error(err))...)
	}
}

func (r *Reconciler) release(ctx context.Context, vm *domain.VM, hostID int64) {
	off, err := r.store.GetOffering(ctx, vm.ServiceOfferingID)
	if err != nil {
		logger.Warn("Unable to load offering of stopped VM", append(logVM(vm), zap.Error(err))...)
		return
	}
	if err := r.c.Capacity.Release(ctx, vm.ID, hostID, off); err != nil {
		logger.Warn("Unable to release capacity of stopped VM", append(logVM(vm), zap.Error(err))...)
	}
}

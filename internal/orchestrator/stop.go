package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
)

func (o *Orchestrator) orchestrateStop(ctx context.Context, vmID int64, forced bool) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	return o.advanceStop(ctx, vm, forced)
}

// advanceStop stops vm. Stopping a VM that is already down is a no-op that
// sends nothing to any host.
func (o *Orchestrator) advanceStop(ctx context.Context, vm *domain.VM, forced bool) error {
	switch vm.State {
	case domain.StateStopped, domain.StateDestroyed, domain.StateExpunging, domain.StateError:
		logger.Debug("Stop requested but VM is not running", logVM(vm)...)
		return nil
	case domain.StateStarting, domain.StateStopping, domain.StateMigrating:
		if !forced {
			return apperrors.ConcurrentOperation(
				fmt.Sprintf("vm %s is %s, stop it with force or retry later", vm.UUID, vm.State)).
				WithParams(vmParams(vm))
		}
		return o.forceStopTransitional(ctx, vm)
	}

	guru, err := o.gurus.Get(vm.Type)
	if err != nil {
		return apperrors.OperationFailed(err.Error()).WithParams(vmParams(vm))
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	hostID := vm.HostIDValue()
	if !forced && hostID != 0 {
		host, err := o.host(ctx, hostID)
		if err != nil {
			return err
		}
		if host.ResourceState == domain.ResourcePrepareForMaintenance {
			return apperrors.InvalidState(string(vm.State),
				fmt.Sprintf("host %d is preparing for maintenance, vm %s cannot be stopped without force", hostID, vm.UUID)).
				WithParams(vmParams(vm))
		}
	}

	work, err := o.ledger.Begin(ctx, vm, domain.StateStopping)
	if err != nil {
		return err
	}
	defer o.ledger.MarkDone(ctx, work)

	ok, err := o.machine.Transition(ctx, vm, domain.EventStopRequested, nil)
	if err != nil {
		return err
	}
	if !ok {
		fresh, err := o.loadVM(ctx, vm.ID)
		if err != nil {
			return err
		}
		if fresh.State == domain.StateStopped {
			return nil
		}
		return apperrors.ConcurrentOperation(
			fmt.Sprintf("vm %s changed state while stopping", vm.UUID)).WithParams(vmParams(fresh))
	}

	profile, err := o.profile(ctx, vm, offering)
	if err != nil {
		o.revertStop(ctx, vm)
		return err
	}

	answer, err := o.send(ctx, hostID, stopCommand(vm, forced, false))
	if err != nil {
		if !forced {
			if active, isTimeout := apperrors.TimeoutActive(err); isTimeout && active {
				o.scheduleStop(ctx, vm, hostID, provider.HACheckStop)
			}
			o.revertStop(ctx, vm)
			return annotate(err, vm, "stop command failed")
		}
		logger.Warn("Stop command failed, forcing the VM down", append(logVM(vm), zap.Error(err))...)
	}
	guru.FinalizeStop(ctx, profile, answer)

	if err := o.ledger.UpdateStep(ctx, work, domain.StepRelease); err != nil {
		logger.Warn("Failed to advance stop work item", append(logVM(vm), zap.Error(err))...)
	}
	o.releaseResources(ctx, vm, profile, offering, hostID, forced)

	if err := o.transit(ctx, vm, domain.EventOperationSucceeded, nil); err != nil {
		return err
	}
	logger.Info("VM stopped", append(logVM(vm), zap.Bool("forced", forced))...)
	return nil
}

// revertStop returns a VM whose stop failed to Running.
func (o *Orchestrator) revertStop(ctx context.Context, vm *domain.VM) {
	ctx = context.WithoutCancel(ctx)
	if ok, err := o.machine.Transition(ctx, vm, domain.EventOperationFailed, nil); err != nil || !ok {
		logger.Warn("Unable to revert VM after failed stop", append(logVM(vm), zap.Bool("won", ok), zap.Error(err))...)
	}
}

// forceStopTransitional brings down a VM caught mid-operation. Agent errors
// are tolerated; the VM ends Stopped either way.
func (o *Orchestrator) forceStopTransitional(ctx context.Context, vm *domain.VM) error {
	hostID := vm.HostIDValue()
	if hostID == 0 && vm.LastHostID != nil {
		hostID = *vm.LastHostID
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	profile, err := o.profile(ctx, vm, offering)
	if err != nil {
		return err
	}
	if hostID != 0 {
		if _, err := o.send(ctx, hostID, stopCommand(vm, true, false)); err != nil {
			logger.Warn("Forced stop command failed", append(logVM(vm), zap.Error(err))...)
		}
	}
	o.releaseResources(ctx, vm, profile, offering, hostID, true)
	if err := o.transit(ctx, vm, domain.EventAgentReportStopped, nil); err != nil {
		return err
	}
	logger.Info("Transitional VM forced down", logVM(vm)...)
	return nil
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/lock"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

func (o *Orchestrator) orchestrateReboot(ctx context.Context, vmID int64, params map[string]string) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.State != domain.StateRunning || vm.HostID == nil {
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s is not running, unable to reboot it", vm.UUID)).WithParams(vmParams(vm))
	}
	logger.Info("Rebooting VM", append(logVM(vm), zap.Int("params", len(params)))...)
	if _, err := o.send(ctx, *vm.HostID, provider.RebootCommand{VMID: vm.ID, InstanceName: vm.InstanceName}); err != nil {
		return annotate(err, vm, "reboot failed")
	}
	return nil
}

// orchestrateReconfigure moves vm to a new service offering. A stopped VM
// only has its record updated. A running VM is resized where it runs, or
// migrated for scale when its host is short and sameHost is not required.
func (o *Orchestrator) orchestrateReconfigure(ctx context.Context, vmID, newOfferingID int64, sameHost bool) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	oldOffering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	newOffering, err := o.offering(ctx, newOfferingID)
	if err != nil {
		return err
	}

	switch vm.State {
	case domain.StateStopped:
		if err := o.store.UpdateOffering(ctx, vm.ID, newOffering.ID); err != nil {
			return fmt.Errorf("update offering of vm %d: %w", vm.ID, err)
		}
		logger.Info("Stopped VM reconfigured", append(logVM(vm), zap.Int64("offering_id", newOffering.ID))...)
		return nil
	case domain.StateRunning:
	default:
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s cannot be reconfigured while %s", vm.UUID, vm.State)).WithParams(vmParams(vm))
	}

	hostID := vm.HostIDValue()
	fits, err := o.fitsAfterResize(ctx, hostID, oldOffering, newOffering)
	if err != nil {
		return annotate(err, vm, "capacity check failed")
	}
	if fits {
		return o.scaleOnHost(ctx, vm, hostID, oldOffering, newOffering, true)
	}
	if sameHost {
		return apperrors.InsufficientCapacity(apperrors.ScopeHost, hostID, false,
			fmt.Sprintf("host %d lacks capacity to scale vm %s", hostID, vm.UUID)).WithParams(vmParams(vm))
	}

	profile, err := o.profile(ctx, vm, newOffering)
	if err != nil {
		return err
	}
	avoid := domain.NewExcludeList()
	avoid.AddHost(hostID)
	plan := domain.DeploymentPlan{DataCenterID: vm.DataCenterID}
	dest, err := o.c.Planner.Plan(ctx, profile, plan, avoid)
	if err != nil {
		return annotate(err, vm, "deployment planner failed")
	}
	if dest == nil {
		return o.insufficientCapacity(ctx, vm, plan)
	}
	logger.Info("Host lacks capacity, migrating VM for scale",
		append(logVM(vm), zap.Stringer("dest", *dest))...)
	_, err = o.MigrateForScale(ctx, vm.ID, hostID, *dest, newOffering.ID, domain.Caller{})
	return err
}

// fitsAfterResize reports whether hostID can hold newOffering once the
// VM's current reservation is returned.
func (o *Orchestrator) fitsAfterResize(ctx context.Context, hostID int64, oldOffering, newOffering *domain.ServiceOffering) (bool, error) {
	if newOffering.CPU <= oldOffering.CPU && newOffering.MemoryMB <= oldOffering.MemoryMB {
		return true, nil
	}
	delta := &domain.ServiceOffering{
		ID:       newOffering.ID,
		CPU:      max(newOffering.CPU-oldOffering.CPU, 0),
		SpeedMHz: newOffering.SpeedMHz,
		MemoryMB: max(newOffering.MemoryMB-oldOffering.MemoryMB, 0),
	}
	return o.c.Capacity.HasCapacity(ctx, hostID, delta)
}

// scaleOnHost resizes a running VM in place. With reserve set the host's
// reservation is swapped from oldOffering to newOffering first; either way
// a failed resize puts the old reservation back.
func (o *Orchestrator) scaleOnHost(ctx context.Context, vm *domain.VM, hostID int64, oldOffering, newOffering *domain.ServiceOffering, reserve bool) error {
	work, err := o.ledger.Begin(ctx, vm, domain.StateRunning)
	if err != nil {
		return err
	}
	defer o.ledger.MarkDone(ctx, work)
	if err := o.ledger.UpdateStep(ctx, work, domain.StepReconfiguring); err != nil {
		return err
	}

	restore := func() {
		rctx := context.WithoutCancel(ctx)
		if err := o.c.Capacity.Release(rctx, vm.ID, hostID, newOffering); err != nil {
			logger.Warn("Releasing new reservation failed", append(logVM(vm), zap.Error(err))...)
		}
		if err := o.c.Capacity.Allocate(rctx, vm.ID, hostID, oldOffering); err != nil {
			logger.Error("Restoring old reservation failed", append(logVM(vm), zap.Error(err))...)
		}
	}

	if reserve {
		if err := o.c.Capacity.Release(ctx, vm.ID, hostID, oldOffering); err != nil {
			return annotate(err, vm, "releasing old reservation failed")
		}
		if err := o.c.Capacity.Allocate(ctx, vm.ID, hostID, newOffering); err != nil {
			restore()
			return annotate(err, vm, "reserving new offering failed")
		}
	}

	cmd := provider.ScaleVMCommand{
		VMID:         vm.ID,
		InstanceName: vm.InstanceName,
		CPU:          newOffering.CPU,
		SpeedMHz:     newOffering.SpeedMHz,
		MemoryMB:     newOffering.MemoryMB,
	}
	if _, err := o.send(ctx, hostID, cmd); err != nil {
		restore()
		return annotate(err, vm, "scale command failed")
	}
	if err := o.store.UpdateOffering(ctx, vm.ID, newOffering.ID); err != nil {
		return fmt.Errorf("update offering of vm %d: %w", vm.ID, err)
	}
	vm.ServiceOfferingID = newOffering.ID
	logger.Info("VM scaled", append(logVM(vm), zap.Int64("offering_id", newOffering.ID))...)
	return nil
}

func (o *Orchestrator) orchestrateAddNic(ctx context.Context, vmID, networkID int64, ipAddress string) (*domain.Nic, error) {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if vm.State != domain.StateRunning && vm.State != domain.StateStopped {
		return nil, apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s cannot take a nic while %s", vm.UUID, vm.State)).WithParams(vmParams(vm))
	}
	existing, err := o.store.ListNics(ctx, vm.ID)
	if err != nil {
		return nil, fmt.Errorf("list nics of vm %d: %w", vm.ID, err)
	}

	nic, err := o.c.Network.AllocateNic(ctx, vm, networkID, ipAddress)
	if err != nil {
		return nil, annotate(err, vm, "nic allocation failed")
	}
	nic.VMID = vm.ID
	nic.DeviceID = len(existing)
	nic.Default = len(existing) == 0
	if err := o.store.CreateNic(ctx, nic); err != nil {
		o.deallocateNic(ctx, vm, nic)
		return nil, fmt.Errorf("persist nic of vm %d: %w", vm.ID, err)
	}

	if vm.State == domain.StateRunning {
		cmd := provider.PlugNicCommand{InstanceName: vm.InstanceName, NicID: nic.ID, MACAddress: nic.MACAddress, NetworkID: networkID}
		if _, err := o.send(ctx, vm.HostIDValue(), cmd); err != nil {
			o.deallocateNic(ctx, vm, nic)
			if delErr := o.store.DeleteNic(context.WithoutCancel(ctx), nic.ID); delErr != nil {
				logger.Warn("Failed to delete unplugged nic", append(logVM(vm), zap.Int64("nic_id", nic.ID), zap.Error(delErr))...)
			}
			return nil, annotate(err, vm, "nic plug failed")
		}
	}
	logger.Info("NIC added", append(logVM(vm), zap.Int64("nic_id", nic.ID), zap.Int64("network_id", networkID))...)
	return nic, nil
}

func (o *Orchestrator) orchestrateRemoveNic(ctx context.Context, vmID, nicID int64) error {
	lease, ok, err := lock.TryLockRow(ctx, o.locker, NicLockTable, nicID, o.cfg.LockTimeout)
	if err != nil {
		return fmt.Errorf("lock nic %d: %w", nicID, err)
	}
	if !ok {
		return apperrors.ConcurrentOperation(fmt.Sprintf("unable to lock nic %d, another operation holds it", nicID))
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Failed to release nic lock", zap.Int64("nic_id", nicID), zap.Error(err))
		}
	}()

	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	nic, err := o.store.GetNic(ctx, nicID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && nic.VMID != vm.ID) {
		return apperrors.NotFound(apperrors.CodeNicNotFound, fmt.Sprintf("nic %d not found on vm %s", nicID, vm.UUID))
	}
	if err != nil {
		return fmt.Errorf("load nic %d: %w", nicID, err)
	}
	if nic.Default {
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("nic %d is the default nic of vm %s and cannot be removed", nicID, vm.UUID))
	}

	switch vm.State {
	case domain.StateRunning:
		cmd := provider.UnplugNicCommand{InstanceName: vm.InstanceName, NicID: nic.ID, MACAddress: nic.MACAddress}
		if _, err := o.send(ctx, vm.HostIDValue(), cmd); err != nil {
			return annotate(err, vm, "nic unplug failed")
		}
	case domain.StateStopped:
	default:
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s cannot lose a nic while %s", vm.UUID, vm.State)).WithParams(vmParams(vm))
	}

	if err := o.c.Network.DeallocateNic(ctx, vm, nic); err != nil {
		return annotate(err, vm, "nic deallocation failed")
	}
	if err := o.store.DeleteNic(ctx, nic.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("delete nic %d: %w", nic.ID, err)
	}
	logger.Info("NIC removed", append(logVM(vm), zap.Int64("nic_id", nic.ID))...)
	return nil
}

func (o *Orchestrator) deallocateNic(ctx context.Context, vm *domain.VM, nic *domain.Nic) {
	if err := o.c.Network.DeallocateNic(context.WithoutCancel(ctx), vm, nic); err != nil {
		logger.Warn("NIC deallocation failed", append(logVM(vm), zap.Error(err))...)
	}
}

// orchestrateStorageMigration moves every volume of a stopped VM to poolID.
func (o *Orchestrator) orchestrateStorageMigration(ctx context.Context, vmID, poolID int64) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.State != domain.StateStopped {
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s must be stopped to migrate its storage", vm.UUID)).WithParams(vmParams(vm))
	}

	work, err := o.ledger.Begin(ctx, vm, domain.StateMigrating)
	if err != nil {
		return err
	}
	defer o.ledger.MarkDone(ctx, work)

	if err := o.transit(ctx, vm, domain.EventStorageMigrationRequested, nil); err != nil {
		return err
	}
	if err := o.ledger.UpdateStep(ctx, work, domain.StepMigrating); err != nil {
		logger.Warn("Failed to advance storage migration work item", append(logVM(vm), zap.Error(err))...)
	}

	migrateErr := o.c.Volumes.StorageMigration(ctx, vm, poolID)
	if migrateErr == nil {
		vols, err := o.store.ListVolumes(ctx, vm.ID)
		if err != nil {
			migrateErr = fmt.Errorf("list volumes of vm %d: %w", vm.ID, err)
		}
		for _, v := range vols {
			if err := o.store.UpdateVolumePool(ctx, v.ID, poolID); err != nil {
				logger.Warn("Failed to record volume pool", append(logVM(vm), zap.Int64("volume_id", v.ID), zap.Error(err))...)
			}
		}
	}

	if err := o.transit(context.WithoutCancel(ctx), vm, domain.EventAgentReportStopped, nil); err != nil {
		logger.Error("Unable to return VM to Stopped after storage migration", append(logVM(vm), zap.Error(err))...)
		if migrateErr == nil {
			return err
		}
	}
	if migrateErr != nil {
		return annotate(migrateErr, vm, "storage migration failed")
	}
	logger.Info("VM storage migrated", append(logVM(vm), zap.Int64("pool_id", poolID))...)
	return nil
}

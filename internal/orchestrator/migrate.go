package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider"
)

// migration is one live migration from src to dest.
type migration struct {
	vm       *domain.VM
	src      int64
	dest     domain.DeployDestination
	offering *domain.ServiceOffering
	// srcOffering is what the source host has accounted for the VM.
	srcOffering *domain.ServiceOffering
	// volumeToPool is set when volumes move with the VM.
	volumeToPool map[int64]int64
}

func (o *Orchestrator) orchestrateMigrate(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if err := o.checkMigratable(vm, srcHostID, dest.HostID); err != nil {
		return err
	}
	if err := o.completeDestination(ctx, &dest); err != nil {
		return err
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	return o.migrate(ctx, &migration{vm: vm, src: srcHostID, dest: dest, offering: offering, srcOffering: offering})
}

func (o *Orchestrator) orchestrateMigrateWithStorage(ctx context.Context, vmID, srcHostID, destHostID int64, volumeToPool map[int64]int64) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if err := o.checkMigratable(vm, srcHostID, destHostID); err != nil {
		return err
	}
	dest := domain.DeployDestination{HostID: destHostID, VolumeToPool: volumeToPool}
	if err := o.completeDestination(ctx, &dest); err != nil {
		return err
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	if volumeToPool == nil {
		volumeToPool = map[int64]int64{}
	}
	return o.migrate(ctx, &migration{
		vm: vm, src: srcHostID, dest: dest,
		offering: offering, srcOffering: offering,
		volumeToPool: volumeToPool,
	})
}

// orchestrateMigrateForScale migrates with the new offering reserved on
// the destination, then resizes the VM there.
func (o *Orchestrator) orchestrateMigrateForScale(ctx context.Context, vmID, srcHostID int64, dest domain.DeployDestination, newOfferingID int64) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if err := o.checkMigratable(vm, srcHostID, dest.HostID); err != nil {
		return err
	}
	if err := o.completeDestination(ctx, &dest); err != nil {
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
	if err := o.migrate(ctx, &migration{vm: vm, src: srcHostID, dest: dest, offering: newOffering, srcOffering: oldOffering}); err != nil {
		return err
	}
	return o.scaleOnHost(ctx, vm, dest.HostID, oldOffering, newOffering, false)
}

// orchestrateMigrateAway picks destinations until one migration succeeds,
// never returning to a host that already failed.
func (o *Orchestrator) orchestrateMigrateAway(ctx context.Context, vmID, srcHostID int64) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	if vm.State != domain.StateRunning {
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s is not running, unable to migrate it away", vm.UUID)).WithParams(vmParams(vm))
	}
	if vm.HostIDValue() != srcHostID {
		logger.Debug("VM already left the host", append(logVM(vm), zap.Int64("src_host_id", srcHostID))...)
		return nil
	}
	offering, err := o.offering(ctx, vm.ServiceOfferingID)
	if err != nil {
		return err
	}
	profile, err := o.profile(ctx, vm, offering)
	if err != nil {
		return err
	}

	avoid := domain.NewExcludeList()
	avoid.AddHost(srcHostID)
	plan := domain.DeploymentPlan{DataCenterID: vm.DataCenterID}

	var lastErr error
	for attempt := 1; o.cfg.MigrateRetry == config.UnboundedRetry || attempt <= o.cfg.MigrateRetry; attempt++ {
		dest, err := o.c.Planner.Plan(ctx, profile, plan, avoid)
		if err != nil {
			if apperrors.IsRecoverablePlacement(err) && addExclude(avoid, err, domain.DeployDestination{DataCenterID: plan.DataCenterID}) {
				lastErr = err
				continue
			}
			return annotate(err, vm, "deployment planner failed")
		}
		if dest == nil {
			if lastErr != nil {
				return annotate(lastErr, vm, "unable to migrate vm away")
			}
			return o.insufficientCapacity(ctx, vm, plan)
		}

		err = o.migrate(ctx, &migration{vm: vm, src: srcHostID, dest: *dest, offering: offering, srcOffering: offering})
		if err == nil {
			return nil
		}
		if !apperrors.IsRecoverablePlacement(err) && !apperrors.HasCode(err, apperrors.CodeOperationFailed) {
			return err
		}
		lastErr = err
		avoid.AddHost(dest.HostID)
		logger.Warn("Migration attempt failed, trying another host",
			append(logVM(vm), zap.Int("attempt", attempt), zap.Int64("dest_host_id", dest.HostID), zap.Error(err))...)

		fresh, err := o.loadVM(ctx, vm.ID)
		if err != nil {
			return err
		}
		*vm = *fresh
		if vm.State != domain.StateRunning || vm.HostIDValue() != srcHostID {
			return lastErr
		}
	}
	if lastErr == nil {
		return apperrors.OperationFailed(fmt.Sprintf("migration retries exhausted for vm %s", vm.UUID)).
			WithParams(vmParams(vm))
	}
	return annotate(lastErr, vm, "unable to migrate vm away")
}

func (o *Orchestrator) checkMigratable(vm *domain.VM, srcHostID, destHostID int64) error {
	if vm.State != domain.StateRunning {
		return apperrors.InvalidState(string(vm.State),
			fmt.Sprintf("vm %s is not running, unable to migrate it", vm.UUID)).WithParams(vmParams(vm))
	}
	if vm.HostIDValue() != srcHostID {
		return apperrors.ConcurrentOperation(
			fmt.Sprintf("vm %s is not on host %d", vm.UUID, srcHostID)).WithParams(vmParams(vm))
	}
	if destHostID == 0 || destHostID == srcHostID {
		return apperrors.BadRequest(apperrors.CodeInvalidRequestField,
			fmt.Sprintf("destination host %d is not a valid migration target", destHostID))
	}
	return nil
}

// completeDestination fills the placement levels of dest from its host.
func (o *Orchestrator) completeDestination(ctx context.Context, dest *domain.DeployDestination) error {
	h, err := o.host(ctx, dest.HostID)
	if err != nil {
		return err
	}
	if !h.Status.Reachable() {
		return apperrors.ResourceUnavailable(apperrors.ScopeHost, h.ID,
			fmt.Sprintf("destination host %s is %s", h.Name, h.Status))
	}
	dest.DataCenterID, dest.PodID, dest.ClusterID = h.DataCenterID, h.PodID, h.ClusterID
	return nil
}

// migrate runs the migration saga. Until the destination probe succeeds
// every failure rolls back what was prepared on the destination and the
// state transition.
func (o *Orchestrator) migrate(ctx context.Context, m *migration) (err error) {
	vm := m.vm
	destID := m.dest.HostID
	log := append(logVM(vm), zap.Int64("src_host_id", m.src), zap.Int64("dest_host_id", destID))

	profile, err := o.profile(ctx, vm, m.offering)
	if err != nil {
		return err
	}

	if err := o.c.Capacity.Allocate(ctx, vm.ID, destID, m.offering); err != nil {
		return annotate(err, vm, "unable to reserve capacity on destination")
	}
	networkPrepared := false
	volumesPrepared := false
	transitioned := false
	migrated := false
	defer func() {
		if migrated {
			return
		}
		rctx := context.WithoutCancel(ctx)
		if networkPrepared {
			if rbErr := o.c.Network.RollbackMigration(rctx, profile, m.src, destID); rbErr != nil {
				logger.Error("Network rollback after failed migration failed", append(log, zap.Error(rbErr))...)
			}
		}
		if volumesPrepared {
			if rbErr := o.c.Volumes.RollbackMigration(rctx, profile, m.src, destID); rbErr != nil {
				logger.Error("Volume rollback after failed migration failed", append(log, zap.Error(rbErr))...)
			}
		}
		if transitioned {
			if _, stopErr := o.send(rctx, destID, stopCommand(vm, true, true)); stopErr != nil {
				logger.Warn("Destination cleanup after failed migration failed", append(log, zap.Error(stopErr))...)
			}
			if ok, tErr := o.machine.Transition(rctx, vm, domain.EventOperationFailed, &m.src); tErr != nil || !ok {
				logger.Error("Unable to restore VM to its source host", append(log, zap.Bool("won", ok), zap.Error(tErr))...)
			}
			o.alerts.OnMigrationFailed(rctx, vm, m.src, destID, err)
		}
		if cErr := o.c.Capacity.Release(rctx, vm.ID, destID, m.offering); cErr != nil {
			logger.Warn("Destination capacity release failed", append(log, zap.Error(cErr))...)
		}
		logger.Warn("VM migration failed", append(log, zap.Error(err))...)
	}()

	networkPrepared = true
	if err := o.c.Network.PrepareForMigration(ctx, profile, m.dest); err != nil {
		return annotate(err, vm, "network preparation for migration failed")
	}
	volumesPrepared = true
	if err := o.c.Volumes.PrepareForMigration(ctx, profile, m.dest); err != nil {
		return annotate(err, vm, "volume preparation for migration failed")
	}
	prep := provider.PrepareForMigrationCommand{VMID: vm.ID, InstanceName: vm.InstanceName}
	if m.offering != nil {
		prep.CPU, prep.MemoryMB = m.offering.CPU, m.offering.MemoryMB
	}
	if _, err := o.send(ctx, destID, prep); err != nil {
		return annotate(err, vm, "destination refused to prepare for migration")
	}

	work, err := o.ledger.Begin(ctx, vm, domain.StateMigrating)
	if err != nil {
		return err
	}
	defer o.ledger.MarkDone(ctx, work)

	if err := o.transit(ctx, vm, domain.EventMigrationRequested, &destID); err != nil {
		return err
	}
	transitioned = true
	if err := o.ledger.UpdateStep(ctx, work, domain.StepMigrating); err != nil {
		return err
	}

	var migrateCmd provider.Command = provider.MigrateCommand{VMID: vm.ID, InstanceName: vm.InstanceName, DestHostID: destID}
	if m.volumeToPool != nil {
		migrateCmd = provider.MigrateWithStorageCommand{
			VMID: vm.ID, InstanceName: vm.InstanceName, DestHostID: destID, VolumeToPool: m.volumeToPool,
		}
	}
	if _, err := o.send(ctx, m.src, migrateCmd); err != nil {
		if active, isTimeout := apperrors.TimeoutActive(err); isTimeout && active {
			o.scheduleStop(ctx, vm, destID, provider.HACheckStop)
		}
		return annotate(err, vm, "migrate command failed")
	}

	probe, err := o.send(ctx, destID, provider.CheckVirtualMachineCommand{InstanceName: vm.InstanceName})
	if err != nil {
		return annotate(err, vm, "unable to verify the vm on the destination")
	}
	if probe.PowerState != domain.PowerOn {
		return apperrors.OperationFailed(
			fmt.Sprintf("vm %s is not running on destination host %d after migration", vm.UUID, destID)).
			WithParams(vmParams(vm))
	}

	if m.volumeToPool != nil {
		if err := o.c.Volumes.MigrateVolumes(ctx, vm, m.volumeToPool, m.src, destID); err != nil {
			return annotate(err, vm, "volume migration failed")
		}
		for volID, poolID := range m.volumeToPool {
			if err := o.store.UpdateVolumePool(ctx, volID, poolID); err != nil {
				logger.Warn("Failed to record migrated volume pool", append(log, zap.Int64("volume_id", volID), zap.Error(err))...)
			}
		}
	}

	if err := o.transit(ctx, vm, domain.EventOperationSucceeded, &destID); err != nil {
		return err
	}
	migrated = true

	if err := o.c.Network.CommitMigration(ctx, profile, m.src, destID); err != nil {
		logger.Error("Network commit after migration failed", append(log, zap.Error(err))...)
	}
	if err := o.c.Capacity.Release(ctx, vm.ID, m.src, m.srcOffering); err != nil {
		logger.Warn("Source capacity release failed", append(log, zap.Error(err))...)
	}
	if err := o.store.UpdatePlacement(ctx, vm.ID, domain.ID64(m.dest.PodID), domain.ID64(m.dest.ClusterID)); err != nil {
		logger.Warn("Failed to record VM placement", append(log, zap.Error(err))...)
	}
	logger.Info("VM migrated", log...)
	return nil
}

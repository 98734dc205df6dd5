package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// NicRequest is one network the VM is attached to at allocation.
type NicRequest struct {
	NetworkID int64  `json:"network_id"`
	IPAddress string `json:"ip_address,omitempty"`
}

// AllocateRequest describes a new VM.
type AllocateRequest struct {
	Name              string                `json:"name"`
	Type              domain.VMType         `json:"type"`
	Hypervisor        domain.HypervisorType `json:"hypervisor"`
	DataCenterID      int64                 `json:"data_center_id"`
	ServiceOfferingID int64                 `json:"service_offering_id"`
	HAEnabled         bool                  `json:"ha_enabled"`
	Networks          []NicRequest          `json:"networks"`
	RootPoolID        *int64                `json:"root_pool_id,omitempty"`
}

// Allocate records a new stopped VM with its NICs and root volume.
func (o *Orchestrator) Allocate(ctx context.Context, req AllocateRequest) (*domain.VM, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, "name is required")
	}
	if req.Type == "" {
		req.Type = domain.VMTypeUser
	}
	if _, err := o.gurus.Get(req.Type); err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, err.Error())
	}
	if _, err := o.hypervisors.Get(req.Hypervisor); err != nil {
		return nil, apperrors.BadRequest(apperrors.CodeInvalidRequestField, err.Error())
	}
	if _, err := o.offering(ctx, req.ServiceOfferingID); err != nil {
		return nil, err
	}

	id := uuid.New()
	vm := &domain.VM{
		UUID:              id.String(),
		Name:              req.Name,
		InstanceName:      "i-" + strings.ReplaceAll(id.String(), "-", "")[:12],
		Type:              req.Type,
		Hypervisor:        req.Hypervisor,
		State:             domain.StateStopped,
		PowerState:        domain.PowerOff,
		DataCenterID:      req.DataCenterID,
		ServiceOfferingID: req.ServiceOfferingID,
		HAEnabled:         req.HAEnabled,
	}
	if err := o.store.CreateVM(ctx, vm); err != nil {
		return nil, fmt.Errorf("create vm %s: %w", vm.Name, err)
	}

	var nics []*domain.Nic
	fail := func(err error) (*domain.VM, error) {
		rctx := context.WithoutCancel(ctx)
		for _, n := range nics {
			o.deallocateNic(rctx, vm, n)
		}
		if rmErr := o.store.MarkRemoved(rctx, vm.ID, o.now()); rmErr != nil {
			logger.Error("Failed to remove partially allocated VM", append(logVM(vm), zap.Error(rmErr))...)
		}
		return nil, annotate(err, vm, "vm allocation failed")
	}

	for i, n := range req.Networks {
		nic, err := o.c.Network.AllocateNic(ctx, vm, n.NetworkID, n.IPAddress)
		if err != nil {
			return fail(err)
		}
		nic.VMID = vm.ID
		nic.DeviceID = i
		nic.Default = i == 0
		nics = append(nics, nic)
		if err := o.store.CreateNic(ctx, nic); err != nil {
			return fail(err)
		}
	}
	if err := o.store.CreateVolume(ctx, &domain.Volume{VMID: vm.ID, PoolID: req.RootPoolID, Root: true}); err != nil {
		return fail(err)
	}

	logger.Info("VM allocated", append(logVM(vm), zap.Int("nics", len(nics)))...)
	return o.loadVM(ctx, vm.ID)
}

// Destroy stops vm and moves it to Destroyed; with expunge set it is
// expunged right after. The stop goes through the job queue like any
// other stop.
func (o *Orchestrator) Destroy(ctx context.Context, vmID int64, expunge bool, caller domain.Caller) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}

	switch vm.State {
	case domain.StateDestroyed, domain.StateExpunging:
		if expunge {
			return o.expunge(ctx, vm)
		}
		return nil
	case domain.StateStopped, domain.StateError:
	default:
		if _, err := o.Stop(ctx, vm.ID, o.cfg.DestroyForceStop, caller); err != nil {
			return err
		}
		if vm, err = o.loadVM(ctx, vm.ID); err != nil {
			return err
		}
		if vm.State != domain.StateStopped {
			return apperrors.InvalidState(string(vm.State),
				fmt.Sprintf("vm %s did not stop, unable to destroy it", vm.UUID)).WithParams(vmParams(vm))
		}
	}

	if err := o.c.Snapshot.DeleteAllSnapshots(ctx, vm); err != nil {
		return annotate(err, vm, "snapshot cleanup failed")
	}
	if err := o.transit(ctx, vm, domain.EventDestroyRequested, nil); err != nil {
		return err
	}
	logger.Info("VM destroyed", logVM(vm)...)

	if expunge || vm.State == domain.StateExpunging {
		return o.expunge(ctx, vm)
	}
	return nil
}

// Expunge removes a destroyed VM for good.
func (o *Orchestrator) Expunge(ctx context.Context, vmID int64) error {
	vm, err := o.loadVM(ctx, vmID)
	if err != nil {
		return err
	}
	switch vm.State {
	case domain.StateDestroyed, domain.StateExpunging, domain.StateError:
		return o.expunge(ctx, vm)
	}
	return apperrors.InvalidState(string(vm.State),
		fmt.Sprintf("vm %s must be destroyed before it is expunged", vm.UUID)).WithParams(vmParams(vm))
}

// expunge cleans up the hypervisor, network and storage and soft-deletes
// the record. Agent transport errors are tolerated; a cleanup command the
// host answers negatively leaves the VM in Expunging for a retry.
func (o *Orchestrator) expunge(ctx context.Context, vm *domain.VM) error {
	if vm.State != domain.StateExpunging {
		if err := o.transit(ctx, vm, domain.EventExpungeOperation, nil); err != nil {
			return err
		}
	}
	guru, err := o.gurus.Get(vm.Type)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeOperationFailed, "cannot expunge vm", http.StatusInternalServerError).WithParams(vmParams(vm))
	}
	hv, err := o.hypervisors.Get(vm.Hypervisor)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeOperationFailed, "cannot expunge vm", http.StatusInternalServerError).WithParams(vmParams(vm))
	}
	nics, err := o.store.ListNics(ctx, vm.ID)
	if err != nil {
		return fmt.Errorf("list nics of vm %d: %w", vm.ID, err)
	}
	vols, err := o.store.ListVolumes(ctx, vm.ID)
	if err != nil {
		return fmt.Errorf("list volumes of vm %d: %w", vm.ID, err)
	}

	hostID := vm.HostIDValue()
	if hostID == 0 && vm.LastHostID != nil {
		hostID = *vm.LastHostID
	}
	if cmds := hv.ExpungeCommands(vm, nics, vols); len(cmds) > 0 {
		if hostID == 0 {
			logger.Debug("VM never ran on a host, skipping hypervisor cleanup", logVM(vm)...)
		}
		for _, cmd := range cmds {
			if hostID == 0 {
				break
			}
			answer, err := o.c.Agent.Send(ctx, hostID, cmd)
			if err != nil {
				logger.Warn("Expunge cleanup command not delivered",
					append(logVM(vm), zap.String("command", cmd.CommandName()), zap.Error(err))...)
				continue
			}
			if answer == nil || !answer.Result {
				detail := fmt.Sprintf("%s failed on host %d", cmd.CommandName(), hostID)
				if answer != nil && answer.Details != "" {
					detail += ": " + answer.Details
				}
				o.alerts.OnExpungeCleanupFailed(ctx, vm, detail)
				return apperrors.OperationFailed(
					fmt.Sprintf("hypervisor cleanup of vm %s failed: %s", vm.UUID, detail)).
					WithParams(vmParams(vm))
			}
		}
	}

	if err := o.c.Network.Cleanup(ctx, vm); err != nil {
		return annotate(err, vm, "network cleanup failed")
	}
	if err := o.c.Volumes.Cleanup(ctx, vm); err != nil {
		return annotate(err, vm, "volume cleanup failed")
	}
	guru.FinalizeExpunge(ctx, vm)

	for _, n := range nics {
		if err := o.store.DeleteNic(ctx, n.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("delete nic %d: %w", n.ID, err)
		}
	}
	if err := o.store.DeleteVolumes(ctx, vm.ID); err != nil {
		return fmt.Errorf("delete volumes of vm %d: %w", vm.ID, err)
	}
	if err := o.store.MarkRemoved(ctx, vm.ID, o.now()); err != nil {
		return fmt.Errorf("remove vm %d: %w", vm.ID, err)
	}
	logger.Info("VM expunged", logVM(vm)...)
	return nil
}

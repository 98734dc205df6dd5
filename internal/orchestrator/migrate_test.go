package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
)

func TestMigrate_MovesVMAndCommitsNetwork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)

	got, err := h.orch.Migrate(ctx, vm.ID, 1, domain.DeployDestination{HostID: 2}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(2), got.HostID)
	require.Equal(t, hostPtr(1), got.LastHostID)

	require.Equal(t, 1, h.sim.Calls("network.CommitMigration"))
	require.Zero(t, h.sim.Calls("network.RollbackMigration"))
	require.Zero(t, h.sim.Calls("volume.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("agent.PrepareForMigration"))
	require.Equal(t, 1, h.sim.Calls("agent.Migrate"))
	require.Equal(t, 2, h.sim.Calls("capacity.Allocate"))
	require.Equal(t, 1, h.sim.Calls("capacity.Release"))
	require.Contains(t, h.sim.Report(2), vm.InstanceName)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestMigrate_ProbeFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	reservedBefore := h.sim.Calls("capacity.Allocate")
	releasedBefore := h.sim.Calls("capacity.Release")

	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.CheckVirtualMachineCommand); ok {
			return &provider.Answer{Result: true, PowerState: domain.PowerOff}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.Migrate(ctx, vm.ID, 1, domain.DeployDestination{HostID: 2}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)

	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(1), got.HostID)

	reserved := h.sim.Calls("capacity.Allocate") - reservedBefore
	released := h.sim.Calls("capacity.Release") - releasedBefore
	require.Equal(t, 1, reserved)
	require.Equal(t, reserved, released)
	require.Equal(t, 1, h.sim.Calls("network.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("volume.RollbackMigration"))
	require.Zero(t, h.sim.Calls("network.CommitMigration"))
	require.Equal(t, 1, h.sim.Calls("agent.Stop"), "destination cleanup")

	alerts, err := h.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, domain.AlertMigration, alerts[0].Type)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestMigrate_HandshakeFailureLeavesStateAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.PrepareForMigrationCommand); ok {
			return &provider.Answer{Result: false, Details: "no bridge"}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.Migrate(ctx, vm.ID, 1, domain.DeployDestination{HostID: 2}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)

	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(1), got.HostID)
	require.Nil(t, got.LastHostID)
	require.Zero(t, h.sim.Calls("agent.Migrate"))
	require.Equal(t, 1, h.sim.Calls("network.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("volume.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("capacity.Release"))

	alerts, err := h.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestMigrate_VolumePrepareFailureRollsBackDestination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	reservedBefore := h.sim.Calls("capacity.Allocate")
	releasedBefore := h.sim.Calls("capacity.Release")
	h.sim.SetError("volume.PrepareForMigration", apperrors.OperationFailed("pool offline"))
	// A failing volume rollback must not stop the rest of the cleanup.
	h.sim.SetError("volume.RollbackMigration", apperrors.OperationFailed("pool still offline"))

	_, err := h.orch.Migrate(ctx, vm.ID, 1, domain.DeployDestination{HostID: 2}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)

	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(1), got.HostID)
	require.Zero(t, h.sim.Calls("agent.PrepareForMigration"))
	require.Equal(t, 1, h.sim.Calls("network.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("volume.RollbackMigration"))
	require.Equal(t, 1, h.sim.Calls("capacity.Allocate")-reservedBefore)
	require.Equal(t, 1, h.sim.Calls("capacity.Release")-releasedBefore)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestMigrate_Rejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	stopped := h.allocate(t)
	running := h.running(t)

	tests := []struct {
		name string
		vmID int64
		src  int64
		dest int64
		code string
	}{
		{name: "stopped vm", vmID: stopped.ID, src: 1, dest: 2, code: apperrors.CodeInvalidState},
		{name: "same host", vmID: running.ID, src: 1, dest: 1, code: apperrors.CodeInvalidRequestField},
		{name: "wrong source", vmID: running.ID, src: 3, dest: 2, code: apperrors.CodeConcurrentOperation},
		{name: "unknown destination", vmID: running.ID, src: 1, dest: 99, code: apperrors.CodeHostNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Migrate(ctx, tt.vmID, tt.src, domain.DeployDestination{HostID: tt.dest}, domain.Caller{})
			require.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}
	require.Zero(t, h.sim.Calls("agent.Migrate"))
}

func TestMigrateWithStorage_MovesVolumes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	vols, err := h.store.ListVolumes(ctx, vm.ID)
	require.NoError(t, err)
	require.Len(t, vols, 1)

	got, err := h.orch.MigrateWithStorage(ctx, vm.ID, 1, 3, map[int64]int64{vols[0].ID: 77}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, hostPtr(3), got.HostID)
	require.Equal(t, 1, h.sim.Calls("agent.MigrateWithStorage"))
	require.Equal(t, 1, h.sim.Calls("volume.MigrateVolumes"))

	vols, err = h.store.ListVolumes(ctx, vm.ID)
	require.NoError(t, err)
	require.Equal(t, hostPtr(77), vols[0].PoolID)
}

func TestMigrateAway_SkipsFailedDestination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	h.sim.SetInterceptor(func(hostID int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.PrepareForMigrationCommand); ok && hostID == 2 {
			return &provider.Answer{Result: false, Details: "host 2 cannot take it"}, nil, true
		}
		return nil, nil, false
	})

	got, err := h.orch.MigrateAway(ctx, vm.ID, 1, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, hostPtr(3), got.HostID)
	require.Equal(t, 2, h.sim.Calls("agent.PrepareForMigration"))
	require.Equal(t, 1, h.sim.Calls("network.RollbackMigration"))
}

func TestMigrateAway_NoDestinationLeft(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.PrepareForMigrationCommand); ok {
			return &provider.Answer{Result: false}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.MigrateAway(ctx, vm.ID, 1, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)
	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(1), got.HostID)
}

func TestMigrateForScale_ResizesOnDestination(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)

	got, err := h.orch.MigrateForScale(ctx, vm.ID, 1, domain.DeployDestination{HostID: 2}, largeOffering, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, hostPtr(2), got.HostID)
	require.Equal(t, largeOffering, got.ServiceOfferingID)
	require.Equal(t, 1, h.sim.Calls("agent.ScaleVm"))
	h.requireNoOutstandingWork(t, vm.ID)
}

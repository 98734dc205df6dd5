// Package provider defines the collaborators the orchestrator drives:
// the deployment planner, network and volume managers, capacity
// accounting, snapshots, HA, alerts and the agent transport to hosts.
//
// Implementations are injected at startup. The simulator subpackage
// provides in-process versions for development runs and tests.
package provider

import (
	"context"

	"vmconductor.io/conductor/internal/domain"
)

// Planner is the deployment planner. Plan returns (nil, nil) when no
// destination fits.
type Planner interface {
	Plan(ctx context.Context, profile *domain.VMProfile, plan domain.DeploymentPlan, avoid *domain.ExcludeList) (*domain.DeployDestination, error)
	// HasAffinityConflict reports whether affinity rules, rather than raw
	// capacity, prevent placement of vm.
	HasAffinityConflict(ctx context.Context, vm *domain.VM) (bool, error)
}

// NetworkManager reserves and releases network resources for VMs. Every
// method is idempotent.
type NetworkManager interface {
	Prepare(ctx context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error
	Release(ctx context.Context, profile *domain.VMProfile, forced bool) error

	PrepareForMigration(ctx context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error
	RollbackMigration(ctx context.Context, profile *domain.VMProfile, srcHostID, destHostID int64) error
	CommitMigration(ctx context.Context, profile *domain.VMProfile, srcHostID, destHostID int64) error

	AllocateNic(ctx context.Context, vm *domain.VM, networkID int64, ipAddress string) (*domain.Nic, error)
	DeallocateNic(ctx context.Context, vm *domain.VM, nic *domain.Nic) error

	// Cleanup releases everything held for an expunged VM.
	Cleanup(ctx context.Context, vm *domain.VM) error
}

// VolumeManager prepares and moves VM volumes. Every method is idempotent.
type VolumeManager interface {
	Prepare(ctx context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error
	Release(ctx context.Context, profile *domain.VMProfile) error
	PrepareForMigration(ctx context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error
	// RollbackMigration drops what PrepareForMigration set up on the destination.
	RollbackMigration(ctx context.Context, profile *domain.VMProfile, srcHostID, destHostID int64) error
	MigrateVolumes(ctx context.Context, vm *domain.VM, volumeToPool map[int64]int64, srcHostID, destHostID int64) error
	StorageMigration(ctx context.Context, vm *domain.VM, poolID int64) error
	Cleanup(ctx context.Context, vm *domain.VM) error
}

// CapacityManager accounts CPU and memory per host.
type CapacityManager interface {
	Allocate(ctx context.Context, vmID, hostID int64, offering *domain.ServiceOffering) error
	Release(ctx context.Context, vmID, hostID int64, offering *domain.ServiceOffering) error
	HasCapacity(ctx context.Context, hostID int64, offering *domain.ServiceOffering) (bool, error)
}

// SnapshotManager removes VM snapshots ahead of expunge.
type SnapshotManager interface {
	DeleteAllSnapshots(ctx context.Context, vm *domain.VM) error
}

// HAWorkType classifies work handed to the HA manager.
type HAWorkType string

const (
	HARestart   HAWorkType = "Restart"
	HACheckStop HAWorkType = "CheckStop"
	HAForceStop HAWorkType = "ForceStop"
	HAMigration HAWorkType = "Migration"
)

// HAManager schedules high-availability work.
type HAManager interface {
	ScheduleRestart(ctx context.Context, vm *domain.VM, investigate bool) error
	ScheduleStop(ctx context.Context, vm *domain.VM, hostID int64, kind HAWorkType) error
	ScheduleMigration(ctx context.Context, vm *domain.VM) error
	// HasPendingWork reports outstanding HA work for the VM.
	HasPendingWork(ctx context.Context, vmID int64) (bool, error)
}

// AlertManager raises operator alerts.
type AlertManager interface {
	SendAlert(ctx context.Context, alert *domain.Alert)
}

// AgentManager sends commands to host agents.
//
// Send returns a RESOURCE_UNAVAILABLE error (scope host) when the agent
// cannot be reached and an OPERATION_TIMEOUT error when no answer arrived
// in time; in the latter case the active param tells whether the host may
// still be executing the command.
type AgentManager interface {
	Send(ctx context.Context, hostID int64, cmd Command) (*Answer, error)
}

// Answer is a host agent's reply.
type Answer struct {
	Result  bool   `json:"result"`
	Details string `json:"details,omitempty"`
	// NoRetry asks the orchestrator not to try another host.
	NoRetry    bool              `json:"no_retry,omitempty"`
	PowerState domain.PowerState `json:"power_state,omitempty"`
	// Metadata carries VM details reported by the hypervisor.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Collaborators bundles the injected collaborators.
type Collaborators struct {
	Planner  Planner
	Network  NetworkManager
	Volumes  VolumeManager
	Capacity CapacityManager
	Snapshot SnapshotManager
	HA       HAManager
	Alerts   AlertManager
	Agent    AgentManager
}

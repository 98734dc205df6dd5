// Package repository defines the persistence contracts used by the
// lifecycle core. Implementations live in the postgres and memory
// subpackages.
//
// Get* methods return ErrNotFound for a missing record. Find* methods
// return (nil, nil) when nothing matches.
package repository

import (
	"context"
	"errors"
	"time"

	"vmconductor.io/conductor/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrDuplicatePendingJob is returned by CreateJob when a non-placeholder
	// job of the same kind is already pending for the VM.
	ErrDuplicatePendingJob = errors.New("duplicate pending work job")
)

// StateChange is one compare-and-set on a VM's lifecycle columns. It
// applies only if the stored state and host still equal From*.
type StateChange struct {
	VMID       int64
	FromState  domain.State
	FromHostID *int64
	ToState    domain.State
	HostID     *int64
	LastHostID *int64
	At         time.Time
}

// VMStore persists VM instance records.
type VMStore interface {
	CreateVM(ctx context.Context, vm *domain.VM) error
	GetVM(ctx context.Context, id int64) (*domain.VM, error)
	GetVMByUUID(ctx context.Context, uuid string) (*domain.VM, error)
	FindVMsByInstanceNames(ctx context.Context, names []string) (map[string]*domain.VM, error)
	ListVMsByHost(ctx context.Context, hostID int64, states ...domain.State) ([]*domain.VM, error)
	ListVMsInStates(ctx context.Context, states ...domain.State) ([]*domain.VM, error)

	// UpdateState applies the change atomically and reports whether it won.
	UpdateState(ctx context.Context, change StateChange) (bool, error)

	// UpdatePowerState records a report and reports whether subscribers
	// should be told: the state or reporting host changed, or the same
	// state has been seen fewer than MaxSamePowerStateUpdates times.
	UpdatePowerState(ctx context.Context, vmID, hostID int64, state domain.PowerState, at time.Time) (bool, error)
	// ResetPowerTracking re-arms publication for the next report.
	ResetPowerTracking(ctx context.Context, vmID int64) error

	UpdateOffering(ctx context.Context, vmID, offeringID int64) error
	UpdatePlacement(ctx context.Context, vmID int64, podID, clusterID *int64) error
	SetDetail(ctx context.Context, vmID int64, key, value string) error
	MarkRemoved(ctx context.Context, vmID int64, at time.Time) error
}

// MaxSamePowerStateUpdates bounds publications of an unchanged power state.
const MaxSamePowerStateUpdates = 3

// HostFilter narrows ListHosts. Empty fields match everything.
type HostFilter struct {
	Statuses     []domain.HostStatus
	DataCenterID int64
	Hypervisor   domain.HypervisorType
}

// HostStore persists hypervisor hosts.
type HostStore interface {
	CreateHost(ctx context.Context, h *domain.Host) error
	GetHost(ctx context.Context, id int64) (*domain.Host, error)
	ListHosts(ctx context.Context, filter HostFilter) ([]*domain.Host, error)
	UpdateHostStatus(ctx context.Context, id int64, status domain.HostStatus, at time.Time) error
}

// OfferingStore persists service offerings.
type OfferingStore interface {
	CreateOffering(ctx context.Context, o *domain.ServiceOffering) error
	GetOffering(ctx context.Context, id int64) (*domain.ServiceOffering, error)
}

// NicStore persists VM network interfaces.
type NicStore interface {
	CreateNic(ctx context.Context, nic *domain.Nic) error
	GetNic(ctx context.Context, id int64) (*domain.Nic, error)
	ListNics(ctx context.Context, vmID int64) ([]*domain.Nic, error)
	DeleteNic(ctx context.Context, id int64) error
}

// VolumeStore persists VM volumes.
type VolumeStore interface {
	CreateVolume(ctx context.Context, v *domain.Volume) error
	ListVolumes(ctx context.Context, vmID int64) ([]*domain.Volume, error)
	UpdateVolumePool(ctx context.Context, id, poolID int64) error
	DeleteVolumes(ctx context.Context, vmID int64) error
}

// WorkItemStore persists the work ledger.
type WorkItemStore interface {
	CreateWorkItem(ctx context.Context, w *domain.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*domain.WorkItem, error)
	// FindOutstandingWork returns the newest non-Done item for vm in state.
	FindOutstandingWork(ctx context.Context, vmID int64, state domain.State) (*domain.WorkItem, error)
	UpdateWorkStep(ctx context.Context, id string, step domain.Step, at time.Time) error
	DeleteWorkItem(ctx context.Context, id string) error
	ListOutstandingWorkByNode(ctx context.Context, nodeID int64) ([]*domain.WorkItem, error)
	ListOutstandingWorkInactiveSince(ctx context.Context, cutoff time.Time) ([]*domain.WorkItem, error)
	DeleteDoneWorkBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkJobStore persists work jobs.
type WorkJobStore interface {
	CreateJob(ctx context.Context, job *domain.WorkJob) error
	GetJob(ctx context.Context, id string) (*domain.WorkJob, error)
	FindPendingJob(ctx context.Context, vmID int64, kind domain.OperationKind) (*domain.WorkJob, error)
	ListPendingJobs(ctx context.Context, vmID int64) ([]*domain.WorkJob, error)
	// EarlierPendingJobExists reports a non-placeholder pending job for the
	// same VM submitted before job.
	EarlierPendingJobExists(ctx context.Context, job *domain.WorkJob) (bool, error)
	SetRiverJobID(ctx context.Context, id string, riverJobID int64) error
	// MarkJobInProgress moves QUEUED to IN_PROGRESS and stamps the
	// executing node. It reports false if the job was not QUEUED.
	MarkJobInProgress(ctx context.Context, id string, nodeID int64, at time.Time) (bool, error)
	CompleteJob(ctx context.Context, id string, status domain.JobStatus, result, errPayload []byte, at time.Time) error
	DeleteJob(ctx context.Context, id string) error
	// FailInProgressJobsByNode fails jobs this node was executing when it died.
	FailInProgressJobsByNode(ctx context.Context, nodeID int64, errPayload []byte, at time.Time) ([]*domain.WorkJob, error)
	// ListPendingJobsUpdatedBefore lists pending jobs of every VM untouched
	// since cutoff, oldest first.
	ListPendingJobsUpdatedBefore(ctx context.Context, cutoff time.Time) ([]*domain.WorkJob, error)
	// FailPendingJob fails a QUEUED or IN_PROGRESS job. It reports false if
	// the job had already finished.
	FailPendingJob(ctx context.Context, id string, errPayload []byte, at time.Time) (bool, error)
	DeleteCompletedJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AlertStore persists operator alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *domain.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]*domain.Alert, error)
}

// AuditStore persists audit records. Records are never updated or deleted.
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error
	// ListAuditRecords returns the newest records for one resource first.
	ListAuditRecords(ctx context.Context, resourceType, resourceID string, limit int) ([]*domain.AuditRecord, error)
}

// Store aggregates every store; both backends implement it.
type Store interface {
	VMStore
	HostStore
	OfferingStore
	NicStore
	VolumeStore
	WorkItemStore
	WorkJobStore
	AlertStore
	AuditStore
}

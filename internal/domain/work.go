package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step is the progress marker of a work item.
type Step string

const (
	StepPrepare       Step = "Prepare"
	StepStarting      Step = "Starting"
	StepStarted       Step = "Started"
	StepMigrating     Step = "Migrating"
	StepReconfiguring Step = "Reconfiguring"
	StepRelease       Step = "Release"
	StepDone          Step = "Done"
)

// WorkResourceType tags what ResourceID of a work item refers to.
type WorkResourceType string

const (
	WorkResourceNone WorkResourceType = ""
	WorkResourceHost WorkResourceType = "Host"
)

// WorkItem records an in-flight operation against a VM for crash recovery
// and stale-operation detection.
type WorkItem struct {
	ID           string           `json:"id"`
	VMID         int64            `json:"vm_id"`
	VMType       VMType           `json:"vm_type"`
	NodeID       int64            `json:"node_id"`
	State        State            `json:"state"`
	Step         Step             `json:"step"`
	ResourceType WorkResourceType `json:"resource_type,omitempty"`
	ResourceID   int64            `json:"resource_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// InactiveFor returns how long the item has gone without an update.
func (w *WorkItem) InactiveFor(now time.Time) time.Duration {
	return now.Sub(w.UpdatedAt)
}

// JobStatus is the status of a work job.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
)

// Pending reports whether the job has not reached a terminal status.
func (s JobStatus) Pending() bool {
	return s == JobQueued || s == JobInProgress
}

// WorkJob is the durable cross-node unit of VM work.
type WorkJob struct {
	ID          string        `json:"id"`
	VMID        int64         `json:"vm_id"`
	Kind        OperationKind `json:"kind"`
	Command     []byte        `json:"command"`
	Status      JobStatus     `json:"status"`
	Result      []byte        `json:"result,omitempty"`
	Error       []byte        `json:"error,omitempty"`
	RiverJobID  *int64        `json:"river_job_id,omitempty"`
	NodeID      int64         `json:"node_id"`
	UserID      string        `json:"user_id,omitempty"`
	AccountID   string        `json:"account_id,omitempty"`
	Placeholder bool          `json:"placeholder"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Caller identifies who requested an operation.
type Caller struct {
	UserID    string
	AccountID string
}

// OperationKind is the discriminant of WorkCommand.
type OperationKind string

const (
	OpStart              OperationKind = "Start"
	OpStop               OperationKind = "Stop"
	OpMigrate            OperationKind = "Migrate"
	OpMigrateWithStorage OperationKind = "MigrateWithStorage"
	OpMigrateForScale    OperationKind = "MigrateForScale"
	OpMigrateAway        OperationKind = "MigrateAway"
	OpReboot             OperationKind = "Reboot"
	OpAddNic             OperationKind = "AddNic"
	OpRemoveNic          OperationKind = "RemoveNic"
	OpReconfigure        OperationKind = "Reconfigure"
	OpStorageMigration   OperationKind = "StorageMigration"
)

// AllOperationKinds lists the operations routed through the job queue.
var AllOperationKinds = []OperationKind{
	OpStart, OpStop, OpMigrate, OpMigrateWithStorage, OpMigrateForScale,
	OpMigrateAway, OpReboot, OpAddNic, OpRemoveNic, OpReconfigure, OpStorageMigration,
}

// WaitsOnPower reports whether an outcome for this kind can be confirmed
// early by a power-state report.
func (k OperationKind) WaitsOnPower() bool {
	switch k {
	case OpStart, OpStop, OpMigrate, OpMigrateWithStorage, OpMigrateForScale, OpMigrateAway:
		return true
	}
	return false
}

// StartParams carries the start request.
type StartParams struct {
	Plan   *DeploymentPlan   `json:"plan,omitempty"`
	Avoid  *ExcludeList      `json:"avoid,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// StopParams carries the stop request.
type StopParams struct {
	Forced bool `json:"forced"`
}

// MigrateParams carries a live migration to a chosen destination.
type MigrateParams struct {
	SrcHostID int64             `json:"src_host_id"`
	Dest      DeployDestination `json:"dest"`
}

// MigrateWithStorageParams carries a migration that also moves volumes.
type MigrateWithStorageParams struct {
	SrcHostID    int64           `json:"src_host_id"`
	DestHostID   int64           `json:"dest_host_id"`
	VolumeToPool map[int64]int64 `json:"volume_to_pool"`
}

// MigrateForScaleParams carries a migration followed by a resize.
type MigrateForScaleParams struct {
	SrcHostID     int64             `json:"src_host_id"`
	Dest          DeployDestination `json:"dest"`
	NewOfferingID int64             `json:"new_offering_id"`
}

// MigrateAwayParams asks the orchestrator to pick any other host.
type MigrateAwayParams struct {
	SrcHostID int64 `json:"src_host_id"`
}

// RebootParams carries the reboot request.
type RebootParams struct {
	Params map[string]string `json:"params,omitempty"`
}

// AddNicParams carries the NIC to plug.
type AddNicParams struct {
	NetworkID int64  `json:"network_id"`
	IPAddress string `json:"ip_address,omitempty"`
}

// RemoveNicParams carries the NIC to unplug.
type RemoveNicParams struct {
	NicID int64 `json:"nic_id"`
}

// ReconfigureParams carries a service offering change.
type ReconfigureParams struct {
	NewOfferingID int64 `json:"new_offering_id"`
	SameHost      bool  `json:"same_host"`
}

// StorageMigrationParams carries the target pool for a stopped VM.
type StorageMigrationParams struct {
	PoolID int64 `json:"pool_id"`
}

// WorkCommand is the tagged union persisted with every work job. Exactly
// the field matching Kind is set.
type WorkCommand struct {
	Kind OperationKind `json:"kind"`
	VMID int64         `json:"vm_id"`

	Start              *StartParams              `json:"start,omitempty"`
	Stop               *StopParams               `json:"stop,omitempty"`
	Migrate            *MigrateParams            `json:"migrate,omitempty"`
	MigrateWithStorage *MigrateWithStorageParams `json:"migrate_with_storage,omitempty"`
	MigrateForScale    *MigrateForScaleParams    `json:"migrate_for_scale,omitempty"`
	MigrateAway        *MigrateAwayParams        `json:"migrate_away,omitempty"`
	Reboot             *RebootParams             `json:"reboot,omitempty"`
	AddNic             *AddNicParams             `json:"add_nic,omitempty"`
	RemoveNic          *RemoveNicParams          `json:"remove_nic,omitempty"`
	Reconfigure        *ReconfigureParams        `json:"reconfigure,omitempty"`
	StorageMigration   *StorageMigrationParams   `json:"storage_migration,omitempty"`
}

// ErrUnknownOperation is returned for a discriminant outside the closed set.
type ErrUnknownOperation struct {
	Kind OperationKind
}

func (e *ErrUnknownOperation) Error() string {
	return fmt.Sprintf("unknown operation kind %q", e.Kind)
}

// Validate checks that the payload matches the discriminant.
func (c WorkCommand) Validate() error {
	if c.VMID <= 0 {
		return fmt.Errorf("work command %s: missing vm id", c.Kind)
	}
	set := 0
	for _, present := range []bool{
		c.Start != nil, c.Stop != nil, c.Migrate != nil, c.MigrateWithStorage != nil,
		c.MigrateForScale != nil, c.MigrateAway != nil, c.Reboot != nil, c.AddNic != nil,
		c.RemoveNic != nil, c.Reconfigure != nil, c.StorageMigration != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("work command %s: expected exactly one payload, got %d", c.Kind, set)
	}

	var ok bool
	switch c.Kind {
	case OpStart:
		ok = c.Start != nil
	case OpStop:
		ok = c.Stop != nil
	case OpMigrate:
		ok = c.Migrate != nil
	case OpMigrateWithStorage:
		ok = c.MigrateWithStorage != nil
	case OpMigrateForScale:
		ok = c.MigrateForScale != nil
	case OpMigrateAway:
		ok = c.MigrateAway != nil
	case OpReboot:
		ok = c.Reboot != nil
	case OpAddNic:
		ok = c.AddNic != nil
	case OpRemoveNic:
		ok = c.RemoveNic != nil
	case OpReconfigure:
		ok = c.Reconfigure != nil
	case OpStorageMigration:
		ok = c.StorageMigration != nil
	default:
		return &ErrUnknownOperation{Kind: c.Kind}
	}
	if !ok {
		return fmt.Errorf("work command %s: payload does not match kind", c.Kind)
	}
	return nil
}

// Marshal validates and encodes the command.
func (c WorkCommand) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// DecodeWorkCommand decodes and validates a persisted command.
func DecodeWorkCommand(b []byte) (WorkCommand, error) {
	var c WorkCommand
	if err := json.Unmarshal(b, &c); err != nil {
		return WorkCommand{}, fmt.Errorf("decode work command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return WorkCommand{}, err
	}
	return c, nil
}

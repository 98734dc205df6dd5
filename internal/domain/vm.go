// Package domain provides the models shared by the state machine, the
// work ledger, the job queue and the orchestration sagas.
//
// Persisted payloads refer to entities by primitive identifiers only; they
// are resolved through the repository stores when a job runs.
package domain

import "time"

// State is the persisted lifecycle state of a VM. It only changes through
// the state machine.
type State string

const (
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateStopping  State = "Stopping"
	StateStopped   State = "Stopped"
	StateMigrating State = "Migrating"
	StateError     State = "Error"
	StateDestroyed State = "Destroyed"
	StateExpunging State = "Expunging"
)

// AllStates lists every state, in table order.
var AllStates = []State{
	StateStarting, StateRunning, StateStopping, StateStopped,
	StateMigrating, StateError, StateDestroyed, StateExpunging,
}

// IsTransitional reports whether an operation is in flight in this state.
func (s State) IsTransitional() bool {
	return s == StateStarting || s == StateStopping || s == StateMigrating || s == StateExpunging
}

// IsTerminal reports whether the VM is on its way out of the system.
func (s State) IsTerminal() bool {
	return s == StateDestroyed || s == StateExpunging
}

// TransitionalStates are the states reconciled by the stall scans.
var TransitionalStates = []State{StateStarting, StateStopping, StateMigrating}

// PowerState is the last power state reported by a hypervisor host.
type PowerState string

const (
	PowerOn            PowerState = "PowerOn"
	PowerOff           PowerState = "PowerOff"
	PowerUnknown       PowerState = "PowerUnknown"
	PowerReportMissing PowerState = "PowerReportMissing"
)

// VMType selects the lifecycle guru for a VM.
type VMType string

const (
	VMTypeUser               VMType = "User"
	VMTypeDomainRouter       VMType = "DomainRouter"
	VMTypeConsoleProxy       VMType = "ConsoleProxy"
	VMTypeSecondaryStorageVM VMType = "SecondaryStorageVm"
)

// HypervisorType selects the hypervisor guru for a VM.
type HypervisorType string

const (
	HypervisorKVM       HypervisorType = "KVM"
	HypervisorXenServer HypervisorType = "XenServer"
	HypervisorVMware    HypervisorType = "VMware"
	HypervisorHyperV    HypervisorType = "Hyperv"
	HypervisorSimulator HypervisorType = "Simulator"
)

// ManagesOwnHA reports hypervisor families that restart VMs themselves;
// out-of-band power-off reports for their VMs never schedule an HA restart.
func (h HypervisorType) ManagesOwnHA() bool {
	return h == HypervisorVMware || h == HypervisorHyperV
}

// VM is a virtual machine instance record.
type VM struct {
	ID           int64          `json:"id"`
	UUID         string         `json:"uuid"`
	Name         string         `json:"name"`
	InstanceName string         `json:"instance_name"`
	Type         VMType         `json:"type"`
	Hypervisor   HypervisorType `json:"hypervisor"`
	State        State          `json:"state"`

	// HostID is where the VM currently runs (or is being started/migrated to).
	HostID *int64 `json:"host_id,omitempty"`
	// LastHostID is the previous host, used for rollback and cleanup targeting.
	LastHostID *int64 `json:"last_host_id,omitempty"`

	PowerState            PowerState `json:"power_state"`
	PowerHostID           *int64     `json:"power_host_id,omitempty"`
	PowerStateUpdatedAt   *time.Time `json:"power_state_updated_at,omitempty"`
	PowerStateUpdateCount int        `json:"-"`

	DataCenterID      int64             `json:"data_center_id"`
	PodID             *int64            `json:"pod_id,omitempty"`
	ClusterID         *int64            `json:"cluster_id,omitempty"`
	ServiceOfferingID int64             `json:"service_offering_id"`
	HAEnabled         bool              `json:"ha_enabled"`
	Details           map[string]string `json:"details,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Removed   *time.Time `json:"removed,omitempty"`
}

// Clone returns a deep copy, so stores can hand out records callers may mutate.
func (v *VM) Clone() *VM {
	if v == nil {
		return nil
	}
	c := *v
	c.HostID = cloneID(v.HostID)
	c.LastHostID = cloneID(v.LastHostID)
	c.PowerHostID = cloneID(v.PowerHostID)
	c.PodID = cloneID(v.PodID)
	c.ClusterID = cloneID(v.ClusterID)
	if v.PowerStateUpdatedAt != nil {
		t := *v.PowerStateUpdatedAt
		c.PowerStateUpdatedAt = &t
	}
	if v.Removed != nil {
		t := *v.Removed
		c.Removed = &t
	}
	if v.Details != nil {
		c.Details = make(map[string]string, len(v.Details))
		for k, val := range v.Details {
			c.Details[k] = val
		}
	}
	return &c
}

// HostIDValue returns the current host id, or 0.
func (v *VM) HostIDValue() int64 {
	if v.HostID == nil {
		return 0
	}
	return *v.HostID
}

// ID64 returns a pointer to id, or nil for 0.
func ID64(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// SameID compares two optional ids.
func SameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func cloneID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// HostStatus is the connectivity status of a hypervisor host.
type HostStatus string

const (
	HostUp           HostStatus = "Up"
	HostDown         HostStatus = "Down"
	HostDisconnected HostStatus = "Disconnected"
	HostAlert        HostStatus = "Alert"
)

// Reachable reports whether commands can be sent to the host.
func (s HostStatus) Reachable() bool {
	return s == HostUp
}

// ResourceState is the administrative state of a host.
type ResourceState string

const (
	ResourceEnabled               ResourceState = "Enabled"
	ResourceDisabled              ResourceState = "Disabled"
	ResourcePrepareForMaintenance ResourceState = "PrepareForMaintenance"
	ResourceMaintenance           ResourceState = "Maintenance"
)

// Host is a hypervisor host.
type Host struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	DataCenterID  int64          `json:"data_center_id"`
	PodID         int64          `json:"pod_id"`
	ClusterID     int64          `json:"cluster_id"`
	Hypervisor    HypervisorType `json:"hypervisor"`
	Status        HostStatus     `json:"status"`
	ResourceState ResourceState  `json:"resource_state"`
	LastPingAt    *time.Time     `json:"last_ping_at,omitempty"`
}

// Nic is a network interface attached to a VM.
type Nic struct {
	ID         int64  `json:"id"`
	VMID       int64  `json:"vm_id"`
	NetworkID  int64  `json:"network_id"`
	MACAddress string `json:"mac_address"`
	IPAddress  string `json:"ip_address,omitempty"`
	DeviceID   int    `json:"device_id"`
	Default    bool   `json:"default"`
}

// Volume is a disk attached to a VM.
type Volume struct {
	ID     int64  `json:"id"`
	VMID   int64  `json:"vm_id"`
	PoolID *int64 `json:"pool_id,omitempty"`
	Root   bool   `json:"root"`
	Ready  bool   `json:"ready"`
}

// ServiceOffering is a compute sizing.
type ServiceOffering struct {
	ID       int64 `json:"id"`
	CPU      int   `json:"cpu"`
	SpeedMHz int   `json:"speed_mhz"`
	MemoryMB int   `json:"memory_mb"`
}

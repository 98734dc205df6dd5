package provider

// Command is an instruction for a host agent.
type Command interface {
	CommandName() string
}

// StartCommand boots a VM on a host.
type StartCommand struct {
	VMID         int64             `json:"vm_id"`
	InstanceName string            `json:"instance_name"`
	CPU          int               `json:"cpu"`
	SpeedMHz     int               `json:"speed_mhz"`
	MemoryMB     int               `json:"memory_mb"`
	NicIDs       []int64           `json:"nic_ids,omitempty"`
	VolumeIDs    []int64           `json:"volume_ids,omitempty"`
	Params       map[string]string `json:"params,omitempty"`
}

// StopCommand powers a VM off. CleanupOnly releases host artifacts of a
// VM that is not expected to run.
type StopCommand struct {
	VMID         int64  `json:"vm_id"`
	InstanceName string `json:"instance_name"`
	Forced       bool   `json:"forced"`
	CleanupOnly  bool   `json:"cleanup_only"`
}

// RebootCommand restarts a running VM in place.
type RebootCommand struct {
	VMID         int64  `json:"vm_id"`
	InstanceName string `json:"instance_name"`
}

// PrepareForMigrationCommand readies the destination host.
type PrepareForMigrationCommand struct {
	VMID         int64  `json:"vm_id"`
	InstanceName string `json:"instance_name"`
	CPU          int    `json:"cpu"`
	MemoryMB     int    `json:"memory_mb"`
}

// MigrateCommand asks the source host to live-migrate a VM.
type MigrateCommand struct {
	VMID         int64  `json:"vm_id"`
	InstanceName string `json:"instance_name"`
	DestHostID   int64  `json:"dest_host_id"`
}

// MigrateWithStorageCommand migrates a VM together with its volumes.
type MigrateWithStorageCommand struct {
	VMID         int64           `json:"vm_id"`
	InstanceName string          `json:"instance_name"`
	DestHostID   int64           `json:"dest_host_id"`
	VolumeToPool map[int64]int64 `json:"volume_to_pool"`
}

// CheckVirtualMachineCommand probes a host for a VM.
type CheckVirtualMachineCommand struct {
	InstanceName string `json:"instance_name"`
}

// ScaleVMCommand changes the compute sizing of a running VM.
type ScaleVMCommand struct {
	VMID         int64  `json:"vm_id"`
	InstanceName string `json:"instance_name"`
	CPU          int    `json:"cpu"`
	SpeedMHz     int    `json:"speed_mhz"`
	MemoryMB     int    `json:"memory_mb"`
}

// PlugNicCommand hot-plugs a NIC.
type PlugNicCommand struct {
	InstanceName string `json:"instance_name"`
	NicID        int64  `json:"nic_id"`
	MACAddress   string `json:"mac_address"`
	NetworkID    int64  `json:"network_id"`
}

// UnplugNicCommand hot-unplugs a NIC.
type UnplugNicCommand struct {
	InstanceName string `json:"instance_name"`
	NicID        int64  `json:"nic_id"`
	MACAddress   string `json:"mac_address"`
}

// CleanupCommand removes one hypervisor artifact of an expunged VM.
type CleanupCommand struct {
	InstanceName string `json:"instance_name"`
	Artifact     string `json:"artifact"`
}

func (StartCommand) CommandName() string               { return "Start" }
func (StopCommand) CommandName() string                { return "Stop" }
func (RebootCommand) CommandName() string              { return "Reboot" }
func (PrepareForMigrationCommand) CommandName() string { return "PrepareForMigration" }
func (MigrateCommand) CommandName() string             { return "Migrate" }
func (MigrateWithStorageCommand) CommandName() string  { return "MigrateWithStorage" }
func (CheckVirtualMachineCommand) CommandName() string { return "CheckVirtualMachine" }
func (ScaleVMCommand) CommandName() string             { return "ScaleVm" }
func (PlugNicCommand) CommandName() string             { return "PlugNic" }
func (UnplugNicCommand) CommandName() string           { return "UnplugNic" }
func (CleanupCommand) CommandName() string             { return "Cleanup" }

package provider

import (
	"context"
	"fmt"

	"vmconductor.io/conductor/internal/domain"
)

// Detail keys written back by gurus and metadata syncers.
const (
	DetailControlIP  = "control_ip"
	DetailPlatform   = "platform"
	DetailTimeOffset = "timeoffset"
)

// UserVMGuru handles tenant VMs.
type UserVMGuru struct{}

func (UserVMGuru) VMType() domain.VMType { return domain.VMTypeUser }

func (UserVMGuru) FinalizeProfile(_ context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error {
	profile.Params["host_id"] = fmt.Sprint(dest.HostID)
	return nil
}

func (UserVMGuru) FinalizeStart(_ context.Context, _ *domain.VMProfile, _ int64, answer *Answer) bool {
	return answer != nil && answer.Result
}

func (UserVMGuru) FinalizeStop(context.Context, *domain.VMProfile, *Answer) {}

func (UserVMGuru) FinalizeExpunge(context.Context, *domain.VM) {}

// SystemVMGuru handles appliance VMs. A start is only accepted once the
// appliance reported its control address.
type SystemVMGuru struct {
	Type domain.VMType
}

func (g SystemVMGuru) VMType() domain.VMType { return g.Type }

func (SystemVMGuru) FinalizeProfile(_ context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error {
	profile.Params["host_id"] = fmt.Sprint(dest.HostID)
	profile.Params["system_vm"] = "true"
	return nil
}

func (SystemVMGuru) FinalizeStart(_ context.Context, profile *domain.VMProfile, _ int64, answer *Answer) bool {
	if answer == nil || !answer.Result {
		return false
	}
	ip := answer.Metadata[DetailControlIP]
	if ip == "" {
		return false
	}
	profile.Params[DetailControlIP] = ip
	return true
}

func (SystemVMGuru) FinalizeStop(_ context.Context, profile *domain.VMProfile, _ *Answer) {
	delete(profile.Params, DetailControlIP)
}

func (SystemVMGuru) FinalizeExpunge(context.Context, *domain.VM) {}

// DefaultGurus returns the built-in gurus for every VM type.
func DefaultGurus() []Guru {
	return []Guru{
		UserVMGuru{},
		SystemVMGuru{Type: domain.VMTypeDomainRouter},
		SystemVMGuru{Type: domain.VMTypeConsoleProxy},
		SystemVMGuru{Type: domain.VMTypeSecondaryStorageVM},
	}
}

// GenericHypervisorGuru builds commands for hypervisors without special
// needs. With CleanupArtifacts set, expunge also removes per-NIC and
// per-volume artifacts left on the host.
type GenericHypervisorGuru struct {
	Type             domain.HypervisorType
	CleanupArtifacts bool
}

func (g GenericHypervisorGuru) HypervisorType() domain.HypervisorType { return g.Type }

func (g GenericHypervisorGuru) StartCommand(profile *domain.VMProfile, _ domain.DeployDestination) StartCommand {
	return buildStartCommand(profile)
}

func (g GenericHypervisorGuru) ExpungeCommands(vm *domain.VM, nics []*domain.Nic, volumes []*domain.Volume) []Command {
	if !g.CleanupArtifacts {
		return nil
	}
	var cmds []Command
	for _, n := range nics {
		cmds = append(cmds, CleanupCommand{InstanceName: vm.InstanceName, Artifact: "nic:" + n.MACAddress})
	}
	for _, v := range volumes {
		cmds = append(cmds, CleanupCommand{InstanceName: vm.InstanceName, Artifact: fmt.Sprintf("volume:%d", v.ID)})
	}
	return cmds
}

// XenServerGuru persists platform details reported by the agent.
type XenServerGuru struct {
	GenericHypervisorGuru
}

// NewXenServerGuru creates the XenServer guru.
func NewXenServerGuru() XenServerGuru {
	return XenServerGuru{GenericHypervisorGuru{Type: domain.HypervisorXenServer}}
}

// SyncMetadata returns the details that differ from what is stored.
func (XenServerGuru) SyncMetadata(vm *domain.VM, answer *Answer) map[string]string {
	if answer == nil {
		return nil
	}
	out := make(map[string]string)
	for _, key := range []string{DetailPlatform, DetailTimeOffset} {
		v, ok := answer.Metadata[key]
		if !ok || v == "" || vm.Details[key] == v {
			continue
		}
		out[key] = v
	}
	return out
}

// DefaultHypervisorGurus returns the built-in hypervisor gurus.
func DefaultHypervisorGurus() []HypervisorGuru {
	return []HypervisorGuru{
		GenericHypervisorGuru{Type: domain.HypervisorKVM},
		GenericHypervisorGuru{Type: domain.HypervisorVMware, CleanupArtifacts: true},
		GenericHypervisorGuru{Type: domain.HypervisorHyperV},
		GenericHypervisorGuru{Type: domain.HypervisorSimulator},
		NewXenServerGuru(),
	}
}

func buildStartCommand(profile *domain.VMProfile) StartCommand {
	cmd := StartCommand{
		VMID:         profile.VM.ID,
		InstanceName: profile.VM.InstanceName,
		Params:       make(map[string]string, len(profile.Params)),
	}
	if profile.Offering != nil {
		cmd.CPU = profile.Offering.CPU
		cmd.SpeedMHz = profile.Offering.SpeedMHz
		cmd.MemoryMB = profile.Offering.MemoryMB
	}
	for _, n := range profile.Nics {
		cmd.NicIDs = append(cmd.NicIDs, n.ID)
	}
	for _, v := range profile.Volumes {
		cmd.VolumeIDs = append(cmd.VolumeIDs, v.ID)
	}
	for k, v := range profile.Params {
		cmd.Params[k] = v
	}
	return cmd
}

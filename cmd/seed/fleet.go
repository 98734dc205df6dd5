package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/repository"
)

type fleetFile struct {
	Offerings []offeringSpec `yaml:"offerings"`
	Hosts     []hostSpec     `yaml:"hosts"`
	VMs       []vmSpec       `yaml:"vms"`
}

type offeringSpec struct {
	ID       int64 `yaml:"id"`
	CPU      int   `yaml:"cpu"`
	SpeedMHz int   `yaml:"speed_mhz"`
	MemoryMB int   `yaml:"memory_mb"`
}

type hostSpec struct {
	ID           int64                 `yaml:"id"`
	Name         string                `yaml:"name"`
	DataCenterID int64                 `yaml:"data_center_id"`
	PodID        int64                 `yaml:"pod_id"`
	ClusterID    int64                 `yaml:"cluster_id"`
	Hypervisor   domain.HypervisorType `yaml:"hypervisor"`
	Status       domain.HostStatus     `yaml:"status"`
}

type vmSpec struct {
	UUID              string                `yaml:"uuid"`
	Name              string                `yaml:"name"`
	InstanceName      string                `yaml:"instance_name"`
	Type              domain.VMType         `yaml:"type"`
	Hypervisor        domain.HypervisorType `yaml:"hypervisor"`
	ServiceOfferingID int64                 `yaml:"service_offering_id"`
	HAEnabled         bool                  `yaml:"ha_enabled"`
	// HostID places the VM Running on that host; zero leaves it Stopped.
	HostID   int64             `yaml:"host_id"`
	Networks []int64           `yaml:"networks"`
	Details  map[string]string `yaml:"details"`
}

type seedResult struct {
	Offerings, Hosts, VMs, Skipped int
}

func loadFleet(path string) (*fleetFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return parseFleet(b)
}

func parseFleet(b []byte) (*fleetFile, error) {
	var f fleetFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	hosts := make(map[int64]bool, len(f.Hosts))
	for i, h := range f.Hosts {
		if h.ID <= 0 || h.Name == "" || h.Hypervisor == "" {
			return nil, fmt.Errorf("hosts[%d]: id, name and hypervisor are required", i)
		}
		hosts[h.ID] = true
	}
	offerings := make(map[int64]bool, len(f.Offerings))
	for i, o := range f.Offerings {
		if o.ID <= 0 || o.MemoryMB <= 0 {
			return nil, fmt.Errorf("offerings[%d]: id and memory_mb are required", i)
		}
		offerings[o.ID] = true
	}
	for i, v := range f.VMs {
		if v.Name == "" || v.InstanceName == "" {
			return nil, fmt.Errorf("vms[%d]: name and instance_name are required", i)
		}
		if !offerings[v.ServiceOfferingID] {
			return nil, fmt.Errorf("vms[%d]: unknown service_offering_id %d", i, v.ServiceOfferingID)
		}
		if v.HostID != 0 && !hosts[v.HostID] {
			return nil, fmt.Errorf("vms[%d]: unknown host_id %d", i, v.HostID)
		}
	}
	return &f, nil
}

func seedFleet(ctx context.Context, store repository.Store, f *fleetFile) (seedResult, error) {
	var res seedResult

	for _, o := range f.Offerings {
		err := store.CreateOffering(ctx, &domain.ServiceOffering{ID: o.ID, CPU: o.CPU, SpeedMHz: o.SpeedMHz, MemoryMB: o.MemoryMB})
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("seed offering %d: %w", o.ID, err)
		default:
			res.Offerings++
		}
	}

	hostsByID := make(map[int64]hostSpec, len(f.Hosts))
	for _, h := range f.Hosts {
		hostsByID[h.ID] = h
		err := store.CreateHost(ctx, &domain.Host{
			ID:           h.ID,
			Name:         h.Name,
			DataCenterID: h.DataCenterID,
			PodID:        h.PodID,
			ClusterID:    h.ClusterID,
			Hypervisor:   h.Hypervisor,
			Status:       h.Status,
		})
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("seed host %s: %w", h.Name, err)
		default:
			res.Hosts++
		}
	}

	names := make([]string, 0, len(f.VMs))
	for _, v := range f.VMs {
		names = append(names, v.InstanceName)
	}
	existing, err := store.FindVMsByInstanceNames(ctx, names)
	if err != nil {
		return res, fmt.Errorf("look up existing vms: %w", err)
	}

	for _, v := range f.VMs {
		if _, ok := existing[v.InstanceName]; ok {
			res.Skipped++
			continue
		}
		if err := seedVM(ctx, store, v, hostsByID[v.HostID]); err != nil {
			return res, fmt.Errorf("seed vm %s: %w", v.Name, err)
		}
		res.VMs++
	}
	return res, nil
}

func seedVM(ctx context.Context, store repository.Store, v vmSpec, host hostSpec) error {
	vm := &domain.VM{
		UUID:              v.UUID,
		Name:              v.Name,
		InstanceName:      v.InstanceName,
		Type:              v.Type,
		Hypervisor:        v.Hypervisor,
		State:             domain.StateStopped,
		PowerState:        domain.PowerOff,
		ServiceOfferingID: v.ServiceOfferingID,
		HAEnabled:         v.HAEnabled,
		Details:           v.Details,
	}
	if vm.UUID == "" {
		vm.UUID = uuid.NewString()
	}
	if vm.Type == "" {
		vm.Type = domain.VMTypeUser
	}
	if v.HostID != 0 {
		vm.State = domain.StateRunning
		vm.PowerState = domain.PowerOn
		vm.HostID = domain.ID64(v.HostID)
		vm.PowerHostID = domain.ID64(v.HostID)
		vm.DataCenterID = host.DataCenterID
		vm.PodID = domain.ID64(host.PodID)
		vm.ClusterID = domain.ID64(host.ClusterID)
		if vm.Hypervisor == "" {
			vm.Hypervisor = host.Hypervisor
		}
	}
	if err := store.CreateVM(ctx, vm); err != nil {
		return err
	}

	for i, networkID := range v.Networks {
		nic := &domain.Nic{
			VMID:       vm.ID,
			NetworkID:  networkID,
			MACAddress: fmt.Sprintf("02:00:%02x:%02x:%02x:%02x", byte(vm.ID>>16), byte(vm.ID>>8), byte(vm.ID), byte(i)),
			DeviceID:   i,
			Default:    i == 0,
		}
		if err := store.CreateNic(ctx, nic); err != nil {
			return err
		}
	}
	return store.CreateVolume(ctx, &domain.Volume{VMID: vm.ID, Root: true, Ready: true})
}

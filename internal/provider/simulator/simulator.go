// Package simulator provides in-process collaborators that behave like a
// small healthy fleet. Hosts come from the host store; the simulated
// agents keep a per-host table of running instances.
//
// Every call is counted and any method can be made to fail, which lets
// tests observe reservation/release pairs and inject faults.
package simulator

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

// DefaultHostMemoryMB is the memory capacity of every simulated host.
const DefaultHostMemoryMB = 256 * 1024

// Interceptor may answer a command instead of the simulated agent. It
// returns handled=false to fall through.
type Interceptor func(hostID int64, cmd provider.Command) (answer *provider.Answer, err error, handled bool)

// HAEvent records one request made to the HA manager.
type HAEvent struct {
	VMID   int64
	HostID int64
	Kind   provider.HAWorkType
}

// Simulator holds the shared state of all simulated collaborators.
type Simulator struct {
	hosts repository.HostStore

	mu        sync.Mutex
	instances map[int64]map[string]domain.PowerState
	down      sets.Set[int64]
	usedMem   map[int64]map[int64]int
	errs      map[string]error
	calls     map[string]int
	haPending sets.Set[int64]
	haEvents  []HAEvent
	affinity  sets.Set[int64]
	intercept Interceptor
	excludes  []*domain.ExcludeList
	nextNic   int64

	HostMemoryMB int
}

// New creates a simulator over the given hosts.
func New(hosts repository.HostStore) *Simulator {
	return &Simulator{
		hosts:        hosts,
		instances:    make(map[int64]map[string]domain.PowerState),
		down:         sets.New[int64](),
		usedMem:      make(map[int64]map[int64]int),
		errs:         make(map[string]error),
		calls:        make(map[string]int),
		haPending:    sets.New[int64](),
		affinity:     sets.New[int64](),
		HostMemoryMB: DefaultHostMemoryMB,
		nextNic:      1000,
	}
}

// Collaborators returns the simulated collaborators. Alerts are left to
// the caller.
func (s *Simulator) Collaborators() provider.Collaborators {
	return provider.Collaborators{
		Planner:  &Planner{s},
		Network:  &Network{s},
		Volumes:  &Volumes{s},
		Capacity: &Capacity{s},
		Snapshot: &Snapshots{s},
		HA:       &HA{s},
		Agent:    &Agent{s},
	}
}

// SetError makes every call to method (e.g. "network.PrepareForMigration")
// fail with err until cleared with a nil err.
func (s *Simulator) SetError(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, method)
		return
	}
	s.errs[method] = err
}

// Calls returns how often method was called.
func (s *Simulator) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// PlannedExcludes returns a copy of the exclude list of every Plan call,
// in call order.
func (s *Simulator) PlannedExcludes() []*domain.ExcludeList {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.ExcludeList, len(s.excludes))
	for i, e := range s.excludes {
		out[i] = e.Clone()
	}
	return out
}

// SetInterceptor installs an agent command interceptor.
func (s *Simulator) SetInterceptor(fn Interceptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intercept = fn
}

// SetHostDown makes the agent on hostID unreachable.
func (s *Simulator) SetHostDown(hostID int64, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down {
		s.down.Insert(hostID)
	} else {
		s.down.Delete(hostID)
	}
}

// SetHAPending marks HA work as outstanding for vmID.
func (s *Simulator) SetHAPending(vmID int64, pending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pending {
		s.haPending.Insert(vmID)
	} else {
		s.haPending.Delete(vmID)
	}
}

// SetAffinityConflict makes placement of vmID fail on affinity rules.
func (s *Simulator) SetAffinityConflict(vmID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinity.Insert(vmID)
}

// HAEvents returns the HA requests made so far.
func (s *Simulator) HAEvents() []HAEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HAEvent(nil), s.haEvents...)
}

// PlaceInstance records name as running on hostID, as if started out of band.
func (s *Simulator) PlaceInstance(hostID int64, name string, state domain.PowerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instancesOn(hostID)[name] = state
}

// Restore places every VM the store believes is powered on onto its
// host, so reports after a restart agree with the persisted state.
func (s *Simulator) Restore(ctx context.Context, vms repository.VMStore) (int, error) {
	running, err := vms.ListVMsInStates(ctx, domain.StateRunning, domain.StateStopping, domain.StateMigrating)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, vm := range running {
		if vm.HostID == nil {
			continue
		}
		s.PlaceInstance(*vm.HostID, vm.InstanceName, domain.PowerOn)
		n++
	}
	return n, nil
}

// Report returns the power report of hostID.
func (s *Simulator) Report(hostID int64) map[string]domain.PowerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.PowerState, len(s.instances[hostID]))
	for name, st := range s.instances[hostID] {
		out[name] = st
	}
	return out
}

// enter counts a call and returns the injected error for it, if any.
func (s *Simulator) enter(method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	return s.errs[method]
}

func (s *Simulator) instancesOn(hostID int64) map[string]domain.PowerState {
	m := s.instances[hostID]
	if m == nil {
		m = make(map[string]domain.PowerState)
		s.instances[hostID] = m
	}
	return m
}

// Planner picks the first enabled Up host with room.
type Planner struct{ s *Simulator }

func (p *Planner) Plan(ctx context.Context, profile *domain.VMProfile, plan domain.DeploymentPlan, avoid *domain.ExcludeList) (*domain.DeployDestination, error) {
	if err := p.s.enter("planner.Plan"); err != nil {
		return nil, err
	}
	if avoid == nil {
		avoid = domain.NewExcludeList()
	}
	p.s.mu.Lock()
	p.s.excludes = append(p.s.excludes, avoid.Clone())
	p.s.mu.Unlock()
	hosts, err := p.s.hosts.ListHosts(ctx, repository.HostFilter{
		Statuses:     []domain.HostStatus{domain.HostUp},
		DataCenterID: plan.DataCenterID,
	})
	if err != nil {
		return nil, err
	}
	p.s.mu.Lock()
	conflict := p.s.affinity.Has(profile.VM.ID)
	p.s.mu.Unlock()
	if conflict {
		return nil, nil
	}

	for _, h := range hosts {
		if h.ResourceState != domain.ResourceEnabled || avoid.ShouldAvoidHost(h) {
			continue
		}
		if plan.HostID != 0 && h.ID != plan.HostID {
			continue
		}
		if plan.ClusterID != 0 && h.ClusterID != plan.ClusterID {
			continue
		}
		if plan.PodID != 0 && h.PodID != plan.PodID {
			continue
		}
		if profile.VM.Hypervisor != "" && h.Hypervisor != profile.VM.Hypervisor {
			continue
		}
		if profile.Offering != nil && !p.s.hasRoom(h.ID, profile.VM.ID, profile.Offering.MemoryMB) {
			continue
		}
		dest := &domain.DeployDestination{
			DataCenterID: h.DataCenterID,
			PodID:        h.PodID,
			ClusterID:    h.ClusterID,
			HostID:       h.ID,
			VolumeToPool: make(map[int64]int64),
		}
		usable := true
		for _, v := range profile.Volumes {
			pool := h.ClusterID
			if plan.PoolID != 0 {
				pool = plan.PoolID
			} else if v.PoolID != nil {
				pool = *v.PoolID
			}
			if avoid.Pools.Has(pool) {
				usable = false
				break
			}
			dest.VolumeToPool[v.ID] = pool
		}
		if usable {
			return dest, nil
		}
	}
	return nil, nil
}

func (p *Planner) HasAffinityConflict(_ context.Context, vm *domain.VM) (bool, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.s.affinity.Has(vm.ID), nil
}

func (s *Simulator) hasRoom(hostID, vmID int64, memMB int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0
	for id, m := range s.usedMem[hostID] {
		if id != vmID {
			used += m
		}
	}
	return used+memMB <= s.HostMemoryMB
}

// Network simulates the network manager.
type Network struct{ s *Simulator }

func (n *Network) Prepare(context.Context, *domain.VMProfile, domain.DeployDestination) error {
	return n.s.enter("network.Prepare")
}

func (n *Network) Release(context.Context, *domain.VMProfile, bool) error {
	return n.s.enter("network.Release")
}

func (n *Network) PrepareForMigration(context.Context, *domain.VMProfile, domain.DeployDestination) error {
	return n.s.enter("network.PrepareForMigration")
}

func (n *Network) RollbackMigration(context.Context, *domain.VMProfile, int64, int64) error {
	return n.s.enter("network.RollbackMigration")
}

func (n *Network) CommitMigration(context.Context, *domain.VMProfile, int64, int64) error {
	return n.s.enter("network.CommitMigration")
}

func (n *Network) AllocateNic(_ context.Context, vm *domain.VM, networkID int64, ip string) (*domain.Nic, error) {
	if err := n.s.enter("network.AllocateNic"); err != nil {
		return nil, err
	}
	n.s.mu.Lock()
	n.s.nextNic++
	id := n.s.nextNic
	n.s.mu.Unlock()
	return &domain.Nic{
		VMID:       vm.ID,
		NetworkID:  networkID,
		IPAddress:  ip,
		MACAddress: fmt.Sprintf("02:00:%02x:%02x:%02x:%02x", byte(id>>24), byte(id>>16), byte(id>>8), byte(id)),
	}, nil
}

func (n *Network) DeallocateNic(context.Context, *domain.VM, *domain.Nic) error {
	return n.s.enter("network.DeallocateNic")
}

func (n *Network) Cleanup(context.Context, *domain.VM) error {
	return n.s.enter("network.Cleanup")
}

// Volumes simulates the volume manager.
type Volumes struct{ s *Simulator }

func (v *Volumes) Prepare(context.Context, *domain.VMProfile, domain.DeployDestination) error {
	return v.s.enter("volume.Prepare")
}

func (v *Volumes) Release(context.Context, *domain.VMProfile) error {
	return v.s.enter("volume.Release")
}

func (v *Volumes) PrepareForMigration(context.Context, *domain.VMProfile, domain.DeployDestination) error {
	return v.s.enter("volume.PrepareForMigration")
}

func (v *Volumes) RollbackMigration(context.Context, *domain.VMProfile, int64, int64) error {
	return v.s.enter("volume.RollbackMigration")
}

func (v *Volumes) MigrateVolumes(context.Context, *domain.VM, map[int64]int64, int64, int64) error {
	return v.s.enter("volume.MigrateVolumes")
}

func (v *Volumes) StorageMigration(context.Context, *domain.VM, int64) error {
	return v.s.enter("volume.StorageMigration")
}

func (v *Volumes) Cleanup(context.Context, *domain.VM) error {
	return v.s.enter("volume.Cleanup")
}

// Capacity tracks memory per host.
type Capacity struct{ s *Simulator }

func (c *Capacity) Allocate(_ context.Context, vmID, hostID int64, offering *domain.ServiceOffering) error {
	if err := c.s.enter("capacity.Allocate"); err != nil {
		return err
	}
	if offering == nil {
		return nil
	}
	if !c.s.hasRoom(hostID, vmID, offering.MemoryMB) {
		return apperrors.InsufficientCapacity(apperrors.ScopeHost, hostID, false, "host memory exhausted")
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.usedMem[hostID] == nil {
		c.s.usedMem[hostID] = make(map[int64]int)
	}
	c.s.usedMem[hostID][vmID] = offering.MemoryMB
	return nil
}

func (c *Capacity) Release(_ context.Context, vmID, hostID int64, _ *domain.ServiceOffering) error {
	if err := c.s.enter("capacity.Release"); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.usedMem[hostID], vmID)
	return nil
}

func (c *Capacity) HasCapacity(_ context.Context, hostID int64, offering *domain.ServiceOffering) (bool, error) {
	if err := c.s.enter("capacity.HasCapacity"); err != nil {
		return false, err
	}
	if offering == nil {
		return true, nil
	}
	return c.s.hasRoom(hostID, 0, offering.MemoryMB), nil
}

// Snapshots simulates the snapshot manager.
type Snapshots struct{ s *Simulator }

func (sn *Snapshots) DeleteAllSnapshots(context.Context, *domain.VM) error {
	return sn.s.enter("snapshot.DeleteAllSnapshots")
}

// HA records HA requests. Scheduled work completes immediately unless
// marked pending with SetHAPending.
type HA struct{ s *Simulator }

func (h *HA) record(method string, ev HAEvent) error {
	if err := h.s.enter(method); err != nil {
		return err
	}
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	h.s.haEvents = append(h.s.haEvents, ev)
	return nil
}

func (h *HA) ScheduleRestart(_ context.Context, vm *domain.VM, _ bool) error {
	return h.record("ha.ScheduleRestart", HAEvent{VMID: vm.ID, HostID: vm.HostIDValue(), Kind: provider.HARestart})
}

func (h *HA) ScheduleStop(_ context.Context, vm *domain.VM, hostID int64, kind provider.HAWorkType) error {
	return h.record("ha.ScheduleStop", HAEvent{VMID: vm.ID, HostID: hostID, Kind: kind})
}

func (h *HA) ScheduleMigration(_ context.Context, vm *domain.VM) error {
	return h.record("ha.ScheduleMigration", HAEvent{VMID: vm.ID, HostID: vm.HostIDValue(), Kind: provider.HAMigration})
}

func (h *HA) HasPendingWork(_ context.Context, vmID int64) (bool, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.s.haPending.Has(vmID), nil
}

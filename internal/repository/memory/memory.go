// Package memory is an in-process implementation of repository.Store.
//
// It backs unit tests and single-node development runs. Records are
// cloned on the way in and out so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/repository"
)

// Store implements repository.Store.
type Store struct {
	mu sync.Mutex

	vms       map[int64]*domain.VM
	hosts     map[int64]*domain.Host
	offerings map[int64]*domain.ServiceOffering
	nics      map[int64]*domain.Nic
	volumes   map[int64]*domain.Volume
	work      map[string]*domain.WorkItem
	jobs      map[string]*domain.WorkJob
	alerts    []*domain.Alert
	audit     []*domain.AuditRecord

	nextVM, nextNic, nextVolume int64
}

var _ repository.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		vms:       make(map[int64]*domain.VM),
		hosts:     make(map[int64]*domain.Host),
		offerings: make(map[int64]*domain.ServiceOffering),
		nics:      make(map[int64]*domain.Nic),
		volumes:   make(map[int64]*domain.Volume),
		work:      make(map[string]*domain.WorkItem),
		jobs:      make(map[string]*domain.WorkJob),
	}
}

// ---- VMs ----

func (s *Store) CreateVM(_ context.Context, vm *domain.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vm.ID == 0 {
		s.nextVM++
		vm.ID = s.nextVM
	} else if vm.ID > s.nextVM {
		s.nextVM = vm.ID
	}
	if vm.UUID == "" {
		vm.UUID = uuid.NewString()
	}
	if vm.State == "" {
		vm.State = domain.StateStopped
	}
	if vm.PowerState == "" {
		vm.PowerState = domain.PowerOff
	}
	now := time.Now()
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = now
	}
	vm.UpdatedAt = now
	if _, ok := s.vms[vm.ID]; ok {
		return repository.ErrAlreadyExists
	}
	s.vms[vm.ID] = vm.Clone()
	return nil
}

func (s *Store) GetVM(_ context.Context, id int64) (*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return vm.Clone(), nil
}

func (s *Store) GetVMByUUID(_ context.Context, id string) (*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, vm := range s.vms {
		if vm.UUID == id {
			return vm.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) FindVMsByInstanceNames(_ context.Context, names []string) (map[string]*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	out := make(map[string]*domain.VM)
	for _, vm := range s.vms {
		if vm.Removed != nil {
			continue
		}
		if _, ok := want[vm.InstanceName]; ok {
			out[vm.InstanceName] = vm.Clone()
		}
	}
	return out, nil
}

func (s *Store) ListVMsByHost(_ context.Context, hostID int64, states ...domain.State) ([]*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.VM
	for _, vm := range s.vms {
		if vm.Removed != nil || vm.HostID == nil || *vm.HostID != hostID {
			continue
		}
		if len(states) > 0 && !hasState(states, vm.State) {
			continue
		}
		out = append(out, vm.Clone())
	}
	sortVMs(out)
	return out, nil
}

func (s *Store) ListVMsInStates(_ context.Context, states ...domain.State) ([]*domain.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.VM
	for _, vm := range s.vms {
		if vm.Removed == nil && hasState(states, vm.State) {
			out = append(out, vm.Clone())
		}
	}
	sortVMs(out)
	return out, nil
}

func (s *Store) UpdateState(_ context.Context, c repository.StateChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[c.VMID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if vm.State != c.FromState || !domain.SameID(vm.HostID, c.FromHostID) {
		return false, nil
	}
	next := vm.Clone()
	next.State = c.ToState
	next.HostID = c.HostID
	next.LastHostID = c.LastHostID
	next.UpdatedAt = c.At
	s.vms[c.VMID] = next.Clone()
	return true, nil
}

func (s *Store) UpdatePowerState(_ context.Context, vmID, hostID int64, state domain.PowerState, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmID]
	if !ok {
		return false, repository.ErrNotFound
	}
	changed := vm.PowerState != state || vm.PowerHostID == nil || *vm.PowerHostID != hostID
	if !changed && vm.PowerStateUpdateCount >= repository.MaxSamePowerStateUpdates {
		return false, nil
	}
	if changed {
		vm.PowerStateUpdateCount = 1
	} else {
		vm.PowerStateUpdateCount++
	}
	vm.PowerState = state
	vm.PowerHostID = domain.ID64(hostID)
	t := at
	vm.PowerStateUpdatedAt = &t
	return true, nil
}

func (s *Store) ResetPowerTracking(_ context.Context, vmID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[vmID]
	if !ok {
		return repository.ErrNotFound
	}
	vm.PowerStateUpdateCount = 0
	return nil
}

func (s *Store) UpdateOffering(_ context.Context, vmID, offeringID int64) error {
	return s.mutateVM(vmID, func(vm *domain.VM) { vm.ServiceOfferingID = offeringID })
}

func (s *Store) UpdatePlacement(_ context.Context, vmID int64, podID, clusterID *int64) error {
	return s.mutateVM(vmID, func(vm *domain.VM) {
		vm.PodID = podID
		vm.ClusterID = clusterID
	})
}

func (s *Store) SetDetail(_ context.Context, vmID int64, key, value string) error {
	return s.mutateVM(vmID, func(vm *domain.VM) {
		if vm.Details == nil {
			vm.Details = make(map[string]string)
		}
		vm.Details[key] = value
	})
}

func (s *Store) MarkRemoved(_ context.Context, vmID int64, at time.Time) error {
	return s.mutateVM(vmID, func(vm *domain.VM) {
		t := at
		vm.Removed = &t
	})
}

func (s *Store) mutateVM(id int64, fn func(vm *domain.VM)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(vm)
	vm.UpdatedAt = time.Now()
	return nil
}

// ---- hosts ----

func (s *Store) CreateHost(_ context.Context, h *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == 0 {
		h.ID = int64(len(s.hosts) + 1)
	}
	if h.Status == "" {
		h.Status = domain.HostUp
	}
	if h.ResourceState == "" {
		h.ResourceState = domain.ResourceEnabled
	}
	if _, ok := s.hosts[h.ID]; ok {
		return repository.ErrAlreadyExists
	}
	c := *h
	s.hosts[h.ID] = &c
	return nil
}

func (s *Store) GetHost(_ context.Context, id int64) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *h
	return &c, nil
}

func (s *Store) ListHosts(_ context.Context, f repository.HostFilter) ([]*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Host
	for _, h := range s.hosts {
		if f.DataCenterID != 0 && h.DataCenterID != f.DataCenterID {
			continue
		}
		if f.Hypervisor != "" && h.Hypervisor != f.Hypervisor {
			continue
		}
		if len(f.Statuses) > 0 && !hasHostStatus(f.Statuses, h.Status) {
			continue
		}
		c := *h
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateHostStatus(_ context.Context, id int64, status domain.HostStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return repository.ErrNotFound
	}
	h.Status = status
	t := at
	h.LastPingAt = &t
	return nil
}

// SetHostResourceState changes a host's allocation state in place.
func (s *Store) SetHostResourceState(id int64, state domain.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[id]
	if !ok {
		return repository.ErrNotFound
	}
	h.ResourceState = state
	return nil
}

// ---- offerings ----

func (s *Store) CreateOffering(_ context.Context, o *domain.ServiceOffering) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == 0 {
		o.ID = int64(len(s.offerings) + 1)
	}
	if _, ok := s.offerings[o.ID]; ok {
		return repository.ErrAlreadyExists
	}
	c := *o
	s.offerings[o.ID] = &c
	return nil
}

func (s *Store) GetOffering(_ context.Context, id int64) (*domain.ServiceOffering, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offerings[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *o
	return &c, nil
}

// ---- nics ----

func (s *Store) CreateNic(_ context.Context, nic *domain.Nic) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextNic++
	nic.ID = s.nextNic
	c := *nic
	s.nics[nic.ID] = &c
	return nil
}

func (s *Store) GetNic(_ context.Context, id int64) (*domain.Nic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nics[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *n
	return &c, nil
}

func (s *Store) ListNics(_ context.Context, vmID int64) ([]*domain.Nic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Nic
	for _, n := range s.nics {
		if n.VMID == vmID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *Store) DeleteNic(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nics[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.nics, id)
	return nil
}

// ---- volumes ----

func (s *Store) CreateVolume(_ context.Context, v *domain.Volume) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextVolume++
	v.ID = s.nextVolume
	c := *v
	s.volumes[v.ID] = &c
	return nil
}

func (s *Store) ListVolumes(_ context.Context, vmID int64) ([]*domain.Volume, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Volume
	for _, v := range s.volumes {
		if v.VMID == vmID {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateVolumePool(_ context.Context, id, poolID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[id]
	if !ok {
		return repository.ErrNotFound
	}
	v.PoolID = domain.ID64(poolID)
	return nil
}

func (s *Store) DeleteVolumes(_ context.Context, vmID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, v := range s.volumes {
		if v.VMID == vmID {
			delete(s.volumes, id)
		}
	}
	return nil
}

// ---- alerts ----

func (s *Store) CreateAlert(_ context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	c := *a
	s.alerts = append(s.alerts, &c)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, limit int) ([]*domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *s.alerts[i]
		out = append(out, &c)
	}
	return out, nil
}

// ---- audit ----

func (s *Store) CreateAuditRecord(_ context.Context, r *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	c := *r
	s.audit = append(s.audit, &c)
	return nil
}

func (s *Store) ListAuditRecords(_ context.Context, resourceType, resourceID string, limit int) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.AuditRecord
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		r := s.audit[i]
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func hasState(states []domain.State, s domain.State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func hasHostStatus(statuses []domain.HostStatus, s domain.HostStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func sortVMs(vms []*domain.VM) {
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
}

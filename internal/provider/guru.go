package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"vmconductor.io/conductor/internal/domain"
)

// Guru customizes the lifecycle for one VM type.
type Guru interface {
	VMType() domain.VMType
	// FinalizeProfile completes the profile before resources are prepared.
	FinalizeProfile(ctx context.Context, profile *domain.VMProfile, dest domain.DeployDestination) error
	// FinalizeStart validates a successful start answer. Returning false
	// rejects the start.
	FinalizeStart(ctx context.Context, profile *domain.VMProfile, hostID int64, answer *Answer) bool
	FinalizeStop(ctx context.Context, profile *domain.VMProfile, answer *Answer)
	FinalizeExpunge(ctx context.Context, vm *domain.VM)
}

// HypervisorGuru builds hypervisor-specific commands.
type HypervisorGuru interface {
	HypervisorType() domain.HypervisorType
	StartCommand(profile *domain.VMProfile, dest domain.DeployDestination) StartCommand
	// ExpungeCommands lists the cleanup commands for a VM's last host.
	ExpungeCommands(vm *domain.VM, nics []*domain.Nic, volumes []*domain.Volume) []Command
}

// MetadataSyncer is implemented by hypervisor gurus whose agents report VM
// details worth persisting after a successful start.
type MetadataSyncer interface {
	SyncMetadata(vm *domain.VM, answer *Answer) map[string]string
}

// GuruRegistry maps VM types to gurus.
type GuruRegistry struct {
	mu    sync.RWMutex
	gurus map[domain.VMType]Guru
}

// NewGuruRegistry creates a registry holding gurus.
func NewGuruRegistry(gurus ...Guru) (*GuruRegistry, error) {
	r := &GuruRegistry{gurus: make(map[domain.VMType]Guru)}
	for _, g := range gurus {
		if err := r.Register(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a guru. Duplicate types are rejected.
func (r *GuruRegistry) Register(g Guru) error {
	if g == nil {
		return fmt.Errorf("guru is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gurus[g.VMType()]; exists {
		return fmt.Errorf("guru already registered for vm type %s", g.VMType())
	}
	r.gurus[g.VMType()] = g
	return nil
}

// Get resolves the guru for t.
func (r *GuruRegistry) Get(t domain.VMType) (Guru, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gurus[t]
	if !ok {
		return nil, fmt.Errorf("no guru for vm type %s", t)
	}
	return g, nil
}

// Types lists the registered VM types.
func (r *GuruRegistry) Types() []domain.VMType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.VMType, 0, len(r.gurus))
	for t := range r.gurus {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HypervisorRegistry maps hypervisor types to hypervisor gurus.
type HypervisorRegistry struct {
	mu    sync.RWMutex
	gurus map[domain.HypervisorType]HypervisorGuru
}

// NewHypervisorRegistry creates a registry holding gurus.
func NewHypervisorRegistry(gurus ...HypervisorGuru) (*HypervisorRegistry, error) {
	r := &HypervisorRegistry{gurus: make(map[domain.HypervisorType]HypervisorGuru)}
	for _, g := range gurus {
		if err := r.Register(g); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a hypervisor guru. Duplicate types are rejected.
func (r *HypervisorRegistry) Register(g HypervisorGuru) error {
	if g == nil {
		return fmt.Errorf("hypervisor guru is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gurus[g.HypervisorType()]; exists {
		return fmt.Errorf("hypervisor guru already registered for %s", g.HypervisorType())
	}
	r.gurus[g.HypervisorType()] = g
	return nil
}

// Get resolves the guru for h.
func (r *HypervisorRegistry) Get(h domain.HypervisorType) (HypervisorGuru, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gurus[h]
	if !ok {
		return nil, fmt.Errorf("no hypervisor guru for %s", h)
	}
	return g, nil
}

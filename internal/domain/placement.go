package domain

import (
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DeploymentPlan constrains placement. Zero ids mean "any".
type DeploymentPlan struct {
	DataCenterID int64 `json:"data_center_id"`
	PodID        int64 `json:"pod_id,omitempty"`
	ClusterID    int64 `json:"cluster_id,omitempty"`
	HostID       int64 `json:"host_id,omitempty"`
	PoolID       int64 `json:"pool_id,omitempty"`
}

// DeployDestination is a concrete placement returned by the planner.
type DeployDestination struct {
	DataCenterID int64 `json:"data_center_id"`
	PodID        int64 `json:"pod_id"`
	ClusterID    int64 `json:"cluster_id"`
	HostID       int64 `json:"host_id"`
	// VolumeToPool maps volume ids to the pool they should live on.
	VolumeToPool map[int64]int64 `json:"volume_to_pool,omitempty"`
}

func (d DeployDestination) String() string {
	return fmt.Sprintf("Dest[dc=%d pod=%d cluster=%d host=%d]", d.DataCenterID, d.PodID, d.ClusterID, d.HostID)
}

// ExcludeList holds placement targets to avoid during one attempt loop.
type ExcludeList struct {
	DataCenters sets.Set[int64]
	Pods        sets.Set[int64]
	Clusters    sets.Set[int64]
	Hosts       sets.Set[int64]
	Pools       sets.Set[int64]
}

// NewExcludeList returns an empty exclude list.
func NewExcludeList() *ExcludeList {
	return &ExcludeList{
		DataCenters: sets.New[int64](),
		Pods:        sets.New[int64](),
		Clusters:    sets.New[int64](),
		Hosts:       sets.New[int64](),
		Pools:       sets.New[int64](),
	}
}

func (e *ExcludeList) ensure() {
	if e.DataCenters == nil {
		e.DataCenters = sets.New[int64]()
	}
	if e.Pods == nil {
		e.Pods = sets.New[int64]()
	}
	if e.Clusters == nil {
		e.Clusters = sets.New[int64]()
	}
	if e.Hosts == nil {
		e.Hosts = sets.New[int64]()
	}
	if e.Pools == nil {
		e.Pools = sets.New[int64]()
	}
}

// AddDataCenter excludes a data center.
func (e *ExcludeList) AddDataCenter(id int64) { e.ensure(); e.DataCenters.Insert(id) }

// AddPod excludes a pod.
func (e *ExcludeList) AddPod(id int64) { e.ensure(); e.Pods.Insert(id) }

// AddCluster excludes a cluster.
func (e *ExcludeList) AddCluster(id int64) { e.ensure(); e.Clusters.Insert(id) }

// AddHost excludes a host.
func (e *ExcludeList) AddHost(id int64) { e.ensure(); e.Hosts.Insert(id) }

// AddPool excludes a storage pool.
func (e *ExcludeList) AddPool(id int64) { e.ensure(); e.Pools.Insert(id) }

// ShouldAvoidHost reports whether the host, or a scope containing it, is excluded.
func (e *ExcludeList) ShouldAvoidHost(h *Host) bool {
	e.ensure()
	return e.Hosts.Has(h.ID) || e.Clusters.Has(h.ClusterID) || e.Pods.Has(h.PodID) || e.DataCenters.Has(h.DataCenterID)
}

// ShouldAvoid reports whether any level of dest is excluded.
func (e *ExcludeList) ShouldAvoid(dest DeployDestination) bool {
	e.ensure()
	if e.DataCenters.Has(dest.DataCenterID) || e.Pods.Has(dest.PodID) ||
		e.Clusters.Has(dest.ClusterID) || e.Hosts.Has(dest.HostID) {
		return true
	}
	for _, pool := range dest.VolumeToPool {
		if e.Pools.Has(pool) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (e *ExcludeList) Clone() *ExcludeList {
	e.ensure()
	return &ExcludeList{
		DataCenters: e.DataCenters.Clone(),
		Pods:        e.Pods.Clone(),
		Clusters:    e.Clusters.Clone(),
		Hosts:       e.Hosts.Clone(),
		Pools:       e.Pools.Clone(),
	}
}

// Empty reports whether nothing is excluded.
func (e *ExcludeList) Empty() bool {
	e.ensure()
	return e.DataCenters.Len()+e.Pods.Len()+e.Clusters.Len()+e.Hosts.Len()+e.Pools.Len() == 0
}

type excludeListJSON struct {
	DataCenters []int64 `json:"data_centers,omitempty"`
	Pods        []int64 `json:"pods,omitempty"`
	Clusters    []int64 `json:"clusters,omitempty"`
	Hosts       []int64 `json:"hosts,omitempty"`
	Pools       []int64 `json:"pools,omitempty"`
}

// MarshalJSON encodes the sets as sorted id lists.
func (e ExcludeList) MarshalJSON() ([]byte, error) {
	e.ensure()
	return json.Marshal(excludeListJSON{
		DataCenters: sets.List(e.DataCenters),
		Pods:        sets.List(e.Pods),
		Clusters:    sets.List(e.Clusters),
		Hosts:       sets.List(e.Hosts),
		Pools:       sets.List(e.Pools),
	})
}

// UnmarshalJSON decodes id lists into sets.
func (e *ExcludeList) UnmarshalJSON(b []byte) error {
	var raw excludeListJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.DataCenters = sets.New(raw.DataCenters...)
	e.Pods = sets.New(raw.Pods...)
	e.Clusters = sets.New(raw.Clusters...)
	e.Hosts = sets.New(raw.Hosts...)
	e.Pools = sets.New(raw.Pools...)
	return nil
}

// VMProfile is the view of a VM handed to gurus and collaborators while a
// saga runs.
type VMProfile struct {
	VM       *VM
	Offering *ServiceOffering
	Params   map[string]string
	Nics     []*Nic
	Volumes  []*Volume
}

// NewVMProfile builds a profile for vm.
func NewVMProfile(vm *VM, offering *ServiceOffering) *VMProfile {
	return &VMProfile{VM: vm, Offering: offering, Params: map[string]string{}}
}

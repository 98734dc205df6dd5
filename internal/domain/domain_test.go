package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkCommandValidate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     WorkCommand
		wantErr bool
	}{
		{"start", WorkCommand{Kind: OpStart, VMID: 1, Start: &StartParams{}}, false},
		{"stop", WorkCommand{Kind: OpStop, VMID: 1, Stop: &StopParams{Forced: true}}, false},
		{"remove nic", WorkCommand{Kind: OpRemoveNic, VMID: 1, RemoveNic: &RemoveNicParams{NicID: 3}}, false},
		{"missing vm", WorkCommand{Kind: OpStop, Stop: &StopParams{}}, true},
		{"no payload", WorkCommand{Kind: OpReboot, VMID: 1}, true},
		{"mismatched payload", WorkCommand{Kind: OpStart, VMID: 1, Stop: &StopParams{}}, true},
		{"two payloads", WorkCommand{Kind: OpStart, VMID: 1, Start: &StartParams{}, Stop: &StopParams{}}, true},
		{"unknown kind", WorkCommand{Kind: "Hibernate", VMID: 1, Stop: &StopParams{}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestDecodeWorkCommand_UnknownKind(t *testing.T) {
	_, err := DecodeWorkCommand([]byte(`{"kind":"Hibernate","vm_id":4,"stop":{}}`))
	var unknown *ErrUnknownOperation
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, OperationKind("Hibernate"), unknown.Kind)

	_, err = DecodeWorkCommand([]byte(`{not json`))
	require.Error(t, err)
}

func TestDecodeWorkCommand_CarriesExcludeList(t *testing.T) {
	avoid := NewExcludeList()
	avoid.AddHost(7)
	avoid.AddPool(3)

	b, err := WorkCommand{Kind: OpStart, VMID: 9, Start: &StartParams{Avoid: avoid}}.Marshal()
	require.NoError(t, err)

	cmd, err := DecodeWorkCommand(b)
	require.NoError(t, err)
	require.True(t, cmd.Start.Avoid.Hosts.Has(7))
	require.True(t, cmd.Start.Avoid.Pools.Has(3))
	require.False(t, cmd.Start.Avoid.Hosts.Has(3))
}

func TestExcludeList_ShouldAvoid(t *testing.T) {
	avoid := NewExcludeList()
	avoid.AddHost(10)
	avoid.AddCluster(2)
	avoid.AddPool(5)

	tests := []struct {
		name string
		dest DeployDestination
		want bool
	}{
		{"clean", DeployDestination{DataCenterID: 1, PodID: 1, ClusterID: 1, HostID: 11}, false},
		{"host excluded", DeployDestination{DataCenterID: 1, PodID: 1, ClusterID: 1, HostID: 10}, true},
		{"cluster excluded", DeployDestination{DataCenterID: 1, PodID: 1, ClusterID: 2, HostID: 12}, true},
		{"pool excluded", DeployDestination{DataCenterID: 1, PodID: 1, ClusterID: 1, HostID: 11, VolumeToPool: map[int64]int64{1: 5}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, avoid.ShouldAvoid(tt.dest))
		})
	}

	require.True(t, avoid.ShouldAvoidHost(&Host{ID: 99, ClusterID: 2}))
	require.False(t, avoid.ShouldAvoidHost(&Host{ID: 99, ClusterID: 3}))
}

func TestExcludeList_ZeroValueIsUsable(t *testing.T) {
	var avoid ExcludeList
	require.True(t, avoid.Empty())
	avoid.AddHost(1)
	require.False(t, avoid.Empty())

	b, err := json.Marshal(avoid)
	require.NoError(t, err)
	require.JSONEq(t, `{"hosts":[1]}`, string(b))
}

func TestExcludeList_Clone(t *testing.T) {
	e := NewExcludeList()
	e.AddHost(1)
	c := e.Clone()
	c.AddHost(2)
	c.AddPool(9)
	require.Equal(t, 1, e.Hosts.Len())
	require.Zero(t, e.Pools.Len())
	require.True(t, c.Hosts.HasAll(1, 2))

	var zero ExcludeList
	require.True(t, zero.Clone().Empty())
}

func TestVMClone_IsDeep(t *testing.T) {
	vm := &VM{ID: 1, HostID: ID64(4), Details: map[string]string{"k": "v"}}
	c := vm.Clone()
	*c.HostID = 5
	c.Details["k"] = "changed"

	require.Equal(t, int64(4), *vm.HostID)
	require.Equal(t, "v", vm.Details["k"])
}

func TestStateClassification(t *testing.T) {
	require.True(t, StateStarting.IsTransitional())
	require.True(t, StateMigrating.IsTransitional())
	require.False(t, StateRunning.IsTransitional())
	require.True(t, StateDestroyed.IsTerminal())
	require.False(t, StateError.IsTerminal())
	require.True(t, HypervisorVMware.ManagesOwnHA())
	require.False(t, HypervisorKVM.ManagesOwnHA())
}

func TestSameID(t *testing.T) {
	require.True(t, SameID(nil, nil))
	require.True(t, SameID(ID64(3), ID64(3)))
	require.False(t, SameID(ID64(3), nil))
	require.False(t, SameID(ID64(3), ID64(4)))
	require.Nil(t, ID64(0))
}

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
)

func TestStartStop_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	require.Equal(t, domain.StateStopped, vm.State)
	require.Nil(t, vm.HostID)

	vm, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, vm.State)
	require.Equal(t, hostPtr(1), vm.HostID)
	require.Nil(t, vm.LastHostID)
	require.Equal(t, hostPtr(1), vm.ClusterID)
	h.requireNoOutstandingWork(t, vm.ID)

	vm, err = h.orch.Stop(ctx, vm.ID, false, domain.Caller{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.StateStopped, vm.State)
	require.Nil(t, vm.HostID)
	require.Equal(t, hostPtr(1), vm.LastHostID)
	h.requireNoOutstandingWork(t, vm.ID)

	require.Equal(t, 1, h.sim.Calls("agent.Start"))
	require.Equal(t, 1, h.sim.Calls("agent.Stop"))
	require.Equal(t, h.sim.Calls("capacity.Allocate"), h.sim.Calls("capacity.Release"))

	require.Equal(t, 1.0, testutil.ToFloat64(h.orch.monitor.operations.WithLabelValues("Start", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(h.orch.monitor.operations.WithLabelValues("Stop", "success")))
}

func TestStop_AlreadyStoppedSendsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)

	for range 2 {
		got, err := h.orch.Stop(ctx, vm.ID, false, domain.Caller{})
		require.NoError(t, err)
		require.Equal(t, domain.StateStopped, got.State)
	}
	require.Zero(t, h.sim.Calls("agent.Stop"))
	require.Zero(t, h.sim.Calls("network.Release"))
}

func TestStop_RefusedOnHostPreparingForMaintenance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)

	require.NoError(t, h.store.SetHostResourceState(1, domain.ResourcePrepareForMaintenance))

	_, err := h.orch.Stop(ctx, vm.ID, false, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidState), "got %v", err)
	require.Equal(t, domain.StateRunning, h.vm(t, vm.ID).State)

	got, err := h.orch.Stop(ctx, vm.ID, true, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, domain.StateStopped, got.State)
}

func TestStop_AgentFailureRevertsToRunning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StopCommand); ok {
			return &provider.Answer{Result: false, Details: "guest refused"}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.Stop(ctx, vm.ID, false, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)
	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(1), got.HostID)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestStart_ExcludesUnreachableHost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	h.sim.SetHostDown(1, true)

	got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, hostPtr(2), got.HostID)

	require.Equal(t, 2, h.sim.Calls("agent.Start"))
	// The failed attempt on host 1 returned its reservation.
	require.Equal(t, 2, h.sim.Calls("capacity.Allocate"))
	require.Equal(t, 1, h.sim.Calls("capacity.Release"))
}

func TestStart_RetriesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	for id := int64(1); id <= 3; id++ {
		h.sim.SetHostDown(id, true)
	}

	_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.CodeResourceUnavailable), "got %v", err)

	got := h.vm(t, vm.ID)
	require.Equal(t, domain.StateStopped, got.State)
	require.Nil(t, got.HostID)
	require.Nil(t, got.LastHostID)
	require.Equal(t, 3, h.sim.Calls("agent.Start"))
	require.Equal(t, h.sim.Calls("capacity.Allocate"), h.sim.Calls("capacity.Release"))
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestStart_AvoidListFromCaller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)

	avoid := domain.NewExcludeList()
	avoid.AddHost(1)
	avoid.AddHost(2)
	got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{Avoid: avoid}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, hostPtr(3), got.HostID)
}

func TestStart_NoCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	t.Run("plain capacity", func(t *testing.T) {
		vm := h.allocate(t)
		avoid := domain.NewExcludeList()
		avoid.AddCluster(1)
		_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{Avoid: avoid}, domain.Caller{})
		require.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientCapacity), "got %v", err)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		require.Equal(t, false, appErr.Param(apperrors.ParamAffinityConflict))
	})

	t.Run("affinity conflict", func(t *testing.T) {
		vm := h.allocate(t)
		h.sim.SetAffinityConflict(vm.ID)
		_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok, "got %v", err)
		require.Equal(t, apperrors.CodeInsufficientCapacity, appErr.Code)
		require.Equal(t, true, appErr.Param(apperrors.ParamAffinityConflict))
		require.Equal(t, domain.StateStopped, h.vm(t, vm.ID).State)
	})
}

// failingStarts fails the first n start commands with a negative answer.
func failingStarts(n int32) (func(int64, provider.Command) (*provider.Answer, error, bool), *atomic.Int32) {
	var seen atomic.Int32
	return func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StartCommand); !ok {
			return nil, nil, false
		}
		if seen.Add(1) <= n {
			return &provider.Answer{Result: false, Details: "hypervisor busy"}, nil, true
		}
		return nil, nil, false
	}, &seen
}

func TestStart_RetryBudget(t *testing.T) {
	tests := []struct {
		name       string
		startRetry int
		wantErr    bool
	}{
		{name: "bounded budget runs out", startRetry: 3, wantErr: true},
		{name: "unbounded keeps placing", startRetry: -1, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, harnessOpts{hosts: 8, hypervisor: domain.HypervisorKVM, startRetry: tt.startRetry})
			vm := h.allocate(t)
			intercept, seen := failingStarts(5)
			h.sim.SetInterceptor(intercept)

			got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})

			// Attempt n plans with exactly the hosts of the n-1 failed attempts excluded.
			planned := h.sim.PlannedExcludes()
			require.Len(t, planned, int(seen.Load()))
			for i, avoid := range planned {
				want := []int64{}
				for host := int64(1); host <= int64(i); host++ {
					want = append(want, host)
				}
				require.Equal(t, want, sets.List(avoid.Hosts), "attempt %d", i+1)
				require.Zero(t, avoid.DataCenters.Len()+avoid.Pods.Len()+avoid.Clusters.Len()+avoid.Pools.Len(), "attempt %d", i+1)
			}

			if tt.wantErr {
				require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)
				require.EqualValues(t, 3, seen.Load())
				require.Equal(t, []int64{1, 2}, sets.List(planned[len(planned)-1].Hosts))
				require.Equal(t, domain.StateStopped, h.vm(t, vm.ID).State)
				return
			}
			require.NoError(t, err)
			require.EqualValues(t, 6, seen.Load())
			require.Equal(t, []int64{1, 2, 3, 4, 5}, sets.List(planned[len(planned)-1].Hosts))
			require.Equal(t, hostPtr(6), got.HostID)
			require.Equal(t, 1, testutil.CollectAndCount(h.reg, "vmconductor_start_attempts"))
		})
	}
}

func TestStart_NoRetryAnswerAborts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StartCommand); ok {
			return &provider.Answer{Result: false, NoRetry: true, Details: "image corrupt"}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)
	require.Equal(t, 1, h.sim.Calls("agent.Start"))
	require.Equal(t, domain.StateStopped, h.vm(t, vm.ID).State)
}

func TestStart_ActiveTimeoutSchedulesCheckStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StartCommand); ok {
			return nil, apperrors.OperationTimeout(true, "no answer from agent"), true
		}
		return nil, nil, false
	})

	_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationTimeout), "got %v", err)
	require.Equal(t, 1, h.sim.Calls("agent.Start"))

	events := h.sim.HAEvents()
	require.Len(t, events, 1)
	require.Equal(t, provider.HACheckStop, events[0].Kind)
	require.Equal(t, int64(1), events[0].HostID)
	require.Equal(t, domain.StateStopped, h.vm(t, vm.ID).State)
}

func TestStart_SystemVMRejectedWithoutControlAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t, func(r *AllocateRequest) { r.Type = domain.VMTypeDomainRouter })
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StartCommand); ok {
			return &provider.Answer{Result: true, PowerState: domain.PowerOn}, nil, true
		}
		return nil, nil, false
	})

	_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed), "got %v", err)
	require.Equal(t, 1, h.sim.Calls("agent.Start"))
	require.Equal(t, 1, h.sim.Calls("agent.Stop"))
	require.Empty(t, h.sim.HAEvents())
	require.Equal(t, domain.StateStopped, h.vm(t, vm.ID).State)
}

func TestStart_SystemVMAccepted(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t, func(r *AllocateRequest) { r.Type = domain.VMTypeConsoleProxy })
	require.Equal(t, hostPtr(1), vm.HostID)
}

func TestStart_SyncsHypervisorMetadata(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{hosts: 2, hypervisor: domain.HypervisorXenServer, startRetry: 3})
	vm := h.allocate(t, func(r *AllocateRequest) { r.Hypervisor = domain.HypervisorXenServer })
	h.sim.SetInterceptor(func(_ int64, cmd provider.Command) (*provider.Answer, error, bool) {
		if _, ok := cmd.(provider.StartCommand); ok {
			return &provider.Answer{
				Result:     true,
				PowerState: domain.PowerOn,
				Metadata:   map[string]string{provider.DetailPlatform: "viridian:true", "ignored": "x"},
			}, nil, true
		}
		return nil, nil, false
	})

	got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, "viridian:true", got.Details[provider.DetailPlatform])
	require.NotContains(t, got.Details, "ignored")
}

func TestStart_KVMSkipsMetadataSync(t *testing.T) {
	h := newHarness(t)
	vm := h.running(t)
	require.Empty(t, vm.Details)
}

func TestStart_ConcurrentCallersStartOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.sim.Calls("agent.Start"))
	require.Equal(t, domain.StateRunning, h.vm(t, vm.ID).State)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestStart_AlreadyRunningIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.running(t)

	got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, 1, h.sim.Calls("agent.Start"))
}

func TestStart_UnknownVM(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Start(context.Background(), 404, domain.StartParams{}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeVMNotFound), "got %v", err)
}

func TestAddExclude(t *testing.T) {
	capacity := func(scope apperrors.Scope, id int64) error {
		return apperrors.InsufficientCapacity(scope, id, false, "no room")
	}
	dcOnly := domain.DeployDestination{DataCenterID: 1}
	full := domain.DeployDestination{DataCenterID: 1, PodID: 2, ClusterID: 3, HostID: 4}

	tests := []struct {
		name   string
		err    error
		dest   domain.DeployDestination
		want   bool
		hosts  []int64
		others int
	}{
		{name: "host id from error", err: capacity(apperrors.ScopeHost, 9), dest: full, want: true, hosts: []int64{9}},
		{name: "host id from destination", err: capacity(apperrors.ScopeHost, 0), dest: full, want: true, hosts: []int64{4}},
		{name: "host id unknown", err: capacity(apperrors.ScopeHost, 0), dest: dcOnly, want: false},
		{name: "cluster id unknown", err: capacity(apperrors.ScopeCluster, 0), dest: dcOnly, want: false},
		{name: "cluster from destination", err: capacity(apperrors.ScopeCluster, 0), dest: full, want: true, others: 1},
		{name: "data center from destination", err: capacity(apperrors.ScopeDataCenter, 0), dest: dcOnly, want: true, others: 1},
		{name: "pool needs an id", err: capacity(apperrors.ScopePool, 0), dest: full, want: false},
		{name: "pool id from error", err: capacity(apperrors.ScopePool, 5), dest: full, want: true, others: 1},
		{name: "unscoped error", err: apperrors.OperationFailed("boom"), dest: full, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			avoid := domain.NewExcludeList()
			require.Equal(t, tt.want, addExclude(avoid, tt.err, tt.dest))
			require.ElementsMatch(t, tt.hosts, sets.List(avoid.Hosts))
			require.Equal(t, tt.others, avoid.DataCenters.Len()+avoid.Pods.Len()+avoid.Clusters.Len()+avoid.Pools.Len())
			require.False(t, avoid.Hosts.Has(0) || avoid.Clusters.Has(0) || avoid.DataCenters.Has(0))
		})
	}
}

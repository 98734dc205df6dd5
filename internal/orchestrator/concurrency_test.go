package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/repository"
)

// claimStarting puts vm in Starting under a work item owned by node 2.
func claimStarting(t *testing.T, h *harness, vm *domain.VM) *domain.WorkItem {
	t.Helper()
	ctx := context.Background()
	ok, err := h.store.UpdateState(ctx, repository.StateChange{
		VMID: vm.ID, FromState: domain.StateStopped, ToState: domain.StateStarting, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, ok)
	w := &domain.WorkItem{VMID: vm.ID, VMType: vm.Type, NodeID: 2, State: domain.StateStarting, Step: domain.StepStarting}
	require.NoError(t, h.store.CreateWorkItem(ctx, w))
	return w
}

func TestStart_ForeignWorkOutlastsWaitBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	foreign := claimStarting(t, h, vm)

	_, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeConcurrentOperation), "got %v", err)

	require.Zero(t, h.sim.Calls("agent.Start"))
	require.Zero(t, h.sim.Calls("planner.Plan"))
	require.Equal(t, domain.StateStarting, h.vm(t, vm.ID).State)
	w, err := h.store.FindOutstandingWork(ctx, vm.ID, domain.StateStarting)
	require.NoError(t, err)
	require.Equal(t, foreign.ID, w.ID, "only the other node's item is outstanding")
	require.Equal(t, 1, h.outstandingWork(vm.ID))
}

func TestStart_ProceedsOnceForeignWorkFinishes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	foreign := claimStarting(t, h, vm)

	go func() {
		time.Sleep(30 * time.Millisecond)
		// The other node's start failed: VM back to Stopped, item Done.
		_, _ = h.store.UpdateState(context.Background(), repository.StateChange{
			VMID: vm.ID, FromState: domain.StateStarting, ToState: domain.StateStopped, At: time.Now(),
		})
		_ = h.store.UpdateWorkStep(context.Background(), foreign.ID, domain.StepDone, time.Now())
	}()

	got, err := h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
	require.NoError(t, err)
	require.Equal(t, domain.StateRunning, got.State)
	require.Equal(t, 1, h.sim.Calls("agent.Start"))
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestStartStop_ConcurrentWorkNeverOverlaps(t *testing.T) {
	for round := range 4 {
		initial := domain.StateStopped
		if round%2 == 1 {
			initial = domain.StateRunning
		}
		t.Run(fmt.Sprintf("%d from %s", round, initial), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			var vm *domain.VM
			if initial == domain.StateRunning {
				vm = h.running(t)
			} else {
				vm = h.allocate(t)
			}

			var (
				mu      sync.Mutex
				maxSeen int
			)
			h.sim.SetInterceptor(func(int64, provider.Command) (*provider.Answer, error, bool) {
				n := h.outstandingWork(vm.ID)
				mu.Lock()
				maxSeen = max(maxSeen, n)
				mu.Unlock()
				// Leave room for a second saga to slip in.
				time.Sleep(10 * time.Millisecond)
				return nil, nil, false
			})

			var wg sync.WaitGroup
			var startErr, stopErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, startErr = h.orch.Start(ctx, vm.ID, domain.StartParams{}, domain.Caller{})
			}()
			go func() {
				defer wg.Done()
				_, stopErr = h.orch.Stop(ctx, vm.ID, false, domain.Caller{})
			}()
			wg.Wait()

			require.NoError(t, startErr)
			require.NoError(t, stopErr)
			require.Eventually(t, func() bool {
				got, err := h.store.GetVM(context.Background(), vm.ID)
				if err != nil {
					return false
				}
				return (got.State == domain.StateRunning || got.State == domain.StateStopped) && h.outstandingWork(vm.ID) == 0
			}, 2*time.Second, 5*time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			require.LessOrEqual(t, maxSeen, 1, "two work items were outstanding at once")
		})
	}
}

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/jobqueue"
	"vmconductor.io/conductor/internal/lock"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/provider/simulator"
	"vmconductor.io/conductor/internal/repository"
)

// strand puts vm into state on host 1 with an outstanding work item, as a
// crashed node would leave it.
func (h *harness) strand(t *testing.T, vm *domain.VM, state domain.State, node int64) *domain.WorkItem {
	t.Helper()
	ctx := context.Background()
	won, err := h.store.UpdateState(ctx, repository.StateChange{
		VMID:       vm.ID,
		FromState:  vm.State,
		FromHostID: vm.HostID,
		ToState:    state,
		HostID:     hostPtr(1),
		At:         time.Now(),
	})
	require.NoError(t, err)
	require.True(t, won)

	w := &domain.WorkItem{
		VMID:      vm.ID,
		VMType:    vm.Type,
		NodeID:    node,
		State:     state,
		Step:      domain.StepStarting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, h.store.CreateWorkItem(ctx, w))
	return w
}

func (h *harness) handoffs(kind provider.HAWorkType) float64 {
	return testutil.ToFloat64(h.orch.monitor.handoffs.WithLabelValues(string(kind)))
}

func TestRecoverNode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	starting := h.allocate(t)
	startItem := h.strand(t, starting, domain.StateStarting, 1)
	stopping := h.allocate(t)
	stopItem := h.strand(t, stopping, domain.StateStopping, 1)
	moved := h.allocate(t)
	h.strand(t, moved, domain.StateRunning, 1)
	// the vm already left Starting, so its stale item is only closed
	movedItem := &domain.WorkItem{VMID: moved.ID, NodeID: 1, State: domain.StateStarting, Step: domain.StepStarting}
	require.NoError(t, h.store.CreateWorkItem(ctx, movedItem))
	foreign := h.allocate(t)
	foreignItem := h.strand(t, foreign, domain.StateStarting, 2)

	job := &domain.WorkJob{VMID: starting.ID, Kind: domain.OpStart, Status: domain.JobQueued}
	require.NoError(t, h.store.CreateJob(ctx, job))
	ok, err := h.store.MarkJobInProgress(ctx, job.ID, 1, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.orch.RecoverNode(ctx))

	require.ElementsMatch(t, []simulator.HAEvent{
		{VMID: starting.ID, HostID: 1, Kind: provider.HARestart},
		{VMID: stopping.ID, HostID: 1, Kind: provider.HACheckStop},
	}, h.sim.HAEvents())
	require.Equal(t, 1.0, h.handoffs(provider.HARestart))
	require.Equal(t, 1.0, h.handoffs(provider.HACheckStop))

	for _, id := range []string{startItem.ID, stopItem.ID, movedItem.ID} {
		w, err := h.store.GetWorkItem(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StepDone, w.Step)
	}
	w, err := h.store.GetWorkItem(ctx, foreignItem.ID)
	require.NoError(t, err)
	require.NotEqual(t, domain.StepDone, w.Step, "items of other nodes are left alone")

	got, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.True(t, apperrors.HasCode(jobqueue.DecodeError(got.Error), apperrors.CodeOperationFailed))
}

func TestRecoverNode_SkippedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	item := h.strand(t, vm, domain.StateStarting, 1)

	lease, ok, err := h.locker.TryLock(ctx, lock.NameStartupRecovery, 0)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lease.Release(ctx) }()

	require.NoError(t, h.orch.RecoverNode(ctx))
	require.Empty(t, h.sim.HAEvents())
	w, err := h.store.GetWorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepStarting, w.Step)
}

func TestRecoverNode_HAFailureRaisesAlert(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)
	h.strand(t, vm, domain.StateMigrating, 1)
	h.sim.SetError("ha.ScheduleMigration", apperrors.OperationFailed("ha manager offline"))

	require.NoError(t, h.orch.RecoverNode(ctx))
	require.Equal(t, 1.0, h.handoffs(provider.HAMigration))

	alerts, err := h.store.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, domain.AlertHA, alerts[0].Type)
	h.requireNoOutstandingWork(t, vm.ID)
}

func TestHandleStuckWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	stuck := h.allocate(t)
	stuckItem := h.strand(t, stuck, domain.StateStopping, 7)
	require.NoError(t, h.store.UpdateWorkStep(ctx, stuckItem.ID, domain.StepStarting, time.Now().Add(-2*time.Hour)))
	fresh := h.allocate(t)
	freshItem := h.strand(t, fresh, domain.StateStopping, 7)

	require.NoError(t, h.orch.HandleStuckWork(ctx))

	require.Equal(t, []simulator.HAEvent{{VMID: stuck.ID, HostID: 1, Kind: provider.HAForceStop}}, h.sim.HAEvents())
	require.Equal(t, 1.0, h.handoffs(provider.HAForceStop))

	w, err := h.store.GetWorkItem(ctx, stuckItem.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepDone, w.Step)
	w, err = h.store.GetWorkItem(ctx, freshItem.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepStarting, w.Step)
}

func TestCleanupWork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	vm := h.allocate(t)

	old := h.strand(t, vm, domain.StateStarting, 1)
	require.NoError(t, h.store.UpdateWorkStep(ctx, old.ID, domain.StepDone, time.Now().Add(-2*time.Hour)))
	recent := &domain.WorkItem{VMID: vm.ID, NodeID: 1, State: domain.StateStopping, Step: domain.StepDone, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, h.store.CreateWorkItem(ctx, recent))

	require.NoError(t, h.orch.CleanupWork(ctx, time.Hour))

	_, err := h.store.GetWorkItem(ctx, old.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	_, err = h.store.GetWorkItem(ctx, recent.ID)
	require.NoError(t, err)
}

func TestExpungeJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	newJob := func(kind domain.OperationKind) *domain.WorkJob {
		j := &domain.WorkJob{VMID: 1, Kind: kind, Status: domain.JobQueued}
		require.NoError(t, h.store.CreateJob(ctx, j))
		return j
	}
	old := newJob(domain.OpStart)
	require.NoError(t, h.store.CompleteJob(ctx, old.ID, domain.JobSucceeded, nil, nil, time.Now().Add(-48*time.Hour)))
	recent := newJob(domain.OpStop)
	require.NoError(t, h.store.CompleteJob(ctx, recent.ID, domain.JobFailed, nil, nil, time.Now()))
	pending := newJob(domain.OpReboot)

	require.NoError(t, h.orch.ExpungeJobs(ctx, 24*time.Hour))

	_, err := h.store.GetJob(ctx, old.ID)
	require.ErrorIs(t, err, repository.ErrNotFound)
	for _, id := range []string{recent.ID, pending.ID} {
		_, err := h.store.GetJob(ctx, id)
		require.NoError(t, err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}

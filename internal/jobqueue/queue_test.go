package jobqueue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/eventbus"
	"vmconductor.io/conductor/internal/lock"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/pkg/worker"
	"vmconductor.io/conductor/internal/repository/memory"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []*domain.WorkJob
	err  error
}

func (e *recordingEnqueuer) Enqueue(_ context.Context, job *domain.WorkJob) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return 0, e.err
	}
	e.jobs = append(e.jobs, job)
	return int64(len(e.jobs)), nil
}

type handlerFunc func(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) ([]byte, error)

func (f handlerFunc) HandleWork(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) ([]byte, error) {
	return f(ctx, job, cmd)
}

type fixture struct {
	store  *memory.Store
	bus    *eventbus.Memory
	locker *lock.Memory
	enq    *recordingEnqueuer
	queue  *Queue
	vm     *domain.VM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	vm := &domain.VM{ID: 1, InstanceName: "i-1"}
	require.NoError(t, store.CreateVM(context.Background(), vm))
	bus := eventbus.NewMemory()
	enq := &recordingEnqueuer{}
	return &fixture{
		store:  store,
		bus:    bus,
		locker: lock.NewMemory(),
		enq:    enq,
		queue:  New(store, enq, bus, Config{NodeID: 1, CheckInterval: 10 * time.Millisecond, Timeout: 2 * time.Second}),
		vm:     vm,
	}
}

func (f *fixture) dispatcher(h Handler) *Dispatcher {
	return NewDispatcher(f.store, f.locker, f.bus, h, 1)
}

func startCmd(vmID int64) domain.WorkCommand {
	return domain.WorkCommand{Kind: domain.OpStart, VMID: vmID, Start: &domain.StartParams{}}
}

func rebootCmd(vmID int64) domain.WorkCommand {
	return domain.WorkCommand{Kind: domain.OpReboot, VMID: vmID, Reboot: &domain.RebootParams{}}
}

func TestSubmitOrJoin_JoinsPendingJobOfSameKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, first.Joined)

	second, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{UserID: "u2"})
	require.NoError(t, err)
	require.True(t, second.Joined)
	require.Equal(t, first.JobID, second.JobID)

	other, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, other.JobID)

	require.Len(t, f.enq.jobs, 2)
	job, err := f.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, "u1", job.UserID)
	require.Equal(t, int64(1), *job.RiverJobID)
}

func TestSubmitOrJoin_EnqueueFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enq.err = errors.New("river down")

	_, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed))

	pending, err := f.store.FindPendingJob(ctx, 1, domain.OpStart)
	require.NoError(t, err)
	require.Nil(t, pending, "failed job frees the slot")

	f.enq.err = nil
	out, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.False(t, out.Joined)
}

func TestSubmitOrJoin_RejectsInvalidCommand(t *testing.T) {
	f := newFixture(t)

	_, err := f.queue.SubmitOrJoin(context.Background(), domain.WorkCommand{Kind: domain.OpStart, VMID: 1}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeInvalidRequestField))

	_, err = f.queue.SubmitOrJoin(context.Background(),
		domain.WorkCommand{Kind: "Hibernate", VMID: 1, Start: &domain.StartParams{}}, domain.Caller{})
	require.True(t, apperrors.HasCode(err, apperrors.CodeUnknownOperation))
}

func TestDispatcher_ResultReachesWaiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var sawDispatcher bool
	d := f.dispatcher(handlerFunc(func(ctx context.Context, job *domain.WorkJob, cmd domain.WorkCommand) ([]byte, error) {
		sawDispatcher = InDispatcher(ctx)
		require.Equal(t, domain.OpReboot, cmd.Kind)
		return []byte(`{"ok":true}`), nil
	}))

	out, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.NoError(t, d.Execute(ctx, out.JobID, 1))
	require.True(t, sawDispatcher)

	var res struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, out.WaitInto(ctx, &res))
	require.True(t, res.OK)

	job, err := f.store.GetJob(ctx, out.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, job.Status)
	require.NotNil(t, job.CompletedAt)

	require.NoError(t, d.Execute(ctx, out.JobID, 1), "finished job is a no-op")
}

func TestDispatcher_TypedFailureCrossesBoundary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		return nil, apperrors.InsufficientCapacity(apperrors.ScopeDataCenter, 3, true, "no room").
			WithCause(errors.New("planner exhausted"))
	}))

	out, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.NoError(t, d.Execute(ctx, out.JobID, 1))

	_, err = out.Wait(ctx)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInsufficientCapacity))
	scope, id, ok := apperrors.ScopeOf(err)
	require.True(t, ok)
	require.Equal(t, apperrors.ScopeDataCenter, scope)
	require.Equal(t, int64(3), id)
	appErr, _ := apperrors.IsAppError(err)
	require.Equal(t, true, appErr.Param(apperrors.ParamAffinityConflict))
	require.Equal(t, 503, appErr.HTTPStatus)

	var rc *RemoteCause
	require.ErrorAs(t, err, &rc)
	require.Equal(t, "planner exhausted", rc.Message)
}

func TestDispatcher_PanicIsCaptured(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		panic("boom")
	}))

	out, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.NoError(t, d.Execute(ctx, out.JobID, 1))

	_, err = out.Wait(ctx)
	require.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	require.Contains(t, RemoteStack(err), "panic")
}

func TestDispatcher_LaneBusy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ran := 0
	d := f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		ran++
		return nil, nil
	}))

	first, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)
	second, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)

	require.ErrorIs(t, d.Execute(ctx, second.JobID, 1), ErrLaneBusy, "earlier job still pending")

	lease, ok, err := lock.TryLockRow(ctx, f.locker, LaneTable, 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, d.Execute(ctx, first.JobID, 1), ErrLaneBusy, "lane held elsewhere")
	require.NoError(t, lease.Release(ctx))

	require.NoError(t, d.Execute(ctx, first.JobID, 1))
	require.NoError(t, d.Execute(ctx, second.JobID, 1))
	require.Equal(t, 2, ran)
	require.False(t, f.locker.Held(lock.RowName(LaneTable, 1)))
}

func TestDispatcher_FailsFast(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	d := f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		t.Fatal("handler must not run")
		return nil, nil
	}))

	require.ErrorIs(t, d.Execute(ctx, "missing", 1), ErrFailFast)

	tests := []struct {
		name    string
		payload string
		code    string
	}{
		{"unknown kind", `{"kind":"Hibernate","vm_id":1,"start":{}}`, apperrors.CodeUnknownOperation},
		{"mismatched payload", `{"kind":"Stop","vm_id":1,"start":{}}`, apperrors.CodeInvalidRequestField},
		{"garbage", `not json`, apperrors.CodeInvalidRequestField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &domain.WorkJob{VMID: 1, Kind: domain.OperationKind(tt.name), Command: []byte(tt.payload), Status: domain.JobQueued}
			require.NoError(t, f.store.CreateJob(ctx, job))

			require.ErrorIs(t, d.Execute(ctx, job.ID, 1), ErrFailFast)
			got, err := f.store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			require.Equal(t, domain.JobFailed, got.Status)
			require.True(t, apperrors.HasCode(DecodeError(got.Error), tt.code))
		})
	}
}

func TestOutcome_TimeoutIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	f.queue.cfg.Timeout = 50 * time.Millisecond

	out, err := f.queue.SubmitOrJoin(context.Background(), rebootCmd(1), domain.Caller{})
	require.NoError(t, err)

	_, err = out.Wait(context.Background())
	active, ok := apperrors.TimeoutActive(err)
	require.True(t, ok)
	require.True(t, active)
}

func TestOutcome_CallerCancellation(t *testing.T) {
	f := newFixture(t)
	out, err := f.queue.SubmitOrJoin(context.Background(), rebootCmd(1), domain.Caller{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = out.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOutcome_PowerReportConfirmsStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := out.Wait(ctx)
		done <- err
	}()

	_, err = f.store.UpdatePowerState(ctx, 1, 4, domain.PowerOn, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, domain.TopicPowerState, domain.Encode(domain.PowerStateChanged{VMID: 1})))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("power report did not complete the wait")
	}
}

func TestDesiredPower_Migration(t *testing.T) {
	pred := DesiredPower(domain.WorkCommand{Kind: domain.OpMigrate, Migrate: &domain.MigrateParams{SrcHostID: 1}})
	require.False(t, pred(&domain.VM{PowerState: domain.PowerOn, PowerHostID: domain.ID64(1)}))
	require.True(t, pred(&domain.VM{PowerState: domain.PowerOn, PowerHostID: domain.ID64(2)}))
	require.Nil(t, DesiredPower(rebootCmd(1)))
}

func TestRunInline_PlaceholderMarksPendingWork(t *testing.T) {
	ctx := WithDispatcher(context.Background(), "outer")
	f := newFixture(t)
	require.True(t, InDispatcher(ctx))
	require.False(t, InDispatcher(context.Background()))

	err := f.queue.RunInline(ctx, startCmd(1), domain.Caller{}, func(ctx context.Context) error {
		pending, err := f.store.ListPendingJobs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.True(t, pending[0].Placeholder)

		found, err := f.store.FindPendingJob(ctx, 1, domain.OpStart)
		require.NoError(t, err)
		require.Nil(t, found, "placeholders never absorb joiners")
		return apperrors.ConcurrentOperation("busy")
	})
	require.True(t, apperrors.HasCode(err, apperrors.CodeConcurrentOperation))

	pending, err := f.store.ListPendingJobs(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Empty(t, f.enq.jobs)
}

func TestLocalEnqueuer_RunsJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pools, err := worker.NewPools(worker.PoolConfig{GeneralPoolSize: 4, AgentPoolSize: 1})
	require.NoError(t, err)
	defer pools.Shutdown()

	local := NewLocalEnqueuer(pools.General, 5*time.Millisecond)
	q := New(f.store, local, f.bus, Config{NodeID: 1, CheckInterval: 10 * time.Millisecond, Timeout: 2 * time.Second})
	local.SetDispatcher(f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		return []byte(`"rebooted"`), nil
	})))

	out, err := q.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	var res string
	require.NoError(t, out.WaitInto(ctx, &res))
	require.Equal(t, "rebooted", res)
}

func TestEncodeError(t *testing.T) {
	require.Nil(t, EncodeError(nil, nil))

	err := DecodeError(EncodeError(errors.New("disk full"), nil))
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed))
	require.Contains(t, err.Error(), "disk full")

	err = DecodeError(EncodeError(apperrors.OperationTimeout(true, "agent silent"), []byte("stack")))
	active, ok := apperrors.TimeoutActive(err)
	require.True(t, ok)
	require.True(t, active)
	require.Equal(t, "stack", RemoteStack(err))

	require.True(t, apperrors.HasCode(DecodeError(nil), apperrors.CodeOperationFailed))
	require.True(t, apperrors.HasCode(DecodeError([]byte("{")), apperrors.CodeOperationFailed))
}

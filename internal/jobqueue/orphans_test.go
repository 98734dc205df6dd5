package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/worker"
)

// inspectingEnqueuer never runs jobs; ids in dropped are reported gone.
type inspectingEnqueuer struct {
	recordingEnqueuer
	mu      sync.Mutex
	dropped map[int64]bool
}

func (e *inspectingEnqueuer) drop(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dropped == nil {
		e.dropped = map[int64]bool{}
	}
	e.dropped[id] = true
}

func (e *inspectingEnqueuer) Alive(_ context.Context, id int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.dropped[id], nil
}

func TestFailOrphans_DroppedJobFreesLane(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	enq := &inspectingEnqueuer{}
	f.queue.enqueuer = enq
	f.queue.now = func() time.Time { return time.Now().Add(time.Millisecond) }
	d := f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		return nil, nil
	}))

	start, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)
	reboot, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.ErrorIs(t, d.Execute(ctx, reboot.JobID, 1), ErrLaneBusy)

	joined, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.True(t, joined.Joined)

	n, err := f.queue.FailOrphans(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n, "backend still holds both jobs")

	startJob, err := f.store.GetJob(ctx, start.JobID)
	require.NoError(t, err)
	enq.drop(*startJob.RiverJobID)

	n, err = f.queue.FailOrphans(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = start.Wait(ctx)
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed))
	_, err = joined.Wait(ctx)
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed))

	require.NoError(t, d.Execute(ctx, reboot.JobID, 1))
	got, err := f.store.GetJob(ctx, reboot.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, got.Status)

	fresh, err := f.queue.SubmitOrJoin(ctx, startCmd(1), domain.Caller{})
	require.NoError(t, err)
	require.False(t, fresh.Joined)
	require.NotEqual(t, start.JobID, fresh.JobID)
}

func TestFailOrphans_StaleJobTimesOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)

	n, err := f.queue.FailOrphans(ctx, time.Minute)
	require.NoError(t, err)
	require.Zero(t, n, "within grace")

	f.queue.now = func() time.Time { return time.Now().Add(f.queue.cfg.Timeout + 2*time.Second) }
	n, err = f.queue.FailOrphans(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.store.GetJob(ctx, out.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.True(t, apperrors.HasCode(DecodeError(got.Error), apperrors.CodeOperationFailed))

	n, err = f.queue.FailOrphans(ctx, time.Second)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAbandon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out, err := f.queue.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)

	ok, err := f.queue.Abandon(ctx, out.JobID, 1, apperrors.OperationFailed("attempts exhausted"))
	require.NoError(t, err)
	require.True(t, ok)
	_, err = out.Wait(ctx)
	require.True(t, apperrors.HasCode(err, apperrors.CodeOperationFailed))

	ok, err = f.queue.Abandon(ctx, out.JobID, 1, apperrors.OperationFailed("again"))
	require.NoError(t, err)
	require.False(t, ok, "already finished")
	ok, err = f.queue.Abandon(ctx, "missing", 1, apperrors.OperationFailed("gone"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLocalEnqueuer_Alive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pools, err := worker.NewPools(worker.PoolConfig{GeneralPoolSize: 2, AgentPoolSize: 1})
	require.NoError(t, err)
	defer pools.Shutdown()

	release := make(chan struct{})
	local := NewLocalEnqueuer(pools.General, 5*time.Millisecond)
	local.SetDispatcher(f.dispatcher(handlerFunc(func(context.Context, *domain.WorkJob, domain.WorkCommand) ([]byte, error) {
		<-release
		return nil, nil
	})))
	q := New(f.store, local, f.bus, Config{NodeID: 1, CheckInterval: 10 * time.Millisecond, Timeout: 2 * time.Second})

	out, err := q.SubmitOrJoin(ctx, rebootCmd(1), domain.Caller{})
	require.NoError(t, err)
	job, err := f.store.GetJob(ctx, out.JobID)
	require.NoError(t, err)

	alive, err := local.Alive(ctx, *job.RiverJobID)
	require.NoError(t, err)
	require.True(t, alive)

	close(release)
	_, err = out.Wait(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		alive, _ := local.Alive(ctx, *job.RiverJobID)
		return !alive
	}, time.Second, 5*time.Millisecond)
}

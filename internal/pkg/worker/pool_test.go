package worker

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json")
	os.Exit(m.Run())
}

func newTestPools(t *testing.T, general, agent int) *Pools {
	t.Helper()
	pools, err := NewPools(PoolConfig{GeneralPoolSize: general, AgentPoolSize: agent})
	require.NoError(t, err)
	t.Cleanup(pools.Shutdown)
	return pools
}

func TestPool_Submit(t *testing.T) {
	pools := newTestPools(t, 10, 5)

	done := make(chan struct{})
	require.NoError(t, pools.Agent.Submit(context.Background(), func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not executed")
	}
}

func TestPool_Submit_CancelledContext(t *testing.T) {
	pools := newTestPools(t, 2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pools.General.Submit(ctx, func(context.Context) {
		t.Error("task must not run with a cancelled context")
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_Submit_SkipsTaskCancelledWhileQueued(t *testing.T) {
	pools := newTestPools(t, 1, 1)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pools.General.Submit(ctx, func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	queuedCtx, cancel := context.WithCancel(ctx)
	var ran atomic.Bool
	submitted := make(chan error, 1)
	go func() {
		submitted <- pools.General.Submit(queuedCtx, func(context.Context) { ran.Store(true) })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)
	if err := <-submitted; err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}

	pools.Shutdown()
	require.False(t, ran.Load())
}

func TestPool_FanOut(t *testing.T) {
	pools := newTestPools(t, 4, 1)

	var mu sync.Mutex
	seen := make(map[int]bool)
	pools.Agent.FanOut(context.Background(), 20, func(_ context.Context, i int) {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
	})
	require.Len(t, seen, 20)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pools, err := NewPools(PoolConfig{GeneralPoolSize: 1, AgentPoolSize: 1})
	require.NoError(t, err)
	pools.Shutdown()

	err = pools.General.Submit(context.Background(), func(context.Context) {})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPools_Collector(t *testing.T) {
	pools := newTestPools(t, 10, 5)

	expected := `
# HELP conductor_worker_pool_capacity Configured pool size.
# TYPE conductor_worker_pool_capacity gauge
conductor_worker_pool_capacity{pool="agent"} 5
conductor_worker_pool_capacity{pool="general"} 10
`
	require.NoError(t, testutil.CollectAndCompare(pools, strings.NewReader(expected), "conductor_worker_pool_capacity"))
	require.Equal(t, 6, testutil.CollectAndCount(pools))
}

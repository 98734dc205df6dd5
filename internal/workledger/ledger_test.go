package workledger

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
	"vmconductor.io/conductor/internal/repository/memory"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json")
	os.Exit(m.Run())
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

// pollingStore counts outstanding-work lookups. onFind runs before each
// lookup with its 1-based number.
type pollingStore struct {
	*memory.Store
	mu     sync.Mutex
	finds  int
	onFind func(n int)
}

func (s *pollingStore) FindOutstandingWork(ctx context.Context, vmID int64, state domain.State) (*domain.WorkItem, error) {
	s.mu.Lock()
	s.finds++
	n, hook := s.finds, s.onFind
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return s.Store.FindOutstandingWork(ctx, vmID, state)
}

func (s *pollingStore) polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}

func newLedger(t *testing.T, cfg Config) (*Ledger, *pollingStore, *fakeClock, *domain.VM) {
	t.Helper()
	store := &pollingStore{Store: memory.New()}
	vm := &domain.VM{ID: 1, State: domain.StateStarting}
	require.NoError(t, store.CreateVM(context.Background(), vm))
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(store, store, cfg)
	l.now = clock.now
	return l, store, clock, vm
}

func stateChange(vm *domain.VM, to domain.State) repository.StateChange {
	return repository.StateChange{VMID: vm.ID, FromState: vm.State, FromHostID: vm.HostID, ToState: to, At: time.Now()}
}

func TestAwaitOutstanding(t *testing.T) {
	base := Config{NodeID: 1, WaitInterval: time.Millisecond, WaitRetry: 3, CancelInterval: time.Hour}

	tests := []struct {
		name      string
		cfg       Config
		setup     func(t *testing.T, l *Ledger, store *pollingStore, clock *fakeClock, vm *domain.VM)
		wantOK    bool
		wantPolls int
	}{
		{
			name:      "no outstanding item",
			cfg:       base,
			setup:     func(*testing.T, *Ledger, *pollingStore, *fakeClock, *domain.VM) {},
			wantOK:    true,
			wantPolls: 1,
		},
		{
			name: "done item is absent",
			cfg:  base,
			setup: func(t *testing.T, l *Ledger, _ *pollingStore, _ *fakeClock, vm *domain.VM) {
				w, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
				l.MarkDone(context.Background(), w)
			},
			wantOK:    true,
			wantPolls: 1,
		},
		{
			name: "vm already settled",
			cfg:  base,
			setup: func(t *testing.T, l *Ledger, store *pollingStore, _ *fakeClock, vm *domain.VM) {
				_, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
				ok, err := store.UpdateState(context.Background(), stateChange(vm, domain.StateRunning))
				require.NoError(t, err)
				require.True(t, ok)
			},
			wantOK:    true,
			wantPolls: 1,
		},
		{
			name: "holder finishes while waiting",
			cfg:  base,
			setup: func(t *testing.T, l *Ledger, store *pollingStore, _ *fakeClock, vm *domain.VM) {
				w, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
				store.onFind = func(n int) {
					if n == 3 {
						l.MarkDone(context.Background(), w)
					}
				}
			},
			wantOK:    true,
			wantPolls: 3,
		},
		{
			name: "abandoned item",
			cfg:  base,
			setup: func(t *testing.T, l *Ledger, _ *pollingStore, clock *fakeClock, vm *domain.VM) {
				_, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
				clock.t = clock.t.Add(2 * time.Hour)
			},
			wantOK:    false,
			wantPolls: 1,
		},
		{
			name: "retry budget exhausted",
			cfg:  base,
			setup: func(t *testing.T, l *Ledger, _ *pollingStore, _ *fakeClock, vm *domain.VM) {
				_, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
			},
			wantOK:    false,
			wantPolls: 4,
		},
		{
			name: "unbounded waits until abandoned",
			cfg:  Config{NodeID: 1, WaitInterval: time.Millisecond, WaitRetry: config.UnboundedRetry, CancelInterval: time.Hour},
			setup: func(t *testing.T, l *Ledger, store *pollingStore, clock *fakeClock, vm *domain.VM) {
				_, err := l.Begin(context.Background(), vm, domain.StateStarting)
				require.NoError(t, err)
				store.onFind = func(int) { clock.t = clock.t.Add(10 * time.Minute) }
			},
			wantOK:    false,
			wantPolls: 7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, clock, vm := newLedger(t, tt.cfg)
			tt.setup(t, l, store, clock, vm)

			ok, err := l.AwaitOutstanding(context.Background(), vm.ID, domain.StateStarting)
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.wantPolls, store.polls())
		})
	}
}

func TestAwaitOutstanding_ContextCancelled(t *testing.T) {
	store := memory.New()
	vm := &domain.VM{ID: 1, State: domain.StateStarting}
	require.NoError(t, store.CreateVM(context.Background(), vm))
	l := New(store, store, Config{NodeID: 1, WaitInterval: time.Hour, WaitRetry: config.UnboundedRetry, CancelInterval: 2 * time.Hour})
	_, err := l.Begin(context.Background(), vm, domain.StateStarting)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok, err := l.AwaitOutstanding(ctx, vm.ID, domain.StateStarting)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
}

func TestLedger_StepsAndSweeps(t *testing.T) {
	ctx := context.Background()
	l, store, clock, vm := newLedger(t, Config{NodeID: 7, WaitInterval: time.Second, WaitRetry: 1, CancelInterval: time.Hour})

	w, err := l.Begin(ctx, vm, domain.StateStarting)
	require.NoError(t, err)
	require.Equal(t, domain.StepPrepare, w.Step)
	require.Equal(t, int64(7), w.NodeID)

	clock.t = clock.t.Add(time.Minute)
	require.NoError(t, l.UpdateStep(ctx, w, domain.StepStarting))
	got, err := store.GetWorkItem(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepStarting, got.Step)
	require.Equal(t, clock.t, got.UpdatedAt)

	owned, err := l.ListOwned(ctx)
	require.NoError(t, err)
	require.Len(t, owned, 1)

	clock.t = clock.t.Add(2 * time.Hour)
	stuck, err := l.ListStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, stuck, 1)

	l.MarkDone(ctx, w)
	l.MarkDone(ctx, w)
	require.Equal(t, domain.StepDone, w.Step)

	stuck, err = l.ListStuck(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, stuck)

	n, err := l.CleanupDone(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n, "done item is inside the grace window")

	clock.t = clock.t.Add(2 * time.Hour)
	n, err = l.CleanupDone(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMarkDone_IgnoresCancelledContext(t *testing.T) {
	l, store, _, vm := newLedger(t, Config{NodeID: 1})
	w, err := l.Begin(context.Background(), vm, domain.StateStopping)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.MarkDone(ctx, w)

	got, err := store.GetWorkItem(context.Background(), w.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StepDone, got.Step)
}

func TestSettledState(t *testing.T) {
	tests := []struct {
		in   domain.State
		want domain.State
		ok   bool
	}{
		{domain.StateStarting, domain.StateRunning, true},
		{domain.StateMigrating, domain.StateRunning, true},
		{domain.StateStopping, domain.StateStopped, true},
		{domain.StateRunning, "", false},
	}
	for _, tt := range tests {
		got, ok := SettledState(tt.in)
		require.Equal(t, tt.ok, ok, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

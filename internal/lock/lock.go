// Package lock provides named advisory locks shared across management
// nodes.
//
// Locks are acquired with a bounded wait. Failing to acquire is reported as
// ok=false, never as an error; callers decide whether to skip a cycle or
// surface a concurrency conflict.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// pollInterval is how often a contended lock is retried.
const pollInterval = 100 * time.Millisecond

// Well-known global lock names.
const (
	NameStartupRecovery = "vmconductor.startup_recovery"
	NameWorkCleanup     = "vmconductor.work_cleanup"
	NameStuckWorkScan   = "vmconductor.stuck_work_scan"
	NameJobExpunge      = "vmconductor.job_expunge"
	NameOrphanJobSweep  = "vmconductor.orphan_job_sweep"
	NameStallScan       = "vmconductor.stall_scan"
)

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires advisory locks.
type Locker interface {
	// TryLock acquires name, retrying until timeout. A non-positive timeout
	// makes a single attempt.
	TryLock(ctx context.Context, name string, timeout time.Duration) (Lease, bool, error)
}

// RowName is the lock name guarding one row of table.
func RowName(table string, id int64) string {
	return fmt.Sprintf("%s:%d", table, id)
}

// TryLockRow acquires the row-level lock for (table, id).
func TryLockRow(ctx context.Context, l Locker, table string, id int64, timeout time.Duration) (Lease, bool, error) {
	return l.TryLock(ctx, RowName(table, id), timeout)
}

// WithLock runs fn while holding name. It reports false without calling fn
// when the lock could not be acquired in time.
func WithLock(ctx context.Context, l Locker, name string, timeout time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lease, ok, err := l.TryLock(ctx, name, timeout)
	if err != nil || !ok {
		return false, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return true, fn(ctx)
}

// acquire polls try until it succeeds or timeout elapses.
func acquire(ctx context.Context, timeout time.Duration, try func(ctx context.Context) (bool, error)) (bool, error) {
	if timeout <= 0 {
		return try(ctx)
	}
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true, try)
	if err == nil {
		return true, nil
	}
	if wait.Interrupted(err) && ctx.Err() == nil {
		return false, nil
	}
	return false, err
}

// Memory is a process-local Locker for tests and single-node runs.
type Memory struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]struct{})}
}

// TryLock implements Locker.
func (m *Memory) TryLock(ctx context.Context, name string, timeout time.Duration) (Lease, bool, error) {
	ok, err := acquire(ctx, timeout, func(context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, taken := m.held[name]; taken {
			return false, nil
		}
		m.held[name] = struct{}{}
		return true, nil
	})
	if err != nil || !ok {
		return nil, false, err
	}
	return &memoryLease{m: m, name: name}, true, nil
}

// Held reports whether name is currently locked.
func (m *Memory) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

type memoryLease struct {
	m    *Memory
	name string
	once sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.m.mu.Lock()
		delete(l.m.held, l.name)
		l.m.mu.Unlock()
	})
	return nil
}

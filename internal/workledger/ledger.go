// Package workledger records in-flight VM operations ("work items").
//
// A work item is created right before a transition is attempted, its
// step advanced as the saga progresses and marked Done when the saga
// exits. Other nodes consult outstanding items to avoid running two
// transitional operations on one VM; sweeps delete old Done items and
// hand stuck ones to HA.
package workledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"vmconductor.io/conductor/internal/config"
	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// VMReader re-reads VM records while waiting on another holder.
type VMReader interface {
	GetVM(ctx context.Context, id int64) (*domain.VM, error)
}

// Config tunes waiting on outstanding work.
type Config struct {
	NodeID int64
	// WaitInterval is the sleep between polls of an outstanding item.
	WaitInterval time.Duration
	// WaitRetry bounds the number of polls. config.UnboundedRetry waits
	// until the item is done or abandoned.
	WaitRetry int
	// CancelInterval is the inactivity after which an item counts as
	// abandoned by a crashed holder.
	CancelInterval time.Duration
}

// ConfigFrom extracts the ledger settings.
func ConfigFrom(node config.NodeConfig, o config.OrchestratorConfig) Config {
	return Config{
		NodeID:         node.ID,
		WaitInterval:   o.OpWaitInterval,
		WaitRetry:      o.OpWaitRetry,
		CancelInterval: o.OpCancelInterval,
	}
}

// Ledger manages work items.
type Ledger struct {
	store repository.WorkItemStore
	vms   VMReader
	cfg   Config

	now func() time.Time
}

// New creates a Ledger.
func New(store repository.WorkItemStore, vms VMReader, cfg Config) *Ledger {
	return &Ledger{
		store: store,
		vms:   vms,
		cfg:   cfg,
		now:   time.Now,
	}
}

// NodeID returns the node stamped on new items.
func (l *Ledger) NodeID() int64 { return l.cfg.NodeID }

// Begin records a new item for vm moving toward state, at step Prepare.
func (l *Ledger) Begin(ctx context.Context, vm *domain.VM, state domain.State) (*domain.WorkItem, error) {
	now := l.now()
	w := &domain.WorkItem{
		VMID:      vm.ID,
		VMType:    vm.Type,
		NodeID:    l.cfg.NodeID,
		State:     state,
		Step:      domain.StepPrepare,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := l.store.CreateWorkItem(ctx, w); err != nil {
		return nil, fmt.Errorf("create work item for vm %d: %w", vm.ID, err)
	}
	logger.Debug("Work item created",
		zap.String("work_id", w.ID),
		zap.Int64("vm_id", vm.ID),
		zap.String("state", string(state)),
	)
	return w, nil
}

// UpdateStep advances w to step. w is updated in place.
func (l *Ledger) UpdateStep(ctx context.Context, w *domain.WorkItem, step domain.Step) error {
	now := l.now()
	if err := l.store.UpdateWorkStep(ctx, w.ID, step, now); err != nil {
		return fmt.Errorf("update work item %s to %s: %w", w.ID, step, err)
	}
	w.Step = step
	w.UpdatedAt = now
	return nil
}

// MarkDone marks w Done. It runs even if ctx was cancelled, since callers
// invoke it from deferred cleanup.
func (l *Ledger) MarkDone(ctx context.Context, w *domain.WorkItem) {
	if w == nil || w.Step == domain.StepDone {
		return
	}
	if err := l.UpdateStep(context.WithoutCancel(ctx), w, domain.StepDone); err != nil {
		logger.Error("Failed to mark work item done",
			zap.String("work_id", w.ID),
			zap.Int64("vm_id", w.VMID),
			zap.Error(err),
		)
	}
}

// AwaitOutstanding waits for another holder's outstanding item for vm in
// state. It returns true when the caller may proceed: no outstanding item,
// the item reached Done, or the VM already settled past state. It returns
// false when the item was abandoned or the retry budget ran out; callers
// report that as a concurrent operation.
func (l *Ledger) AwaitOutstanding(ctx context.Context, vmID int64, state domain.State) (bool, error) {
	var (
		proceed bool
		polls   int
	)
	err := wait.PollUntilContextCancel(ctx, l.cfg.WaitInterval, true, func(ctx context.Context) (bool, error) {
		polls++
		w, err := l.store.FindOutstandingWork(ctx, vmID, state)
		if err != nil {
			return false, fmt.Errorf("find outstanding work for vm %d: %w", vmID, err)
		}
		if w == nil || w.Step == domain.StepDone {
			proceed = true
			return true, nil
		}

		vm, err := l.vms.GetVM(ctx, vmID)
		if err != nil {
			return false, fmt.Errorf("re-read vm %d: %w", vmID, err)
		}
		if settled, ok := SettledState(state); ok && vm.State == settled {
			proceed = true
			return true, nil
		}

		inactive := w.InactiveFor(l.now())
		if l.cfg.CancelInterval > 0 && inactive > l.cfg.CancelInterval {
			logger.Warn("Outstanding work item abandoned",
				zap.String("work_id", w.ID),
				zap.Int64("vm_id", vmID),
				zap.Int64("owner_node", w.NodeID),
				zap.Duration("inactive", inactive),
			)
			return true, nil
		}
		if l.cfg.WaitRetry != config.UnboundedRetry && polls > l.cfg.WaitRetry {
			return true, nil
		}

		logger.Debug("Waiting on outstanding work item",
			zap.String("work_id", w.ID),
			zap.Int64("vm_id", vmID),
			zap.String("step", string(w.Step)),
			zap.Int("poll", polls),
		)
		return false, nil
	})
	if err != nil {
		return false, err
	}
	return proceed, nil
}

// SettledState is the state a VM reaches when an operation toward the
// transitional state completes.
func SettledState(state domain.State) (domain.State, bool) {
	switch state {
	case domain.StateStarting, domain.StateMigrating:
		return domain.StateRunning, true
	case domain.StateStopping:
		return domain.StateStopped, true
	}
	return "", false
}

// CleanupDone deletes Done items older than grace.
func (l *Ledger) CleanupDone(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := l.store.DeleteDoneWorkBefore(ctx, l.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("delete done work items: %w", err)
	}
	return n, nil
}

// ListStuck returns outstanding items that have not moved for liveness.
func (l *Ledger) ListStuck(ctx context.Context, liveness time.Duration) ([]*domain.WorkItem, error) {
	items, err := l.store.ListOutstandingWorkInactiveSince(ctx, l.now().Add(-liveness))
	if err != nil {
		return nil, fmt.Errorf("list stuck work items: %w", err)
	}
	return items, nil
}

// ListOwned returns this node's outstanding items, for startup recovery.
func (l *Ledger) ListOwned(ctx context.Context) ([]*domain.WorkItem, error) {
	items, err := l.store.ListOutstandingWorkByNode(ctx, l.cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("list work items of node %d: %w", l.cfg.NodeID, err)
	}
	return items, nil
}

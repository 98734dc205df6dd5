package reconciler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"

	"vmconductor.io/conductor/internal/domain"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// ScanStalled looks for VMs stuck in a transitional state. On a reachable
// host that has not reported the VM within the stall threshold, a power-off
// report is synthesized and reconciled like any other. On an unreachable
// host nothing can be assumed about the VM, so an operator alert is raised
// once per stall.
func (r *Reconciler) ScanStalled(ctx context.Context) error {
	hosts, err := r.store.ListHosts(ctx, repository.HostFilter{})
	if err != nil {
		return fmt.Errorf("list hosts: %w", err)
	}
	byID := make(map[int64]*domain.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
	}
	vms, err := r.store.ListVMsInStates(ctx, domain.TransitionalStates...)
	if err != nil {
		return fmt.Errorf("list transitional vms: %w", err)
	}

	now := r.now()
	stalled := sets.New[int64]()
	for _, vm := range vms {
		if vm.HostID == nil || vm.Removed != nil {
			continue
		}
		host := byID[*vm.HostID]
		if host == nil {
			continue
		}
		age := now.Sub(vm.UpdatedAt)

		if !host.Status.Reachable() {
			if age < r.cfg.UnreachableStallThreshold {
				continue
			}
			stalled.Insert(vm.ID)
			if r.markAlerted(vm.ID) {
				r.monitor.actions.WithLabelValues(ActionStalledUnreachable).Inc()
				logger.Warn("VM stalled on unreachable host",
					append(logVM(vm), zap.String("host_status", string(host.Status)), zap.Duration("stalled", age))...)
				r.alerts.OnStalledOnUnreachableHost(ctx, vm, host, age)
			}
			continue
		}

		if age < r.cfg.StallThreshold() || now.Sub(lastSeen(vm, host.ID)) < r.cfg.StallThreshold() {
			continue
		}
		jobs, err := r.store.ListPendingJobs(ctx, vm.ID)
		if err != nil {
			logger.Warn("Failed to check pending jobs of stalled VM", append(logVM(vm), zap.Error(err))...)
			continue
		}
		if len(jobs) > 0 {
			continue
		}
		r.monitor.actions.WithLabelValues(ActionStallSynthesized).Inc()
		logger.Warn("VM stalled without a power report, synthesizing power-off",
			append(logVM(vm), zap.Duration("stalled", age))...)
		if err := r.store.ResetPowerTracking(ctx, vm.ID); err != nil {
			logger.Warn("Failed to reset power tracking", append(logVM(vm), zap.Error(err))...)
		}
		r.updatePower(ctx, vm, host.ID, domain.PowerOff, now)
	}

	r.mu.Lock()
	r.alerted = r.alerted.Intersection(stalled)
	r.mu.Unlock()
	return nil
}

// markAlerted records vmID as alerted and reports whether it was new.
func (r *Reconciler) markAlerted(vmID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.alerted.Has(vmID) {
		return false
	}
	r.alerted.Insert(vmID)
	return true
}

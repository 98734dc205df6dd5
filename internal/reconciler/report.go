package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/domain"
	apperrors "vmconductor.io/conductor/internal/pkg/errors"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/repository"
)

// HandleHostReport records a full power report from hostID: instance name
// to power state for every VM the host knows. VMs expected on the host but
// absent from the report for longer than the missing-report grace are
// marked PowerReportMissing.
func (r *Reconciler) HandleHostReport(ctx context.Context, hostID int64, report map[string]domain.PowerState) error {
	if _, err := r.store.GetHost(ctx, hostID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound(apperrors.CodeHostNotFound, fmt.Sprintf("host %d not found", hostID)).
				WithParam(apperrors.ParamHostID, hostID)
		}
		return fmt.Errorf("load host %d: %w", hostID, err)
	}
	now := r.now()
	r.monitor.reports.WithLabelValues("host").Inc()
	if err := r.store.UpdateHostStatus(ctx, hostID, domain.HostUp, now); err != nil {
		logger.Warn("Failed to record host ping", zap.Int64("host_id", hostID), zap.Error(err))
	}

	names := make([]string, 0, len(report))
	for name := range report {
		names = append(names, name)
	}
	sort.Strings(names)
	vms, err := r.store.FindVMsByInstanceNames(ctx, names)
	if err != nil {
		return fmt.Errorf("translate instance names of host %d: %w", hostID, err)
	}

	known := make([]*domain.VM, 0, len(vms))
	for _, name := range names {
		vm, ok := vms[name]
		if !ok {
			r.monitor.unknownInstances.Inc()
			logger.Warn("Host reported an unknown instance",
				zap.Int64("host_id", hostID),
				zap.String("instance_name", name),
				zap.String("power_state", string(report[name])),
			)
			continue
		}
		known = append(known, vm)
	}

	r.pools.Agent.FanOut(ctx, len(known), func(ctx context.Context, i int) {
		vm := known[i]
		r.updatePower(ctx, vm, hostID, report[vm.InstanceName], now)
	})

	return r.detectMissing(ctx, hostID, report, now)
}

// HandlePowerChange records a single power-state change notification.
func (r *Reconciler) HandlePowerChange(ctx context.Context, vmID, hostID int64, state domain.PowerState) error {
	vm, err := r.store.GetVM(ctx, vmID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && vm.Removed != nil) {
		return apperrors.VMNotFound(fmt.Sprint(vmID))
	}
	if err != nil {
		return fmt.Errorf("load vm %d: %w", vmID, err)
	}
	r.monitor.reports.WithLabelValues("vm").Inc()
	r.updatePower(ctx, vm, hostID, state, r.now())
	return nil
}

// detectMissing marks VMs placed on hostID but absent from its report.
// Migrating VMs are skipped: they are not on their destination yet.
func (r *Reconciler) detectMissing(ctx context.Context, hostID int64, report map[string]domain.PowerState, now time.Time) error {
	placed, err := r.store.ListVMsByHost(ctx, hostID, domain.StateRunning, domain.StateStarting, domain.StateStopping)
	if err != nil {
		return fmt.Errorf("list vms of host %d: %w", hostID, err)
	}
	for _, vm := range placed {
		if _, ok := report[vm.InstanceName]; ok {
			continue
		}
		if now.Sub(lastSeen(vm, hostID)) < r.cfg.MissingReportGrace {
			continue
		}
		logger.Info("VM missing from host report", append(logVM(vm), zap.Int64("report_host_id", hostID))...)
		r.updatePower(ctx, vm, hostID, domain.PowerReportMissing, now)
	}
	return nil
}

// lastSeen is when hostID last reported vm, or when vm last changed state
// if that is more recent.
func lastSeen(vm *domain.VM, hostID int64) time.Time {
	seen := vm.UpdatedAt
	if vm.PowerStateUpdatedAt != nil && domain.SameID(vm.PowerHostID, domain.ID64(hostID)) &&
		vm.PowerStateUpdatedAt.After(seen) {
		seen = *vm.PowerStateUpdatedAt
	}
	return seen
}

func (r *Reconciler) updatePower(ctx context.Context, vm *domain.VM, hostID int64, state domain.PowerState, at time.Time) {
	changed, err := r.store.UpdatePowerState(ctx, vm.ID, hostID, state, at)
	if err != nil {
		logger.Error("Failed to record power state", append(logVM(vm), zap.Error(err))...)
		return
	}
	if !changed {
		return
	}
	logger.Debug("Power state recorded",
		append(logVM(vm), zap.Int64("report_host_id", hostID), zap.String("reported", string(state)))...)
	r.publish(ctx, vm.ID)
}

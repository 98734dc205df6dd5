package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/jobs"
	"vmconductor.io/conductor/internal/lock"
	"vmconductor.io/conductor/internal/pkg/logger"
	"vmconductor.io/conductor/internal/provider/simulator"
	"vmconductor.io/conductor/internal/reconciler"
)

// ReconcilerModule wires the power-state reconciler and, for simulated
// fleets, the reporter that plays the host agents.
type ReconcilerModule struct {
	infra      *Infrastructure
	reconciler *reconciler.Reconciler
	reporter   *simulator.Reporter
}

// NewReconcilerModule creates the reconciler module.
func NewReconcilerModule(infra *Infrastructure) (*ReconcilerModule, error) {
	cfg := infra.Config
	rec, err := reconciler.New(reconciler.Deps{
		Config:        reconciler.ConfigFrom(cfg.Reconciler, cfg.Orchestrator),
		Store:         infra.Store,
		Machine:       infra.Machine,
		Bus:           infra.Bus,
		Pools:         infra.Pools,
		Collaborators: infra.Collaborators,
		Monitor:       reconciler.NewMonitor(infra.Registry),
	})
	if err != nil {
		return nil, fmt.Errorf("init reconciler: %w", err)
	}
	m := &ReconcilerModule{infra: infra, reconciler: rec}
	if cfg.Reconciler.SimulateReports {
		m.reporter = simulator.NewReporter(infra.Simulator, infra.Store, rec.HandleHostReport, cfg.Reconciler.ReportInterval)
	}
	return m, nil
}

func (m *ReconcilerModule) Name() string { return "reconciler" }

func (m *ReconcilerModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Reports = m.reconciler
}

func (m *ReconcilerModule) RegisterWorkers(*river.Workers) {}

func (m *ReconcilerModule) MaintenanceTasks() []jobs.MaintenanceTask {
	return []jobs.MaintenanceTask{{
		Name:     jobs.TaskStallScan,
		LockName: lock.NameStallScan,
		Interval: m.infra.Config.Reconciler.ReportInterval,
		Run:      m.reconciler.ScanStalled,
	}}
}

func (m *ReconcilerModule) Start(ctx context.Context) error {
	if err := m.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	if m.reporter != nil {
		n, err := m.infra.Simulator.Restore(ctx, m.infra.Store)
		if err != nil {
			return fmt.Errorf("restore simulated instances: %w", err)
		}
		logger.Info("Simulated host agents restored", zap.Int("instances", n))
		m.reporter.Start(ctx)
	}
	return nil
}

func (m *ReconcilerModule) Shutdown(context.Context) error {
	if m.reporter != nil {
		m.reporter.Stop()
	}
	m.reconciler.Stop()
	return nil
}

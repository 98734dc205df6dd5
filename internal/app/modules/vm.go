package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"vmconductor.io/conductor/internal/api/handlers"
	"vmconductor.io/conductor/internal/governance/audit"
	"vmconductor.io/conductor/internal/jobqueue"
	"vmconductor.io/conductor/internal/jobs"
	"vmconductor.io/conductor/internal/lock"
	"vmconductor.io/conductor/internal/orchestrator"
	"vmconductor.io/conductor/internal/provider"
	"vmconductor.io/conductor/internal/workledger"
)

// VMModule wires the lifecycle orchestrator, its work queue and the
// vm_work River worker.
type VMModule struct {
	infra        *Infrastructure
	orchestrator *orchestrator.Orchestrator
	enqueuer     *jobqueue.RiverEnqueuer
	queue        *jobqueue.Queue
	dispatcher   *jobqueue.Dispatcher
	worker       *jobs.VMWorkWorker
}

// NewVMModule creates a VM module with explicit constructor wiring.
func NewVMModule(infra *Infrastructure) (*VMModule, error) {
	cfg := infra.Config

	gurus, err := provider.NewGuruRegistry(provider.DefaultGurus()...)
	if err != nil {
		return nil, fmt.Errorf("guru registry: %w", err)
	}
	hypervisors, err := provider.NewHypervisorRegistry(provider.DefaultHypervisorGurus()...)
	if err != nil {
		return nil, fmt.Errorf("hypervisor registry: %w", err)
	}

	enqueuer := jobqueue.NewRiverEnqueuer()
	queue := jobqueue.New(infra.Store, enqueuer, infra.Bus, jobqueue.ConfigFrom(cfg.Node, cfg.Orchestrator))
	ledger := workledger.New(infra.Store, infra.Store, workledger.ConfigFrom(cfg.Node, cfg.Orchestrator))

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:        orchestrator.ConfigFrom(cfg.Node, cfg.Orchestrator),
		Store:         infra.Store,
		Machine:       infra.Machine,
		Ledger:        ledger,
		Queue:         queue,
		Bus:           infra.Bus,
		Locker:        infra.Locker,
		Gurus:         gurus,
		Hypervisors:   hypervisors,
		Collaborators: infra.Collaborators,
		Monitor:       orchestrator.NewMonitor(infra.Registry),
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	return &VMModule{
		infra:        infra,
		orchestrator: orch,
		enqueuer:     enqueuer,
		queue:        queue,
		dispatcher:   jobqueue.NewDispatcher(infra.Store, infra.Locker, infra.Bus, orch, cfg.Node.ID),
	}, nil
}

func (m *VMModule) Name() string { return "vm" }

func (m *VMModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Lifecycle = m.orchestrator
	deps.VMs = m.infra.Store
	deps.Audit = audit.NewLogger(m.infra.Store)
}

func (m *VMModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil {
		return
	}
	cfg := m.infra.Config
	m.worker = jobs.NewVMWorkWorker(m.dispatcher, m.queue, cfg.River.LaneSnooze, cfg.Orchestrator.JobTimeout)
	river.AddWorker(workers, m.worker)
}

func (m *VMModule) OnJobExhausted(ctx context.Context, job *rivertype.JobRow, cause error) {
	if m.worker != nil {
		m.worker.OnExhausted(ctx, job, cause)
	}
}

func (m *VMModule) UseRiverClient(client *river.Client[pgx.Tx]) {
	m.enqueuer.SetClient(client)
}

func (m *VMModule) MaintenanceTasks() []jobs.MaintenanceTask {
	o := m.infra.Config.Orchestrator
	return []jobs.MaintenanceTask{
		{
			Name:     jobs.TaskWorkCleanup,
			LockName: lock.NameWorkCleanup,
			Interval: o.OpCleanupInterval,
			Run: func(ctx context.Context) error {
				return m.orchestrator.CleanupWork(ctx, o.OpCleanupWait)
			},
		},
		{
			Name:     jobs.TaskStuckWorkScan,
			LockName: lock.NameStuckWorkScan,
			Interval: o.TransitionalLiveness / 2,
			Run:      m.orchestrator.HandleStuckWork,
		},
		{
			Name:     jobs.TaskOrphanJobs,
			LockName: lock.NameOrphanJobSweep,
			Interval: o.OrphanSweepInterval,
			Run: func(ctx context.Context) error {
				_, err := m.queue.FailOrphans(ctx, o.OrphanGrace)
				return err
			},
		},
		{
			Name:     jobs.TaskJobExpunge,
			LockName: lock.NameJobExpunge,
			Interval: o.OpCleanupInterval,
			Run: func(ctx context.Context) error {
				return m.orchestrator.ExpungeJobs(ctx, o.JobRetention)
			},
		},
	}
}

// Start recovers work this node left behind before River hands it new jobs.
func (m *VMModule) Start(ctx context.Context) error {
	return m.orchestrator.RecoverNode(ctx)
}

func (m *VMModule) Shutdown(context.Context) error { return nil }
